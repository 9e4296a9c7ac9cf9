package migration_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/cpswap/cpswap/address"
	"github.com/cpswap/cpswap/core/types"
	"github.com/cpswap/cpswap/devnet"
	"github.com/cpswap/cpswap/ledger"
	"github.com/cpswap/cpswap/log"
	"github.com/cpswap/cpswap/migration"
	"github.com/cpswap/cpswap/prover"
	"github.com/cpswap/cpswap/resolver"
)

var (
	program      = types.MustParsePubkey("CPMMoo8L3F4NbTegBCKVNunggL7H1ZpdTHKxQB5qKP1C")
	addressTree  = types.MustParsePubkey("EzKE84aVTkCUhDHLELqyJaq1Y7UVVmqxXqZjVHwHY3rK")
	stateTree    = types.MustParsePubkey("bmt1LryLZUMmF7ZtqESaw7wifBXLfXHQYoE4GAmrahU")
	outputQueue  = types.MustParsePubkey("oq1na8gojfdUhsfCpyjNt6h4JaDWtHf1yQj4koBWfto")
	addressQueue = types.BytesToPubkey([]byte("address queue"))
	feePayer     = types.BytesToPubkey([]byte("fee payer"))
	rentSponsor  = types.BytesToPubkey([]byte("rent sponsor"))
	compConfig   = types.BytesToPubkey([]byte("compression config"))
	ammConfig    = types.BytesToPubkey([]byte("amm config"))
	systemKeys   = []types.Pubkey{
		types.MustParsePubkey("SySTEM1eSU2p4BGQfQpimFEWWSC1XDFeun3Nqzz3rT7"),
		types.MustParsePubkey("compr6CUsB5m2jS4Y3831ztGSTnDpnKJTKS95d64XVq"),
		types.MustParsePubkey("11111111111111111111111111111111"),
	}
)

func testConfig() migration.Config {
	return migration.Config{
		ProgramID:         program,
		AddressTree:       addressTree,
		AddressQueue:      addressQueue,
		OutputQueue:       outputQueue,
		FeePayer:          feePayer,
		RentSponsor:       rentSponsor,
		CompressionConfig: compConfig,
		SystemAccounts:    systemKeys,
	}
}

// recordingProver counts the queries that reach the indexer.
type recordingProver struct {
	inner  *prover.Coordinator
	calls  int
	addrs  int
	leaves int
}

func (p *recordingProver) RequestProof(ctx context.Context, newAddrs []ledger.AddressQuery, leaves []ledger.LeafQuery) (*prover.ValidityProof, error) {
	p.calls++
	p.addrs += len(newAddrs)
	p.leaves += len(leaves)
	return p.inner.RequestProof(ctx, newAddrs, leaves)
}

type env struct {
	net     *devnet.Devnet
	prover  *recordingProver
	builder *migration.Builder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	net := devnet.New(program, stateTree, outputQueue, log.Nop())
	p := &recordingProver{inner: prover.New(net, prover.WithLogger(log.Nop()))}
	r := resolver.New(net, net, resolver.WithLogger(log.Nop()))
	b := migration.NewBuilder(testConfig(), r, p, migration.WithLogger(log.Nop()))
	return &env{net: net, prover: p, builder: b}
}

// pool creates a direct-tier pool account at its program-derived address.
func (e *env) pool(t *testing.T, n byte) migration.Target {
	t.Helper()
	mint0 := types.BytesToPubkey([]byte{'m', n})
	mint1 := types.BytesToPubkey([]byte{'M', n})
	seeds := address.PoolSeeds(ammConfig, mint0, mint1)
	addr, _, err := address.FindProgramAddress(seeds, program)
	if err != nil {
		t.Fatalf("FindProgramAddress: %v", err)
	}
	e.net.Put(addr, &types.AccountView{Owner: program, Lamports: 1000 + uint64(n), Data: []byte{'p', 'o', 'o', 'l', n}})
	return migration.Target{Address: addr, Seeds: seeds}
}

func (e *env) build(t *testing.T, targets []migration.Target, dir migration.Direction) *types.Instruction {
	t.Helper()
	ix, err := e.builder.BuildMigration(context.Background(), targets, dir)
	if err != nil {
		t.Fatalf("BuildMigration(%s): %v", dir, err)
	}
	return ix
}

func (e *env) apply(t *testing.T, ix *types.Instruction) int {
	t.Helper()
	n, err := e.net.Apply(context.Background(), ix)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return n
}

func TestCompressThenRebuildIsNoop(t *testing.T) {
	e := newEnv(t)
	targets := []migration.Target{e.pool(t, 1), e.pool(t, 2)}

	ix := e.build(t, targets, migration.Compress)
	if ix == nil {
		t.Fatal("first build returned nil")
	}
	if n := e.apply(t, ix); n != 2 {
		t.Fatalf("applied %d accounts, want 2", n)
	}
	if e.net.AccountCount() != 0 || e.net.LeafCount() != 2 {
		t.Fatalf("after compress: %d accounts, %d leaves", e.net.AccountCount(), e.net.LeafCount())
	}

	calls := e.prover.calls
	if again := e.build(t, targets, migration.Compress); again != nil {
		t.Fatalf("rebuild after migration = %+v, want nil", again)
	}
	if e.prover.calls != calls {
		t.Fatal("no-op build requested a proof")
	}
}

func TestRoundTrip(t *testing.T) {
	e := newEnv(t)
	target := e.pool(t, 1)
	before, _ := e.net.GetAccount(context.Background(), target.Address)

	e.apply(t, e.build(t, []migration.Target{target}, migration.Compress))
	ix := e.build(t, []migration.Target{{Address: target.Address}}, migration.Decompress)
	if ix == nil {
		t.Fatal("decompress build returned nil")
	}
	if n := e.apply(t, ix); n != 1 {
		t.Fatalf("applied %d accounts, want 1", n)
	}

	after, _ := e.net.GetAccount(context.Background(), target.Address)
	if !after.Equal(before) {
		t.Fatalf("restored %+v, want %+v", after, before)
	}
	if e.net.LeafCount() != 0 {
		t.Fatalf("%d leaves left after decompress", e.net.LeafCount())
	}
	if again := e.build(t, []migration.Target{{Address: target.Address}}, migration.Decompress); again != nil {
		t.Fatal("decompress rebuild is not a no-op")
	}
}

func TestOnlyPendingTargetsAreProven(t *testing.T) {
	e := newEnv(t)
	done := e.pool(t, 1)
	e.apply(t, e.build(t, []migration.Target{done}, migration.Compress))
	e.prover.addrs = 0

	pending := []migration.Target{e.pool(t, 2), e.pool(t, 3)}
	ix := e.build(t, append([]migration.Target{done}, pending...), migration.Compress)
	if ix == nil {
		t.Fatal("build returned nil")
	}
	if e.prover.addrs != 2 {
		t.Fatalf("proved %d addresses, want 2", e.prover.addrs)
	}
	p, err := migration.DecodePayload(ix.Data)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Count() != 2 {
		t.Fatalf("payload migrates %d accounts, want 2", p.Count())
	}
	packed := ix.Accounts[p.PackedOffset:]
	for i, rec := range p.Compress {
		if packed[rec.AccountIndex].Pubkey != pending[i].Address {
			t.Fatalf("record %d points at %s, want %s", i, packed[rec.AccountIndex].Pubkey, pending[i].Address)
		}
		if !bytes.Equal(bytes.Join(rec.Seeds, nil), bytes.Join(pending[i].Seeds, nil)) {
			t.Fatalf("record %d seeds differ", i)
		}
	}
}

func TestAccountListLayout(t *testing.T) {
	e := newEnv(t)
	target := e.pool(t, 1)
	ix := e.build(t, []migration.Target{target}, migration.Compress)
	p, err := migration.DecodePayload(ix.Data)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}

	if ix.ProgramID != program {
		t.Fatalf("program = %s", ix.ProgramID)
	}
	if p.SystemOffset != 3 || int(p.PackedOffset) != 3+len(systemKeys) {
		t.Fatalf("offsets = %d/%d", p.SystemOffset, p.PackedOffset)
	}
	want := []types.AccountMeta{
		{Pubkey: feePayer, IsSigner: true, IsWritable: true},
		{Pubkey: rentSponsor, IsWritable: true},
		{Pubkey: compConfig},
	}
	for _, k := range systemKeys {
		want = append(want, types.AccountMeta{Pubkey: k})
	}
	want = append(want,
		types.AccountMeta{Pubkey: target.Address, IsWritable: true},
		types.AccountMeta{Pubkey: addressTree, IsWritable: true},
		types.AccountMeta{Pubkey: addressQueue, IsWritable: true},
		types.AccountMeta{Pubkey: outputQueue, IsWritable: true},
	)
	if len(ix.Accounts) != len(want) {
		t.Fatalf("%d accounts, want %d", len(ix.Accounts), len(want))
	}
	for i := range want {
		if ix.Accounts[i] != want[i] {
			t.Fatalf("account %d = %+v, want %+v", i, ix.Accounts[i], want[i])
		}
	}
	if p.OutputQueueIndex != 3 {
		t.Fatalf("output queue index = %d, want 3", p.OutputQueueIndex)
	}
	rec := p.Compress[0]
	if rec.Address != address.DeriveForAccount(target.Address, addressTree, program) {
		t.Fatal("record carries the wrong compacted address")
	}
	if rec.DataHash != ledger.DataHash([]byte{'p', 'o', 'o', 'l', 1}) {
		t.Fatal("record carries the wrong data hash")
	}
}

func TestStaleCompressIsRejected(t *testing.T) {
	e := newEnv(t)
	target := e.pool(t, 1)
	ix := e.build(t, []migration.Target{target}, migration.Compress)

	// The account changes between build and execution.
	e.net.Put(target.Address, &types.AccountView{Owner: program, Data: []byte("swapped")})
	if _, err := e.net.Apply(context.Background(), ix); !errors.Is(err, ledger.ErrLeafStale) {
		t.Fatalf("err = %v, want ErrLeafStale", err)
	}
}

func TestRacingBuildsAreSafe(t *testing.T) {
	e := newEnv(t)
	target := e.pool(t, 1)
	e.apply(t, e.build(t, []migration.Target{target}, migration.Compress))

	first := e.build(t, []migration.Target{{Address: target.Address}}, migration.Decompress)
	second := e.build(t, []migration.Target{{Address: target.Address}}, migration.Decompress)
	if n := e.apply(t, first); n != 1 {
		t.Fatalf("first apply migrated %d, want 1", n)
	}
	if n := e.apply(t, second); n != 0 {
		t.Fatalf("second apply migrated %d, want 0", n)
	}
}

func TestProofUnavailableAfterRace(t *testing.T) {
	e := newEnv(t)
	target := e.pool(t, 1)
	e.apply(t, e.build(t, []migration.Target{target}, migration.Compress))
	compacted := address.DeriveForAccount(target.Address, addressTree, program)
	snapshot, _ := e.net.GetLeaf(context.Background(), compacted)

	// Another client decompresses the account first.
	e.apply(t, e.build(t, []migration.Target{{Address: target.Address}}, migration.Decompress))

	// A lagging view still reports the consumed leaf; the proof request
	// against the live indexer must fail the whole build.
	lagging := resolver.New(hiddenStore{}, snapshotIndexer{e.net, snapshot}, resolver.WithLogger(log.Nop()))
	b := migration.NewBuilder(testConfig(), lagging, e.prover, migration.WithLogger(log.Nop()))
	_, err := b.BuildMigration(context.Background(), []migration.Target{{Address: target.Address}}, migration.Decompress)
	if !errors.Is(err, ledger.ErrProofUnavailable) {
		t.Fatalf("err = %v, want ErrProofUnavailable", err)
	}
}

// hiddenStore reports every direct account as absent.
type hiddenStore struct{}

func (hiddenStore) GetAccount(context.Context, types.Pubkey) (*types.AccountView, error) {
	return nil, nil
}

// snapshotIndexer serves a fixed leaf and proves against the live indexer.
type snapshotIndexer struct {
	ledger.Indexer
	leaf *ledger.Leaf
}

func (ix snapshotIndexer) GetLeaf(context.Context, types.Hash) (*ledger.Leaf, error) {
	return ix.leaf, nil
}

func TestBuildErrors(t *testing.T) {
	e := newEnv(t)
	target := e.pool(t, 1)
	ghost := types.BytesToPubkey([]byte("ghost"))
	wrongSeeds := migration.Target{Address: target.Address, Seeds: address.ObservationSeeds(target.Address)}
	many := make([]migration.Target, migration.MaxTargets+1)
	for i := range many {
		many[i] = migration.Target{Address: types.BytesToPubkey([]byte{byte(i), 1})}
	}

	tests := []struct {
		name    string
		targets []migration.Target
		dir     migration.Direction
		want    error
	}{
		{"absent", []migration.Target{{Address: ghost}}, migration.Compress, migration.ErrAccountNotFound},
		{"seed mismatch", []migration.Target{wrongSeeds}, migration.Compress, migration.ErrSeedMismatch},
		{"no seeds", []migration.Target{{Address: target.Address}}, migration.Compress, migration.ErrSeedMismatch},
		{"duplicate", []migration.Target{target, target}, migration.Compress, migration.ErrDuplicateTarget},
		{"too many", many, migration.Decompress, migration.ErrTooManyTargets},
		{"bad direction", []migration.Target{target}, migration.Direction(9), migration.ErrInvalidDirection},
	}
	for _, tt := range tests {
		_, err := e.builder.BuildMigration(context.Background(), tt.targets, tt.dir)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if e.prover.calls != 0 {
		t.Fatalf("failed builds requested %d proofs", e.prover.calls)
	}
}

func TestEmptyTargets(t *testing.T) {
	e := newEnv(t)
	if ix := e.build(t, nil, migration.Decompress); ix != nil {
		t.Fatal("empty target list produced an instruction")
	}
}

func TestDecompressDirectIsNoop(t *testing.T) {
	e := newEnv(t)
	target := e.pool(t, 1)
	if ix := e.build(t, []migration.Target{target}, migration.Decompress); ix != nil {
		t.Fatal("decompressing a direct account produced an instruction")
	}
}

// downStore fails every direct-tier lookup.
type downStore struct{ err error }

func (s downStore) GetAccount(context.Context, types.Pubkey) (*types.AccountView, error) {
	return nil, s.err
}

func TestAbsentWithDegradedLookupKeepsCause(t *testing.T) {
	e := newEnv(t)
	storeErr := errors.New("direct tier unreachable")
	r := resolver.New(downStore{storeErr}, e.net, resolver.WithLogger(log.Nop()))
	b := migration.NewBuilder(testConfig(), r, e.prover, migration.WithLogger(log.Nop()))

	_, err := b.BuildMigration(context.Background(), []migration.Target{{Address: types.BytesToPubkey([]byte("ghost"))}}, migration.Decompress)
	if !errors.Is(err, migration.ErrAccountNotFound) || !errors.Is(err, storeErr) {
		t.Fatalf("err = %v, want ErrAccountNotFound wrapping the lookup failure", err)
	}

	// A clean miss carries no lookup failure.
	_, err = e.builder.BuildMigration(context.Background(), []migration.Target{{Address: types.BytesToPubkey([]byte("ghost"))}}, migration.Decompress)
	if !errors.Is(err, migration.ErrAccountNotFound) || errors.Is(err, storeErr) {
		t.Fatalf("err = %v, want plain ErrAccountNotFound", err)
	}
}

func TestPackedOffsetFitsAByte(t *testing.T) {
	e := newEnv(t)
	target := e.pool(t, 1)
	r := resolver.New(e.net, e.net, resolver.WithLogger(log.Nop()))

	cfg := testConfig()
	cfg.SystemAccounts = make([]types.Pubkey, migration.MaxSystemAccounts+1)
	b := migration.NewBuilder(cfg, r, e.prover, migration.WithLogger(log.Nop()))
	if _, err := b.BuildMigration(context.Background(), []migration.Target{target}, migration.Compress); !errors.Is(err, migration.ErrAccountOverflow) {
		t.Fatalf("err = %v, want ErrAccountOverflow", err)
	}

	cfg.SystemAccounts = make([]types.Pubkey, migration.MaxSystemAccounts)
	b = migration.NewBuilder(cfg, r, e.prover, migration.WithLogger(log.Nop()))
	ix, err := b.BuildMigration(context.Background(), []migration.Target{target}, migration.Compress)
	if err != nil {
		t.Fatalf("BuildMigration at the limit: %v", err)
	}
	p, err := migration.DecodePayload(ix.Data)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.PackedOffset != 0xff || ix.Accounts[p.PackedOffset].Pubkey != target.Address {
		t.Fatalf("packed offset = %d, want 255 pointing at the target", p.PackedOffset)
	}
}

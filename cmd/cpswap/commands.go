package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/cpswap/cpswap/address"
	"github.com/cpswap/cpswap/client"
	"github.com/cpswap/cpswap/core/types"
	"github.com/cpswap/cpswap/devnet"
	"github.com/cpswap/cpswap/migration"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runDerive prints compacted addresses. Each argument is either an account
// public key or, with --raw, a hex-encoded seed.
func runDerive(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("derive", stderr)
	configPath := fs.String("config", "", "YAML config file")
	raw := fs.Bool("raw", false, "treat arguments as hex seeds")
	var tree, owner types.Pubkey
	fs.Var(pubkeyFlag{&tree}, "tree", "address tree (default from config)")
	fs.Var(pubkeyFlag{&owner}, "owner", "owning program (default from config)")
	if exit, code := parseArgs(fs, args); exit {
		return code
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: cpswap derive [--raw] [--tree key] [--owner key] <account|hexseed>...")
		return 2
	}
	cfg, err := client.LoadConfig(*configPath)
	if err != nil {
		return fail(stderr, "load config", err)
	}
	if tree.IsZero() {
		tree = cfg.AddressTree
	}
	if owner.IsZero() {
		owner = cfg.ProgramID
	}
	d := address.NewDeriver(tree, owner)
	for _, arg := range fs.Args() {
		var h types.Hash
		if *raw {
			seed, err := hex.DecodeString(strings.TrimPrefix(arg, "0x"))
			if err != nil {
				return fail(stderr, "decode seed", err)
			}
			h = d.Derive(seed)
		} else {
			acct, err := types.ParsePubkey(arg)
			if err != nil {
				return fail(stderr, "parse account", err)
			}
			h = d.ForAccount(acct)
		}
		fmt.Fprintf(stdout, "%s %s\n", h, h.Hex())
	}
	return 0
}

type pdaOutput struct {
	Target           string       `json:"target"`
	Address          types.Pubkey `json:"address"`
	Bump             uint8        `json:"bump"`
	CompactedAddress types.Hash   `json:"compactedAddress"`
}

// runPDA prints the program-derived address of each target argument.
func runPDA(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("pda", stderr)
	configPath := fs.String("config", "", "YAML config file")
	var program types.Pubkey
	fs.Var(pubkeyFlag{&program}, "program", "program id (default from config)")
	if exit, code := parseArgs(fs, args); exit {
		return code
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: cpswap pda [--program key] <kind:key,...>...")
		return 2
	}
	cfg, err := client.LoadConfig(*configPath)
	if err != nil {
		return fail(stderr, "load config", err)
	}
	if program.IsZero() {
		program = cfg.ProgramID
	}
	out := make([]pdaOutput, 0, fs.NArg())
	for _, spec := range fs.Args() {
		target, bump, err := parseTarget(spec, program)
		if err != nil {
			return fail(stderr, "parse target", err)
		}
		out = append(out, pdaOutput{
			Target:           spec,
			Address:          target.Address,
			Bump:             bump,
			CompactedAddress: address.DeriveForAccount(target.Address, cfg.AddressTree, program),
		})
	}
	if err := writeJSON(stdout, out); err != nil {
		return fail(stderr, "write output", err)
	}
	return 0
}

type resolutionOutput struct {
	Address          types.Pubkey         `json:"address"`
	CompactedAddress types.Hash           `json:"compactedAddress"`
	Tier             string               `json:"tier"`
	View             *types.AccountView   `json:"view,omitempty"`
	Merkle           *types.MerkleContext `json:"merkle,omitempty"`
	Degraded         string               `json:"degraded,omitempty"`
}

func toOutput(r types.Resolution) resolutionOutput {
	out := resolutionOutput{
		Address:          r.Address,
		CompactedAddress: r.CompactedAddress,
		Tier:             r.Tier.String(),
		View:             r.View,
		Merkle:           r.Merkle,
	}
	if r.Degraded != nil {
		out.Degraded = r.Degraded.Error()
	}
	return out
}

// accountArg accepts a public key or a target argument.
func accountArg(arg string, program types.Pubkey) (types.Pubkey, error) {
	if strings.Contains(arg, ":") || arg == "auth" {
		t, _, err := parseTarget(arg, program)
		return t.Address, err
	}
	return types.ParsePubkey(arg)
}

// runResolve resolves accounts across both tiers.
func runResolve(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("resolve", stderr)
	configPath := fs.String("config", "", "YAML config file")
	metricsFile := fs.String("metrics-file", "", "write metrics to this file on exit")
	if exit, code := parseArgs(fs, args); exit {
		return code
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: cpswap resolve [--config file] <account|kind:key,...>...")
		return 2
	}
	cfg, logger, err := loadEnv(*configPath, stderr)
	if err != nil {
		return fail(stderr, "load config", err)
	}
	addrs := make([]types.Pubkey, fs.NArg())
	for i, arg := range fs.Args() {
		if addrs[i], err = accountArg(arg, cfg.ProgramID); err != nil {
			return fail(stderr, "parse account", err)
		}
	}

	reg, m, err := newRegistry()
	if err != nil {
		return fail(stderr, "metrics", err)
	}
	defer writeMetricsFile(*metricsFile, reg, stderr)

	ctx, cancel := signalContext()
	defer cancel()
	c, err := client.Dial(ctx, cfg, logger, m)
	if err != nil {
		return fail(stderr, "dial", err)
	}
	defer c.Close()

	res, err := c.Resolver.ResolveAll(ctx, addrs, cfg.ProgramID, cfg.AddressTree)
	if err != nil {
		return fail(stderr, "resolve", err)
	}
	out := make([]resolutionOutput, len(res))
	for i, r := range res {
		out[i] = toOutput(r)
	}
	if err := writeJSON(stdout, out); err != nil {
		return fail(stderr, "write output", err)
	}
	return 0
}

// runMigrate builds a migration instruction and prints it as JSON, or null
// when every target is already in the requested tier. With --apply the
// instruction is executed on a development ledger at the RPC URL.
func runMigrate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("migrate", stderr)
	configPath := fs.String("config", "", "YAML config file")
	dirName := fs.String("direction", migration.Compress.String(), "compress or decompress")
	apply := fs.Bool("apply", false, "execute the instruction on a development ledger")
	metricsFile := fs.String("metrics-file", "", "write metrics to this file on exit")
	if exit, code := parseArgs(fs, args); exit {
		return code
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: cpswap migrate [--direction d] [--apply] <kind:key,...>...")
		return 2
	}
	dir, err := migration.ParseDirection(*dirName)
	if err != nil {
		return fail(stderr, "parse direction", err)
	}
	cfg, logger, err := loadEnv(*configPath, stderr)
	if err != nil {
		return fail(stderr, "load config", err)
	}
	targets := make([]migration.Target, fs.NArg())
	for i, spec := range fs.Args() {
		if targets[i], _, err = parseTarget(spec, cfg.ProgramID); err != nil {
			return fail(stderr, "parse target", err)
		}
	}

	reg, m, err := newRegistry()
	if err != nil {
		return fail(stderr, "metrics", err)
	}
	defer writeMetricsFile(*metricsFile, reg, stderr)

	ctx, cancel := signalContext()
	defer cancel()
	c, err := client.Dial(ctx, cfg, logger, m)
	if err != nil {
		return fail(stderr, "dial", err)
	}
	defer c.Close()

	ix, err := c.BuildMigration(ctx, targets, dir)
	if err != nil {
		return fail(stderr, "build migration", err)
	}
	if err := writeJSON(stdout, ix); err != nil {
		return fail(stderr, "write output", err)
	}
	if !*apply || ix == nil {
		return 0
	}

	conn, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return fail(stderr, "dial", err)
	}
	defer conn.Close()
	n, err := devnet.NewClient(conn).Apply(ctx, ix)
	if err != nil {
		return fail(stderr, "apply", err)
	}
	logger.Info("applied migration", "direction", dir.String(), "migrated", n)
	return 0
}

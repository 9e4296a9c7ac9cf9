package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/cpswap/cpswap/address"
	"github.com/cpswap/cpswap/client"
	"github.com/cpswap/cpswap/core/types"
	"github.com/cpswap/cpswap/log"
	"github.com/cpswap/cpswap/migration"
)

// newFlagSet creates a flag set with ContinueOnError behavior that reports
// parse errors to stderr.
func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// parseArgs parses args and maps the outcome to an exit code. exit is true
// when the command should stop: on -h with code 0, otherwise with code 2.
func parseArgs(fs *flag.FlagSet, args []string) (exit bool, code int) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return true, 0
		}
		return true, 2
	}
	return false, 0
}

// loadEnv loads the config at path and builds the logger it describes.
func loadEnv(path string, stderr io.Writer) (client.Config, *log.Logger, error) {
	cfg, err := client.LoadConfig(path)
	if err != nil {
		return client.Config{}, nil, err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return client.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg client.Config, w io.Writer) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return log.NewWriter(w, level, cfg.LogFormat)
}

// pubkeyFlag is a flag.Value holding a base58 public key.
type pubkeyFlag struct {
	key *types.Pubkey
}

func (f pubkeyFlag) String() string {
	if f.key == nil || f.key.IsZero() {
		return ""
	}
	return f.key.String()
}

func (f pubkeyFlag) Set(s string) error {
	k, err := types.ParsePubkey(s)
	if err != nil {
		return err
	}
	*f.key = k
	return nil
}

// parseKeys parses a comma-separated list of base58 public keys.
func parseKeys(s string) ([]types.Pubkey, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	keys := make([]types.Pubkey, len(parts))
	for i, p := range parts {
		k, err := types.ParsePubkey(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		keys[i] = k
	}
	return keys, nil
}

// seedKinds maps a target kind to its seed constructor and key count.
var seedKinds = map[string]struct {
	keys  int
	seeds func(k []types.Pubkey) [][]byte
}{
	"pool":        {3, func(k []types.Pubkey) [][]byte { return address.PoolSeeds(k[0], k[1], k[2]) }},
	"observation": {1, func(k []types.Pubkey) [][]byte { return address.ObservationSeeds(k[0]) }},
	"vault":       {2, func(k []types.Pubkey) [][]byte { return address.VaultSeeds(k[0], k[1]) }},
	"lp-mint":     {1, func(k []types.Pubkey) [][]byte { return address.LPMintSeeds(k[0]) }},
	"auth":        {0, func([]types.Pubkey) [][]byte { return address.AuthSeeds() }},
}

// parseSeeds turns kind:key[,key...] into the seed list of that account kind.
func parseSeeds(spec string) ([][]byte, error) {
	kind, rest, _ := strings.Cut(spec, ":")
	k, ok := seedKinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown account kind %q", kind)
	}
	keys, err := parseKeys(rest)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	if len(keys) != k.keys {
		return nil, fmt.Errorf("%s: want %d keys, got %d", kind, k.keys, len(keys))
	}
	return k.seeds(keys), nil
}

// parseTarget resolves a target argument to its program-derived address.
func parseTarget(spec string, program types.Pubkey) (migration.Target, uint8, error) {
	seeds, err := parseSeeds(spec)
	if err != nil {
		return migration.Target{}, 0, err
	}
	addr, bump, err := address.FindProgramAddress(seeds, program)
	if err != nil {
		return migration.Target{}, 0, fmt.Errorf("%s: %w", spec, err)
	}
	return migration.Target{Address: addr, Seeds: seeds}, bump, nil
}

// fail prints err and returns exit code 1.
func fail(stderr io.Writer, msg string, err error) int {
	fmt.Fprintf(stderr, "%s: %v\n", msg, err)
	return 1
}

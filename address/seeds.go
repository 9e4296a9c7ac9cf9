package address

import "github.com/cpswap/cpswap/core/types"

// Seed prefixes used by the swap program for its compressible accounts.
const (
	PoolSeed        = "pool"
	ObservationSeed = "observation"
	PoolLPMintSeed  = "pool_lp_mint"
	PoolVaultSeed   = "pool_vault"
	AuthSeed        = "vault_and_lp_mint_auth_seed"
)

// PoolSeeds returns the seeds of a pool state account.
func PoolSeeds(ammConfig, mint0, mint1 types.Pubkey) [][]byte {
	return [][]byte{[]byte(PoolSeed), ammConfig.Bytes(), mint0.Bytes(), mint1.Bytes()}
}

// ObservationSeeds returns the seeds of a pool's oracle observation account.
func ObservationSeeds(pool types.Pubkey) [][]byte {
	return [][]byte{[]byte(ObservationSeed), pool.Bytes()}
}

// VaultSeeds returns the seeds of a pool token vault.
func VaultSeeds(pool, mint types.Pubkey) [][]byte {
	return [][]byte{[]byte(PoolVaultSeed), pool.Bytes(), mint.Bytes()}
}

// LPMintSeeds returns the seeds of a pool's LP mint.
func LPMintSeeds(pool types.Pubkey) [][]byte {
	return [][]byte{[]byte(PoolLPMintSeed), pool.Bytes()}
}

// AuthSeeds returns the seeds of the vault and LP mint authority.
func AuthSeeds() [][]byte {
	return [][]byte{[]byte(AuthSeed)}
}

package types

// AccountMeta is one entry of an instruction's positional account list.
type AccountMeta struct {
	Pubkey     Pubkey `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// NewAccountMeta returns a writable, non-signer meta.
func NewAccountMeta(key Pubkey) AccountMeta {
	return AccountMeta{Pubkey: key, IsWritable: true}
}

// NewReadonlyMeta returns a read-only, non-signer meta.
func NewReadonlyMeta(key Pubkey) AccountMeta {
	return AccountMeta{Pubkey: key}
}

// Instruction is a program invocation ready for transaction assembly.
type Instruction struct {
	ProgramID Pubkey        `json:"programId"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

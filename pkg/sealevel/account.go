package sealevel

import "github.com/fortiblox/sealevel/internal/types"

// Account is one transaction account. Data buffers are owned by the caller
// and aliased into guest memory during execution; writes from a program with
// write permission land directly in Data.
type Account struct {
	Key        types.Pubkey
	Owner      types.Pubkey
	Lamports   uint64
	Data       []byte
	Executable bool
	RentEpoch  uint64
}

// InstructionAccount selects a transaction account for one instruction and
// carries its permissions at that invocation depth. Nested invocations may
// only narrow permissions, never widen them.
type InstructionAccount struct {
	// Index into the invoke context's transaction account list.
	Index int

	IsSigner   bool
	IsWritable bool
}

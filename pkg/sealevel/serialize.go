package sealevel

import (
	"encoding/binary"

	"github.com/fortiblox/sealevel/internal/types"
	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
)

// Serialized account meta size: marker, flags, padding, key, owner,
// lamports, data_len, data_vaddr.
const accountMetaSize = 1 + 1 + 1 + 1 + 4 + 32 + 32 + 8 + 8 + 8

// serializeInput builds the parameter blob mapped read-only at the input
// region:
//
//	num_accounts (u64)
//	per account:
//	  index marker (u8)
//	  is_signer, is_writable, executable (u8 each)
//	  padding (4 bytes)
//	  key (32 bytes)
//	  owner (32 bytes)
//	  lamports (u64)
//	  data_len (u64)
//	  data_vaddr (u64)
//	instruction_data_len (u64)
//	instruction_data
//	program_id (32 bytes)
//
// Account data is not inlined: data_vaddr points at the per-account region
// where the buffer is mapped, so writes go straight to the host buffer and
// no copy-back pass is needed.
func serializeInput(programID types.Pubkey, accounts []*Account, metas []InstructionAccount, data []byte) []byte {
	size := 8 + len(metas)*accountMetaSize + 8 + len(data) + 32
	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint64(buf[off:], uint64(len(metas)))
	off += 8

	for i, meta := range metas {
		acc := accounts[meta.Index]

		buf[off] = byte(i)
		if meta.IsSigner {
			buf[off+1] = 1
		}
		if meta.IsWritable {
			buf[off+2] = 1
		}
		if acc.Executable {
			buf[off+3] = 1
		}
		off += 8 // flags plus alignment padding

		copy(buf[off:], acc.Key[:])
		off += 32
		copy(buf[off:], acc.Owner[:])
		off += 32

		binary.LittleEndian.PutUint64(buf[off:], acc.Lamports)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(acc.Data)))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], sbpf.VaddrAccounts+uint64(i)*sbpf.RegionStride)
		off += 8
	}

	binary.LittleEndian.PutUint64(buf[off:], uint64(len(data)))
	off += 8
	copy(buf[off:], data)
	off += len(data)

	copy(buf[off:], programID[:])
	return buf
}

package syscall

import (
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
)

// Derived address limits.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

var pdaMarker = []byte("ProgramDerivedAddress")

// Derivation errors.
var (
	ErrMaxSeedsExceeded      = errors.New("max seeds exceeded")
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")
	ErrAddressOnCurve        = errors.New("derived address is on the ed25519 curve")
	ErrNoViableBump          = errors.New("no viable bump seed found")
)

// sysCreateProgramAddress implements sol_create_program_address:
// r1 = seed (ptr, len) array, r2 = seed count, r3 = program id pointer,
// r4 = 32-byte result pointer. Derivation failure is reported in r0, not
// as a fault.
func sysCreateProgramAddress(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	if err := ctx.ConsumeCU(CUCreatePDA); err != nil {
		return 0, err
	}
	if r2 > MaxSeeds {
		return 1, nil
	}

	programID := make([]byte, 32)
	if err := vm.Read(r3, programID); err != nil {
		return 0, err
	}
	seeds, err := readSlicePairs(vm, r1, r2, MaxSeedLen)
	if err != nil {
		if errors.Is(err, ErrInvalidLength) {
			return 1, nil
		}
		return 0, err
	}

	pda, err := CreateProgramAddress(seeds, programID)
	if err != nil {
		return 1, nil
	}
	if err := vm.Write(r4, pda); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysTryFindProgramAddress implements sol_try_find_program_address: like
// sysCreateProgramAddress plus r5, a result pointer for the bump seed.
func sysTryFindProgramAddress(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	if r2 > MaxSeeds-1 { // one slot reserved for the bump
		return 1, nil
	}

	programID := make([]byte, 32)
	if err := vm.Read(r3, programID); err != nil {
		return 0, err
	}
	seeds, err := readSlicePairs(vm, r1, r2, MaxSeedLen)
	if err != nil {
		if errors.Is(err, ErrInvalidLength) {
			return 1, nil
		}
		return 0, err
	}

	pda, bump, err := FindProgramAddress(seeds, programID, ctx)
	if err != nil {
		if errors.Is(err, ErrNoViableBump) {
			return 1, nil
		}
		return 0, err
	}
	if err := vm.Write(r4, pda); err != nil {
		return 0, err
	}
	if err := vm.Write8(r5, bump); err != nil {
		return 0, err
	}
	return 0, nil
}

// CreateProgramAddress derives an address from seeds and a program id.
// Fails when the derived bytes land on the ed25519 curve; off-curve
// addresses have no private key.
func CreateProgramAddress(seeds [][]byte, programID []byte) ([]byte, error) {
	if len(seeds) > MaxSeeds {
		return nil, ErrMaxSeedsExceeded
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return nil, ErrMaxSeedLengthExceeded
		}
	}

	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write(programID)
	h.Write(pdaMarker)
	addr := h.Sum(nil)

	if isOnCurve(addr) {
		return nil, ErrAddressOnCurve
	}
	return addr, nil
}

// FindProgramAddress searches bump seeds from 255 down for an off-curve
// derivation, charging ctx per attempt.
func FindProgramAddress(seeds [][]byte, programID []byte, ctx InvokeContext) ([]byte, uint8, error) {
	for bump := uint8(255); ; bump-- {
		if err := ctx.ConsumeCU(CUFindPDA); err != nil {
			return nil, 0, err
		}

		withBump := make([][]byte, len(seeds)+1)
		copy(withBump, seeds)
		withBump[len(seeds)] = []byte{bump}

		if pda, err := CreateProgramAddress(withBump, programID); err == nil {
			return pda, bump, nil
		}
		if bump == 0 {
			return nil, 0, ErrNoViableBump
		}
	}
}

// isOnCurve reports whether a compressed point decodes to a point on the
// ed25519 curve -x^2 + y^2 = 1 + d*x^2*y^2 over GF(2^255 - 19). The
// compressed form stores y little-endian with the sign of x in the top bit;
// the point is on the curve iff x^2 = (y^2 - 1) / (d*y^2 + 1) has a square
// root in the field.
func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}

	p := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))
	d := new(big.Int).Mul(big.NewInt(-121665), new(big.Int).ModInverse(big.NewInt(121666), p))
	d.Mod(d, p)

	yBytes := make([]byte, 32)
	copy(yBytes, point)
	yBytes[31] &= 0x7F

	y := new(big.Int)
	for i := 31; i >= 0; i-- {
		y.Lsh(y, 8)
		y.Or(y, big.NewInt(int64(yBytes[i])))
	}
	if y.Cmp(p) >= 0 {
		return false
	}

	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, p)

	num := new(big.Int).Sub(y2, big.NewInt(1))
	num.Mod(num, p)

	den := new(big.Int).Mul(d, y2)
	den.Add(den, big.NewInt(1))
	den.Mod(den, p)

	denInv := new(big.Int).ModInverse(den, p)
	if denInv == nil {
		return false
	}
	x2 := new(big.Int).Mul(num, denInv)
	x2.Mod(x2, p)

	// Euler's criterion: x^2 is a quadratic residue iff x2^((p-1)/2) = 1.
	exp := new(big.Int).Rsh(new(big.Int).Sub(p, big.NewInt(1)), 1)
	legendre := new(big.Int).Exp(x2, exp, p)
	return legendre.Cmp(big.NewInt(1)) == 0 || x2.Sign() == 0
}

package syscall

import (
	"errors"
	"testing"

	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
)

func nopSyscall(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return 0, nil
}

// TestMurmur3 pins the hash against reference vectors.
func TestMurmur3(t *testing.T) {
	if got := Murmur3(""); got != 0 {
		t.Errorf("Murmur3(\"\") = 0x%08x, want 0", got)
	}
	if got := Murmur3("abc"); got != 0xB3DD93FA {
		t.Errorf("Murmur3(\"abc\") = 0x%08x, want 0xB3DD93FA", got)
	}
	if Murmur3("sol_log_") == Murmur3("sol_log_64_") {
		t.Error("distinct names hash equal")
	}
	if Murmur3("sol_log_") != Murmur3("sol_log_") {
		t.Error("hash not deterministic")
	}
}

// TestRegistryRegister covers registration and duplicate rejection.
func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("sol_test_", nopSyscall); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if !r.Has("sol_test_") {
		t.Error("Has() = false after Register")
	}
	if err := r.Register("sol_test_", nopSyscall); !errors.Is(err, ErrDuplicateSyscall) {
		t.Errorf("Register(dup) = %v, want ErrDuplicateSyscall", err)
	}

	if err := r.Register("sol_other_", nopSyscall); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "sol_other_" || names[1] != "sol_test_" {
		t.Errorf("Names() = %v, want sorted pair", names)
	}
}

// TestRegistryConsume checks consume-once semantics.
func TestRegistryConsume(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("sol_test_", nopSyscall); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	sealed, err := r.Consume()
	if err != nil {
		t.Fatalf("Consume() failed: %v", err)
	}
	if err := r.Register("sol_late_", nopSyscall); !errors.Is(err, ErrRegistryConsumed) {
		t.Errorf("Register(after consume) = %v, want ErrRegistryConsumed", err)
	}
	if _, err := r.Consume(); !errors.Is(err, ErrRegistryConsumed) {
		t.Errorf("Consume(again) = %v, want ErrRegistryConsumed", err)
	}

	hash := Murmur3("sol_test_")
	if _, ok := sealed.Get(hash); !ok {
		t.Error("sealed table lost registered syscall")
	}
	if name, ok := sealed.Name(hash); !ok || name != "sol_test_" {
		t.Errorf("Name() = %q, %v", name, ok)
	}
	if _, ok := sealed.Lookup()(0x12345678); ok {
		t.Error("Lookup() resolved an unregistered hash")
	}
}

// TestRegisterDefaults checks the standard syscall set registers cleanly.
func TestRegisterDefaults(t *testing.T) {
	r := NewRegistry()
	if err := RegisterDefaults(r); err != nil {
		t.Fatalf("RegisterDefaults() failed: %v", err)
	}
	for _, name := range []string{
		"abort", "sol_panic_",
		"sol_log_", "sol_log_64_", "sol_log_pubkey", "sol_log_compute_units_", "sol_log_data",
		"sol_memcpy_", "sol_memmove_", "sol_memset_", "sol_memcmp_", "sol_alloc_free_",
		"sol_sha256", "sol_keccak256", "sol_blake3",
		"sol_set_return_data", "sol_get_return_data", "sol_get_stack_height",
		"sol_create_program_address", "sol_try_find_program_address",
		"sol_invoke_signed_c", "sol_invoke_signed_rust",
	} {
		if !r.Has(name) {
			t.Errorf("default set missing %s", name)
		}
	}
}

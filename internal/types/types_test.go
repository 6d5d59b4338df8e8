package types

import (
	"bytes"
	"errors"
	"testing"
)

func TestPubkeyBase58RoundTrip(t *testing.T) {
	const s = "11111111111111111111111111111111"
	p, err := PubkeyFromBase58(s)
	if err != nil {
		t.Fatalf("PubkeyFromBase58 failed: %v", err)
	}
	if !p.IsZero() {
		t.Error("system program key should decode to all zeroes")
	}
	if p.String() != s {
		t.Errorf("String() = %q, want %q", p.String(), s)
	}
}

func TestPubkeyFromBytes(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, PubkeySize)
	p, err := PubkeyFromBytes(raw)
	if err != nil {
		t.Fatalf("PubkeyFromBytes failed: %v", err)
	}
	if !bytes.Equal(p[:], raw) {
		t.Error("bytes do not round-trip")
	}
	if _, err := PubkeyFromBytes(raw[:31]); !errors.Is(err, ErrInvalidPubkey) {
		t.Errorf("short input = %v, want ErrInvalidPubkey", err)
	}
}

func TestIsLoader(t *testing.T) {
	for _, p := range []Pubkey{
		BPFLoaderAddr, BPFLoader2Addr, BPFLoaderUpgradeableAddr, LoaderV4Addr, NativeLoaderAddr,
	} {
		if !IsLoader(p) {
			t.Errorf("IsLoader(%s) = false", p)
		}
	}
	if IsLoader(SystemProgramAddr) {
		t.Error("IsLoader(system program) = true")
	}
}

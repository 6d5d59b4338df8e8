package sbpf

import (
	"errors"
	"testing"
)

// TestVerifyValid accepts a well-formed program.
func TestVerifyValid(t *testing.T) {
	prog := &Program{
		Text: []uint64{
			Encode(OpMov64Imm, 0, 0, 0, 1),
			Encode(OpLddw, 1, 0, 0, 0),
			Encode(0, 0, 0, 0, 1),
			Encode(ClassJmp|SrcK|JmpJeq, 0, 0, 1, 1),
			Encode(OpStxdw, 10, 0, -8, 0), // store through frame pointer
			Encode(OpCall, 0, 1, 0, 1),    // relative call to exit
			Encode(OpExit, 0, 0, 0, 0),
		},
		Functions: map[uint32]uint64{0x12345678: 6},
	}
	if err := Verify(prog); err != nil {
		t.Fatalf("Verify() = %v, want nil", err)
	}
}

// TestVerifyRejects covers the static check matrix.
func TestVerifyRejects(t *testing.T) {
	tests := []struct {
		name string
		prog *Program
		want error
	}{
		{
			name: "empty text",
			prog: &Program{},
			want: ErrNoText,
		},
		{
			name: "entry out of bounds",
			prog: &Program{
				Text:  []uint64{Encode(OpExit, 0, 0, 0, 0)},
				Entry: 5,
			},
			want: ErrBadEntry,
		},
		{
			name: "illegal opcode",
			prog: &Program{
				Text: []uint64{
					Encode(0xFF, 0, 0, 0, 0),
					Encode(OpExit, 0, 0, 0, 0),
				},
			},
			want: ErrIllegalOpcode,
		},
		{
			name: "register out of range",
			prog: &Program{
				Text: []uint64{
					Encode(OpMov64Imm, 12, 0, 0, 0),
					Encode(OpExit, 0, 0, 0, 0),
				},
			},
			want: ErrIllegalRegister,
		},
		{
			name: "write to frame pointer",
			prog: &Program{
				Text: []uint64{
					Encode(OpMov64Imm, 10, 0, 0, 0),
					Encode(OpExit, 0, 0, 0, 0),
				},
			},
			want: ErrIllegalRegister,
		},
		{
			name: "load into frame pointer",
			prog: &Program{
				Text: []uint64{
					Encode(OpLdxdw, 10, 1, 0, 0),
					Encode(OpExit, 0, 0, 0, 0),
				},
			},
			want: ErrIllegalRegister,
		},
		{
			name: "jump out of bounds",
			prog: &Program{
				Text: []uint64{
					Encode(OpJa, 0, 0, 100, 0),
					Encode(OpExit, 0, 0, 0, 0),
				},
			},
			want: ErrIllegalJumpTarget,
		},
		{
			name: "jump before start",
			prog: &Program{
				Text: []uint64{
					Encode(OpJa, 0, 0, -2, 0),
					Encode(OpExit, 0, 0, 0, 0),
				},
			},
			want: ErrIllegalJumpTarget,
		},
		{
			name: "jump into lddw second slot",
			prog: &Program{
				Text: []uint64{
					Encode(OpJa, 0, 0, 1, 0),
					Encode(OpLddw, 0, 0, 0, 0),
					Encode(0, 0, 0, 0, 0),
					Encode(OpExit, 0, 0, 0, 0),
				},
			},
			want: ErrIllegalJumpTarget,
		},
		{
			name: "truncated lddw",
			prog: &Program{
				Text: []uint64{
					Encode(OpLddw, 0, 0, 0, 0),
				},
			},
			want: ErrTruncatedLddw,
		},
		{
			name: "entry inside lddw",
			prog: &Program{
				Text: []uint64{
					Encode(OpLddw, 0, 0, 0, 0),
					Encode(0, 0, 0, 0, 0),
					Encode(OpExit, 0, 0, 0, 0),
				},
				Entry: 1,
			},
			want: ErrBadEntry,
		},
		{
			name: "relative call out of bounds",
			prog: &Program{
				Text: []uint64{
					Encode(OpCall, 0, 1, 0, 100),
					Encode(OpExit, 0, 0, 0, 0),
				},
			},
			want: ErrIllegalJumpTarget,
		},
		{
			name: "function target out of bounds",
			prog: &Program{
				Text: []uint64{
					Encode(OpExit, 0, 0, 0, 0),
				},
				Functions: map[uint32]uint64{1: 99},
			},
			want: ErrUnresolvedCall,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Verify(tt.prog); !errors.Is(err, tt.want) {
				t.Errorf("Verify() = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestVerifyAllowsUnknownCallHash: a call by hash that resolves nowhere is
// legal to load; it faults at the call site during execution instead.
func TestVerifyAllowsUnknownCallHash(t *testing.T) {
	prog := &Program{
		Text: []uint64{
			Encode(OpCall, 0, 0, 0, 0x0badf00d),
			Encode(OpExit, 0, 0, 0, 0),
		},
	}
	if err := Verify(prog); err != nil {
		t.Fatalf("Verify() = %v, want nil", err)
	}
}

package sbpf

// Frame holds the saved state of one internal call.
type Frame struct {
	FramePtr uint64    // caller's R10
	NVRegs   [4]uint64 // callee-saved R6-R9
	RetAddr  int64     // return program counter
}

// Stack is the guest call stack. Frames are fixed size with an unmapped gap
// between them so that frame overruns fault instead of corrupting the
// neighbouring frame. The internal call depth here is distinct from the
// cross-program call depth tracked by the invoke context, but exceeding it
// reports the same public fault class.
type Stack struct {
	mem    []byte
	frames []Frame
}

// NewStack creates a stack sized for the maximum internal call depth.
func NewStack() *Stack {
	return &Stack{
		mem:    make([]byte, StackFrameSize*StackDepth),
		frames: make([]Frame, 0, StackDepth),
	}
}

// Push saves the caller state and advances the frame pointer in regs.
func (s *Stack) Push(regs []uint64, retAddr int64) error {
	if len(s.frames) >= StackDepth {
		return ErrCallDepthExceeded
	}
	frame := Frame{
		FramePtr: regs[10],
		RetAddr:  retAddr,
	}
	copy(frame.NVRegs[:], regs[6:10])
	s.frames = append(s.frames, frame)
	regs[10] += StackFrameSize + StackGap
	return nil
}

// Pop restores the caller state. Returns false when no frame remains, which
// means the entry routine is returning.
func (s *Stack) Pop(regs []uint64) (int64, bool) {
	if len(s.frames) == 0 {
		return 0, false
	}
	frame := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	copy(regs[6:10], frame.NVRegs[:])
	regs[10] = frame.FramePtr
	return frame.RetAddr, true
}

// frameSlice maps a stack-region offset to backing memory, or nil if the
// offset falls into a frame gap or past the stack end. The returned slice
// never crosses a frame boundary.
func (s *Stack) frameSlice(off uint32) []byte {
	frameIdx := off / (StackFrameSize + StackGap)
	frameOff := off % (StackFrameSize + StackGap)
	if frameOff >= StackFrameSize {
		return nil
	}
	base := frameIdx * StackFrameSize
	if int(base) >= len(s.mem) {
		return nil
	}
	return s.mem[base+frameOff : base+StackFrameSize]
}

// Depth returns the current internal call depth.
func (s *Stack) Depth() int {
	return len(s.frames)
}

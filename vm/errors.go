package vm

import "fmt"

// ErrorKind classifies fatal interpreter errors.
type ErrorKind int

const (
	ErrUnknownOpcode ErrorKind = iota
	ErrDivisionByZero
	ErrIndexOutOfBounds
	ErrOutOfMemory
	ErrStackUnderflow
	ErrUnsupportedOpcode
	ErrUnsettledPromise
	ErrCallDepthExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnknownOpcode:
		return "unknown opcode"
	case ErrDivisionByZero:
		return "division by zero"
	case ErrIndexOutOfBounds:
		return "index out of bounds"
	case ErrOutOfMemory:
		return "out of memory"
	case ErrStackUnderflow:
		return "stack underflow"
	case ErrUnsupportedOpcode:
		return "unsupported opcode"
	case ErrUnsettledPromise:
		return "unsettled promise"
	case ErrCallDepthExceeded:
		return "call depth exceeded"
	default:
		return "vm error"
	}
}

// VmError is a fatal runtime error. The interpreter stops at the failing
// instruction and the error records where it happened.
type VmError struct {
	Kind   ErrorKind
	PC     int
	Detail string
}

func (e *VmError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s at pc=%d", e.Kind, e.PC)
	}
	return fmt.Sprintf("%s at pc=%d: %s", e.Kind, e.PC, e.Detail)
}

func vmErrorf(kind ErrorKind, pc int, format string, args ...any) *VmError {
	return &VmError{Kind: kind, PC: pc, Detail: fmt.Sprintf(format, args...)}
}

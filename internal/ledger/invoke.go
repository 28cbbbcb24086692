package ledger

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/arkilian/eds/pkg/types"
)

// MaxCallDepth bounds nested invocations.
const MaxCallDepth = 64

// FailureClass tells callers how external code failed.
type FailureClass int

const (
	// FailureRevert is an explicit revert carrying a reason.
	FailureRevert FailureClass = iota + 1
	// FailurePanic is an arithmetic or runtime panic carrying a panic code.
	FailurePanic
	// FailureLowLevel covers everything else: missing code, wrong
	// interface, unclassified errors and non-error panics.
	FailureLowLevel
)

func (c FailureClass) String() string {
	switch c {
	case FailureRevert:
		return "revert"
	case FailurePanic:
		return "panic"
	case FailureLowLevel:
		return "low-level"
	default:
		return "unknown"
	}
}

// Panic codes reported for recovered runtime errors.
const (
	PanicGeneric      uint64 = 0x01
	PanicArithmetic   uint64 = 0x11
	PanicDivideByZero uint64 = 0x12
	PanicOutOfBounds  uint64 = 0x32
)

// Revert is returned by contract code to abort with a reason.
type Revert struct {
	Reason string
	Data   []byte
}

func (r *Revert) Error() string {
	return "revert: " + r.Reason
}

// Reverted builds a Revert error.
func Reverted(format string, args ...interface{}) error {
	return &Revert{Reason: fmt.Sprintf(format, args...)}
}

// PanicError is raised with Panic to signal an arithmetic-class failure.
type PanicError struct {
	Code uint64
}

func (p PanicError) Error() string {
	return fmt.Sprintf("panic: 0x%02x", p.Code)
}

// Panic aborts the executing code with a panic code.
func Panic(code uint64) {
	panic(PanicError{Code: code})
}

// ExecutionError describes a failed invocation.
type ExecutionError struct {
	Class     FailureClass
	Code      types.Address // executing code
	Self      types.Address // context the code ran in
	Reason    string        // revert reason
	PanicCode uint64
	Err       error
}

func (e *ExecutionError) Error() string {
	switch e.Class {
	case FailureRevert:
		return fmt.Sprintf("execution of %s reverted: %s", e.Code, e.Reason)
	case FailurePanic:
		return fmt.Sprintf("execution of %s panicked with code 0x%02x", e.Code, e.PanicCode)
	default:
		return fmt.Sprintf("execution of %s failed: %v", e.Code, e.Err)
	}
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Call identifies one invocation. Self defaults to Code.
type Call struct {
	Caller types.Address
	Code   types.Address
	Self   types.Address
}

// Invoke runs fn against the contract at call.Code in a nested frame where
// Sender is call.Caller and Self is call.Self. Any failure rolls the frame
// back and is returned as an *ExecutionError.
func (l *Ledger) Invoke(ctx context.Context, call Call, fn func(ctx context.Context, c Contract) error) error {
	if call.Self.IsZero() {
		call.Self = call.Code
	}
	depth := callDepth(ctx)
	if depth >= MaxCallDepth {
		return &ExecutionError{Class: FailureLowLevel, Code: call.Code, Self: call.Self, Err: errors.New("call depth exceeded")}
	}

	c, ok := l.Code(call.Code)
	if !ok {
		return &ExecutionError{Class: FailureLowLevel, Code: call.Code, Self: call.Self, Err: errors.New("no code at address")}
	}
	if _, isOpaque := c.(*opaque); isOpaque {
		return &ExecutionError{Class: FailureLowLevel, Code: call.Code, Self: call.Self, Err: fmt.Errorf("code kind %q is not executable", c.Kind())}
	}

	inner := WithSender(ctx, call.Caller)
	inner = WithSelf(inner, call.Self)
	inner = context.WithValue(inner, depthKey, depth+1)

	var execErr *ExecutionError
	err := l.Atomic(inner, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				execErr = classifyPanic(r)
				err = execErr
			}
		}()
		return fn(ctx, c)
	})
	if err == nil {
		return nil
	}
	if execErr == nil {
		execErr = classifyError(err)
	}
	execErr.Code = call.Code
	execErr.Self = call.Self
	return execErr
}

// NotImplemented is returned by callers when the code at an address lacks
// the interface they need. It classifies as a low-level failure.
func NotImplemented(iface string) error {
	return fmt.Errorf("code does not implement %s", iface)
}

func classifyError(err error) *ExecutionError {
	var rev *Revert
	if errors.As(err, &rev) {
		return &ExecutionError{Class: FailureRevert, Reason: rev.Reason, Err: err}
	}
	// Failures of nested invocations bubble up with their original class.
	var nested *ExecutionError
	if errors.As(err, &nested) {
		cp := *nested
		return &cp
	}
	return &ExecutionError{Class: FailureLowLevel, Err: err}
}

func classifyPanic(r interface{}) *ExecutionError {
	switch v := r.(type) {
	case PanicError:
		return &ExecutionError{Class: FailurePanic, PanicCode: v.Code, Err: v}
	case runtime.Error:
		return &ExecutionError{Class: FailurePanic, PanicCode: runtimePanicCode(v), Err: v}
	case error:
		return &ExecutionError{Class: FailureLowLevel, Err: v}
	default:
		return &ExecutionError{Class: FailureLowLevel, Err: fmt.Errorf("%v", v)}
	}
}

func runtimePanicCode(err runtime.Error) uint64 {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "divide by zero"):
		return PanicDivideByZero
	case strings.Contains(msg, "index out of range"), strings.Contains(msg, "slice bounds out of range"):
		return PanicOutOfBounds
	case strings.Contains(msg, "overflow"):
		return PanicArithmetic
	default:
		return PanicGeneric
	}
}

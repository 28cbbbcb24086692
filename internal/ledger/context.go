package ledger

import (
	"context"

	"github.com/arkilian/eds/pkg/types"
)

type ctxKey int

const (
	stateKey ctxKey = iota
	senderKey
	selfKey
	depthKey
)

func withState(ctx context.Context, st *txState) context.Context {
	return context.WithValue(ctx, stateKey, st)
}

func stateFrom(ctx context.Context) *txState {
	st, _ := ctx.Value(stateKey).(*txState)
	return st
}

// WithSender marks addr as the account submitting the call carried by ctx.
func WithSender(ctx context.Context, addr types.Address) context.Context {
	return context.WithValue(ctx, senderKey, addr)
}

// Sender returns the immediate caller of the executing code.
func Sender(ctx context.Context) types.Address {
	a, _ := ctx.Value(senderKey).(types.Address)
	return a
}

// WithSelf marks addr as the executing context address.
func WithSelf(ctx context.Context, addr types.Address) context.Context {
	return context.WithValue(ctx, selfKey, addr)
}

// Self returns the address whose context the current code executes in.
// Under a delegated invocation this differs from the code's own address.
func Self(ctx context.Context) types.Address {
	a, _ := ctx.Value(selfKey).(types.Address)
	return a
}

func callDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey).(int)
	return d
}

// CallFrom prepares ctx for a call made by the executing code: the callee
// sees Self as its Sender.
func CallFrom(ctx context.Context) context.Context {
	return WithSender(ctx, Self(ctx))
}

package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkilian/eds/internal/events"
	"github.com/arkilian/eds/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blob struct {
	code []byte
}

func (b *blob) Kind() string     { return "blob" }
func (b *blob) Bytecode() []byte { return b.code }

// divider is executable test code whose behaviour is chosen per call.
type divider struct{ blob }

func (d *divider) Kind() string { return "divider" }

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.Kind("blob", func(code []byte) (Contract, error) { return &blob{code: code}, nil })
	reg.Kind("divider", func(code []byte) (Contract, error) { return &divider{blob{code: code}}, nil })
	return reg
}

func openTestLedger(t *testing.T, notifier *events.Notifier) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, Options{Registry: testRegistry(), Notifier: notifier})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

var deployer = types.BytesToAddress([]byte{0xde, 0xad})

func TestDeployDerivesAddressesAndHashes(t *testing.T) {
	l := openTestLedger(t, nil)
	ctx := context.Background()

	a1, err := l.Deploy(ctx, deployer, &blob{code: []byte("one")})
	require.NoError(t, err)
	a2, err := l.Deploy(ctx, deployer, &blob{code: []byte("one")})
	require.NoError(t, err)

	assert.NotEqual(t, a1, a2, "same code deployed twice must get distinct addresses")
	assert.Equal(t, DeriveAddress(deployer, 0), a1)
	assert.Equal(t, DeriveAddress(deployer, 1), a2)

	h1, ok := l.CodeHashAt(a1)
	require.True(t, ok)
	h2, _ := l.CodeHashAt(a2)
	assert.Equal(t, types.Keccak256([]byte("one")), h1)
	assert.Equal(t, h1, h2)

	info, err := l.CodeInfo(ctx, a1)
	require.NoError(t, err)
	assert.Equal(t, "blob", info.Kind)
	assert.Equal(t, deployer, info.Deployer)
	assert.Equal(t, 3, info.Size)
}

func TestCloneKeepsCodeHash(t *testing.T) {
	l := openTestLedger(t, nil)
	ctx := context.Background()

	src, err := l.Deploy(ctx, deployer, &blob{code: []byte("template")})
	require.NoError(t, err)
	clone, err := l.Clone(ctx, deployer, src)
	require.NoError(t, err)

	assert.NotEqual(t, src, clone)
	srcHash, _ := l.CodeHashAt(src)
	cloneHash, _ := l.CodeHashAt(clone)
	assert.Equal(t, srcHash, cloneHash)

	_, err = l.Clone(ctx, deployer, types.BytesToAddress([]byte{0x99}))
	require.Error(t, err)
}

func TestReopenRestoresCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := Open(path, Options{Registry: testRegistry()})
	require.NoError(t, err)
	addr, err := l.Deploy(ctx, deployer, &divider{blob{code: []byte("div")}})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(path, Options{Registry: testRegistry()})
	require.NoError(t, err)
	defer reopened.Close()

	c, ok := reopened.Code(addr)
	require.True(t, ok)
	assert.Equal(t, "divider", c.Kind())

	// Unknown kinds survive as non-executable code.
	bare, err := Open(path, Options{})
	require.NoError(t, err)
	defer bare.Close()
	assert.True(t, bare.HasCode(addr))
	err = bare.Invoke(ctx, Call{Caller: deployer, Code: addr}, func(ctx context.Context, c Contract) error { return nil })
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, FailureLowLevel, execErr.Class)
}

func TestAtomicRollsBackEverything(t *testing.T) {
	n := events.NewNotifier(10)
	l := openTestLedger(t, n)
	sub := n.Subscribe()
	ctx := context.Background()

	var addr types.Address
	boom := errors.New("boom")
	err := l.Atomic(ctx, func(ctx context.Context) error {
		var err error
		addr, err = l.Deploy(ctx, deployer, &blob{code: []byte("gone")})
		require.NoError(t, err)
		require.NoError(t, l.Emit(ctx, addr, "Deployed", map[string]string{"x": "y"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.False(t, l.HasCode(addr), "code deployed in a failed frame must be undone")
	evs, err := l.Events(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Len(t, sub.Ch, 0, "no event may be published for a failed frame")

	// The nonce was rolled back too, so the next deployment reuses the address.
	again, err := l.Deploy(ctx, deployer, &blob{code: []byte("kept")})
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestNestedFrameRollsBackOnlyItself(t *testing.T) {
	n := events.NewNotifier(10)
	l := openTestLedger(t, n)
	sub := n.Subscribe()
	ctx := context.Background()

	emitter := types.BytesToAddress([]byte{1})
	err := l.Atomic(ctx, func(ctx context.Context) error {
		require.NoError(t, l.Emit(ctx, emitter, "Outer", nil))
		inner := l.Atomic(ctx, func(ctx context.Context) error {
			require.NoError(t, l.Emit(ctx, emitter, "Inner", nil))
			return errors.New("inner failed")
		})
		require.Error(t, inner)
		return nil
	})
	require.NoError(t, err)

	evs, err := l.Events(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "Outer", evs[0].Name)

	select {
	case ev := <-sub.Ch:
		assert.Equal(t, "Outer", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("committed event was not published")
	}
}

func TestInvokeClassifiesFailures(t *testing.T) {
	l := openTestLedger(t, nil)
	ctx := context.Background()
	code, err := l.Deploy(ctx, deployer, &divider{blob{code: []byte("div")}})
	require.NoError(t, err)

	zero := 0
	tests := []struct {
		name      string
		fn        func(ctx context.Context, c Contract) error
		class     FailureClass
		panicCode uint64
	}{
		{"revert", func(ctx context.Context, c Contract) error { return Reverted("nope %d", 1) }, FailureRevert, 0},
		{"divide by zero", func(ctx context.Context, c Contract) error { _ = 1 / zero; return nil }, FailurePanic, PanicDivideByZero},
		{"explicit panic code", func(ctx context.Context, c Contract) error { Panic(PanicArithmetic); return nil }, FailurePanic, PanicArithmetic},
		{"plain error", func(ctx context.Context, c Contract) error { return errors.New("weird") }, FailureLowLevel, 0},
		{"non-error panic", func(ctx context.Context, c Contract) error { panic("string panic") }, FailureLowLevel, 0},
		{"wrong interface", func(ctx context.Context, c Contract) error { return NotImplemented("Initializer") }, FailureLowLevel, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Invoke(ctx, Call{Caller: deployer, Code: code}, tt.fn)
			var execErr *ExecutionError
			require.ErrorAs(t, err, &execErr)
			assert.Equal(t, tt.class, execErr.Class)
			assert.Equal(t, tt.panicCode, execErr.PanicCode)
			assert.Equal(t, code, execErr.Code)
		})
	}

	err = l.Invoke(ctx, Call{Caller: deployer, Code: types.BytesToAddress([]byte{7})}, func(ctx context.Context, c Contract) error { return nil })
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, FailureLowLevel, execErr.Class)

	var revertErr *ExecutionError
	err = l.Invoke(ctx, Call{Caller: deployer, Code: code}, func(ctx context.Context, c Contract) error { return Reverted("reason") })
	require.ErrorAs(t, err, &revertErr)
	assert.Equal(t, "reason", revertErr.Reason)
}

func TestInvokeSetsFrameIdentity(t *testing.T) {
	l := openTestLedger(t, nil)
	ctx := WithSender(context.Background(), deployer)
	code, err := l.Deploy(ctx, deployer, &divider{blob{code: []byte("div")}})
	require.NoError(t, err)
	component := types.BytesToAddress([]byte{0xc0})
	caller := types.BytesToAddress([]byte{0xca})

	err = l.Invoke(ctx, Call{Caller: caller, Code: code, Self: component}, func(ctx context.Context, c Contract) error {
		assert.Equal(t, caller, Sender(ctx))
		assert.Equal(t, component, Self(ctx))
		assert.True(t, InFrame(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, deployer, Sender(ctx), "outer sender must be untouched")
}

func TestInvokeDepthLimit(t *testing.T) {
	l := openTestLedger(t, nil)
	ctx := context.Background()
	code, err := l.Deploy(ctx, deployer, &divider{blob{code: []byte("div")}})
	require.NoError(t, err)

	var recurse func(ctx context.Context, c Contract) error
	recurse = func(ctx context.Context, c Contract) error {
		return l.Invoke(ctx, Call{Caller: code, Code: code}, recurse)
	}
	err = l.Invoke(ctx, Call{Caller: deployer, Code: code}, recurse)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, FailureLowLevel, execErr.Class)
}

func TestEventsFilterAndSnapshot(t *testing.T) {
	l := openTestLedger(t, nil)
	ctx := context.Background()
	a := types.BytesToAddress([]byte{0xa})
	b := types.BytesToAddress([]byte{0xb})

	require.NoError(t, l.Emit(ctx, a, "First", map[string]int{"n": 1}))
	require.NoError(t, l.Emit(ctx, b, "Second", map[string]int{"n": 2}))
	require.NoError(t, l.Emit(ctx, a, "Second", map[string]int{"n": 3}))

	byEmitter, err := l.Events(ctx, EventFilter{Emitter: &a})
	require.NoError(t, err)
	require.Len(t, byEmitter, 2)

	byName, err := l.Events(ctx, EventFilter{Name: "Second", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	var payload struct{ N int }
	require.NoError(t, byName[0].Decode(&payload))
	assert.Equal(t, 2, payload.N)

	after, err := l.Events(ctx, EventFilter{AfterSeq: byEmitter[0].Seq})
	require.NoError(t, err)
	assert.Len(t, after, 2)

	snap := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, l.Snapshot(ctx, snap))
	st, err := os.Stat(snap)
	require.NoError(t, err)
	assert.Greater(t, st.Size(), int64(0))

	head, err := l.Head(ctx)
	require.NoError(t, err)
	info, err := VerifySnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, head, info.Head)
	assert.Equal(t, int64(0), info.CodeCount)

	_, err = VerifySnapshot(ctx, filepath.Join(t.TempDir(), "missing.db"))
	assert.Error(t, err)

	copyLedger, err := Open(snap, Options{})
	require.NoError(t, err)
	defer copyLedger.Close()
	all, err := copyLedger.Events(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

package distributor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arkilian/eds/internal/codeindex"
	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Kind is the ledger code kind of a distributor.
const Kind = "distributor"

const bytecode = "eds/distributor/v1"

const tracerName = "github.com/arkilian/eds/internal/distributor"

type contract struct{}

func (contract) Kind() string     { return Kind }
func (contract) Bytecode() []byte { return []byte(bytecode) }

// Register adds the distributor kind and schema to reg.
func Register(reg *ledger.Registry) {
	reg.Kind(Kind, func([]byte) (ledger.Contract, error) { return contract{}, nil })
	reg.Schema(AllSchemaSQL()...)
}

// Options configures a Distributor handle.
type Options struct {
	Metrics *Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger

	// FilterCapacity and FilterFPR size the component bloom filter. The
	// filter is shared by every handle on the same ledger and distributor;
	// the first handle opened sizes it.
	FilterCapacity int
	FilterFPR      float64
}

// Distributor is a handle on a deployed distributor.
type Distributor struct {
	l     *ledger.Ledger
	addr  types.Address
	index CodeIndex

	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	filter *componentFilter
}

// Deploy creates a distributor owned by owner that resolves code through
// the code index at indexAddr.
func Deploy(ctx context.Context, l *ledger.Ledger, owner, indexAddr types.Address, opts Options) (*Distributor, error) {
	if owner.IsZero() {
		return nil, ederrors.NewValidationError("distributor owner is required")
	}
	idx, err := codeindex.At(l, indexAddr)
	if err != nil {
		return nil, err
	}

	var addr types.Address
	err = l.Atomic(ctx, func(ctx context.Context) error {
		var err error
		addr, err = l.Deploy(ctx, owner, contract{})
		if err != nil {
			return err
		}
		if _, err := l.DB(ctx).ExecContext(ctx, `
			INSERT INTO distributors (address, owner, code_index, created_at) VALUES (?, ?, ?, ?)`,
			addr[:], owner[:], indexAddr[:], time.Now().UnixNano()); err != nil {
			return fmt.Errorf("distributor: failed to create: %w", err)
		}
		return l.Emit(ctx, addr, "DistributorCreated", map[string]interface{}{
			"owner":      owner,
			"code_index": indexAddr,
		})
	})
	if err != nil {
		return nil, err
	}
	return newHandle(ctx, l, addr, idx, opts)
}

// At returns a handle on the distributor deployed at addr.
func At(ctx context.Context, l *ledger.Ledger, addr types.Address, opts Options) (*Distributor, error) {
	c, ok := l.Code(addr)
	if !ok || c.Kind() != Kind {
		return nil, ederrors.ErrAddressNotFound.WithDetails(map[string]interface{}{"distributor": addr.String()})
	}
	var indexAddr []byte
	err := l.DB(ctx).QueryRowContext(ctx, `SELECT code_index FROM distributors WHERE address = ?`, addr[:]).Scan(&indexAddr)
	if err != nil {
		return nil, fmt.Errorf("distributor: failed to load %s: %w", addr, err)
	}
	idx, err := codeindex.At(l, types.BytesToAddress(indexAddr))
	if err != nil {
		return nil, err
	}
	return newHandle(ctx, l, addr, idx, opts)
}

func newHandle(ctx context.Context, l *ledger.Ledger, addr types.Address, idx CodeIndex, opts Options) (*Distributor, error) {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Logger == nil {
		opts.Logger = l.BaseLogger()
	}
	d := &Distributor{
		l:       l,
		addr:    addr,
		index:   idx,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		logger:  opts.Logger.With("component", "distributor", "distributor", addr.String()),
		filter:  sharedFilter(l, addr, opts.FilterCapacity, opts.FilterFPR),
	}
	if d.filter.needsBuild() {
		if err := d.rebuildFilter(ctx); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Address returns the distributor's address.
func (d *Distributor) Address() types.Address {
	return d.addr
}

// Ledger returns the ledger the distributor runs on.
func (d *Distributor) Ledger() *ledger.Ledger {
	return d.l
}

// Owner returns the distributor owner.
func (d *Distributor) Owner(ctx context.Context) (types.Address, error) {
	var owner []byte
	err := d.l.DB(ctx).QueryRowContext(ctx, `SELECT owner FROM distributors WHERE address = ?`, d.addr[:]).Scan(&owner)
	if err != nil {
		return types.Address{}, fmt.Errorf("distributor: failed to read owner: %w", err)
	}
	return types.BytesToAddress(owner), nil
}

// IndexAddress returns the code index the distributor resolves through.
func (d *Distributor) IndexAddress(ctx context.Context) (types.Address, error) {
	var idx []byte
	err := d.l.DB(ctx).QueryRowContext(ctx, `SELECT code_index FROM distributors WHERE address = ?`, d.addr[:]).Scan(&idx)
	if err != nil {
		return types.Address{}, fmt.Errorf("distributor: failed to read code index: %w", err)
	}
	return types.BytesToAddress(idx), nil
}

func (d *Distributor) onlyOwner(ctx context.Context) error {
	owner, err := d.Owner(ctx)
	if err != nil {
		return err
	}
	if sender := ledger.Sender(ctx); sender != owner {
		return ederrors.ErrUnauthorized.WithDetails(map[string]interface{}{"sender": sender.String()})
	}
	return nil
}

// TransferOwnership hands the distributor to newOwner. Owner only.
func (d *Distributor) TransferOwnership(ctx context.Context, newOwner types.Address) (err error) {
	ctx, done := d.begin(ctx, "TransferOwnership")
	defer func() { done(err) }()

	if newOwner.IsZero() {
		return ederrors.NewValidationError("new owner is required")
	}
	return d.l.Atomic(ctx, func(ctx context.Context) error {
		if err := d.onlyOwner(ctx); err != nil {
			return err
		}
		if _, err := d.l.DB(ctx).ExecContext(ctx,
			`UPDATE distributors SET owner = ? WHERE address = ?`, newOwner[:], d.addr[:]); err != nil {
			return fmt.Errorf("distributor: failed to transfer ownership: %w", err)
		}
		return d.l.Emit(ctx, d.addr, "OwnershipTransferred", map[string]interface{}{
			"previous_owner": ledger.Sender(ctx),
			"new_owner":      newOwner,
		})
	})
}

// begin opens a span for op and returns a finisher recording the outcome
// in the span, the metrics and the debug log.
func (d *Distributor) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs,
		attribute.String("eds.distributor", d.addr.String()),
		attribute.String("eds.sender", ledger.Sender(ctx).String()),
	)
	ctx, span := d.tracer.Start(ctx, "distributor."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, ederrors.GetCode(err))
			d.logger.Debug("call failed", "op", op, "error", err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		d.metrics.observe(op, start, err)
		span.End()
	}
}

func addressOrZero(b []byte) types.Address {
	if b == nil {
		return types.Address{}
	}
	return types.BytesToAddress(b)
}

func nullable(a types.Address) interface{} {
	if a.IsZero() {
		return nil
	}
	return a.Bytes()
}

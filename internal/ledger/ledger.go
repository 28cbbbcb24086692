package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arkilian/eds/internal/events"
	"github.com/arkilian/eds/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Options configures Open.
type Options struct {
	// Registry supplies code kinds and component schema. Nil means none.
	Registry *Registry
	// Notifier receives events after their outermost frame commits. Optional.
	Notifier *events.Notifier
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Ledger is the shared execution environment. Top-level calls are totally
// ordered by mu; each runs in one SQL transaction with nested frames mapped
// to savepoints.
type Ledger struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // serializes top-level frames

	codeMu    sync.RWMutex
	code      map[types.Address]*codeEntry
	factories map[string]Factory

	notifier *events.Notifier
	logger   *slog.Logger
	base     *slog.Logger

	shared sync.Map
}

// Open opens (creating if needed) the ledger database at dbPath and reloads
// all deployed code through the registry's factories.
func Open(dbPath string, opts Options) (*Ledger, error) {
	// Single writer with WAL mode; all reads go through the same connection
	// so they observe the active frame.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Ledger{
		db:        db,
		dbPath:    dbPath,
		code:      make(map[types.Address]*codeEntry),
		factories: reg.factories,
		notifier:  opts.Notifier,
		logger:    logger.With("component", "ledger"),
		base:      logger,
	}

	stmts := append(AllSchemaSQL(), reg.schema...)
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: failed to execute schema statement: %w", err)
		}
	}

	if err := l.loadCode(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the database path.
func (l *Ledger) Path() string {
	return l.dbPath
}

// Notifier returns the event bus, or nil.
func (l *Ledger) Notifier() *events.Notifier {
	return l.notifier
}

// Logger returns the ledger's logger.
func (l *Ledger) Logger() *slog.Logger {
	return l.logger
}

// BaseLogger returns the logger the ledger was opened with, without the
// ledger's own attributes.
func (l *Ledger) BaseLogger() *slog.Logger {
	return l.base
}

// Shared returns the in-memory value stored under key, storing init() on
// first use. Every handle opened on this ledger sees the same value.
func (l *Ledger) Shared(key interface{}, init func() interface{}) interface{} {
	if v, ok := l.shared.Load(key); ok {
		return v
	}
	v, _ := l.shared.LoadOrStore(key, init())
	return v
}

// DB returns the querier for ctx: the active transaction inside a frame,
// the database otherwise.
func (l *Ledger) DB(ctx context.Context) Querier {
	if st := stateFrom(ctx); st != nil {
		return st.tx
	}
	return l.db
}

// txState is shared by every frame of one top-level call.
type txState struct {
	tx        *sql.Tx
	nextSP    int
	deployed  []types.Address // undo journal for the in-memory code host
	published []events.Event  // events to publish once the tx commits
}

// Atomic runs fn in a frame. The outermost frame begins a transaction and
// commits it if fn succeeds; nested frames use savepoints. On failure every
// effect of the frame is rolled back, including code deployed within it.
func (l *Ledger) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if st := stateFrom(ctx); st != nil {
		return l.nested(ctx, st, fn)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: failed to begin transaction: %w", err)
	}
	st := &txState{tx: tx}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
			l.undoDeployments(st.deployed)
		}
	}()

	if err := fn(withState(ctx, st)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: failed to commit: %w", err)
	}
	committed = true

	if l.notifier != nil {
		for _, ev := range st.published {
			l.notifier.Publish(ev)
		}
	}
	return nil
}

func (l *Ledger) nested(ctx context.Context, st *txState, fn func(ctx context.Context) error) (err error) {
	st.nextSP++
	sp := fmt.Sprintf("frame_%d", st.nextSP)
	if _, err := st.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("ledger: failed to open savepoint: %w", err)
	}
	deployedMark := len(st.deployed)
	publishedMark := len(st.published)

	ok := false
	defer func() {
		if ok {
			return
		}
		// Runs on error and on panic; the panic keeps unwinding.
		st.tx.ExecContext(context.Background(), "ROLLBACK TO "+sp)
		st.tx.ExecContext(context.Background(), "RELEASE "+sp)
		l.undoDeployments(st.deployed[deployedMark:])
		st.deployed = st.deployed[:deployedMark]
		st.published = st.published[:publishedMark]
	}()

	if err = fn(ctx); err != nil {
		return err
	}
	if _, err = st.tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return fmt.Errorf("ledger: failed to release savepoint: %w", err)
	}
	ok = true
	return nil
}

func (l *Ledger) undoDeployments(addrs []types.Address) {
	if len(addrs) == 0 {
		return
	}
	l.codeMu.Lock()
	defer l.codeMu.Unlock()
	for _, a := range addrs {
		delete(l.code, a)
	}
}

// InFrame reports whether ctx carries an active frame.
func InFrame(ctx context.Context) bool {
	return stateFrom(ctx) != nil
}

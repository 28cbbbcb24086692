package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
)

// Snapshot writes a consistent copy of the database to path. It waits for
// the running top-level frame, if any, to finish.
func (l *Ledger) Snapshot(ctx context.Context, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("ledger: failed to replace snapshot %s: %w", path, err)
		}
	}
	if _, err := l.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("ledger: snapshot failed: %w", err)
	}
	return nil
}

// Head returns the sequence number of the newest committed event, 0 for an
// empty log.
func (l *Ledger) Head(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := l.DB(ctx).QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("ledger: failed to read head: %w", err)
	}
	return seq.Int64, nil
}

// SnapshotInfo summarises a snapshot file.
type SnapshotInfo struct {
	Head      int64 `json:"head"`
	CodeCount int64 `json:"code_count"`
}

// VerifySnapshot opens a snapshot read-only, runs SQLite's integrity check
// and reports its head and code count.
func VerifySnapshot(ctx context.Context, path string) (*SnapshotInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("ledger: snapshot %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open snapshot: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return nil, fmt.Errorf("ledger: integrity check failed: %w", err)
	}
	if result != "ok" {
		return nil, fmt.Errorf("ledger: snapshot %s is corrupt: %s", path, result)
	}

	info := &SnapshotInfo{}
	var head sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&head); err != nil {
		return nil, fmt.Errorf("ledger: snapshot has no event log: %w", err)
	}
	info.Head = head.Int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM code`).Scan(&info.CodeCount); err != nil {
		return nil, fmt.Errorf("ledger: snapshot has no code table: %w", err)
	}
	return info, nil
}

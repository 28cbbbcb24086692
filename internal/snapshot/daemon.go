// Package snapshot periodically copies the ledger database into object
// storage and restores the newest copy on demand.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/storage"
)

const (
	dbSuffix   = ".db"
	metaSuffix = ".meta.json"
)

// Config holds configuration for the snapshot daemon.
type Config struct {
	// Interval is how often the daemon checks whether a new snapshot is due.
	Interval time.Duration
	// Retain is how many snapshots to keep in storage (default: 24).
	Retain int
	// Prefix is the object key prefix snapshots are written under.
	Prefix string
	// WorkDir holds the local copy while it is uploaded.
	WorkDir string
}

// DefaultConfig returns the default snapshot configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Minute,
		Retain:   24,
		Prefix:   "snapshots",
		WorkDir:  os.TempDir(),
	}
}

// Manifest describes one uploaded snapshot. It is stored next to the
// database object.
type Manifest struct {
	Key       string    `json:"key"`
	ETag      string    `json:"etag"`
	Size      int64     `json:"size"`
	Head      int64     `json:"head"`
	CodeCount int64     `json:"code_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Daemon takes snapshots on a ticker.
type Daemon struct {
	config  Config
	ledger  *ledger.Ledger
	storage storage.ObjectStorage

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastHead int64
	taken    bool
}

// NewDaemon creates a new snapshot daemon.
func NewDaemon(config Config, l *ledger.Ledger, store storage.ObjectStorage) *Daemon {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Retain <= 0 {
		config.Retain = def.Retain
	}
	if config.Prefix == "" {
		config.Prefix = def.Prefix
	}
	if config.WorkDir == "" {
		config.WorkDir = def.WorkDir
	}
	config.Prefix = strings.TrimSuffix(config.Prefix, "/")
	return &Daemon{config: config, ledger: l, storage: store}
}

// Start begins the snapshot loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("snapshot: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop waits for an in-flight snapshot and stops the loop.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	m, err := d.TakeIfChanged(ctx)
	if err != nil {
		log.Printf("snapshot: failed: %v", err)
		return
	}
	if m == nil {
		return
	}
	if err := d.Prune(ctx); err != nil {
		log.Printf("snapshot: prune failed: %v", err)
	}
}

// TakeIfChanged snapshots only when events were committed since the last
// snapshot this daemon took. Returns nil when nothing changed.
func (d *Daemon) TakeIfChanged(ctx context.Context) (*Manifest, error) {
	head, err := d.ledger.Head(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	unchanged := d.taken && head == d.lastHead
	d.mu.Unlock()
	if unchanged {
		return nil, nil
	}
	return d.Take(ctx)
}

// Take writes, verifies and uploads a snapshot unconditionally.
func (d *Daemon) Take(ctx context.Context) (*Manifest, error) {
	now := time.Now().UTC()
	base := fmt.Sprintf("%020d", now.UnixNano())
	local := filepath.Join(d.config.WorkDir, "eds-snapshot-"+base+dbSuffix)
	defer os.Remove(local)

	if err := d.ledger.Snapshot(ctx, local); err != nil {
		return nil, err
	}
	info, err := ledger.VerifySnapshot(ctx, local)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(local)
	if err != nil {
		return nil, fmt.Errorf("snapshot: stat %s: %w", local, err)
	}

	// Upload the database before its manifest so a listed manifest always
	// has its object.
	key := d.config.Prefix + "/" + base + dbSuffix
	etag, err := d.storage.Upload(ctx, local, key)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to upload %s: %w", key, err)
	}

	m := &Manifest{
		Key:       key,
		ETag:      etag,
		Size:      stat.Size(),
		Head:      info.Head,
		CodeCount: info.CodeCount,
		CreatedAt: now,
	}
	if err := d.uploadManifest(ctx, m); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.lastHead = info.Head
	d.taken = true
	d.mu.Unlock()

	log.Printf("snapshot: uploaded %s (head=%d, %d bytes)", key, m.Head, m.Size)
	return m, nil
}

func (d *Daemon) uploadManifest(ctx context.Context, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: failed to encode manifest: %w", err)
	}
	f, err := os.CreateTemp(d.config.WorkDir, "eds-manifest-*.json")
	if err != nil {
		return fmt.Errorf("snapshot: failed to stage manifest: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: failed to stage manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("snapshot: failed to stage manifest: %w", err)
	}

	metaKey := strings.TrimSuffix(m.Key, dbSuffix) + metaSuffix
	if _, err := d.storage.Upload(ctx, f.Name(), metaKey); err != nil {
		return fmt.Errorf("snapshot: failed to upload manifest: %w", err)
	}
	return nil
}

// Prune deletes all but the newest Retain snapshots.
func (d *Daemon) Prune(ctx context.Context) error {
	keys, err := List(ctx, d.storage, d.config.Prefix)
	if err != nil {
		return err
	}
	if len(keys) <= d.config.Retain {
		return nil
	}
	for _, key := range keys[:len(keys)-d.config.Retain] {
		if err := d.storage.Delete(ctx, key); err != nil {
			return err
		}
		if err := d.storage.Delete(ctx, strings.TrimSuffix(key, dbSuffix)+metaSuffix); err != nil {
			return err
		}
		log.Printf("snapshot: pruned %s", key)
	}
	return nil
}

// List returns snapshot database keys under prefix, oldest first.
func List(ctx context.Context, store storage.ObjectStorage, prefix string) ([]string, error) {
	objects, err := store.ListObjects(ctx, strings.TrimSuffix(prefix, "/")+"/")
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to list %s: %w", prefix, err)
	}
	var keys []string
	for _, obj := range objects {
		if strings.HasSuffix(obj, dbSuffix) {
			keys = append(keys, obj)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Restore downloads the newest snapshot under prefix to dest and verifies
// it. dest must not be open by a ledger.
func Restore(ctx context.Context, store storage.ObjectStorage, prefix, dest string) (*ledger.SnapshotInfo, string, error) {
	keys, err := List(ctx, store, prefix)
	if err != nil {
		return nil, "", err
	}
	if len(keys) == 0 {
		return nil, "", storage.ErrObjectNotFound.WithDetails(map[string]interface{}{"prefix": prefix})
	}
	key := keys[len(keys)-1]

	tmp := dest + ".restore"
	if err := store.Download(ctx, key, tmp); err != nil {
		return nil, "", err
	}
	info, err := ledger.VerifySnapshot(ctx, tmp)
	if err != nil {
		os.Remove(tmp)
		return nil, "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(dest + suffix)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return nil, "", fmt.Errorf("snapshot: failed to install %s: %w", dest, err)
	}
	return info, key, nil
}

package distributor

import (
	"context"
	"fmt"
	"sync"

	"github.com/arkilian/eds/internal/bloom"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/pkg/types"
)

type filterKey struct {
	distributor types.Address
}

// componentFilter is the bloom filter of one distributor's bound
// components. It lives on the ledger so every handle sees the components
// bound through any other handle.
type componentFilter struct {
	mu       sync.Mutex
	filter   *bloom.Filter // nil until the first build completes
	capacity int
	fpr      float64

	// Components tracked while a rebuild is reading the ledger; they are
	// replayed into the rebuilt filter so none is lost in the swap.
	builders int
	pending  []types.Address
}

func sharedFilter(l *ledger.Ledger, addr types.Address, capacity int, fpr float64) *componentFilter {
	return l.Shared(filterKey{distributor: addr}, func() interface{} {
		return &componentFilter{capacity: capacity, fpr: fpr}
	}).(*componentFilter)
}

func (cf *componentFilter) needsBuild() bool {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.filter == nil && cf.builders == 0
}

func (cf *componentFilter) add(addrs []types.Address) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.builders > 0 {
		cf.pending = append(cf.pending, addrs...)
	}
	if cf.filter == nil {
		return
	}
	for _, a := range addrs {
		cf.filter.Add(a[:])
	}
	if cf.filter.Saturated() && cf.capacity < 2*cf.filter.Capacity() {
		cf.capacity = 2 * cf.filter.Capacity()
	}
}

// mayContain is false only when addr is definitely not a component. A
// filter that is still being built answers true.
func (cf *componentFilter) mayContain(addr types.Address) bool {
	cf.mu.Lock()
	f := cf.filter
	cf.mu.Unlock()
	return f == nil || f.MayContain(addr[:])
}

func (cf *componentFilter) saturated() bool {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.filter != nil && cf.filter.Saturated()
}

// rebuildFilter reloads every bound component into a fresh bloom filter.
// The ledger read runs without holding the filter lock: the ledger has a
// single connection and a frame in flight may be waiting to add to it.
func (d *Distributor) rebuildFilter(ctx context.Context) error {
	cf := d.filter
	cf.mu.Lock()
	cf.builders++
	capacity, fpr := cf.capacity, cf.fpr
	cf.mu.Unlock()

	comps, err := d.loadComponents(ctx)

	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.builders--
	defer func() {
		if cf.builders == 0 {
			cf.pending = nil
		}
	}()
	if err != nil {
		return err
	}

	if capacity < 2*len(comps) {
		capacity = 2 * len(comps)
	}
	f := bloom.New(capacity, fpr)
	for _, c := range comps {
		f.Add(c)
	}
	for _, a := range cf.pending {
		f.Add(a[:])
	}
	cf.filter = f
	d.metrics.filterRebuilds.Inc()
	return nil
}

func (d *Distributor) loadComponents(ctx context.Context) ([][]byte, error) {
	rows, err := d.l.DB(ctx).QueryContext(ctx,
		`SELECT component FROM app_components WHERE distributor = ?`, d.addr[:])
	if err != nil {
		return nil, fmt.Errorf("distributor: failed to load components: %w", err)
	}
	defer rows.Close()

	var comps [][]byte
	for rows.Next() {
		var c []byte
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("distributor: failed to scan component: %w", err)
		}
		comps = append(comps, c)
	}
	return comps, rows.Err()
}

func (d *Distributor) trackComponents(addrs []types.Address) {
	d.filter.add(addrs)
}

// maybeComponent is false only when addr is definitely not a component.
func (d *Distributor) maybeComponent(addr types.Address) bool {
	if d.filter.mayContain(addr) {
		return true
	}
	d.metrics.filterSkips.Inc()
	return false
}

// refreshFilter rebuilds the filter when it outgrew its sizing.
func (d *Distributor) refreshFilter(ctx context.Context) {
	if !d.filter.saturated() {
		return
	}
	if err := d.rebuildFilter(ctx); err != nil {
		d.logger.Warn("component filter rebuild failed", "error", err)
	}
}

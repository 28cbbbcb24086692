// Package node opens a ledger with every code kind the eds binaries know and
// hands out cached handles on the components deployed in it. The HTTP and
// gRPC layers and the operator CLI all work through a Node.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arkilian/eds/internal/builtin"
	"github.com/arkilian/eds/internal/codeindex"
	"github.com/arkilian/eds/internal/distributor"
	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/events"
	"github.com/arkilian/eds/internal/installer"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/repository"
	"github.com/arkilian/eds/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures Open.
type Options struct {
	// Operator owns the code index and distributor created by Bootstrap.
	Operator types.Address
	// Metrics receives the distributor collectors. Nil keeps them private.
	Metrics  prometheus.Registerer
	Notifier *events.Notifier
	Logger   *slog.Logger

	FilterCapacity int
	FilterFPR      float64
}

// Node is an open ledger plus handle caches.
type Node struct {
	l       *ledger.Ledger
	opts    Options
	metrics *distributor.Metrics
	logger  *slog.Logger

	mu           sync.Mutex
	distributors map[types.Address]*distributor.Distributor
	index        types.Address
	home         types.Address
}

// NewRegistry returns a registry with every component and builtin kind.
func NewRegistry() *ledger.Registry {
	reg := ledger.NewRegistry()
	codeindex.Register(reg)
	repository.Register(reg)
	distributor.Register(reg)
	installer.Register(reg)
	builtin.RegisterAll(reg)
	return reg
}

// Open opens the ledger at path.
func Open(path string, opts Options) (*Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l, err := ledger.Open(path, ledger.Options{
		Registry: NewRegistry(),
		Notifier: opts.Notifier,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return &Node{
		l:            l,
		opts:         opts,
		metrics:      distributor.NewMetrics(opts.Metrics),
		logger:       logger.With("component", "node"),
		distributors: make(map[types.Address]*distributor.Distributor),
	}, nil
}

// Close closes the ledger.
func (n *Node) Close() error {
	return n.l.Close()
}

// Ledger returns the underlying ledger.
func (n *Node) Ledger() *ledger.Ledger {
	return n.l
}

// Operator returns the configured operator account.
func (n *Node) Operator() types.Address {
	return n.opts.Operator
}

// Bootstrap makes sure the operator has a code index and a distributor
// wired to it, deploying them on first start. Safe to call repeatedly.
func (n *Node) Bootstrap(ctx context.Context) (index, home types.Address, err error) {
	op := n.opts.Operator
	if op.IsZero() {
		return types.Address{}, types.Address{}, ederrors.NewValidationError("operator address is required")
	}

	index, found, err := n.firstDeployed(ctx, codeindex.Kind, op)
	if err != nil {
		return types.Address{}, types.Address{}, err
	}
	if !found {
		idx, err := codeindex.Deploy(ledger.WithSender(ctx, op), n.l, op)
		if err != nil {
			return types.Address{}, types.Address{}, fmt.Errorf("node: failed to deploy code index: %w", err)
		}
		index = idx.Address()
		n.logger.Info("deployed code index", "address", index.String())
	}

	home, found, err = n.firstDeployed(ctx, distributor.Kind, op)
	if err != nil {
		return types.Address{}, types.Address{}, err
	}
	if !found {
		d, err := distributor.Deploy(ledger.WithSender(ctx, op), n.l, op, index, n.distributorOptions())
		if err != nil {
			return types.Address{}, types.Address{}, fmt.Errorf("node: failed to deploy distributor: %w", err)
		}
		home = d.Address()
		n.mu.Lock()
		n.distributors[home] = d
		n.mu.Unlock()
		n.logger.Info("deployed distributor", "address", home.String())
	}

	n.mu.Lock()
	n.index, n.home = index, home
	n.mu.Unlock()
	return index, home, nil
}

func (n *Node) firstDeployed(ctx context.Context, kind string, deployer types.Address) (types.Address, bool, error) {
	infos, err := n.l.ListCode(ctx, kind)
	if err != nil {
		return types.Address{}, false, err
	}
	for _, info := range infos {
		if info.Deployer == deployer {
			return info.Address, true, nil
		}
	}
	return types.Address{}, false, nil
}

// CodeIndexAddress returns the bootstrapped code index, zero before Bootstrap.
func (n *Node) CodeIndexAddress() types.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.index
}

// HomeDistributor returns the bootstrapped distributor, zero before Bootstrap.
func (n *Node) HomeDistributor() types.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.home
}

func (n *Node) distributorOptions() distributor.Options {
	return distributor.Options{
		Metrics:        n.metrics,
		Logger:         n.opts.Logger,
		FilterCapacity: n.opts.FilterCapacity,
		FilterFPR:      n.opts.FilterFPR,
	}
}

// Distributor returns a cached handle on the distributor at addr. Handles
// own the component filter, so one handle per address is kept.
func (n *Node) Distributor(ctx context.Context, addr types.Address) (*distributor.Distributor, error) {
	n.mu.Lock()
	d, ok := n.distributors[addr]
	n.mu.Unlock()
	if ok {
		return d, nil
	}

	d, err := distributor.At(ctx, n.l, addr, n.distributorOptions())
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.distributors[addr]; ok {
		return existing, nil
	}
	n.distributors[addr] = d
	return d, nil
}

// DeployDistributor deploys a distributor owned by owner and caches it.
func (n *Node) DeployDistributor(ctx context.Context, owner, index types.Address) (*distributor.Distributor, error) {
	d, err := distributor.Deploy(ledger.WithSender(ctx, owner), n.l, owner, index, n.distributorOptions())
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.distributors[d.Address()] = d
	n.mu.Unlock()
	return d, nil
}

func (n *Node) resolve(ctx context.Context, addr types.Address) (installer.Distributor, error) {
	d, err := n.Distributor(ctx, addr)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Installer returns a handle on the installer at addr.
func (n *Node) Installer(addr types.Address) (*installer.Installer, error) {
	return installer.At(n.l, addr, installer.Options{Resolve: n.resolve, Logger: n.opts.Logger})
}

// DeployInstaller deploys an installer guarding target.
func (n *Node) DeployInstaller(ctx context.Context, owner, target types.Address) (*installer.Installer, error) {
	return installer.Deploy(ledger.WithSender(ctx, owner), n.l,
		installer.Config{Owner: owner, Target: target},
		installer.Options{Resolve: n.resolve, Logger: n.opts.Logger})
}

// Repository returns a handle on the repository at addr.
func (n *Node) Repository(addr types.Address) (*repository.Repository, error) {
	return repository.At(n.l, addr)
}

// CodeIndex returns a handle on the index at addr, or the bootstrapped one
// when addr is zero.
func (n *Node) CodeIndex(addr types.Address) (*codeindex.Index, error) {
	if addr.IsZero() {
		addr = n.CodeIndexAddress()
	}
	return codeindex.At(n.l, addr)
}

var uploadable = map[string]bool{
	builtin.KindArtifact:           true,
	builtin.KindBundle:             true,
	builtin.KindProxyInitializer:   true,
	builtin.KindRecordingMigration: true,
}

// Upload deploys builtin code from deployer. Component kinds (repository,
// distributor, installer, code index) carry state rows and can only be
// created through their own Deploy.
func (n *Node) Upload(ctx context.Context, deployer types.Address, kind string, bytecode []byte) (*ledger.CodeInfo, error) {
	if !uploadable[kind] {
		return nil, ederrors.NewValidationError(fmt.Sprintf("code kind %q cannot be uploaded", kind))
	}
	if deployer.IsZero() {
		return nil, ederrors.NewValidationError("deployer is required")
	}
	addr, err := n.l.DeployBytecode(ledger.WithSender(ctx, deployer), deployer, kind, bytecode)
	if err != nil {
		return nil, err
	}
	return n.l.CodeInfo(ctx, addr)
}

// Package builtin provides the code kinds every ledger opened by the eds
// binaries understands: inert artifacts, a bundle that instantiates several
// templates at once, an initializer and a migration that record what they
// were asked to do.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arkilian/eds/internal/distributor"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
)

// Code kinds.
const (
	KindArtifact           = "artifact"
	KindBundle             = "bundle"
	KindProxyInitializer   = "proxy-initializer"
	KindRecordingMigration = "recording-migration"
)

// RegisterAll adds every builtin kind to reg.
func RegisterAll(reg *ledger.Registry) {
	reg.Kind(KindArtifact, func(b []byte) (ledger.Contract, error) { return NewArtifact(b), nil })
	reg.Kind(KindBundle, func(b []byte) (ledger.Contract, error) { return ParseBundle(b) })
	reg.Kind(KindProxyInitializer, func(b []byte) (ledger.Contract, error) { return &ProxyInitializer{label: b}, nil })
	reg.Kind(KindRecordingMigration, func(b []byte) (ledger.Contract, error) { return &RecordingMigration{label: b}, nil })
}

// Artifact is uploaded bytecode with no behaviour of its own. Clones of an
// artifact share its code hash.
type Artifact struct {
	code []byte
}

// NewArtifact wraps code.
func NewArtifact(code []byte) *Artifact {
	return &Artifact{code: append([]byte(nil), code...)}
}

func (a *Artifact) Kind() string     { return KindArtifact }
func (a *Artifact) Bytecode() []byte { return a.code }

// Bundle instantiates an app made of several components by cloning each
// template in order.
type Bundle struct {
	Templates []types.Address `json:"templates"`
	URI       string          `json:"uri,omitempty"`
}

// NewBundle returns a bundle over templates.
func NewBundle(uri string, templates ...types.Address) *Bundle {
	return &Bundle{Templates: templates, URI: uri}
}

// ParseBundle decodes a bundle from its bytecode.
func ParseBundle(b []byte) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(b, &bundle); err != nil {
		return nil, fmt.Errorf("builtin: invalid bundle: %w", err)
	}
	return &bundle, nil
}

func (b *Bundle) Kind() string { return KindBundle }

func (b *Bundle) Bytecode() []byte {
	out, _ := json.Marshal(b)
	return out
}

// ContractURI implements distributor.ContractURI.
func (b *Bundle) ContractURI() string {
	return b.URI
}

// Instantiate implements distributor.Instantiator.
func (b *Bundle) Instantiate(ctx context.Context, l *ledger.Ledger, _ []byte) ([]types.Address, error) {
	if len(b.Templates) == 0 {
		return nil, ledger.Reverted("bundle has no templates")
	}
	self := ledger.Self(ctx)
	comps := make([]types.Address, 0, len(b.Templates))
	for _, t := range b.Templates {
		addr, err := l.Clone(ctx, self, t)
		if err != nil {
			return nil, err
		}
		comps = append(comps, addr)
	}
	return comps, nil
}

// Initialized is emitted by ProxyInitializer.
type Initialized struct {
	AppID          uint64          `json:"app_id"`
	DistributionID types.Hash      `json:"distribution_id"`
	Components     []types.Address `json:"components"`
	Version        semver.Version  `json:"version"`
	Installer      types.Address   `json:"installer"`
	Args           []byte          `json:"args,omitempty"`
}

// ProxyInitializer records every initialization as an Initialized event
// emitted from the executing context.
type ProxyInitializer struct {
	label []byte
}

// NewProxyInitializer returns an initializer. label distinguishes
// otherwise identical deployments by code hash.
func NewProxyInitializer(label string) *ProxyInitializer {
	return &ProxyInitializer{label: []byte(label)}
}

func (p *ProxyInitializer) Kind() string     { return KindProxyInitializer }
func (p *ProxyInitializer) Bytecode() []byte { return p.label }

// Initialize implements distributor.Initializer.
func (p *ProxyInitializer) Initialize(ctx context.Context, l *ledger.Ledger, inst distributor.Instance, args []byte) error {
	return l.Emit(ctx, ledger.Self(ctx), "Initialized", Initialized{
		AppID:          inst.AppID,
		DistributionID: inst.DistributionID,
		Components:     inst.Components,
		Version:        inst.Version,
		Installer:      ledger.Sender(ctx),
		Args:           args,
	})
}

// MigrationExecuted is emitted by RecordingMigration.
type MigrationExecuted struct {
	Components          []types.Address `json:"components"`
	AppID               uint64          `json:"app_id"`
	From                semver.Version  `json:"from"`
	To                  semver.Version  `json:"to"`
	UserCalldata        []byte          `json:"user_calldata,omitempty"`
	DistributorCalldata []byte          `json:"distributor_calldata,omitempty"`
}

// RecordingMigration emits MigrationExecuted and, when components exist,
// confirms through the hook that it is trusted while in flight.
type RecordingMigration struct {
	label []byte
}

// NewRecordingMigration returns a migration. label distinguishes
// otherwise identical deployments by code hash.
func NewRecordingMigration(label string) *RecordingMigration {
	return &RecordingMigration{label: []byte(label)}
}

func (m *RecordingMigration) Kind() string     { return KindRecordingMigration }
func (m *RecordingMigration) Bytecode() []byte { return m.label }

// Migrate implements distributor.Migration.
func (m *RecordingMigration) Migrate(ctx context.Context, l *ledger.Ledger, call distributor.MigrationCall) error {
	if call.Hook != nil && len(call.Components) > 0 {
		req := distributor.CallRequest{Sender: call.Components[0]}
		if _, err := call.Hook.BeforeCall(ledger.CallFrom(ctx), req); err != nil {
			return err
		}
	}
	return l.Emit(ctx, ledger.Self(ctx), "MigrationExecuted", MigrationExecuted{
		Components:          call.Components,
		AppID:               call.AppID,
		From:                call.From,
		To:                  call.To,
		UserCalldata:        call.UserCalldata,
		DistributorCalldata: call.DistributorCalldata,
	})
}

var (
	_ distributor.Instantiator = (*Bundle)(nil)
	_ distributor.ContractURI  = (*Bundle)(nil)
	_ distributor.Initializer  = (*ProxyInitializer)(nil)
	_ distributor.Migration    = (*RecordingMigration)(nil)
)

package distributor

import (
	"context"
	"fmt"
	"strings"
	"time"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
)

// Strategy selects how migration code is executed.
type Strategy uint8

const (
	// StrategyCall invokes the migration code in its own context.
	StrategyCall Strategy = iota
	// StrategyDelegateCall runs the migration code in the context of the
	// app's first component.
	StrategyDelegateCall
	// StrategyRepositoryManaged resolves the migration code from the
	// repository's script for the destination major.
	StrategyRepositoryManaged
)

var strategyNames = [...]string{
	StrategyCall:              "CALL",
	StrategyDelegateCall:      "DELEGATECALL",
	StrategyRepositoryManaged: "REPOSITORY_MANAGED",
}

// Valid reports whether s is a defined strategy.
func (s Strategy) Valid() bool {
	return int(s) < len(strategyNames)
}

func (s Strategy) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
	return strategyNames[s]
}

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), nil
		}
	}
	return 0, ederrors.NewValidationError(fmt.Sprintf("unknown migration strategy %q", s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Distribution is a registered deployable template.
type Distribution struct {
	ID          types.Hash          `json:"id"`
	Alias       string              `json:"alias,omitempty"`
	SourceID    types.Hash          `json:"source_id"`
	Repository  types.Address       `json:"repository"`
	Initializer types.Address       `json:"initializer"`
	Requirement *semver.Requirement `json:"requirement,omitempty"`
	Disabled    bool                `json:"disabled"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Versioned reports whether the distribution resolves through a repository.
func (d *Distribution) Versioned() bool {
	return !d.Repository.IsZero()
}

// App is one instantiated copy of a distribution.
type App struct {
	AppID          uint64          `json:"app_id"`
	DistributionID types.Hash      `json:"distribution_id"`
	Components     []types.Address `json:"components"`
	Installer      types.Address   `json:"installer"`
	Version        semver.Version  `json:"version"`
	Renounced      bool            `json:"renounced"`
	DetachedTo     types.Address   `json:"detached_to"`
	MigrationID    types.Hash      `json:"migration_in_flight"`
	CreatedAt      time.Time       `json:"created_at"`

	migrationCaller types.Address
}

// Detached reports whether the app moved to another distributor.
func (a *App) Detached() bool {
	return !a.DetachedTo.IsZero()
}

// MigrationPlan is an owner-registered recipe for moving apps between
// version windows.
type MigrationPlan struct {
	ID                  types.Hash         `json:"id"`
	DistributionID      types.Hash         `json:"distribution_id"`
	From                semver.Requirement `json:"from"`
	To                  semver.Requirement `json:"to"`
	MigrationCodeID     types.Hash         `json:"migration_code_id"`
	Strategy            Strategy           `json:"strategy"`
	DistributorCalldata []byte             `json:"distributor_calldata"`
	CreatedAt           time.Time          `json:"created_at"`
}

// CodeIndex resolves code hashes to deployed addresses.
type CodeIndex interface {
	Get(ctx context.Context, hash types.Hash) (types.Address, error)
}

// Instance describes a freshly created app to its initializer.
type Instance struct {
	AppID          uint64          `json:"app_id"`
	DistributionID types.Hash      `json:"distribution_id"`
	Components     []types.Address `json:"components"`
	Version        semver.Version  `json:"version"`
}

// Instantiator is implemented by source code that deploys its own
// components instead of being cloned.
type Instantiator interface {
	Instantiate(ctx context.Context, l *ledger.Ledger, args []byte) ([]types.Address, error)
}

// Initializer is implemented by initializer code. It runs after the
// components are bound to the app.
type Initializer interface {
	Initialize(ctx context.Context, l *ledger.Ledger, inst Instance, args []byte) error
}

// MigrationCall is the argument handed to migration code.
type MigrationCall struct {
	Components          []types.Address `json:"components"`
	AppID               uint64          `json:"app_id"`
	From                semver.Version  `json:"from"`
	To                  semver.Version  `json:"to"`
	UserCalldata        []byte          `json:"user_calldata"`
	DistributorCalldata []byte          `json:"distributor_calldata"`
	// Hook lets migration code call back into the distributor while the
	// in-flight marker is set.
	Hook Hook `json:"-"`
}

// Migration is implemented by migration code.
type Migration interface {
	Migrate(ctx context.Context, l *ledger.Ledger, call MigrationCall) error
}

// ContractURI is optionally implemented by source code to describe itself.
type ContractURI interface {
	ContractURI() string
}

// CallRequest describes one privileged interaction with an app component.
// Sender is the component being called; Target, when set, is a component
// the call refers to and must belong to the same app.
type CallRequest struct {
	Sender   types.Address `json:"sender"`
	Target   types.Address `json:"target"`
	Selector [4]byte       `json:"selector"`
	Value    uint64        `json:"value"`
	Data     []byte        `json:"data,omitempty"`
}

// Hook is the call-time authorization oracle.
type Hook interface {
	BeforeCall(ctx context.Context, req CallRequest) ([]byte, error)
	AfterCall(ctx context.Context, req CallRequest, beforeResult []byte) error
}

// DistributionID derives the id of a fixed distribution.
func DistributionID(sourceID types.Hash, initializer types.Address) types.Hash {
	return types.Keccak256(sourceID[:], initializer.Word())
}

// VersionedDistributionID derives the id of a repository-backed distribution.
func VersionedDistributionID(repository, initializer types.Address) types.Hash {
	return types.Keccak256(repository.Word(), initializer.Word())
}

// MigrationID derives the id of a migration plan.
func MigrationID(distributionID, migrationCodeID types.Hash, strategy Strategy) types.Hash {
	return types.Keccak256(distributionID[:], migrationCodeID[:], types.Uint64Word(uint64(strategy)))
}

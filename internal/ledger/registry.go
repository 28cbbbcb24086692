package ledger

import "fmt"

// Contract is deployed code. State lives in ledger tables keyed by the
// contract's address, so implementations are usually stateless values.
type Contract interface {
	// Kind names the factory able to rebuild this contract.
	Kind() string
	// Bytecode is the immutable code blob. Its Keccak-256 is the code hash.
	Bytecode() []byte
}

// Factory rebuilds a contract of one kind from its bytecode. It is used both
// when reopening a ledger and when cloning existing code.
type Factory func(bytecode []byte) (Contract, error)

// Registry collects the code kinds and schema statements a ledger is opened
// with. Components contribute through their own Register functions.
type Registry struct {
	factories map[string]Factory
	schema    []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Kind registers the factory for kind. Registering a kind twice panics.
func (r *Registry) Kind(kind string, f Factory) {
	if _, exists := r.factories[kind]; exists {
		panic(fmt.Sprintf("ledger: kind %q registered twice", kind))
	}
	r.factories[kind] = f
}

// Schema appends statements executed when the ledger opens.
func (r *Registry) Schema(stmts ...string) {
	r.schema = append(r.schema, stmts...)
}

// Kinds returns the registered kind names.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// opaque stands in for code whose kind has no registered factory. It keeps
// the code hash resolvable but cannot be called into.
type opaque struct {
	kind     string
	bytecode []byte
}

func (o *opaque) Kind() string     { return o.kind }
func (o *opaque) Bytecode() []byte { return o.bytecode }

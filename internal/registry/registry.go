package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
)

var (
	// ErrDuplicateName is returned when a descriptor name is already registered.
	ErrDuplicateName = errors.New("duplicate tool name")
	// ErrSealed is returned by Register after Seal.
	ErrSealed = errors.New("registry sealed")
)

// Entry is a registered descriptor together with its compiled schema.
// Entries are never mutated after registration.
type Entry struct {
	desc   tool.Descriptor
	schema *tool.Schema
}

// Descriptor returns a copy of the registered descriptor.
func (e *Entry) Descriptor() tool.Descriptor { return e.desc.Clone() }

// Name returns the registered name.
func (e *Entry) Name() string { return e.desc.Name }

// Schema returns the compiled parameter schema.
func (e *Entry) Schema() *tool.Schema { return e.schema }

// ToolSpec is the externally visible projection of a descriptor. It never
// carries the handler.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameterSchema"`
}

// Registry is a name-keyed catalog of descriptors. Registration is
// append-only; lookups are lock-free and safe at any time.
type Registry struct {
	entries sync.Map // map[string]*Entry
	count   atomic.Int64

	mu     sync.Mutex // serializes Register and Seal
	sealed bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Register validates d, compiles its schema and stores it under d.Name.
func (r *Registry) Register(d tool.Descriptor) error {
	if err := d.Check(); err != nil {
		return fmt.Errorf("Register: %w", err)
	}
	schema, err := tool.CompileSchema(d.Name, d.Parameters)
	if err != nil {
		return fmt.Errorf("Register: %w: %v", tool.ErrInvalidDescriptor, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("Register: %s: %w", d.Name, ErrSealed)
	}

	entry := &Entry{desc: d.Clone(), schema: schema}
	if _, loaded := r.entries.LoadOrStore(d.Name, entry); loaded {
		return fmt.Errorf("Register: %s: %w", d.Name, ErrDuplicateName)
	}
	r.count.Add(1)
	return nil
}

// MustRegister panics if Register fails. Intended for the startup pass.
func (r *Registry) MustRegister(descs ...tool.Descriptor) {
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Seal ends the registration phase.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	v, ok := r.entries.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Count returns the number of registered descriptors.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// ListForExternalToolFormat projects every descriptor to {name, description,
// parameterSchema}, sorted by name.
func (r *Registry) ListForExternalToolFormat() []ToolSpec {
	var specs []ToolSpec
	r.entries.Range(func(_, v any) bool {
		e := v.(*Entry)
		specs = append(specs, ToolSpec{
			Name:        e.desc.Name,
			Description: e.desc.Description,
			Parameters:  e.schema.Document(),
		})
		return true
	})
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

package schema

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the declared model for the lifetime of the process. It is
// owned by the embedding application, never by the core packages, and is
// safe for concurrent reads once populated.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]TableSpec
}

func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]TableSpec)}
}

// Register validates a table spec and adds it to the model. Table names are
// unique across the model; registering a duplicate is an error.
func (r *Registry) Register(spec TableSpec) error {
	if err := validateSpec(&spec); err != nil {
		return fmt.Errorf("invalid table spec %q: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tables[spec.Name]; exists {
		return fmt.Errorf("table %q is already registered", spec.Name)
	}
	r.tables[spec.Name] = spec
	return nil
}

// MustRegister is Register for configuration-time wiring, where a bad spec
// is a programming error.
func (r *Registry) MustRegister(spec TableSpec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Lookup returns the declared spec for a table name.
func (r *Registry) Lookup(name string) (TableSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.tables[name]
	return spec, ok
}

// Tables returns every registered spec sorted by name, so that diff and
// sync runs walk the model in a deterministic order.
func (r *Registry) Tables() []TableSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]TableSpec, 0, len(r.tables))
	for _, spec := range r.tables {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Len returns the number of registered tables.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tables)
}

func validateSpec(spec *TableSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(spec.Columns) == 0 {
		return fmt.Errorf("table declares no columns")
	}

	names := make(map[string]bool, len(spec.Columns))
	for _, col := range spec.Columns {
		if col.Name == "" {
			return fmt.Errorf("column name is empty")
		}
		if names[col.Name] {
			return fmt.Errorf("duplicate column %q", col.Name)
		}
		if col.Type.Kind == "" {
			return fmt.Errorf("column %q has no type", col.Name)
		}
		names[col.Name] = true
	}

	for _, pk := range spec.PrimaryKeys {
		if !names[pk] {
			return fmt.Errorf("primary key column %q is not declared", pk)
		}
	}
	for _, tuple := range spec.Unique {
		if len(tuple) == 0 {
			return fmt.Errorf("empty unique constraint")
		}
		for _, col := range tuple {
			if !names[col] {
				return fmt.Errorf("unique constraint column %q is not declared", col)
			}
		}
	}
	for _, idx := range spec.Indexes {
		if len(idx.Columns) == 0 {
			return fmt.Errorf("empty index")
		}
		for _, col := range idx.Columns {
			if !names[col] {
				return fmt.Errorf("index column %q is not declared", col)
			}
		}
	}
	return nil
}

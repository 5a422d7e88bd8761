// Package schema holds the fixed table of structural descriptors for every
// persisted entity type. All duck-typed field checks in the application are
// centralized here: a candidate either passes whole or is rejected whole.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"cartcore/pkg/domain"
)

// FieldType names the JSON shape a field must have.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Descriptor is the structural contract for one schema. Descriptors are
// registered once and immutable afterwards.
type Descriptor struct {
	Version  int
	Required []string
	Fields   map[string]FieldType
	// MaxAge bounds how long a record of this schema stays loadable; it is
	// applied as the envelope ttl at write time.
	MaxAge time.Duration
}

// Report is the outcome of a structural validation.
type Report struct {
	Valid         bool
	MissingFields []string
	TypeErrors    []string
}

// Err converts a failed report into the domain error type. It panics if the
// report is valid, which would be a programming error at the call site.
func (r Report) Err(schemaName string) error {
	if r.Valid {
		panic("schema: Err called on valid report")
	}
	return domain.SchemaError{
		SchemaName:    schemaName,
		MissingFields: r.MissingFields,
		TypeErrors:    r.TypeErrors,
	}
}

// Registry maps schema names to descriptors.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// Default returns a registry pre-loaded with the cart, user, preferences and
// session descriptors.
func Default() *Registry {
	r := NewRegistry()
	for name, desc := range defaults {
		if err := r.Register(name, desc); err != nil {
			panic(fmt.Sprintf("schema: default registration: %v", err))
		}
	}
	return r
}

var defaults = map[string]Descriptor{
	domain.SchemaCart: {
		Version:  2,
		Required: []string{"items", "metadata"},
		Fields: map[string]FieldType{
			"items":    TypeArray,
			"metadata": TypeObject,
		},
		MaxAge: 7 * 24 * time.Hour,
	},
	domain.SchemaUser: {
		Version:  1,
		Required: []string{"id"},
		Fields: map[string]FieldType{
			"id":    TypeString,
			"email": TypeString,
			"name":  TypeString,
		},
		MaxAge: 30 * 24 * time.Hour,
	},
	domain.SchemaPreferences: {
		Version:  1,
		Required: []string{"theme", "language"},
		Fields: map[string]FieldType{
			"theme":    TypeString,
			"language": TypeString,
			"currency": TypeString,
		},
		MaxAge: 180 * 24 * time.Hour,
	},
	domain.SchemaSession: {
		Version:  1,
		Required: []string{"id"},
		Fields: map[string]FieldType{
			"id":        TypeString,
			"startedAt": TypeString,
		},
		MaxAge: 24 * time.Hour,
	},
}

// Register adds a descriptor. Re-registering a name is refused; descriptors
// never change at runtime.
func (r *Registry) Register(name string, desc Descriptor) error {
	if name == "" {
		return fmt.Errorf("schema name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[name]; exists {
		return fmt.Errorf("schema %s already registered", name)
	}
	cp := desc
	cp.Required = append([]string(nil), desc.Required...)
	cp.Fields = make(map[string]FieldType, len(desc.Fields))
	for k, v := range desc.Fields {
		cp.Fields[k] = v
	}
	r.descriptors[name] = cp
	return nil
}

// Descriptor looks up a registered descriptor.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[name]
	return desc, ok
}

// Names returns the registered schema names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a raw JSON candidate against the named descriptor.
// Validation is structural only: required-field presence and field type
// match. Unknown fields pass; the descriptor constrains, it does not seal.
func (r *Registry) Validate(name string, candidate []byte) (Report, error) {
	desc, ok := r.Descriptor(name)
	if !ok {
		return Report{}, fmt.Errorf("unknown schema %s", name)
	}
	var value map[string]any
	if err := json.Unmarshal(candidate, &value); err != nil {
		return Report{TypeErrors: []string{"candidate is not a JSON object"}}, nil
	}
	report := Report{Valid: true}
	for _, field := range desc.Required {
		if _, present := value[field]; !present {
			report.MissingFields = append(report.MissingFields, field)
		}
	}
	for field, want := range desc.Fields {
		got, present := value[field]
		if !present || got == nil {
			continue
		}
		if !typeMatches(got, want) {
			report.TypeErrors = append(report.TypeErrors, fmt.Sprintf("%s: expected %s", field, want))
		}
	}
	sort.Strings(report.MissingFields)
	sort.Strings(report.TypeErrors)
	report.Valid = len(report.MissingFields) == 0 && len(report.TypeErrors) == 0
	return report, nil
}

func typeMatches(value any, want FieldType) bool {
	switch want {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		switch value.(type) {
		case float64, json.Number:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	case TypeArray:
		_, ok := value.([]any)
		return ok
	default:
		return false
	}
}

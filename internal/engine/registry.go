package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dipeo/engine/internal/diagram"
	"github.com/dipeo/engine/internal/runtime"
	"github.com/dipeo/engine/internal/services"
)

// Request carries everything a handler may consume for one node step. The
// snapshot is a read-only view of the execution context; Services holds only
// the entries the handler declared in RequiresServices.
type Request struct {
	Node     *diagram.Node
	Props    map[string]any
	Snapshot *runtime.Snapshot
	Inputs   map[string]any
	Services map[string]any
	Log      zerolog.Logger
}

// Service returns a declared service by key. Handlers call this only for keys
// they listed in RequiresServices; the scheduler guarantees those resolve.
func (r *Request) Service(key string) any { return r.Services[key] }

type HandlerFunc func(ctx context.Context, req *Request) (*runtime.NodeOutput, error)

// Definition binds a node type to its property schema, declared service
// dependencies, and the handler function itself.
type Definition struct {
	Type             diagram.NodeType
	Schema           map[string]any
	RequiresServices []string
	Run              HandlerFunc

	compiled *jsonschema.Schema
}

// ValidateProps checks a node's raw property bag against the compiled schema.
// Failures list one "field: message" entry per violation.
func (d *Definition) ValidateProps(props map[string]any) error {
	if d.compiled == nil {
		return nil
	}
	if props == nil {
		props = map[string]any{}
	}
	if err := d.compiled.Validate(normalizeForSchema(props)); err != nil {
		return fmt.Errorf("%s properties: %s", d.Type, formatSchemaError(err))
	}
	return nil
}

// normalizeForSchema round-trips the property bag through JSON so that
// numeric values reach the validator as float64 regardless of how the
// diagram was decoded (yaml.v3 produces int for whole numbers).
func normalizeForSchema(props map[string]any) any {
	b, err := json.Marshal(props)
	if err != nil {
		return props
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return props
	}
	return v
}

func formatSchemaError(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	basic := ve.BasicOutput()
	var parts []string
	for _, u := range basic.Errors {
		if u.Error == "" || strings.HasPrefix(u.Error, "doesn't validate with") {
			continue
		}
		loc := u.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", loc, u.Error))
	}
	if len(parts) == 0 {
		return ve.Error()
	}
	return strings.Join(parts, "; ")
}

// HandlerRegistry maps node types to definitions. Re-registering a type is a
// replace in development and test; production registries reject it so a
// deployed binary cannot silently swap a handler.
type HandlerRegistry struct {
	mu   sync.RWMutex
	env  services.Environment
	defs map[diagram.NodeType]*Definition
}

func NewHandlerRegistry(env services.Environment) *HandlerRegistry {
	return &HandlerRegistry{env: env, defs: map[diagram.NodeType]*Definition{}}
}

func (r *HandlerRegistry) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("handler registration: empty node type")
	}
	if def.Run == nil {
		return fmt.Errorf("handler %s: missing run function", def.Type)
	}
	if def.Schema != nil {
		s, err := compilePropSchema(def.Schema)
		if err != nil {
			return fmt.Errorf("handler %s schema: %w", def.Type, err)
		}
		def.compiled = s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists && r.env == services.EnvProduction {
		return fmt.Errorf("handler %s already registered", def.Type)
	}
	r.defs[def.Type] = &def
	return nil
}

func (r *HandlerRegistry) Lookup(t diagram.NodeType) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[t]
	return d, ok
}

// Types returns the registered node type names, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

func compilePropSchema(doc map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// objectSchema is a convenience for the builtin handler declarations: an
// object schema with the given properties, required names, and unknown
// fields allowed (diagram tools attach positional metadata to the bag).
func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

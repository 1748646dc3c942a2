// Package services is the name-keyed capability registry handlers resolve
// their dependencies from. Bindings can be marked final (never rebindable) or
// immutable (rebindable only while unbound); the registry can be frozen
// globally or per key, and every mutation lands in a bounded audit log.
package services

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvProduction  Environment = "production"
)

// Well-known service keys used by the built-in node handlers.
const (
	KeyLLM          = "llm"
	KeyFilesystem   = "filesystem"
	KeyHTTP         = "http"
	KeyConversation = "conversation"
	KeyInteractive  = "interactive"
	KeyIntegrations = "integrations"
	KeyCodeRunner   = "code_runner"
)

// Factory defers construction of a capability until first resolve.
type Factory func() (any, error)

type RegisterOptions struct {
	// Final marks the key permanently: once bound it can never be replaced,
	// not even with Override.
	Final bool
	// Immutable rejects rebinding while a value is bound.
	Immutable bool
	// Override states the intent to replace an existing binding (required
	// once the registry is frozen; requires Reason in production).
	Override bool
	Reason   string
	Caller   string
}

type AuditEntry struct {
	Time        time.Time   `json:"time"`
	Action      string      `json:"action"`
	Key         string      `json:"key"`
	Caller      string      `json:"caller,omitempty"`
	Environment Environment `json:"environment"`
	Success     bool        `json:"success"`
	Reason      string      `json:"reason,omitempty"`
	Detail      string      `json:"detail,omitempty"`
}

type entry struct {
	value     any
	factory   Factory
	built     bool
	final     bool
	immutable bool
}

// Registry is safe for concurrent use. Reads take the read lock only; after
// Freeze the entry set no longer changes, so resolution contention is limited
// to lazy factory builds.
type Registry struct {
	env Environment

	mu         sync.RWMutex
	entries    map[string]*entry
	frozenAll  bool
	frozenKeys map[string]bool
	audit      []AuditEntry
	maxAudit   int
}

const defaultMaxAudit = 1000

func NewRegistry(env Environment) *Registry {
	if env == "" {
		env = EnvDevelopment
	}
	return &Registry{
		env:        env,
		entries:    map[string]*entry{},
		frozenKeys: map[string]bool{},
		maxAudit:   defaultMaxAudit,
	}
}

func (r *Registry) Environment() Environment { return r.env }

// Register binds a value (or Factory) under key with default options.
func (r *Registry) Register(key string, value any) error {
	return r.RegisterWith(key, value, RegisterOptions{})
}

// RegisterWith binds a value under key. It fails when the key is final, when
// it is immutable and already bound, when the registry (or key) is frozen and
// no override was requested, or when a production override lacks a reason.
func (r *Registry) RegisterWith(key string, value any, opts RegisterOptions) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("service key must be non-empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	fail := func(format string, args ...any) error {
		err := fmt.Errorf(format, args...)
		r.appendAuditLocked("register", key, opts.Caller, false, opts.Reason, err.Error())
		return err
	}

	prev, bound := r.entries[key]
	if bound && prev.final {
		return fail("service %q is final and cannot be replaced", key)
	}
	if bound && prev.immutable {
		return fail("service %q is immutable and already bound", key)
	}
	if bound || r.frozenAll || r.frozenKeys[key] {
		frozen := r.frozenAll || r.frozenKeys[key]
		if frozen && !opts.Override {
			return fail("registry is frozen for %q; pass Override to replace", key)
		}
		if bound && opts.Override && r.env == EnvProduction && strings.TrimSpace(opts.Reason) == "" {
			return fail("override of %q in production requires a reason", key)
		}
	}

	e := &entry{final: opts.Final, immutable: opts.Immutable}
	if f, ok := value.(Factory); ok {
		e.factory = f
	} else if f, ok := value.(func() (any, error)); ok {
		e.factory = f
	} else {
		e.value = value
		e.built = true
	}
	r.entries[key] = e

	action := "register"
	if bound {
		action = "override"
	}
	r.appendAuditLocked(action, key, opts.Caller, true, opts.Reason, "")
	return nil
}

// Resolve returns the capability bound under key, building a factory-backed
// binding on first use. Unknown keys fail with an error naming the closest
// registered keys.
func (r *Registry) Resolve(key string) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[key]
	if ok && e.built {
		v := e.value
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok = r.entries[key]
	if !ok {
		suggestions := r.similarKeysLocked(key)
		detail := ""
		if len(suggestions) > 0 {
			detail = fmt.Sprintf("; did you mean %s", strings.Join(suggestions, ", "))
		}
		err := fmt.Errorf("service %q is not registered%s", key, detail)
		r.appendAuditLocked("resolve_miss", key, "", false, "", err.Error())
		return nil, err
	}
	if !e.built {
		v, err := e.factory()
		if err != nil {
			return nil, fmt.Errorf("service %q factory: %w", key, err)
		}
		e.value = v
		e.built = true
		e.factory = nil
	}
	return e.value, nil
}

// ResolveAll resolves every requested key or reports the first failure.
func (r *Registry) ResolveAll(keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, err := r.Resolve(k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Has reports whether a key is bound without triggering factory builds.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Keys lists all bound keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Freeze locks the listed keys against rebinding, or the whole registry when
// called with no arguments.
func (r *Registry) Freeze(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(keys) == 0 {
		r.frozenAll = true
		r.appendAuditLocked("freeze", "*", "", true, "", "")
		return
	}
	for _, k := range keys {
		r.frozenKeys[k] = true
		r.appendAuditLocked("freeze", k, "", true, "", "")
	}
}

// TemporaryOverride swaps in replacement bindings and returns a restore
// function that reinstates the prior state. Not allowed in production.
func (r *Registry) TemporaryOverride(values map[string]any) (restore func(), err error) {
	if r.env == EnvProduction {
		return nil, fmt.Errorf("temporary overrides are not allowed in production")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	saved := make(map[string]*entry, len(values))
	existed := make(map[string]bool, len(values))
	for k, v := range values {
		if prev, ok := r.entries[k]; ok {
			if prev.final {
				return nil, fmt.Errorf("service %q is final and cannot be overridden", k)
			}
			saved[k] = prev
			existed[k] = true
		}
		r.entries[k] = &entry{value: v, built: true}
		r.appendAuditLocked("temporary_override", k, "", true, "", "")
	}

	var once sync.Once
	restore = func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for k := range values {
				if existed[k] {
					r.entries[k] = saved[k]
				} else {
					delete(r.entries, k)
				}
				r.appendAuditLocked("restore", k, "", true, "", "")
			}
		})
	}
	return restore, nil
}

// Audit returns a copy of the bounded audit log, oldest first.
func (r *Registry) Audit() []AuditEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AuditEntry, len(r.audit))
	copy(out, r.audit)
	return out
}

func (r *Registry) appendAuditLocked(action, key, caller string, success bool, reason, detail string) {
	r.audit = append(r.audit, AuditEntry{
		Time:        time.Now().UTC(),
		Action:      action,
		Key:         key,
		Caller:      caller,
		Environment: r.env,
		Success:     success,
		Reason:      reason,
		Detail:      detail,
	})
	if over := len(r.audit) - r.maxAudit; over > 0 {
		r.audit = r.audit[over:]
	}
}

// similarKeysLocked ranks registered keys by closeness to the miss: prefix
// matches first, then substring matches, then small edit distances.
func (r *Registry) similarKeysLocked(miss string) []string {
	miss = strings.ToLower(miss)
	var prefix, contains, near []string
	for k := range r.entries {
		lk := strings.ToLower(k)
		switch {
		case strings.HasPrefix(lk, miss) || strings.HasPrefix(miss, lk):
			prefix = append(prefix, k)
		case strings.Contains(lk, miss) || strings.Contains(miss, lk):
			contains = append(contains, k)
		case editDistance(lk, miss) <= 2:
			near = append(near, k)
		}
	}
	sort.Strings(prefix)
	sort.Strings(contains)
	sort.Strings(near)
	out := append(append(prefix, contains...), near...)
	if len(out) > 3 {
		out = out[:3]
	}
	for i, k := range out {
		out[i] = fmt.Sprintf("%q", k)
	}
	return out
}

func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

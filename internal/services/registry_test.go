package services

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry(EnvTest)
	if err := r.Register("worker", 42); err != nil {
		t.Fatalf("Register: %v", err)
	}
	v, err := r.Resolve("worker")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != 42 {
		t.Fatalf("Resolve = %v, want 42", v)
	}
	if !r.Has("worker") || r.Has("missing") {
		t.Fatalf("Has: worker=%v missing=%v", r.Has("worker"), r.Has("missing"))
	}

	r.Register("alpha", 1)
	if got := r.Keys(); !reflect.DeepEqual(got, []string{"alpha", "worker"}) {
		t.Fatalf("Keys = %v, want sorted", got)
	}

	if err := r.Register("  ", 1); err == nil {
		t.Fatal("blank key accepted")
	}
}

func TestRegistry_LazyFactoryBuildsOnce(t *testing.T) {
	r := NewRegistry(EnvTest)
	builds := 0
	err := r.Register("db", Factory(func() (any, error) {
		builds++
		return &struct{ n int }{n: 7}, nil
	}))
	if err != nil {
		t.Fatalf("Register factory: %v", err)
	}
	if builds != 0 {
		t.Fatalf("factory ran at registration")
	}

	a, err := r.Resolve("db")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := r.Resolve("db")
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if builds != 1 {
		t.Fatalf("builds = %d, want 1", builds)
	}
	if a != b {
		t.Fatal("factory value not cached")
	}

	// A bare func() (any, error) is treated as a factory too.
	r.Register("raw", func() (any, error) { return "built", nil })
	v, err := r.Resolve("raw")
	if err != nil || v != "built" {
		t.Fatalf("raw factory: %v, %v", v, err)
	}
}

func TestRegistry_FactoryErrorSurfaces(t *testing.T) {
	r := NewRegistry(EnvTest)
	boom := errors.New("no database")
	r.Register("db", Factory(func() (any, error) { return nil, boom }))
	_, err := r.Resolve("db")
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("Resolve = %v, want wrapped factory error", err)
	}
}

func TestRegistry_FinalBindingCannotBeReplaced(t *testing.T) {
	r := NewRegistry(EnvTest)
	if err := r.RegisterWith("llm", "prod-client", RegisterOptions{Final: true}); err != nil {
		t.Fatalf("RegisterWith: %v", err)
	}
	if err := r.Register("llm", "other"); err == nil || !strings.Contains(err.Error(), "final") {
		t.Fatalf("rebind of final key: got %v", err)
	}
	if err := r.RegisterWith("llm", "other", RegisterOptions{Override: true, Reason: "testing"}); err == nil {
		t.Fatal("override replaced a final binding")
	}
	if _, err := r.TemporaryOverride(map[string]any{"llm": "fake"}); err == nil {
		t.Fatal("temporary override replaced a final binding")
	}
}

func TestRegistry_ImmutableRejectsRebindWhileBound(t *testing.T) {
	r := NewRegistry(EnvTest)
	if err := r.RegisterWith("fs", "real", RegisterOptions{Immutable: true}); err != nil {
		t.Fatalf("RegisterWith: %v", err)
	}
	if err := r.Register("fs", "fake"); err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Fatalf("rebind of immutable key: got %v", err)
	}
}

func TestRegistry_FreezeRequiresOverride(t *testing.T) {
	r := NewRegistry(EnvTest)
	r.Register("a", 1)
	r.Freeze()
	if err := r.Register("b", 2); err == nil || !strings.Contains(err.Error(), "frozen") {
		t.Fatalf("register after freeze: got %v", err)
	}
	if err := r.RegisterWith("b", 2, RegisterOptions{Override: true}); err != nil {
		t.Fatalf("override after freeze: %v", err)
	}

	// Per-key freeze leaves other keys open.
	r2 := NewRegistry(EnvTest)
	r2.Freeze("locked")
	if err := r2.Register("open", 1); err != nil {
		t.Fatalf("register on unfrozen key: %v", err)
	}
	if err := r2.Register("locked", 1); err == nil {
		t.Fatal("register on frozen key succeeded")
	}
}

func TestRegistry_ProductionOverrideNeedsReason(t *testing.T) {
	r := NewRegistry(EnvProduction)
	r.Register("http", "client-a")
	err := r.RegisterWith("http", "client-b", RegisterOptions{Override: true})
	if err == nil || !strings.Contains(err.Error(), "reason") {
		t.Fatalf("production override without reason: got %v", err)
	}
	err = r.RegisterWith("http", "client-b", RegisterOptions{Override: true, Reason: "rotating creds"})
	if err != nil {
		t.Fatalf("production override with reason: %v", err)
	}
	v, _ := r.Resolve("http")
	if v != "client-b" {
		t.Fatalf("Resolve = %v, want client-b", v)
	}
}

func TestRegistry_UnknownKeySuggestsNearMisses(t *testing.T) {
	r := NewRegistry(EnvTest)
	r.Register(KeyFilesystem, 1)
	r.Register(KeyHTTP, 2)
	_, err := r.Resolve("filesystm")
	if err == nil {
		t.Fatal("unknown key resolved")
	}
	if !strings.Contains(err.Error(), "did you mean") || !strings.Contains(err.Error(), `"filesystem"`) {
		t.Fatalf("miss message: %v", err)
	}
}

func TestRegistry_ResolveAll(t *testing.T) {
	r := NewRegistry(EnvTest)
	r.Register("a", 1)
	r.Register("b", 2)
	got, err := r.ResolveAll([]string{"a", "b"})
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any{"a": 1, "b": 2}) {
		t.Fatalf("ResolveAll = %v", got)
	}
	if _, err := r.ResolveAll([]string{"a", "ghost"}); err == nil {
		t.Fatal("ResolveAll with a missing key succeeded")
	}
}

func TestRegistry_TemporaryOverrideRestores(t *testing.T) {
	r := NewRegistry(EnvTest)
	r.Register("llm", "real")
	restore, err := r.TemporaryOverride(map[string]any{"llm": "fake", "extra": "new"})
	if err != nil {
		t.Fatalf("TemporaryOverride: %v", err)
	}
	if v, _ := r.Resolve("llm"); v != "fake" {
		t.Fatalf("during override: %v", v)
	}
	if v, _ := r.Resolve("extra"); v != "new" {
		t.Fatalf("during override: %v", v)
	}

	restore()
	restore() // second call is a no-op
	if v, _ := r.Resolve("llm"); v != "real" {
		t.Fatalf("after restore: %v", v)
	}
	if r.Has("extra") {
		t.Fatal("key added by override survived restore")
	}

	prod := NewRegistry(EnvProduction)
	if _, err := prod.TemporaryOverride(map[string]any{"llm": "fake"}); err == nil {
		t.Fatal("temporary override allowed in production")
	}
}

func TestRegistry_AuditTrailRecordsMutations(t *testing.T) {
	r := NewRegistry(EnvTest)
	r.RegisterWith("a", 1, RegisterOptions{Caller: "setup"})
	r.RegisterWith("f", 1, RegisterOptions{Final: true})
	r.Register("f", 2)   // fails: final
	r.Resolve("nothing") // miss
	r.Register("a", 3)   // rebind logs as override

	audit := r.Audit()
	if len(audit) != 5 {
		t.Fatalf("audit entries = %d, want 5", len(audit))
	}
	if audit[0].Action != "register" || !audit[0].Success || audit[0].Caller != "setup" {
		t.Fatalf("entry 0: %+v", audit[0])
	}
	if audit[2].Action != "register" || audit[2].Success || !strings.Contains(audit[2].Detail, "final") {
		t.Fatalf("entry 2: %+v", audit[2])
	}
	if audit[3].Action != "resolve_miss" || audit[3].Key != "nothing" {
		t.Fatalf("entry 3: %+v", audit[3])
	}
	if audit[4].Action != "override" {
		t.Fatalf("entry 4: %+v", audit[4])
	}
	for _, e := range audit {
		if e.Environment != EnvTest || e.Time.IsZero() {
			t.Fatalf("entry metadata: %+v", e)
		}
	}
}

func TestRegistry_AuditLogIsBounded(t *testing.T) {
	r := NewRegistry(EnvTest)
	for i := 0; i < defaultMaxAudit+5; i++ {
		r.Register(fmt.Sprintf("k%d", i), i)
	}
	audit := r.Audit()
	if len(audit) != defaultMaxAudit {
		t.Fatalf("audit entries = %d, want %d", len(audit), defaultMaxAudit)
	}
	if audit[0].Key != "k5" {
		t.Fatalf("oldest surviving entry = %q, want k5", audit[0].Key)
	}
}

func TestNewRegistry_DefaultsEnvironment(t *testing.T) {
	if env := NewRegistry("").Environment(); env != EnvDevelopment {
		t.Fatalf("environment = %q, want development", env)
	}
}

package automation

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/you/omnichat/internal/config"
)

func openTestStore(t *testing.T) *config.Store {
	t.Helper()
	store, err := config.Open(filepath.Join(t.TempDir(), "config.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDefineAndGet(t *testing.T) {
	v := NewVariables(openTestStore(t))

	if err := v.Define("counter", TypeInt, 5, false); err != nil {
		t.Fatalf("define: %v", err)
	}
	got, ok := v.Get("counter")
	if !ok {
		t.Fatal("variable missing")
	}
	if got.Type != TypeInt {
		t.Fatalf("type: %q", got.Type)
	}
	// JSON roundtrips numbers as float64
	if n, _ := got.Value.(float64); int(n) != 5 {
		t.Fatalf("value: %v (%T)", got.Value, got.Value)
	}

	if _, ok := v.Get("nothere"); ok {
		t.Fatal("undefined variable resolved")
	}
}

func TestSetCoercion(t *testing.T) {
	tests := []struct {
		name string
		typ  VarType
		def  any
		raw  string
		want any
	}{
		{"int ok", TypeInt, 0, "42", float64(42)},
		{"int trims spaces", TypeInt, 0, "  7 ", float64(7)},
		{"float ok", TypeFloat, 0.0, "2.5", 2.5},
		{"bool ok", TypeBool, false, "true", true},
		{"bool numeric", TypeBool, false, "1", true},
		{"string passthrough", TypeString, "", "anything", "anything"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVariables(openTestStore(t))
			if err := v.Define("x", tt.typ, tt.def, false); err != nil {
				t.Fatalf("define: %v", err)
			}
			if err := v.Set("x", tt.raw); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, _ := v.Get("x")
			if !reflect.DeepEqual(got.Value, tt.want) {
				t.Fatalf("value: %v (%T), want %v (%T)", got.Value, got.Value, tt.want, tt.want)
			}
			if notices := v.Notices(); len(notices) != 0 {
				t.Fatalf("unexpected notices: %v", notices)
			}
		})
	}
}

func TestSetCoercionFailureFallsBackToZero(t *testing.T) {
	v := NewVariables(openTestStore(t))
	if err := v.Define("count", TypeInt, 10, false); err != nil {
		t.Fatalf("define: %v", err)
	}

	if err := v.Set("count", "not-a-number"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ := v.Get("count")
	if n, _ := got.Value.(float64); int(n) != 0 {
		t.Fatalf("expected zero-value fallback, got %v", got.Value)
	}

	notices := v.Notices()
	if len(notices) != 1 || !strings.Contains(notices[0], "not-a-number") {
		t.Fatalf("notices: %v", notices)
	}
	// drained
	if len(v.Notices()) != 0 {
		t.Fatal("notices not drained")
	}
}

func TestSetUnknownVariable(t *testing.T) {
	v := NewVariables(openTestStore(t))
	if err := v.Set("ghost", "1"); err == nil {
		t.Fatal("expected error for unknown variable")
	}
}

func TestDeleteAndNames(t *testing.T) {
	v := NewVariables(openTestStore(t))
	for _, name := range []string{"beta", "alpha"} {
		if err := v.Define(name, TypeString, "x", false); err != nil {
			t.Fatalf("define %s: %v", name, err)
		}
	}

	if got := v.Names(); !reflect.DeepEqual(got, []string{"alpha", "beta"}) {
		t.Fatalf("names: %v", got)
	}

	if err := v.Delete("alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := v.Names(); !reflect.DeepEqual(got, []string{"beta"}) {
		t.Fatalf("names after delete: %v", got)
	}
	if _, ok := v.Get("alpha"); ok {
		t.Fatal("deleted variable still resolves")
	}
}

func TestInitializeOnStart(t *testing.T) {
	v := NewVariables(openTestStore(t))
	if err := v.Define("session_gifts", TypeInt, 0, true); err != nil {
		t.Fatalf("define: %v", err)
	}
	if err := v.Define("lifetime_gifts", TypeInt, 0, false); err != nil {
		t.Fatalf("define: %v", err)
	}
	if err := v.Set("session_gifts", "12"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := v.Set("lifetime_gifts", "99"); err != nil {
		t.Fatalf("set: %v", err)
	}

	v.InitializeOnStart()

	session, _ := v.Get("session_gifts")
	if n, _ := session.Value.(float64); int(n) != 0 {
		t.Fatalf("session value not reset: %v", session.Value)
	}
	lifetime, _ := v.Get("lifetime_gifts")
	if n, _ := lifetime.Value.(float64); int(n) != 99 {
		t.Fatalf("lifetime value must survive: %v", lifetime.Value)
	}
}

func TestZeroValues(t *testing.T) {
	tests := []struct {
		typ  VarType
		want any
	}{
		{TypeString, ""},
		{TypeInt, 0},
		{TypeFloat, 0.0},
		{TypeBool, false},
	}
	for _, tt := range tests {
		if got := zeroValue(tt.typ); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("zeroValue(%s) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

// Package automation runs the outbound side of the assistant: typed
// variables persisted in config and timer groups that send scheduled
// messages through the chat manager.
package automation

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/you/omnichat/internal/config"
)

const variablePrefix = "automation.variables."

// VarType is the declared type of an automation variable.
type VarType string

const (
	TypeString VarType = "string"
	TypeInt    VarType = "int"
	TypeFloat  VarType = "float"
	TypeBool   VarType = "bool"
)

// Variable is one typed, persisted automation variable.
type Variable struct {
	Name              string
	Type              VarType
	Value             any
	Default           any
	InitializeOnStart bool
}

// Variables manages the flat variable namespace. All mutations persist
// before returning. Coercion failures fall back to the type's zero value
// and are surfaced as notices.
type Variables struct {
	store *config.Store

	mu      sync.Mutex
	notices []string
}

func NewVariables(store *config.Store) *Variables {
	return &Variables{store: store}
}

// Define creates or replaces a variable declaration and seeds its value
// with the default.
func (v *Variables) Define(name string, typ VarType, def any, initialize bool) error {
	value, ok := coerce(typ, def)
	if !ok {
		value = zeroValue(typ)
	}
	base := variablePrefix + name + "."
	for key, val := range map[string]any{
		"type":       string(typ),
		"default":    value,
		"value":      value,
		"initialize": initialize,
	} {
		if err := v.store.Set(base+key, val); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the current value of a variable.
func (v *Variables) Get(name string) (Variable, bool) {
	base := variablePrefix + name + "."
	typ := VarType(v.store.GetString(base+"type", ""))
	if typ == "" {
		return Variable{}, false
	}
	return Variable{
		Name:              name,
		Type:              typ,
		Value:             v.store.Get(base+"value", zeroValue(typ)),
		Default:           v.store.Get(base+"default", zeroValue(typ)),
		InitializeOnStart: v.store.GetBool(base+"initialize", false),
	}, true
}

// Set coerces raw to the variable's declared type and persists it. An
// uncoercible edit reverts to the zero value and records a notice.
func (v *Variables) Set(name, raw string) error {
	cur, ok := v.Get(name)
	if !ok {
		return fmt.Errorf("automation: unknown variable %q", name)
	}
	value, ok := coerceString(cur.Type, raw)
	if !ok {
		value = zeroValue(cur.Type)
		v.addNotice(fmt.Sprintf("variable %q: %q is not a valid %s, reset to %v", name, raw, cur.Type, value))
	}
	return v.store.Set(variablePrefix+name+".value", value)
}

// Delete removes the variable declaration and value.
func (v *Variables) Delete(name string) error {
	base := variablePrefix + name + "."
	for _, key := range []string{"type", "default", "value", "initialize"} {
		if err := v.store.Delete(base + key); err != nil {
			return err
		}
	}
	return nil
}

// Names lists the defined variables in sorted order.
func (v *Variables) Names() []string {
	flat := v.store.GetPrefix(variablePrefix)
	set := make(map[string]struct{})
	for key := range flat {
		if name, _, ok := strings.Cut(key, "."); ok {
			set[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// InitializeOnStart resets every initialize-on-start variable to its
// default. Called once when the engine comes up.
func (v *Variables) InitializeOnStart() {
	for _, name := range v.Names() {
		cur, ok := v.Get(name)
		if !ok || !cur.InitializeOnStart {
			continue
		}
		if err := v.store.Set(variablePrefix+name+".value", cur.Default); err != nil {
			log.Printf("automation: initialize %q: %v", name, err)
		}
	}
}

func (v *Variables) addNotice(msg string) {
	v.mu.Lock()
	v.notices = append(v.notices, msg)
	v.mu.Unlock()
	log.Printf("automation: %s", msg)
}

// Notices drains and returns the accumulated user-facing notices.
func (v *Variables) Notices() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.notices
	v.notices = nil
	return out
}

// coerce converts an arbitrary stored value to the declared type.
func coerce(typ VarType, raw any) (any, bool) {
	switch typ {
	case TypeString:
		if s, ok := raw.(string); ok {
			return s, true
		}
		return fmt.Sprintf("%v", raw), true
	case TypeInt:
		switch n := raw.(type) {
		case int:
			return n, true
		case float64:
			return int(n), true
		case string:
			return coerceString(typ, n)
		}
	case TypeFloat:
		switch n := raw.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case string:
			return coerceString(typ, n)
		}
	case TypeBool:
		switch b := raw.(type) {
		case bool:
			return b, true
		case string:
			return coerceString(typ, b)
		}
	}
	return nil, false
}

// coerceString converts a user-edited string to the declared type.
func coerceString(typ VarType, raw string) (any, bool) {
	raw = strings.TrimSpace(raw)
	switch typ {
	case TypeString:
		return raw, true
	case TypeInt:
		n, err := strconv.Atoi(raw)
		return n, err == nil
	case TypeFloat:
		f, err := strconv.ParseFloat(raw, 64)
		return f, err == nil
	case TypeBool:
		b, err := strconv.ParseBool(raw)
		return b, err == nil
	}
	return nil, false
}

func zeroValue(typ VarType) any {
	switch typ {
	case TypeInt:
		return 0
	case TypeFloat:
		return 0.0
	case TypeBool:
		return false
	default:
		return ""
	}
}

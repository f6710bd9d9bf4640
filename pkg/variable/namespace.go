// Package variable implements ${NAME} / ${NAME:-default} substitution over
// a layered runtime namespace: per-iteration loop bindings take precedence
// over completed stage outputs, then workflow-level variables, then
// built-ins, then the process environment.
package variable

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
)

// Namespace is the layered variable lookup context threaded through a
// workflow run. Layers are checked in the order listed on Namespace's
// fields; the first layer that resolves the path wins.
type Namespace struct {
	// Loop holds the current iteration's bindings (highest precedence).
	Loop map[string]interface{}
	// Stages holds completed stage outputs, keyed by stage name.
	Stages map[string]interface{}
	// Workflow holds workflow-level variables declared in the definition.
	Workflow map[string]interface{}
	// Builtins holds engine-provided values (timestamp, workflow name, ...).
	Builtins map[string]interface{}
	// Env, when non-nil, is consulted instead of the process environment
	// (mainly so tests can supply a fixed map). Nil means os.LookupEnv.
	Env map[string]string

	Logger *slog.Logger
}

// NewNamespace returns an empty namespace with all layers initialized.
func NewNamespace() *Namespace {
	return &Namespace{
		Loop:     map[string]interface{}{},
		Stages:   map[string]interface{}{},
		Workflow: map[string]interface{}{},
		Builtins: map[string]interface{}{},
	}
}

// WithLoop returns a shallow copy of n with Loop replaced, so nested
// iterations can shadow an outer loop's bindings without mutating it.
func (n *Namespace) WithLoop(bindings map[string]interface{}) *Namespace {
	clone := *n
	clone.Loop = bindings
	return &clone
}

// Resolve looks up a dotted path (e.g. "research.output" or "chapter") across
// the namespace's layers in precedence order, returning the first hit.
func (n *Namespace) Resolve(path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 || segments[0] == "" {
		return nil, false
	}

	if v, ok := resolveFrom(n.Loop, segments); ok {
		return v, true
	}
	if v, ok := resolveFrom(n.Stages, segments); ok {
		return v, true
	}
	if v, ok := resolveFrom(n.Workflow, segments); ok {
		return v, true
	}
	if v, ok := resolveFrom(n.Builtins, segments); ok {
		return v, true
	}
	if len(segments) == 1 {
		if n.Env != nil {
			if v, ok := n.Env[segments[0]]; ok {
				return v, true
			}
		} else if v, ok := os.LookupEnv(segments[0]); ok {
			return v, true
		}
	}
	return nil, false
}

// resolveFrom walks segments into root, descending through maps and
// exported struct fields (reflection), and indexing slices by integer
// segment.
func resolveFrom(root map[string]interface{}, segments []string) (interface{}, bool) {
	v, ok := root[segments[0]]
	if !ok {
		return nil, false
	}
	return traverse(v, segments[1:])
}

func traverse(v interface{}, segments []string) (interface{}, bool) {
	if len(segments) == 0 {
		return v, true
	}
	seg := segments[0]
	rest := segments[1:]

	switch t := v.(type) {
	case map[string]interface{}:
		next, ok := t[seg]
		if !ok {
			return nil, false
		}
		return traverse(next, rest)
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		field := rv.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, seg)
		})
		if !field.IsValid() {
			return nil, false
		}
		return traverse(field.Interface(), rest)
	case reflect.Map:
		for _, key := range rv.MapKeys() {
			if fmt.Sprint(key.Interface()) == seg {
				return traverse(rv.MapIndex(key).Interface(), rest)
			}
		}
		return nil, false
	case reflect.Slice, reflect.Array:
		var idx int
		if _, err := fmt.Sscanf(seg, "%d", &idx); err != nil {
			return nil, false
		}
		if idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return traverse(rv.Index(idx).Interface(), rest)
	}
	return nil, false
}

// Stringify renders a resolved value for substitution into template text.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

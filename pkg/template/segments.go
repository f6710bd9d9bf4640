package template

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/conductorflow/kernel/pkg/variable"
)

// segment is one compiled piece of a template: a literal run of text, a
// variable reference with its filter chain, or a conditional/loop block.
type segment interface {
	render(ns *variable.Namespace, cache *conditionCache) (string, error)
}

type literalSegment string

func (s literalSegment) render(*variable.Namespace, *conditionCache) (string, error) {
	return string(s), nil
}

type variableSegment struct {
	Path    string
	Filters []filterCall
	// Raw is the untrimmed tag body ("path | filter:arg"), used to
	// reconstruct the original "{{...}}" literal when the path fails to
	// resolve and no default filter is present to paper over that.
	Raw string
}

func (s variableSegment) render(ns *variable.Namespace, _ *conditionCache) (string, error) {
	v, ok := ns.Resolve(s.Path)
	if !ok {
		if !s.hasDefaultFilter() {
			return "{{" + s.Raw + "}}", nil
		}
		return applyFilters("", s.Filters)
	}
	return applyFilters(variable.Stringify(v), s.Filters)
}

func (s variableSegment) hasDefaultFilter() bool {
	for _, f := range s.Filters {
		if f.Name == "default" {
			return true
		}
	}
	return false
}

type ifSegment struct {
	Condition string
	Body      []segment
}

func (s ifSegment) render(ns *variable.Namespace, cache *conditionCache) (string, error) {
	ok, err := evalCondition(s.Condition, ns, cache)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return renderAll(s.Body, ns, cache)
}

type eachSegment struct {
	Path string
	Body []segment
}

func (s eachSegment) render(ns *variable.Namespace, cache *conditionCache) (string, error) {
	v, ok := ns.Resolve(s.Path)
	if !ok {
		return "", nil
	}

	var sb strings.Builder
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			item := rv.Index(i).Interface()
			loopNs := ns.WithLoop(loopBindings(item, map[string]interface{}{"index": i}))
			out, err := renderAll(s.Body, loopNs, cache)
			if err != nil {
				return "", err
			}
			sb.WriteString(out)
		}
	case reflect.Map:
		for _, key := range rv.MapKeys() {
			item := rv.MapIndex(key).Interface()
			loopNs := ns.WithLoop(loopBindings(item, map[string]interface{}{"key": fmt.Sprint(key.Interface())}))
			out, err := renderAll(s.Body, loopNs, cache)
			if err != nil {
				return "", err
			}
			sb.WriteString(out)
		}
	default:
		return "", fmt.Errorf("{{#each %s}}: value is not iterable", s.Path)
	}
	return sb.String(), nil
}

// loopBindings builds the per-iteration scope: "this" always refers to the
// current element; if that element is itself a mapping, its keys are also
// addressable directly (unqualified), alongside the loop's own extras
// (index/key) which take precedence over same-named element fields.
func loopBindings(item interface{}, extra map[string]interface{}) map[string]interface{} {
	bindings := map[string]interface{}{"this": item}
	if m, ok := item.(map[string]interface{}); ok {
		for k, v := range m {
			bindings[k] = v
		}
	}
	for k, v := range extra {
		bindings[k] = v
	}
	return bindings
}

func renderAll(segs []segment, ns *variable.Namespace, cache *conditionCache) (string, error) {
	var sb strings.Builder
	for _, seg := range segs {
		out, err := seg.render(ns, cache)
		if err != nil {
			return "", err
		}
		sb.WriteString(out)
	}
	return sb.String(), nil
}

// evalCondition compiles (via cache) and runs an expr-lang boolean
// expression against a flattened view of the namespace: loop bindings
// shadow stage outputs, which shadow workflow variables, which shadow
// built-ins — the same precedence Resolve applies to a single path.
func evalCondition(condition string, ns *variable.Namespace, cache *conditionCache) (bool, error) {
	env := flattenEnv(ns)

	program, err := cache.compileAndCache(condition, env)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", condition, err)
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", condition, err)
	}
	return truthy(out), nil
}

func flattenEnv(ns *variable.Namespace) map[string]interface{} {
	env := map[string]interface{}{}
	for k, v := range ns.Builtins {
		env[k] = v
	}
	for k, v := range ns.Workflow {
		env[k] = v
	}
	for k, v := range ns.Stages {
		env[k] = v
	}
	for k, v := range ns.Loop {
		env[k] = v
	}
	return env
}

// truthy applies the engine's boolean-coercion rules: nil, false, zero
// values, and empty strings/slices/maps are falsy; everything else,
// including a bool expr result, is used as-is.
func truthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.Len() > 0
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}

package variable

import (
	"log/slog"
	"regexp"
)

// refPattern matches ${NAME}, ${NAME:-default}, and dotted paths such as
// ${research.output:-N/A}. The default clause is everything after the
// first "-" following ":", taken verbatim (no nested ${} inside a default).
var refPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// Substitute replaces every ${NAME} / ${NAME:-default} reference in text
// using ns. A reference that resolves to nothing and carries no default is
// left unresolved with a warning logged, never an error.
func Substitute(text string, ns *Namespace) string {
	return refPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := refPattern.FindStringSubmatch(match)
		name := groups[1]
		hasDefault := groups[2] != ""
		def := groups[3]

		if v, ok := ns.Resolve(name); ok {
			return Stringify(v)
		}
		if hasDefault {
			return def
		}
		logger := ns.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("unresolved variable reference", "name", name)
		return match
	})
}

// DeepSubstitute recursively substitutes string leaves of v, returning a
// new value with the same shape (deep copy semantics: the input is never
// mutated in place). Supported containers are map[string]interface{} and
// []interface{}; any other type is returned as-is (substituted if it is a
// string).
func DeepSubstitute(v interface{}, ns *Namespace) interface{} {
	switch t := v.(type) {
	case string:
		return Substitute(t, ns)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = DeepSubstitute(val, ns)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = DeepSubstitute(val, ns)
		}
		return out
	default:
		return v
	}
}

// HasReferences reports whether text contains at least one ${...} reference.
func HasReferences(text string) bool {
	return refPattern.MatchString(text)
}

// ExtractReferences returns the distinct variable names referenced in text.
func ExtractReferences(text string) []string {
	matches := refPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

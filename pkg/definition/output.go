package definition

import (
	"strings"
	"time"

	"github.com/conductorflow/kernel/pkg/variable"
)

// timestampLayout is spec's "yyyyMMdd-HHmmss" expressed in Go's reference
// time layout.
const timestampLayout = "20060102-150405"

// ResolveOutputDir substitutes ${timestamp} and ${workflow} into a raw
// output_dir template, using now for the timestamp. Called at publish
// time, not at load time, so the path reflects when a run actually
// produced output.
func ResolveOutputDir(rawOutputDir, workflowName string, now time.Time) string {
	ns := variable.NewNamespace()
	ns.Builtins["timestamp"] = now.Format(timestampLayout)
	ns.Builtins["workflow"] = workflowName
	return variable.Substitute(rawOutputDir, ns)
}

// SanitizeWorkflowName strips characters that would be awkward in a file
// path segment, for callers that fold the workflow name into a directory
// name outside of the ${workflow} substitution above.
func SanitizeWorkflowName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}

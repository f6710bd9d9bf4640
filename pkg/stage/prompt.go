package stage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conductorflow/kernel/pkg/model"
	"github.com/conductorflow/kernel/pkg/variable"
)

// defaultInputNames is the positional binding convention for
// workflow-level inputs: inputs[0] -> topic, inputs[1] -> author, ...
var defaultInputNames = []string{"topic", "author", "genre", "audience", "style"}

// BindInputs maps positional inputs onto their conventional names
// (falling back to "input<N>" past the named convention's length), ready
// to merge into a namespace's Workflow layer.
func BindInputs(inputs []string) map[string]interface{} {
	bound := make(map[string]interface{}, len(inputs))
	for i, v := range inputs {
		name := fmt.Sprintf("input%d", i)
		if i < len(defaultInputNames) {
			name = defaultInputNames[i]
		}
		bound[name] = v
	}
	return bound
}

// stageNamespace layers a settings snapshot (and, when the stage name
// warrants it, a synthesized content_to_review binding) on top of ns
// without mutating ns itself.
func stageNamespace(st *model.WorkflowStage, ns *variable.Namespace, settings model.Settings) *variable.Namespace {
	loop := make(map[string]interface{}, len(ns.Loop)+2)
	for k, v := range ns.Loop {
		loop[k] = v
	}
	loop["settings"] = map[string]interface{}{
		"outputDir":             settings.OutputDir,
		"maxRetries":            settings.MaxRetries,
		"targetWordsPerChapter": settings.TargetWordsPerChapter,
		"maxWordsPerChapter":    settings.MaxWordsPerChapter,
	}
	if needsContentToReview(st.Name) {
		loop["content_to_review"] = synthesizeContentToReview(ns)
	}
	return ns.WithLoop(loop)
}

func needsContentToReview(stageName string) bool {
	lower := strings.ToLower(stageName)
	return strings.Contains(lower, "final-review") || strings.Contains(lower, "book-review")
}

// synthesizeContentToReview concatenates prior stage outputs in the
// canonical order: title -> toc -> every stage whose name begins with
// "chapter-", in ascending name order.
func synthesizeContentToReview(ns *variable.Namespace) string {
	var parts []string
	for _, name := range []string{"title", "toc"} {
		if v, ok := stageOutput(ns, name); ok {
			parts = append(parts, v)
		}
	}

	var chapterNames []string
	for name := range ns.Stages {
		if strings.HasPrefix(name, "chapter-") {
			chapterNames = append(chapterNames, name)
		}
	}
	sort.Strings(chapterNames)
	for _, name := range chapterNames {
		if v, ok := stageOutput(ns, name); ok {
			parts = append(parts, v)
		}
	}

	return strings.Join(parts, "\n\n")
}

func stageOutput(ns *variable.Namespace, stageName string) (string, bool) {
	v, ok := ns.Stages[stageName]
	if !ok {
		return "", false
	}
	if m, ok := v.(map[string]interface{}); ok {
		if out, ok := m["output"].(string); ok {
			return out, true
		}
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return "", false
}

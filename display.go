package stageplan

import (
	"fmt"
	"strings"
)

// FormatPlan renders a Plan subtree as an indented text tree, one operator
// per line, children indented two spaces under their parent. The format
// mirrors a typical physical-plan EXPLAIN: operator name first, then its
// partitioning, e.g. "Scan Unknown(4)".
func FormatPlan(plan Plan) string {
	var b strings.Builder
	formatPlan(&b, plan, 0)
	return b.String()
}

func formatPlan(b *strings.Builder, plan Plan, depth int) {
	tabline(b, depth, "%s %s", plan.Name(), plan.OutputPartitioning())
	for _, c := range plan.Children() {
		formatPlan(b, c, depth+1)
	}
}

// FormatGraph renders every stage of g as its own plan tree, in ascending
// stage ID order, annotated with the stage's input stage IDs.
func FormatGraph(g *Graph) string {
	var b strings.Builder
	for _, stage := range g.QueryStages() {
		header := fmt.Sprintf("Stage %d", stage.ID)
		if len(stage.InputStageIDs) > 0 {
			header = fmt.Sprintf("%s (reads stages %v)", header, stage.InputStageIDs)
		}
		b.WriteString(header)
		b.WriteByte('\n')
		formatPlan(&b, stage.Root, 1)
	}
	return b.String()
}

// tabify returns a depth-indented prefix, two spaces per level.
func tabify(depth int) string {
	return strings.Repeat("  ", depth)
}

// tabline writes one indented, formatted line to b.
func tabline(b *strings.Builder, depth int, format string, args ...interface{}) {
	b.WriteString(tabify(depth))
	fmt.Fprintf(b, format, args...)
	b.WriteByte('\n')
}

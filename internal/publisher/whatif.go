package publisher

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/stacklok/api-publisher/internal/dependencies"
)

// writeWhatIfReport prints what a run would publish without touching the target
func writeWhatIfReport(w io.Writer, source, target string, window changeWindowPlan, plan *graphPlan) error {
	if _, err := fmt.Fprintf(w, "What-if: publishing %s to %s, change window %s\n\n",
		source, target, window.describe()); err != nil {
		return err
	}

	if err := writeGraphTable(w, "Upserts", plan.upsert); err != nil {
		return err
	}

	switch {
	case window.window == nil:
		_, err := fmt.Fprintf(w, "\nDeletes and key changes: skipped, source has no change queries\n")
		return err
	case !window.incremental:
		_, err := fmt.Fprintf(w, "\nDeletes and key changes: skipped on an initial load\n")
		return err
	}

	if plan.keyChange != nil {
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
		if err := writeGraphTable(w, "Key changes", plan.keyChange); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	return writeGraphTable(w, "Deletes", plan.delete)
}

func writeGraphTable(w io.Writer, title string, graph *dependencies.Graph) error {
	order, err := graph.Order()
	if err != nil {
		return fmt.Errorf("failed to order %s: %w", strings.ToLower(title), err)
	}

	if _, err := fmt.Fprintf(w, "%s (%d resources)\n", title, len(order)); err != nil {
		return err
	}

	rows := make([][]string, 0, len(order))
	for i, key := range order {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			key,
			strings.Join(graph.Dependencies(key), ", "),
		})
	}

	table := tablewriter.NewWriter(w)
	table.Header("#", "Resource", "Depends on")
	if err := table.Bulk(rows); err != nil {
		return fmt.Errorf("failed to build %s table: %w", strings.ToLower(title), err)
	}
	return table.Render()
}

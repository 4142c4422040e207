package printer

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/slok/conntask/internal/model"
)

// TablePrinter prints task information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintResults prints the results of a run followed by the exec outputs.
func (t *TablePrinter) PrintResults(runID string, results []OperationResult) error {
	if len(results) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tPROTOCOL\tOPERATION\tSTATUS\tDURATION\tERROR")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Task.ID,
			r.Task.Protocol,
			r.Operation,
			r.Task.Status,
			FormatDuration(r.Task.Duration()),
			errorMessage(r.Task),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, r := range results {
		if r.Output == "" {
			continue
		}
		fmt.Fprintf(t.writer, "\n--- task %d: %s\n%s", r.Task.ID, r.Operation, r.Output)
		if !strings.HasSuffix(r.Output, "\n") {
			fmt.Fprintln(t.writer)
		}
	}

	fmt.Fprintf(t.writer, "\nRun: %s\n", runID)

	return nil
}

// PrintTasks prints tasks in a table format.
func (t *TablePrinter) PrintTasks(tasks []model.TaskInfo) error {
	if len(tasks) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "RUN\tTASK\tPROTOCOL\tSTATUS\tDURATION\tCREATED\tERROR")
	for _, task := range tasks {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			task.RunID,
			task.ID,
			task.Protocol,
			task.Status,
			FormatDuration(task.Duration()),
			TimeAgo(task.CreatedAt),
			errorMessage(task),
		)
	}

	return nil
}

// PrintTask prints detailed task information.
func (t *TablePrinter) PrintTask(task model.TaskInfo) error {
	fmt.Fprintf(t.writer, "Task:       %d\n", task.ID)
	fmt.Fprintf(t.writer, "Run:        %s\n", task.RunID)
	fmt.Fprintf(t.writer, "Protocol:   %s\n", task.Protocol)
	fmt.Fprintf(t.writer, "Status:     %s\n", task.Status)
	fmt.Fprintf(t.writer, "Completed:  %t\n", task.Completed)
	fmt.Fprintf(t.writer, "Created:    %s\n", FormatTimestamp(task.CreatedAt))

	if task.StartedAt != nil {
		fmt.Fprintf(t.writer, "Started:    %s\n", FormatTimestamp(*task.StartedAt))
	}
	if task.FinishedAt != nil {
		fmt.Fprintf(t.writer, "Finished:   %s\n", FormatTimestamp(*task.FinishedAt))
	}
	if task.Status.Terminal() {
		fmt.Fprintf(t.writer, "Duration:   %s\n", FormatDuration(task.Duration()))
	}
	if task.ErrorMessage != nil {
		fmt.Fprintf(t.writer, "Error:      %s\n", *task.ErrorMessage)
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func errorMessage(t model.TaskInfo) string {
	if t.ErrorMessage == nil {
		return "-"
	}
	// Keep the table on one line per task.
	return strings.ReplaceAll(*t.ErrorMessage, "\n", " ")
}

package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/conntask/internal/model"
)

// JSONPrinter prints task information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// taskOutput represents a task record.
type taskOutput struct {
	ID         uint64     `json:"id"`
	RunID      string     `json:"run_id"`
	Protocol   string     `json:"protocol"`
	Status     string     `json:"status"`
	Completed  bool       `json:"completed"`
	Error      *string    `json:"error"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

type resultOutput struct {
	Operation string     `json:"operation"`
	Task      taskOutput `json:"task"`
	Output    string     `json:"output,omitempty"`
}

type runOutput struct {
	RunID   string         `json:"run_id"`
	Results []resultOutput `json:"results"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

func newTaskOutput(t model.TaskInfo) taskOutput {
	out := taskOutput{
		ID:        uint64(t.ID),
		RunID:     t.RunID,
		Protocol:  t.Protocol,
		Status:    string(t.Status),
		Completed: t.Completed,
		Error:     t.ErrorMessage,
		CreatedAt: t.CreatedAt.UTC(),
	}
	if t.StartedAt != nil {
		ts := t.StartedAt.UTC()
		out.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := t.FinishedAt.UTC()
		out.FinishedAt = &ts
	}
	return out
}

// PrintResults prints the results of a run in JSON format.
func (j *JSONPrinter) PrintResults(runID string, results []OperationResult) error {
	out := runOutput{RunID: runID, Results: make([]resultOutput, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, resultOutput{
			Operation: r.Operation,
			Task:      newTaskOutput(r.Task),
			Output:    r.Output,
		})
	}
	return j.encode(out)
}

// PrintTasks prints tasks in JSON format.
func (j *JSONPrinter) PrintTasks(tasks []model.TaskInfo) error {
	items := make([]taskOutput, len(tasks))
	for i, t := range tasks {
		items[i] = newTaskOutput(t)
	}
	return j.encode(items)
}

// PrintTask prints a task in JSON format.
func (j *JSONPrinter) PrintTask(task model.TaskInfo) error {
	return j.encode(newTaskOutput(task))
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

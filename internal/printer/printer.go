package printer

import "github.com/slok/conntask/internal/model"

// OperationResult is the outcome of a dispatched operation.
type OperationResult struct {
	// Operation is a short description of the operation (e.g. "exec uname -a").
	Operation string
	Task      model.TaskInfo
	Output    string
}

// Printer knows how to print task information in different formats.
type Printer interface {
	PrintResults(runID string, results []OperationResult) error
	PrintTasks(tasks []model.TaskInfo) error
	PrintTask(task model.TaskInfo) error
	PrintMessage(msg string) error
}

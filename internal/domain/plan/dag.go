package plan

import "github.com/Strob0t/Chimera/internal/domain/task"

// ReadyTasks returns the IDs of queued tasks among candidates whose
// dependencies are all DONE within tasks. A dependency absent from tasks is
// an external task that was DONE when the graph was created and counts as
// satisfied.
func ReadyTasks(tasks []task.Task, candidates []string) []string {
	status := statusIndex(tasks)

	var ready []string
	for _, id := range candidates {
		t := find(tasks, id)
		if t == nil || t.Status != task.StatusQueued {
			continue
		}
		allDone := true
		for _, dep := range t.Dependencies {
			if st, ok := status[dep]; ok && st != task.StatusDone {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	return ready
}

// Dependents returns the IDs of tasks that list id as a dependency.
func Dependents(tasks []task.Task, id string) []string {
	var out []string
	for i := range tasks {
		if tasks[i].DependsOn(id) {
			out = append(out, tasks[i].ID)
		}
	}
	return out
}

// AllTerminal returns true if every task is DONE or ERROR.
func AllTerminal(tasks []task.Task) bool {
	for i := range tasks {
		if !tasks[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// AnyFailed returns true if at least one task ended in ERROR.
func AnyFailed(tasks []task.Task) bool {
	for i := range tasks {
		if tasks[i].Status == task.StatusError {
			return true
		}
	}
	return false
}

func statusIndex(tasks []task.Task) map[string]task.Status {
	m := make(map[string]task.Status, len(tasks))
	for i := range tasks {
		m[tasks[i].ID] = tasks[i].Status
	}
	return m
}

func find(tasks []task.Task, id string) *task.Task {
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
	}
	return nil
}

package plan

import "fmt"

// validateDAG checks that draft dependencies form a valid DAG using Kahn's
// algorithm. Dependencies that name no draft are external task ids and are
// left to the caller.
func validateDAG(drafts []Draft) error {
	n := len(drafts)
	index := make(map[string]int, n)
	for i := range drafts {
		index[drafts[i].Ref] = i
	}

	inDegree := make([]int, n)
	adj := make([][]int, n)

	for i := range drafts {
		for _, dep := range drafts[i].DependsOn {
			idx, ok := index[dep]
			if !ok {
				continue
			}
			if idx == i {
				return fmt.Errorf("task %q depends on itself: %w", drafts[i].Ref, ErrDAGCycle)
			}
			adj[idx] = append(adj[idx], i)
			inDegree[i]++
		}
	}

	// Kahn's algorithm: topological sort
	queue := make([]int, 0, n)
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, neighbor := range adj[node] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if visited != n {
		return ErrDAGCycle
	}
	return nil
}

package run

import (
	"sort"
)

// DetectCycle looks for a dependency cycle among the given tasks. Edges
// pointing at unknown task ids are ignored; they are dangling references,
// not cycles. When a cycle exists, the returned slice holds the ids along
// one such cycle.
func DetectCycle(tasks []*Task) ([]string, bool) {
	deps := dependencyIndex(tasks)

	const (
		white = 0 // unvisited
		grey  = 1 // on stack
		black = 2 // done
	)
	color := make(map[string]int, len(deps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case grey:
				// Slice the current stack from the first occurrence of dep.
				for i, sid := range stack {
					if sid == dep {
						cycle = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle, true
			}
		}
	}
	return nil, false
}

// DependenciesSatisfied reports whether every dependency of t resolves to a
// complete task in r. Unknown dependency ids never satisfy.
func DependenciesSatisfied(r *Run, t *Task) bool {
	for _, dep := range t.DependsOn {
		depTask := r.Task(dep)
		if depTask == nil {
			return false
		}
		switch depTask.Status {
		case TaskComplete:
		case TaskAbandoned:
			// Abandoned dependencies are treated as resolved so their
			// dependents are not wedged forever.
		default:
			return false
		}
	}
	return true
}

// TransitiveReduction removes dependency edges already implied by a longer
// path, keeping the DAG minimal. It mutates the given tasks in place and
// returns the removed edges as [from, to] pairs.
func TransitiveReduction(tasks []*Task) [][2]string {
	deps := dependencyIndex(tasks)

	// reachable reports whether to is reachable from from via one or more
	// dependency hops.
	memo := make(map[[2]string]bool)
	var reachable func(from, to string, visited map[string]bool) bool
	reachable = func(from, to string, visited map[string]bool) bool {
		key := [2]string{from, to}
		if v, ok := memo[key]; ok {
			return v
		}
		if visited[from] {
			return false
		}
		visited[from] = true
		for _, next := range deps[from] {
			if next == to || reachable(next, to, visited) {
				memo[key] = true
				return true
			}
		}
		memo[key] = false
		return false
	}

	var removed [][2]string
	for _, t := range tasks {
		if len(t.DependsOn) < 2 {
			continue
		}
		kept := make([]string, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			implied := false
			for _, other := range t.DependsOn {
				if other == dep {
					continue
				}
				if reachable(other, dep, map[string]bool{}) {
					implied = true
					break
				}
			}
			if implied {
				removed = append(removed, [2]string{t.ID, dep})
			} else {
				kept = append(kept, dep)
			}
		}
		t.DependsOn = kept
	}
	return removed
}

func dependencyIndex(tasks []*Task) map[string][]string {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}
	return deps
}

package director

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"maestro/internal/domain/run"
	"maestro/internal/errors"
	"maestro/internal/llm"
)

// integratePlan folds planner suggestions into the DAG once every plan-phase
// task has finished. Passes: LLM deduplication, deterministic foundation
// linking, LLM dependency-query resolution, optional transitive reduction.
func (d *Director) integratePlan(ctx context.Context, r *run.Run, changed map[string]bool, patch *run.Patch) error {
	var sources []*run.Task
	for _, t := range r.Tasks {
		if t.Phase != run.PhasePlan {
			continue
		}
		if !t.Status.IsTerminal() {
			return nil // wave still in flight
		}
		if t.Status == run.TaskComplete && !t.PlanIntegrated && len(t.SuggestedTasks) > 0 {
			sources = append(sources, t)
		}
	}
	if len(sources) == 0 {
		return nil
	}

	var suggestions []*run.Task
	for _, source := range sources {
		suggestions = append(suggestions, source.SuggestedTasks...)
	}

	kept, err := d.deduplicate(ctx, r, suggestions)
	if err != nil {
		return err
	}
	d.resolveSiblingRefs(r, kept, patch)
	d.linkFoundations(r, kept, patch)
	if err := d.resolveDependencyQueries(ctx, r, kept); err != nil {
		return err
	}

	// Merge, dropping any LLM-proposed edge that would close a cycle.
	for _, t := range kept {
		t.Status = run.TaskPlanned
		r.Tasks = append(r.Tasks, t)
		changed[t.ID] = true
	}
	d.dropCyclicEdges(r, changed, patch)

	if d.reduce {
		removed := run.TransitiveReduction(r.Tasks)
		for _, edge := range removed {
			changed[edge[0]] = true
		}
		if len(removed) > 0 {
			d.note(patch, fmt.Sprintf("transitive reduction removed %d implied dependency edges", len(removed)))
		}
	}

	for _, source := range sources {
		source.PlanIntegrated = true
		changed[source.ID] = true
	}
	d.note(patch, fmt.Sprintf("plan integration merged %d of %d suggested tasks", len(kept), len(suggestions)))
	d.logger.Info("plan integrated", "suggested", len(suggestions), "kept", len(kept))
	return nil
}

// deduplicate is Pass 1: the model drops duplicates and out-of-scope
// suggestions, returning the ids to keep. On an undecodable reply every
// suggestion is kept; losing tasks silently is worse than a loose plan.
func (d *Director) deduplicate(ctx context.Context, r *run.Run, suggestions []*run.Task) ([]*run.Task, error) {
	if len(suggestions) <= 1 {
		return suggestions, nil
	}

	encoded, _ := json.Marshal(summarizeTasks(suggestions))
	const system = `You curate a task plan. Given the objective and candidate tasks from multiple
planners, drop duplicates (keep the more detailed variant) and anything out of
scope. Reply with JSON: {"keep": ["<id>", ...]}.`

	resp, err := d.complete(ctx, llm.CompletionRequest{Messages: []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: fmt.Sprintf("Objective:\n%s\n\nCandidate tasks:\n%s", r.Objective, encoded)},
	}})
	if err != nil {
		return nil, errors.Wrap(errors.KindLLMFailure, err)
	}

	var out struct {
		Keep []string `json:"keep"`
	}
	if err := llm.DecodeJSON(resp.Content, &out); err != nil || len(out.Keep) == 0 {
		d.logger.Warn("deduplication reply unusable, keeping all suggestions", "err", err)
		return suggestions, nil
	}

	keep := make(map[string]bool, len(out.Keep))
	for _, id := range out.Keep {
		keep[id] = true
	}
	var kept []*run.Task
	for _, t := range suggestions {
		if keep[t.ID] {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return suggestions, nil
	}
	return kept, nil
}

// resolveSiblingRefs rewrites depends_on entries that name a sibling by title
// instead of id, the loose form create_subtasks accepts. References matching
// no known id or title are dropped with a design note; a dangling edge would
// never satisfy and the task would wedge.
func (d *Director) resolveSiblingRefs(r *run.Run, kept []*run.Task, patch *run.Patch) {
	ids := make(map[string]bool)
	byTitle := make(map[string]string)
	register := func(t *run.Task) {
		ids[t.ID] = true
		title := strings.ToLower(strings.TrimSpace(t.Title))
		if _, taken := byTitle[title]; !taken && title != "" {
			byTitle[title] = t.ID
		}
	}
	for _, t := range kept {
		register(t)
	}
	for _, t := range r.Tasks {
		register(t)
	}

	for _, t := range kept {
		if len(t.DependsOn) == 0 {
			continue
		}
		seen := make(map[string]bool, len(t.DependsOn))
		deps := t.DependsOn[:0]
		for _, ref := range t.DependsOn {
			id := ref
			if !ids[id] {
				id = byTitle[strings.ToLower(strings.TrimSpace(ref))]
			}
			if id == "" {
				d.note(patch, fmt.Sprintf("dropped dependency %q of task %s: no task with that id or title", ref, t.ID))
				continue
			}
			if id == t.ID || seen[id] {
				continue
			}
			seen[id] = true
			deps = append(deps, id)
		}
		t.DependsOn = deps
	}
}

// linkFoundations is Pass 1.5: every feature task gains a dependency on the
// foundation/infrastructure task(s) it does not already depend on.
func (d *Director) linkFoundations(r *run.Run, kept []*run.Task, patch *run.Patch) {
	var foundations []*run.Task
	for _, t := range kept {
		if isFoundation(t) {
			foundations = append(foundations, t)
		}
	}
	if len(foundations) == 0 {
		return
	}

	linked := 0
	for _, t := range kept {
		if isFoundation(t) || t.Phase == run.PhasePlan {
			continue
		}
		existing := make(map[string]bool, len(t.DependsOn))
		for _, id := range t.DependsOn {
			existing[id] = true
		}
		for _, foundation := range foundations {
			if !existing[foundation.ID] {
				t.DependsOn = append(t.DependsOn, foundation.ID)
				linked++
			}
		}
	}
	if linked > 0 {
		d.note(patch, fmt.Sprintf("foundation linking added %d dependency edges", linked))
	}
}

func isFoundation(t *run.Task) bool {
	probe := strings.ToLower(t.Title + " " + t.Component)
	for _, marker := range []string{"foundation", "infrastructure", "scaffold", "setup", "skeleton"} {
		if strings.Contains(probe, marker) {
			return true
		}
	}
	return false
}

// resolveDependencyQueries is Pass 2: free-text dependency queries are
// resolved against the known task set. Unresolvable queries are dropped.
func (d *Director) resolveDependencyQueries(ctx context.Context, r *run.Run, kept []*run.Task) error {
	var queried []*run.Task
	for _, t := range kept {
		if len(t.DependencyQueries) > 0 {
			queried = append(queried, t)
		}
	}
	if len(queried) == 0 {
		return nil
	}

	candidates := summarizeTasks(kept)
	for _, t := range r.Tasks {
		candidates = append(candidates, taskSummary{ID: t.ID, Title: t.Title, Phase: string(t.Phase)})
	}
	candidatesJSON, _ := json.Marshal(candidates)

	type queryKey struct {
		TaskID string `json:"task_id"`
		Query  string `json:"query"`
	}
	var queries []queryKey
	for _, t := range queried {
		for _, q := range t.DependencyQueries {
			queries = append(queries, queryKey{TaskID: t.ID, Query: q})
		}
	}
	queriesJSON, _ := json.Marshal(queries)

	const system = `You resolve free-text dependency references against a task list. For each
query, pick the task id(s) it refers to, or an empty list when nothing matches.
Reply with JSON: {"resolutions": [{"task_id": "...", "query": "...", "depends_on": ["<id>", ...]}]}.`

	resp, err := d.complete(ctx, llm.CompletionRequest{Messages: []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: fmt.Sprintf("Tasks:\n%s\n\nQueries:\n%s", candidatesJSON, queriesJSON)},
	}})
	if err != nil {
		return errors.Wrap(errors.KindLLMFailure, err)
	}

	var out struct {
		Resolutions []struct {
			TaskID    string   `json:"task_id"`
			Query     string   `json:"query"`
			DependsOn []string `json:"depends_on"`
		} `json:"resolutions"`
	}
	if err := llm.DecodeJSON(resp.Content, &out); err != nil {
		return errors.New(errors.KindLLMFailure, "dependency resolution not decodable: %v", err)
	}

	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.ID] = true
	}
	byID := make(map[string]*run.Task, len(queried))
	for _, t := range queried {
		byID[t.ID] = t
	}
	for _, resolution := range out.Resolutions {
		t, ok := byID[resolution.TaskID]
		if !ok {
			continue
		}
		existing := make(map[string]bool, len(t.DependsOn))
		for _, id := range t.DependsOn {
			existing[id] = true
		}
		for _, dep := range resolution.DependsOn {
			if known[dep] && dep != t.ID && !existing[dep] {
				t.DependsOn = append(t.DependsOn, dep)
				existing[dep] = true
			}
		}
	}
	for _, t := range queried {
		t.DependencyQueries = nil
	}
	return nil
}

// dropCyclicEdges removes dependency edges until the merged graph is acyclic,
// recording a design note per dropped edge. Integration must never hand the
// store a patch it would reject.
func (d *Director) dropCyclicEdges(r *run.Run, changed map[string]bool, patch *run.Patch) {
	for {
		cycle, found := run.DetectCycle(r.Tasks)
		if !found {
			return
		}
		from, to := cycleEdge(r, cycle)
		if from == nil {
			return // defensive: cycle without a removable edge cannot happen
		}
		deps := from.DependsOn[:0]
		for _, id := range from.DependsOn {
			if id != to.ID {
				deps = append(deps, id)
			}
		}
		from.DependsOn = deps
		changed[from.ID] = true
		d.note(patch, fmt.Sprintf("dropped dependency %s -> %s: edge would create a cycle", from.ID, to.ID))
		d.logger.Warn("cyclic dependency edge dropped", "from", from.ID, "to", to.ID)
	}
}

// cycleEdge picks one edge along the reported cycle.
func cycleEdge(r *run.Run, cycle []string) (from, to *run.Task) {
	for i := 0; i < len(cycle); i++ {
		a := r.Task(cycle[i])
		b := r.Task(cycle[(i+1)%len(cycle)])
		if a == nil || b == nil {
			continue
		}
		for _, dep := range a.DependsOn {
			if dep == b.ID {
				return a, b
			}
		}
	}
	return nil, nil
}

type taskSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Phase       string `json:"phase"`
}

func summarizeTasks(tasks []*run.Task) []taskSummary {
	out := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSummary{ID: t.ID, Title: t.Title, Description: t.Description, Phase: string(t.Phase)})
	}
	return out
}

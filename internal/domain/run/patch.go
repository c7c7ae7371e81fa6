package run

import (
	"time"

	"maestro/internal/errors"
	"maestro/internal/llm"
)

// Patch is an explicit structured update against a run. Each field has a
// fixed reducer; absent fields leave the run untouched.
type Patch struct {
	// Tasks merges by id: an incoming record with Delete set removes the
	// task, otherwise it replaces the existing record or appends.
	Tasks []*Task

	// Insights and DesignLog union by id, preserving existing order.
	// Duplicate ids are ignored.
	Insights  []Insight
	DesignLog []DesignEntry

	// TaskMemories appends per task id. ClearMemories wipes the listed
	// task histories first (the Phoenix fresh-context sentinel).
	TaskMemories  map[string][]llm.Message
	ClearMemories []string

	// Scalar fields are last-write-wins.
	Status                 *Status
	Objective              *string
	Spec                   map[string]any
	ReplanRequested        *bool
	PendingResolution      *PendingResolution
	ClearPendingResolution bool
	WorkspacePath          *string
}

// IsZero reports whether the patch carries no mutation.
func (p Patch) IsZero() bool {
	return len(p.Tasks) == 0 && len(p.Insights) == 0 && len(p.DesignLog) == 0 &&
		len(p.TaskMemories) == 0 && len(p.ClearMemories) == 0 &&
		p.Status == nil && p.Objective == nil && p.Spec == nil &&
		p.ReplanRequested == nil && p.PendingResolution == nil &&
		!p.ClearPendingResolution && p.WorkspacePath == nil
}

// apply mutates r with the patch. The caller must have validated acyclicity
// (see Store.Apply) and must hold the run's write lock.
func (p Patch) apply(r *Run) {
	if len(p.Tasks) > 0 {
		r.Tasks = mergeTasks(r.Tasks, p.Tasks)
	}
	if len(p.Insights) > 0 {
		r.Insights = mergeInsights(r.Insights, p.Insights)
	}
	if len(p.DesignLog) > 0 {
		r.DesignLog = mergeDesignLog(r.DesignLog, p.DesignLog)
	}

	if len(p.ClearMemories) > 0 && r.TaskMemories != nil {
		for _, id := range p.ClearMemories {
			delete(r.TaskMemories, id)
		}
	}
	if len(p.TaskMemories) > 0 {
		if r.TaskMemories == nil {
			r.TaskMemories = make(map[string][]llm.Message)
		}
		for id, msgs := range p.TaskMemories {
			r.TaskMemories[id] = append(r.TaskMemories[id], msgs...)
		}
	}

	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Objective != nil {
		r.Objective = *p.Objective
	}
	if p.Spec != nil {
		r.Spec = cloneAnyMap(p.Spec)
	}
	if p.ReplanRequested != nil {
		r.ReplanRequested = *p.ReplanRequested
	}
	if p.ClearPendingResolution {
		r.PendingResolution = nil
	}
	if p.PendingResolution != nil {
		r.PendingResolution = p.PendingResolution
	}
	if p.WorkspacePath != nil {
		r.WorkspacePath = *p.WorkspacePath
	}

	r.UpdatedAt = time.Now()
}

// Validate applies the patch to a scratch copy and checks the invariants the
// reducer must uphold, returning the resulting task set on success.
func (p Patch) validate(r *Run) error {
	if len(p.Tasks) == 0 {
		return nil
	}
	merged := mergeTasks(cloneTasks(r.Tasks), p.Tasks)
	if cycle, found := DetectCycle(merged); found {
		return errors.New(errors.KindCycleDetected, "dependency cycle: %v", cycle)
	}
	return nil
}

func mergeTasks(existing []*Task, incoming []*Task) []*Task {
	index := make(map[string]int, len(existing))
	for i, t := range existing {
		index[t.ID] = i
	}

	out := existing
	for _, in := range incoming {
		pos, known := index[in.ID]
		if in.Delete {
			if known {
				out = append(out[:pos], out[pos+1:]...)
				delete(index, in.ID)
				for id, i := range index {
					if i > pos {
						index[id] = i - 1
					}
				}
			}
			continue
		}
		replacement := in.Clone()
		replacement.Delete = false
		if known {
			out[pos] = replacement
		} else {
			index[in.ID] = len(out)
			out = append(out, replacement)
		}
	}
	return out
}

func mergeInsights(existing []Insight, incoming []Insight) []Insight {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e.ID] = true
	}
	for _, in := range incoming {
		if in.ID == "" || seen[in.ID] {
			continue
		}
		seen[in.ID] = true
		existing = append(existing, in)
	}
	return existing
}

func mergeDesignLog(existing []DesignEntry, incoming []DesignEntry) []DesignEntry {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e.ID] = true
	}
	for _, in := range incoming {
		if in.ID == "" || seen[in.ID] {
			continue
		}
		seen[in.ID] = true
		existing = append(existing, in)
	}
	return existing
}

func cloneTasks(tasks []*Task) []*Task {
	out := make([]*Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

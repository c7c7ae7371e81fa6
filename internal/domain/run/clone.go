package run

import "maestro/internal/llm"

// Clone returns a deep copy of the run so readers never alias store-owned
// memory.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Spec = cloneAnyMap(r.Spec)
	out.Tags = append([]string(nil), r.Tags...)

	if r.Tasks != nil {
		out.Tasks = make([]*Task, len(r.Tasks))
		for i, t := range r.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	out.DesignLog = append([]DesignEntry(nil), r.DesignLog...)
	out.Insights = append([]Insight(nil), r.Insights...)

	if r.TaskMemories != nil {
		out.TaskMemories = make(map[string][]llm.Message, len(r.TaskMemories))
		for id, msgs := range r.TaskMemories {
			out.TaskMemories[id] = append([]llm.Message(nil), msgs...)
		}
	}
	if r.PendingResolution != nil {
		pr := *r.PendingResolution
		pr.Task = r.PendingResolution.Task.Clone()
		pr.LastAttempt = append([]llm.Message(nil), r.PendingResolution.LastAttempt...)
		out.PendingResolution = &pr
	}
	return &out
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.DependsOn = append([]string(nil), t.DependsOn...)
	out.DependencyQueries = append([]string(nil), t.DependencyQueries...)
	out.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	out.WaitingForTasks = append([]string(nil), t.WaitingForTasks...)

	if t.SuggestedTasks != nil {
		out.SuggestedTasks = make([]*Task, len(t.SuggestedTasks))
		for i, st := range t.SuggestedTasks {
			out.SuggestedTasks[i] = st.Clone()
		}
	}

	if t.QAVerdict != nil {
		v := *t.QAVerdict
		v.TestsNeedingRevision = append([]string(nil), t.QAVerdict.TestsNeedingRevision...)
		v.RefinedTestCriteria = append([]string(nil), t.QAVerdict.RefinedTestCriteria...)
		v.Extra = cloneAnyMap(t.QAVerdict.Extra)
		out.QAVerdict = &v
	}
	if t.AAR != nil {
		a := *t.AAR
		a.Challenges = append([]string(nil), t.AAR.Challenges...)
		a.DecisionsMade = append([]string(nil), t.AAR.DecisionsMade...)
		a.FilesModified = append([]string(nil), t.AAR.FilesModified...)
		a.Extra = cloneAnyMap(t.AAR.Extra)
		out.AAR = &a
	}
	if t.Escalation != nil {
		e := *t.Escalation
		e.Extra = cloneAnyMap(t.Escalation.Extra)
		out.Escalation = &e
	}
	if t.MergeContext != nil {
		m := *t.MergeContext
		m.ConflictingFiles = append([]string(nil), t.MergeContext.ConflictingFiles...)
		out.MergeContext = &m
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		out.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return &out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = cloneAnyMap(val)
		case []any:
			out[k] = append([]any(nil), val...)
		default:
			out[k] = v
		}
	}
	return out
}

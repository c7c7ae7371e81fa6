// Package run defines the blackboard: the authoritative state of a workflow
// run, the task DAG scheduled over it, and the reducer-based patch model
// every component mutates it through.
package run

import (
	"time"

	"maestro/internal/llm"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusCancelled   Status = "cancelled"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusDeadlock    Status = "deadlock"
	StatusPaused      Status = "paused"
)

// IsTerminal reports whether the run status is final. Terminal runs remain
// restartable from their checkpoint.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed, StatusDeadlock:
		return true
	default:
		return false
	}
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPlanned        TaskStatus = "planned"
	TaskReady          TaskStatus = "ready"
	TaskBlocked        TaskStatus = "blocked"
	TaskActive         TaskStatus = "active"
	TaskAwaitingQA     TaskStatus = "awaiting_qa"
	TaskComplete       TaskStatus = "complete"
	TaskFailed         TaskStatus = "failed"
	TaskFailedQA       TaskStatus = "failed_qa"
	TaskWaitingHuman   TaskStatus = "waiting_human"
	TaskWaitingSubtask TaskStatus = "waiting_subtask"
	TaskAbandoned      TaskStatus = "abandoned"

	// Staging states proposed by worker/strategist and confirmed by the
	// director on its next tick. Single-writer discipline: proposers never
	// write final states.
	TaskPendingAwaitingQA TaskStatus = "pending_awaiting_qa"
	TaskPendingComplete   TaskStatus = "pending_complete"
	TaskPendingFailed     TaskStatus = "pending_failed"
)

// IsTerminal reports whether the task can make no further progress.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskComplete || s == TaskAbandoned
}

// IsPending reports whether the status is a staging state.
func (s TaskStatus) IsPending() bool {
	switch s {
	case TaskPendingAwaitingQA, TaskPendingComplete, TaskPendingFailed:
		return true
	default:
		return false
	}
}

// Promoted maps a staging status to its confirmed counterpart. Non-pending
// statuses map to themselves.
func (s TaskStatus) Promoted() TaskStatus {
	switch s {
	case TaskPendingAwaitingQA:
		return TaskAwaitingQA
	case TaskPendingComplete:
		return TaskComplete
	case TaskPendingFailed:
		return TaskFailed
	default:
		return s
	}
}

// Phase determines worker profile eligibility and QA policy.
type Phase string

const (
	PhasePlan  Phase = "plan"
	PhaseBuild Phase = "build"
	PhaseTest  Phase = "test"
)

// Profile is the role a worker plays, selecting its tool set and prompt.
type Profile string

const (
	ProfilePlanner    Profile = "planner"
	ProfileCoder      Profile = "coder"
	ProfileTester     Profile = "tester"
	ProfileResearcher Profile = "researcher"
	ProfileWriter     Profile = "writer"
	ProfileMerger     Profile = "merger"
	ProfileQA         Profile = "qa"
)

// DefaultProfile returns the worker profile a phase dispatches to when the
// task does not name one.
func (p Phase) DefaultProfile() Profile {
	switch p {
	case PhasePlan:
		return ProfilePlanner
	case PhaseTest:
		return ProfileTester
	default:
		return ProfileCoder
	}
}

// DefaultMaxRetries is the per-task retry budget before escalation. A task
// gets DefaultMaxRetries+1 attempts in total; a failure with retry_count at
// the budget escalates to waiting_human.
const DefaultMaxRetries = 3

// AAR is the after-action report a worker produces on completion.
type AAR struct {
	Summary           string         `json:"summary"`
	Approach          string         `json:"approach,omitempty"`
	Challenges        []string       `json:"challenges,omitempty"`
	DecisionsMade     []string       `json:"decisions_made,omitempty"`
	FilesModified     []string       `json:"files_modified,omitempty"`
	TimeSpentEstimate string         `json:"time_spent_estimate,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// QAVerdict records the strategist's acceptance decision for a task.
type QAVerdict struct {
	Pass                 bool           `json:"pass"`
	Feedback             string         `json:"feedback,omitempty"`
	TestsNeedingRevision []string       `json:"tests_needing_revision,omitempty"`
	RefinedTestCriteria  []string       `json:"refined_test_criteria,omitempty"`
	Extra                map[string]any `json:"extra,omitempty"`
}

// Escalation is a worker's structured request for outside help.
type Escalation struct {
	Type            string         `json:"type"`
	Reason          string         `json:"reason"`
	SuggestedAction string         `json:"suggested_action,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Insight is a freely posted observation shared across tasks.
type Insight struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// DesignEntry is an append-only design log record.
type DesignEntry struct {
	ID        string    `json:"id"`
	Author    string    `json:"author,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MergeContext carries conflict details into a spawned merger task.
type MergeContext struct {
	OriginalTaskID   string   `json:"original_task_id"`
	ConflictingFiles []string `json:"conflicting_files,omitempty"`
	ErrorMessage     string   `json:"error_message,omitempty"`
	ConflictSummary  string   `json:"conflict_summary,omitempty"`
}

// Task is the unit scheduled to a worker.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Component   string `json:"component,omitempty"`
	Phase       Phase  `json:"phase"`

	Status TaskStatus `json:"status"`

	DependsOn          []string `json:"depends_on,omitempty"`
	DependencyQueries  []string `json:"dependency_queries,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`

	AssignedWorkerProfile Profile `json:"assigned_worker_profile,omitempty"`
	Priority              int     `json:"priority,omitempty"`
	RetryCount            int     `json:"retry_count"`
	MaxRetries            int     `json:"max_retries"`

	ResultPath      string      `json:"result_path,omitempty"`
	QAVerdict       *QAVerdict  `json:"qa_verdict,omitempty"`
	AAR             *AAR        `json:"aar,omitempty"`
	Escalation      *Escalation `json:"escalation,omitempty"`
	Checkpoint      string      `json:"checkpoint,omitempty"`
	WaitingForTasks []string    `json:"waiting_for_tasks,omitempty"`

	BranchName   string     `json:"branch_name,omitempty"`
	WorktreePath string     `json:"worktree_path,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Planner-only fields: tasks proposed via create_subtasks, staged here
	// until plan integration consumes them.
	SuggestedTasks []*Task `json:"suggested_tasks,omitempty"`
	PlanIntegrated bool    `json:"plan_integrated,omitempty"`

	// Merge-task-only fields.
	MergeContext      *MergeContext `json:"merge_context,omitempty"`
	UseWorktreeTaskID string        `json:"use_worktree_task_id,omitempty"`

	// Delete is a tombstone understood by the tasks reducer.
	Delete bool `json:"_delete,omitempty"`
}

// Profile returns the effective worker profile for this task.
func (t *Task) Profile() Profile {
	if t.AssignedWorkerProfile != "" {
		return t.AssignedWorkerProfile
	}
	return t.Phase.DefaultProfile()
}

// PendingResolution is the structured HITL payload published when a task
// reaches waiting_human.
type PendingResolution struct {
	TaskID      string        `json:"task_id"`
	Task        *Task         `json:"task"`
	Reason      string        `json:"reason"`
	LastAttempt []llm.Message `json:"last_attempt,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ResolutionAction is the command a human supplies to exit waiting_human.
type ResolutionAction string

const (
	ResolveRetry        ResolutionAction = "retry"
	ResolveSpawnNewTask ResolutionAction = "spawn_new_task"
	ResolveAbandon      ResolutionAction = "abandon"
)

// Resolution is the human decision applied through the control plane.
type Resolution struct {
	TaskID              string           `json:"task_id"`
	Action              ResolutionAction `json:"action"`
	ModifiedDescription string           `json:"modified_description,omitempty"`
	ModifiedCriteria    []string         `json:"modified_criteria,omitempty"`
	NewTask             *Task            `json:"new_task,omitempty"`
}

// Run is the top-level unit of work.
type Run struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`

	Objective string         `json:"objective"`
	Spec      map[string]any `json:"spec,omitempty"`

	Tasks        []*Task                  `json:"tasks"`
	DesignLog    []DesignEntry            `json:"design_log,omitempty"`
	Insights     []Insight                `json:"insights,omitempty"`
	TaskMemories map[string][]llm.Message `json:"task_memories,omitempty"`

	Status            Status             `json:"status"`
	ReplanRequested   bool               `json:"replan_requested,omitempty"`
	PendingResolution *PendingResolution `json:"pending_resolution,omitempty"`

	WorkspacePath string   `json:"workspace_path,omitempty"`
	Tags          []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task returns the task with the given id, or nil.
func (r *Run) Task(id string) *Task {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TasksByStatus returns all tasks currently in any of the given statuses,
// in insertion order.
func (r *Run) TasksByStatus(statuses ...TaskStatus) []*Task {
	var out []*Task
	for _, t := range r.Tasks {
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// AllTasksTerminal reports whether every task is complete or abandoned.
func (r *Run) AllTasksTerminal() bool {
	for _, t := range r.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Package worker runs profile-dispatched agent loops inside task worktrees.
// A worker proposes, it never confirms: results carry pending_* statuses that
// the director promotes on its next tick.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"maestro/internal/domain/run"
	"maestro/internal/errors"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/tools"
)

// Committer commits a task's worktree changes with task attribution.
type Committer interface {
	CommitChanges(ctx context.Context, taskID, message string) (string, error)
}

// Request carries everything one worker execution needs.
type Request struct {
	Task     *run.Task
	Run      *run.Run // read-only snapshot for prompt context
	Binding  *tools.Binding
	Memories []llm.Message // prior attempts' conversation, already wiped by Phoenix
}

// Result is the worker's proposal back to the dispatch loop.
type Result struct {
	TaskID          string
	Status          run.TaskStatus // pending_* or waiting_subtask
	ResultPath      string
	AAR             *run.AAR
	Insights        []run.Insight
	SuggestedTasks  []*run.Task
	Messages        []llm.Message // appended to task_memories
	Escalation      *run.Escalation
	Checkpoint      string
	WaitingForTasks []string
	CommitID        string
}

// Agent executes worker requests against an LLM invoker and tool registry.
type Agent struct {
	invoker   llm.Invoker
	registry  *tools.Registry
	profiles  *ProfileSet
	committer Committer
	logger    *logging.Logger
}

// NewAgent wires a worker agent. committer may be nil in tests.
func NewAgent(invoker llm.Invoker, registry *tools.Registry, profiles *ProfileSet, committer Committer, logger *logging.Logger) *Agent {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &Agent{
		invoker:   invoker,
		registry:  registry,
		profiles:  profiles,
		committer: committer,
		logger:    logging.OrNop(logger),
	}
}

// finalOutput is the JSON shape a worker's terminal message must carry.
type finalOutput struct {
	Status          string          `json:"status"`
	ResultPath      string          `json:"result_path,omitempty"`
	AAR             *run.AAR        `json:"aar,omitempty"`
	Insights        []run.Insight   `json:"insights,omitempty"`
	Escalation      *run.Escalation `json:"escalation,omitempty"`
	Checkpoint      string          `json:"checkpoint,omitempty"`
	WaitingForTasks []string        `json:"waiting_for_tasks,omitempty"`
}

// Execute runs the agent loop for one task. An error return means the job
// infrastructure failed (cancellation); task-level failure is a Result.
func (a *Agent) Execute(ctx context.Context, req Request) (*Result, error) {
	task := req.Task
	profile := task.Profile()
	ctx = logging.ContextWithTaskID(ctx, task.ID)
	log := a.logger.With("task_id", task.ID, "profile", string(profile))

	registry := a.registry.ForProfile(profile)
	req.Binding.ReadOnly = profile == run.ProfileQA

	seed := a.seedConversation(profile, req)
	sessionStart := len(seed)

	final, failure, conversation, err := a.loop(ctx, log, registry, req.Binding, seed, a.profiles.MaxSteps(profile))
	if err != nil {
		return nil, err
	}

	result := &Result{
		TaskID:   task.ID,
		Messages: conversation[sessionStart:],
	}
	if failure != "" {
		result.Status = run.TaskPendingFailed
		result.AAR = &run.AAR{Summary: failure}
		return result, nil
	}

	a.applyFinal(result, final)
	a.enforceContract(result, profile, req.Binding, failureSink(result))

	if a.committer != nil && result.Status != run.TaskPendingFailed && profile != run.ProfileQA {
		message := fmt.Sprintf("task(%s): %s", task.ID, task.Title)
		commitID, commitErr := a.committer.CommitChanges(ctx, task.ID, message)
		if commitErr != nil {
			log.Error("commit failed", "err", commitErr)
			result.Status = run.TaskPendingFailed
			result.AAR = &run.AAR{Summary: "failed to commit changes: " + commitErr.Error()}
			return result, nil
		}
		result.CommitID = commitID
	}

	log.Info("worker finished", "status", string(result.Status), "messages", len(result.Messages))
	return result, nil
}

// Judge runs the QA loop and decodes a verdict. The binding must be
// read-only; Judge enforces it regardless.
func (a *Agent) Judge(ctx context.Context, task *run.Task, r *run.Run, binding *tools.Binding) (*run.QAVerdict, error) {
	binding.ReadOnly = true
	registry := a.registry.ForProfile(run.ProfileQA)
	log := a.logger.With("task_id", task.ID, "profile", "qa")

	seed := []llm.Message{
		{Role: "system", Content: a.profiles.Prompt(run.ProfileQA)},
		{Role: "user", Content: a.taskContext(run.ProfileQA, task, r)},
	}
	final, failure, _, err := a.loop(ctx, log, registry, binding, seed, a.profiles.MaxSteps(run.ProfileQA))
	if err != nil {
		return nil, err
	}
	if failure != "" {
		return nil, errors.New(errors.KindLLMFailure, "qa agent: %s", failure)
	}

	var raw struct {
		Verdict              string   `json:"verdict"`
		Pass                 bool     `json:"pass"`
		Feedback             string   `json:"feedback"`
		TestsNeedingRevision []string `json:"tests_needing_revision"`
		RefinedTestCriteria  []string `json:"refined_test_criteria"`
	}
	if decodeErr := llm.DecodeJSON(final, &raw); decodeErr != nil {
		return nil, errors.New(errors.KindLLMFailure, "qa verdict not decodable: %v", decodeErr)
	}
	return &run.QAVerdict{
		Pass:                 raw.Pass || strings.EqualFold(raw.Verdict, "PASS"),
		Feedback:             raw.Feedback,
		TestsNeedingRevision: raw.TestsNeedingRevision,
		RefinedTestCriteria:  raw.RefinedTestCriteria,
	}, nil
}

// loop drives model turns until a terminal message, step exhaustion, or a
// pathological repetition. Returns the terminal content or a failure reason,
// plus the full conversation.
func (a *Agent) loop(ctx context.Context, log *logging.Logger, registry *tools.Registry, binding *tools.Binding, conversation []llm.Message, maxSteps int) (final string, failure string, _ []llm.Message, err error) {
	defs := registry.Definitions()

	var lastSignature string
	repeats := 0

	for step := 0; step < maxSteps; step++ {
		resp, callErr := a.complete(ctx, llm.CompletionRequest{Messages: conversation, Tools: defs})
		if callErr != nil {
			if ctx.Err() != nil {
				return "", "", conversation, ctx.Err()
			}
			return "", fmt.Sprintf("model invocation failed: %v", callErr), conversation, nil
		}

		if len(resp.ToolCalls) == 0 {
			conversation = append(conversation, llm.Message{Role: "assistant", Content: resp.Content})
			return resp.Content, "", conversation, nil
		}

		conversation = append(conversation, llm.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})

		var results []llm.ToolResult
		for _, call := range resp.ToolCalls {
			signature := callSignature(call)
			if signature == lastSignature {
				repeats++
			} else {
				lastSignature = signature
				repeats = 0
			}
			if repeats >= 2 {
				return "", fmt.Sprintf("pathological loop: tool %s called identically %d times in a row", call.Name, repeats+1), conversation, nil
			}
			results = append(results, a.executeCall(ctx, log, registry, binding, call))
		}
		conversation = append(conversation, llm.Message{Role: "tool", ToolResults: results})
	}
	return "", fmt.Sprintf("step budget exhausted after %d turns", maxSteps), conversation, nil
}

func (a *Agent) complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := errors.Retry(ctx, errors.DefaultRetryConfig(), func(ctx context.Context) error {
		var callErr error
		resp, callErr = a.invoker.Complete(ctx, req)
		return callErr
	})
	return resp, err
}

func (a *Agent) executeCall(ctx context.Context, log *logging.Logger, registry *tools.Registry, binding *tools.Binding, call llm.ToolCall) llm.ToolResult {
	tool, err := registry.Get(call.Name)
	if err != nil {
		return llm.ToolResult{CallID: call.ID, Error: err.Error()}
	}
	started := time.Now()
	result, err := tool.Execute(ctx, call, binding)
	if err != nil {
		log.Error("tool execution failed", "tool", call.Name, "err", err)
		return llm.ToolResult{CallID: call.ID, Error: err.Error()}
	}
	log.Debug("tool executed", "tool", call.Name, "elapsed", time.Since(started), "errored", result.Error != "")
	return *result
}

func (a *Agent) seedConversation(profile run.Profile, req Request) []llm.Message {
	seed := []llm.Message{
		{Role: "system", Content: a.profiles.Prompt(profile)},
	}
	seed = append(seed, req.Memories...)
	seed = append(seed, llm.Message{Role: "user", Content: a.taskContext(profile, req.Task, req.Run)})
	return seed
}

// taskContext renders the blackboard slice a worker is entitled to see.
func (a *Agent) taskContext(profile run.Profile, task *run.Task, r *run.Run) string {
	var b strings.Builder
	if r != nil {
		fmt.Fprintf(&b, "Objective: %s\n\n", r.Objective)
	}
	fmt.Fprintf(&b, "Task %s: %s\nPhase: %s\n", task.ID, task.Title, task.Phase)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, criterion := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", criterion)
		}
	}
	if task.RetryCount > 0 {
		fmt.Fprintf(&b, "\nThis is retry %d; previous attempts failed.\n", task.RetryCount)
	}
	if profile == run.ProfileMerger && task.MergeContext != nil {
		mc := task.MergeContext
		fmt.Fprintf(&b, "\nMerge conflict for task %s.\nConflicting files:\n", mc.OriginalTaskID)
		for _, file := range mc.ConflictingFiles {
			fmt.Fprintf(&b, "- %s\n", file)
		}
		if mc.ConflictSummary != "" {
			fmt.Fprintf(&b, "\nConflict summary:\n%s\n", mc.ConflictSummary)
		}
		if mc.ErrorMessage != "" {
			fmt.Fprintf(&b, "\nError: %s\n", mc.ErrorMessage)
		}
	}
	if r != nil {
		if len(r.Insights) > 0 {
			b.WriteString("\nShared insights:\n")
			for _, insight := range r.Insights {
				fmt.Fprintf(&b, "- %s\n", insight.Content)
			}
		}
		if len(r.DesignLog) > 0 {
			b.WriteString("\nDesign log:\n")
			for _, entry := range r.DesignLog {
				fmt.Fprintf(&b, "- %s\n", entry.Content)
			}
		}
	}
	return b.String()
}

// applyFinal decodes the terminal message into the result, tolerating prose
// by treating it as a completed summary.
func (a *Agent) applyFinal(result *Result, final string) {
	var out finalOutput
	if err := llm.DecodeJSON(final, &out); err != nil || out.Status == "" {
		result.Status = run.TaskPendingAwaitingQA
		result.AAR = &run.AAR{Summary: strings.TrimSpace(final)}
		return
	}

	switch out.Status {
	case "complete":
		result.Status = run.TaskPendingAwaitingQA
	case "failed":
		result.Status = run.TaskPendingFailed
	case "blocked":
		// Dependencies were satisfied when this task dispatched, so readiness
		// would bounce a blocked verdict straight back to ready. It goes
		// through the retry ladder instead.
		result.Status = run.TaskPendingFailed
		if out.AAR == nil {
			out.AAR = &run.AAR{Summary: "worker declared the task blocked"}
		}
	case "waiting_subtask":
		result.Status = run.TaskWaitingSubtask
		result.WaitingForTasks = out.WaitingForTasks
	default:
		result.Status = run.TaskPendingFailed
		result.AAR = &run.AAR{Summary: fmt.Sprintf("worker returned unknown status %q", out.Status)}
		return
	}

	result.ResultPath = out.ResultPath
	result.AAR = out.AAR
	result.Escalation = out.Escalation
	result.Checkpoint = out.Checkpoint
	for _, insight := range out.Insights {
		if insight.ID == "" {
			insight.ID = uuid.NewString()
		}
		if insight.CreatedAt.IsZero() {
			insight.CreatedAt = time.Now()
		}
		insight.TaskID = result.TaskID
		result.Insights = append(result.Insights, insight)
	}
}

// enforceContract applies the per-profile completion requirements.
func (a *Agent) enforceContract(result *Result, profile run.Profile, binding *tools.Binding, fail func(reason string)) {
	switch profile {
	case run.ProfilePlanner:
		suggested := binding.SuggestedTasks()
		if len(suggested) == 0 {
			fail("planner finished without calling create_subtasks")
			return
		}
		hasTest := false
		for _, task := range suggested {
			if task.Phase == run.PhaseTest {
				hasTest = true
				break
			}
		}
		if !hasTest {
			fail("planner proposed no test-phase task")
			return
		}
		result.SuggestedTasks = suggested
	case run.ProfileTester:
		if result.Status == run.TaskPendingAwaitingQA && !binding.ReportWritten() {
			fail("tester finished without writing the result report")
			return
		}
		if result.ResultPath == "" {
			result.ResultPath = tools.ReportRelPath
		}
	default:
		result.SuggestedTasks = append(result.SuggestedTasks, binding.SuggestedTasks()...)
	}
}

func failureSink(result *Result) func(string) {
	return func(reason string) {
		result.Status = run.TaskPendingFailed
		result.AAR = &run.AAR{Summary: reason}
	}
}

func callSignature(call llm.ToolCall) string {
	args, _ := json.Marshal(call.Arguments)
	return call.Name + ":" + string(args)
}

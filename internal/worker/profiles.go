package worker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"maestro/internal/domain/run"
	"maestro/internal/tools"
)

// ProfileConfig tunes one worker profile.
type ProfileConfig struct {
	Prompt   string   `yaml:"prompt"`
	Tools    []string `yaml:"tools"`
	MaxSteps int      `yaml:"max_steps"`
}

// ProfileSet resolves per-profile prompts and step budgets. Operators can
// override individual profiles from a yaml file without rebuilding.
type ProfileSet struct {
	profiles map[run.Profile]ProfileConfig
}

const defaultMaxSteps = 24

var defaultPrompts = map[run.Profile]string{
	run.ProfilePlanner: `You are a planning agent. Study the objective and the workspace, then
decompose the work into concrete subtasks by calling create_subtasks exactly once.
Requirements:
- Every subtask has a title, a phase (build or test) and a self-contained description.
- Include at least one test-phase task.
- Use dependency_queries (free text) when a dependency's id is not yet known.
Finish with a JSON object: {"status": "complete", "aar": {"summary": "..."}}.`,

	run.ProfileCoder: `You are a coding agent working inside an isolated checkout.
Read existing files before overwriting them. Do not install packages outside the
workspace. When done, finish with a JSON object:
{"status": "complete"|"failed"|"blocked", "aar": {"summary": "...", "files_modified": [...]}, "insights": [...]}.`,

	run.ProfileTester: `You are a testing agent. Exercise the acceptance criteria against the
workspace, then write your findings by calling write_report (mandatory). Finish with
a JSON object: {"status": "complete"|"failed", "aar": {"summary": "..."}}.`,

	run.ProfileResearcher: `You are a research agent. Investigate the question against the
workspace, take nothing on faith, and finish with a JSON object:
{"status": "complete", "aar": {"summary": "..."}, "insights": [...]}.`,

	run.ProfileWriter: `You are a documentation agent. Produce the requested documents in the
workspace and finish with a JSON object: {"status": "complete", "aar": {"summary": "..."}}.`,

	run.ProfileMerger: `You are a merge-resolution agent inside a checkout stopped mid-rebase.
For every conflicted file, reconcile BOTH sides of the conflict; never discard one
side wholesale. Then stage everything and run "git add -A && git rebase --continue"
via bash. Finish with a JSON object: {"status": "complete"|"failed", "aar": {"summary": "..."}}.`,

	run.ProfileQA: `You are a quality gate with read-only access. Evaluate whether the task's
work satisfies its acceptance criteria. When a test report lists failures, classify
each one: test correct and code wrong, test wrong and code right, or both wrong.
Finish with a JSON object:
{"verdict": "PASS"|"FAIL", "feedback": "...", "tests_needing_revision": [...], "refined_test_criteria": [...]}.`,
}

// DefaultProfiles returns the built-in profile set.
func DefaultProfiles() *ProfileSet {
	set := &ProfileSet{profiles: make(map[run.Profile]ProfileConfig, len(defaultPrompts))}
	for profile, prompt := range defaultPrompts {
		set.profiles[profile] = ProfileConfig{Prompt: prompt, MaxSteps: defaultMaxSteps}
	}
	return set
}

// Prompt returns the system prompt for a profile.
func (s *ProfileSet) Prompt(profile run.Profile) string {
	if cfg, ok := s.profiles[profile]; ok && cfg.Prompt != "" {
		return cfg.Prompt
	}
	return defaultPrompts[run.ProfileCoder]
}

// MaxSteps returns the agent-loop step budget for a profile.
func (s *ProfileSet) MaxSteps(profile run.Profile) int {
	if cfg, ok := s.profiles[profile]; ok && cfg.MaxSteps > 0 {
		return cfg.MaxSteps
	}
	return defaultMaxSteps
}

type overrideFile struct {
	Profiles map[string]ProfileConfig `yaml:"profiles"`
}

// LoadOverrides merges a yaml override file into the set. Tool overrides are
// pushed into the registry's profile filter.
func (s *ProfileSet) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile overrides: %w", err)
	}
	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse profile overrides: %w", err)
	}

	for name, override := range file.Profiles {
		profile := run.Profile(name)
		if _, known := defaultPrompts[profile]; !known {
			return fmt.Errorf("unknown profile %q in overrides", name)
		}
		cfg := s.profiles[profile]
		if override.Prompt != "" {
			cfg.Prompt = override.Prompt
		}
		if override.MaxSteps > 0 {
			cfg.MaxSteps = override.MaxSteps
		}
		if len(override.Tools) > 0 {
			cfg.Tools = override.Tools
			tools.SetProfileTools(profile, override.Tools)
		}
		s.profiles[profile] = cfg
	}
	return nil
}

package pipeline

import (
	"fmt"
	"strings"
)

// Stage is one of the five ordered benchmark lifecycle stages.
type Stage string

const (
	StageProvision Stage = "provision"
	StagePrepare   Stage = "prepare"
	StageRun       Stage = "run"
	StageCleanup   Stage = "cleanup"
	StageTeardown  Stage = "teardown"
)

// AllStages lists the stages in execution order.
var AllStages = []Stage{
	StageProvision,
	StagePrepare,
	StageRun,
	StageCleanup,
	StageTeardown,
}

// StageSet is the subset of stages requested for one invocation. Execution
// order is always fixed regardless of the order stages were requested in.
type StageSet map[Stage]struct{}

// ParseStages parses stage names into a StageSet. The single name "all"
// expands to every stage.
func ParseStages(names []string) (StageSet, error) {
	set := make(StageSet, len(names))

	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))

		if name == "all" {
			for _, st := range AllStages {
				set[st] = struct{}{}
			}

			continue
		}

		st := Stage(name)
		if !validStage(st) {
			return nil, fmt.Errorf("unknown stage %q (valid: %s, all)", name, stageNames())
		}

		set[st] = struct{}{}
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}

	return set, nil
}

// Has reports whether the stage was requested.
func (s StageSet) Has(st Stage) bool {
	_, ok := s[st]

	return ok
}

// All reports whether every stage was requested.
func (s StageSet) All() bool {
	return len(s) == len(AllStages)
}

// Ordered returns the requested stages in execution order.
func (s StageSet) Ordered() []Stage {
	out := make([]Stage, 0, len(s))

	for _, st := range AllStages {
		if s.Has(st) {
			out = append(out, st)
		}
	}

	return out
}

func (s StageSet) String() string {
	names := make([]string, 0, len(s))
	for _, st := range s.Ordered() {
		names = append(names, string(st))
	}

	return strings.Join(names, ",")
}

func validStage(st Stage) bool {
	for _, known := range AllStages {
		if st == known {
			return true
		}
	}

	return false
}

func stageNames() string {
	names := make([]string, 0, len(AllStages))
	for _, st := range AllStages {
		names = append(names, string(st))
	}

	return strings.Join(names, ", ")
}

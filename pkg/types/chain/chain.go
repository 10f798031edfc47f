// Package chain defines the declarative configuration for composed
// handler pipelines. A chain is itself registered as a handler; its
// opaque handler config decodes into a Config.
package chain

import (
	"fmt"
	"strings"
)

// ErrorStrategy decides what a failed step does to the chain.
type ErrorStrategy string

const (
	// ErrorAbort short-circuits the chain with an error response.
	ErrorAbort ErrorStrategy = "ABORT"
	// ErrorSkip records the failure in the trace and leaves state untouched.
	ErrorSkip ErrorStrategy = "SKIP"
	// ErrorFallback merges the step's fallback_value as if it were the output.
	ErrorFallback ErrorStrategy = "FALLBACK"
)

// MergeStrategy decides how a successful step's output updates the
// running previous_output.
type MergeStrategy string

const (
	// MergeReplace makes the step output the new previous_output.
	MergeReplace MergeStrategy = "REPLACE"
	// MergePrev deep-merges the step output into previous_output.
	MergePrev MergeStrategy = "MERGE_PREV"
	// MergeAppend accumulates outputs into a list in previous_output.
	MergeAppend MergeStrategy = "APPEND"
	// MergePassthrough leaves previous_output untouched; the output is
	// still recorded under the step's alias.
	MergePassthrough MergeStrategy = "PASSTHROUGH"
)

// JoinStrategy decides how a parallel group combines branch outputs.
type JoinStrategy string

const (
	// JoinKeyed produces a map of branch alias to branch output.
	JoinKeyed JoinStrategy = "KEYED"
	// JoinMergeAll deep-merges all successful branch outputs.
	JoinMergeAll JoinStrategy = "MERGE_ALL"
	// JoinFirstSuccess takes the first successful branch output.
	JoinFirstSuccess JoinStrategy = "FIRST_SUCCESS"
)

// Step is one unit of a chain: either a handler invocation or a
// parallel group of sub-steps, never both.
type Step struct {
	Name           string                 `json:"step,omitempty" mapstructure:"step"`
	Handler        string                 `json:"handler,omitempty" mapstructure:"handler"`
	Alias          string                 `json:"alias,omitempty" mapstructure:"alias"`
	PayloadMapping map[string]interface{} `json:"payload_mapping,omitempty" mapstructure:"payload_mapping"`
	MergeStrategy  MergeStrategy          `json:"merge_strategy,omitempty" mapstructure:"merge_strategy"`
	When           string                 `json:"when,omitempty" mapstructure:"when"`
	ErrorStrategy  ErrorStrategy          `json:"error_strategy,omitempty" mapstructure:"error_strategy"`
	FallbackValue  map[string]interface{} `json:"fallback_value,omitempty" mapstructure:"fallback_value"`
	Parallel       []Step                 `json:"parallel,omitempty" mapstructure:"parallel"`
	JoinStrategy   JoinStrategy           `json:"join_strategy,omitempty" mapstructure:"join_strategy"`
}

// IsParallel reports whether the step is a parallel group.
func (s *Step) IsParallel() bool {
	return len(s.Parallel) > 0
}

// EffectiveAlias returns the key the step's output is recorded under:
// the declared alias, else the lowercased handler name, else step_<n>.
func (s *Step) EffectiveAlias(index int) string {
	if a := strings.TrimSpace(s.Alias); a != "" {
		return a
	}
	if h := strings.TrimSpace(s.Handler); h != "" {
		return strings.ToLower(h)
	}
	return fmt.Sprintf("step_%d", index)
}

// EffectiveMerge returns the declared merge strategy or the default.
func (s *Step) EffectiveMerge() MergeStrategy {
	switch MergeStrategy(strings.ToUpper(string(s.MergeStrategy))) {
	case MergePrev:
		return MergePrev
	case MergeAppend:
		return MergeAppend
	case MergePassthrough:
		return MergePassthrough
	default:
		return MergeReplace
	}
}

// EffectiveJoin returns the declared join strategy or the default.
func (s *Step) EffectiveJoin() JoinStrategy {
	switch JoinStrategy(strings.ToUpper(string(s.JoinStrategy))) {
	case JoinMergeAll:
		return JoinMergeAll
	case JoinFirstSuccess:
		return JoinFirstSuccess
	default:
		return JoinKeyed
	}
}

// Config is the full declaration of a chain, decoded from the opaque
// config block of a chain handler or from chains/*.json.
type Config struct {
	ChainID                      string        `json:"chain_id" mapstructure:"chain_id"`
	TTLMinutes                   float64       `json:"ttl_minutes,omitempty" mapstructure:"ttl_minutes"`
	ErrorStrategy                ErrorStrategy `json:"error_strategy,omitempty" mapstructure:"error_strategy"`
	ParallelBranchTimeoutSeconds float64       `json:"parallel_branch_timeout_seconds,omitempty" mapstructure:"parallel_branch_timeout_seconds"`
	ParallelConcurrency          int           `json:"parallel_concurrency,omitempty" mapstructure:"parallel_concurrency"`
	Steps                        []Step        `json:"steps" mapstructure:"steps"`
}

// EffectiveErrorStrategy returns the chain-level strategy, defaulting
// to ABORT, optionally overridden per step.
func (c *Config) EffectiveErrorStrategy(s *Step) ErrorStrategy {
	pick := func(e ErrorStrategy) (ErrorStrategy, bool) {
		switch ErrorStrategy(strings.ToUpper(string(e))) {
		case ErrorAbort:
			return ErrorAbort, true
		case ErrorSkip:
			return ErrorSkip, true
		case ErrorFallback:
			return ErrorFallback, true
		}
		return "", false
	}
	if s != nil {
		if e, ok := pick(s.ErrorStrategy); ok {
			return e
		}
	}
	if e, ok := pick(c.ErrorStrategy); ok {
		return e
	}
	return ErrorAbort
}

// Validate rejects chains the engine cannot execute.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ChainID) == "" {
		return fmt.Errorf("chain config: chain_id must not be blank")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("chain %q: no steps defined", c.ChainID)
	}
	return c.ValidateSteps()
}

// ValidateSteps checks step structure without requiring any steps, for
// callers that surface emptiness at execution time instead.
func (c *Config) ValidateSteps() error {
	for i := range c.Steps {
		if err := c.Steps[i].validate(c.ChainID, i, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Step) validate(chainID string, index int, allowParallel bool) error {
	if s.IsParallel() {
		if !allowParallel {
			return fmt.Errorf("chain %q step %d: nested parallel groups are not supported", chainID, index)
		}
		if strings.TrimSpace(s.Handler) != "" {
			return fmt.Errorf("chain %q step %d: a step is either a handler or a parallel group, not both", chainID, index)
		}
		for j := range s.Parallel {
			if err := s.Parallel[j].validate(chainID, j, false); err != nil {
				return err
			}
		}
		return nil
	}
	if strings.TrimSpace(s.Handler) == "" {
		return fmt.Errorf("chain %q step %d: handler must not be blank", chainID, index)
	}
	return nil
}

package chain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep_EffectiveAlias(t *testing.T) {
	assert.Equal(t, "named", (&Step{Alias: "named", Handler: "ECHO"}).EffectiveAlias(0))
	assert.Equal(t, "echo", (&Step{Handler: "ECHO"}).EffectiveAlias(0))
	assert.Equal(t, "step_2", (&Step{}).EffectiveAlias(2))
}

func TestStep_EffectiveMerge_Defaults(t *testing.T) {
	assert.Equal(t, MergeReplace, (&Step{}).EffectiveMerge())
	assert.Equal(t, MergePrev, (&Step{MergeStrategy: "merge_prev"}).EffectiveMerge())
	assert.Equal(t, MergeAppend, (&Step{MergeStrategy: "APPEND"}).EffectiveMerge())
	assert.Equal(t, MergePassthrough, (&Step{MergeStrategy: "PASSTHROUGH"}).EffectiveMerge())
	assert.Equal(t, MergeReplace, (&Step{MergeStrategy: "bogus"}).EffectiveMerge())
}

func TestStep_EffectiveJoin_Defaults(t *testing.T) {
	assert.Equal(t, JoinKeyed, (&Step{}).EffectiveJoin())
	assert.Equal(t, JoinMergeAll, (&Step{JoinStrategy: "merge_all"}).EffectiveJoin())
	assert.Equal(t, JoinFirstSuccess, (&Step{JoinStrategy: "FIRST_SUCCESS"}).EffectiveJoin())
}

func TestConfig_EffectiveErrorStrategy_Precedence(t *testing.T) {
	cfg := &Config{ErrorStrategy: ErrorSkip}
	assert.Equal(t, ErrorSkip, cfg.EffectiveErrorStrategy(&Step{}))
	assert.Equal(t, ErrorFallback, cfg.EffectiveErrorStrategy(&Step{ErrorStrategy: "fallback"}))

	bare := &Config{}
	assert.Equal(t, ErrorAbort, bare.EffectiveErrorStrategy(&Step{}))
	assert.Equal(t, ErrorAbort, bare.EffectiveErrorStrategy(nil))
}

func TestConfig_Validate_EmptySteps(t *testing.T) {
	cfg := &Config{ChainID: "c1"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no steps defined")
}

func TestConfig_Validate_BlankChainID(t *testing.T) {
	cfg := &Config{Steps: []Step{{Handler: "ECHO"}}}
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_StepShape(t *testing.T) {
	ok := &Config{ChainID: "c1", Steps: []Step{
		{Handler: "ECHO"},
		{Parallel: []Step{{Handler: "A"}, {Handler: "B"}}},
	}}
	assert.NoError(t, ok.Validate())

	both := &Config{ChainID: "c1", Steps: []Step{
		{Handler: "ECHO", Parallel: []Step{{Handler: "A"}}},
	}}
	assert.Error(t, both.Validate())

	nested := &Config{ChainID: "c1", Steps: []Step{
		{Parallel: []Step{{Parallel: []Step{{Handler: "A"}}}}},
	}}
	assert.Error(t, nested.Validate())

	blank := &Config{ChainID: "c1", Steps: []Step{{}}}
	assert.Error(t, blank.Validate())
}

func TestConfig_DecodeFromJSON(t *testing.T) {
	raw := `{
	  "chain_id": "enrich-and-report",
	  "ttl_minutes": 10,
	  "error_strategy": "SKIP",
	  "steps": [
	    {"step": "lookup", "handler": "ECHO", "alias": "lk",
	     "payload_mapping": {"id": "${payload.id}"}, "when": "${payload.id} exists"},
	    {"parallel": [
	       {"handler": "A"}, {"handler": "B", "fallback_value": {"x": 1},
	        "error_strategy": "FALLBACK"}
	     ], "join_strategy": "MERGE_ALL"}
	  ]
	}`
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "enrich-and-report", cfg.ChainID)
	assert.Len(t, cfg.Steps, 2)
	assert.True(t, cfg.Steps[1].IsParallel())
	assert.Equal(t, JoinMergeAll, cfg.Steps[1].EffectiveJoin())
	assert.Equal(t, ErrorFallback, cfg.EffectiveErrorStrategy(&cfg.Steps[1].Parallel[1]))
}

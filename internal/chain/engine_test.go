package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	chaintypes "github.com/dgfacade/gateway/pkg/types/chain"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// scriptedSubmitter answers each step per request type and records
// every sub-request it sees.
type scriptedSubmitter struct {
	mu    sync.Mutex
	calls []*message.Request
	fn    func(req *message.Request) *message.Response
}

func (s *scriptedSubmitter) Submit(_ context.Context, req *message.Request) *message.Response {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.fn(req)
}

func (s *scriptedSubmitter) seen() []*message.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*message.Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// mapSource serves stored chain declarations from a map.
type mapSource map[string]*chaintypes.Config

func (m mapSource) Chain(id string) (*chaintypes.Config, bool) {
	cfg, ok := m[id]
	return cfg, ok
}

func constructedEngine(t *testing.T, sub Submitter, source Source, cfg map[string]interface{}) *Engine {
	t.Helper()
	rt := NewRuntime(source, logging.NewNopLogger(), nil)
	if sub != nil {
		rt.SetSubmitter(sub)
	}
	e := NewEngine(rt)
	require.NoError(t, e.Construct(context.Background(), &handlertypes.Config{
		RequestType:       "PIPELINE",
		HandlerIdentifier: Identifier,
		Config:            cfg,
	}))
	return e
}

func chainRequest() *message.Request {
	req := &message.Request{
		RequestType:    "PIPELINE",
		APIKey:         "dgf-test-key-0001",
		ResolvedUserID: "user-1",
		Payload:        map[string]interface{}{"seed": float64(7)},
	}
	req.EnsureID()
	return req
}

func traceOf(t *testing.T, resp *message.Response) []traceEntry {
	t.Helper()
	trace, ok := resp.Data["trace"].([]traceEntry)
	require.True(t, ok, "trace missing from chain response")
	return trace
}

func TestChainSequentialStepsThreadState(t *testing.T) {
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		switch req.RequestType {
		case "FIRST":
			return message.NewSuccess(req.RequestID, map[string]interface{}{"result": float64(3)})
		case "SECOND":
			// Receives the first step's result through the mapping.
			v, _ := req.Payload["input"].(float64)
			return message.NewSuccess(req.RequestID, map[string]interface{}{"result": v * 10})
		default:
			return message.NewError(req.RequestID, "unexpected type "+req.RequestType)
		}
	}}

	e := constructedEngine(t, sub, nil, map[string]interface{}{
		"chain_id": "thread",
		"steps": []interface{}{
			map[string]interface{}{"handler": "FIRST", "alias": "a"},
			map[string]interface{}{
				"handler": "SECOND",
				"alias":   "b",
				"payload_mapping": map[string]interface{}{
					"input": "${prev.result}",
					"from":  "${chain.request_id}",
				},
			},
		},
	})

	req := chainRequest()
	resp, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, message.StatusSuccess, resp.Status)

	out, ok := resp.Data["output"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(30), out["result"])
	assert.Equal(t, "thread", resp.Data["chain_id"])

	trace := traceOf(t, resp)
	require.Len(t, trace, 2)
	assert.Equal(t, stepCompleted, trace[0].Status)
	assert.Equal(t, stepCompleted, trace[1].Status)

	calls := sub.seen()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, message.SourceChain, c.SourceChannel)
		assert.Equal(t, "dgf-test-key-0001", c.APIKey)
		assert.Equal(t, "user-1", c.ResolvedUserID)
		assert.NotEqual(t, req.RequestID, c.RequestID)
	}
	assert.Equal(t, req.RequestID, calls[1].Payload["from"])
}

func TestChainFirstStepWithoutMappingGetsPayload(t *testing.T) {
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		return message.NewSuccess(req.RequestID, map[string]interface{}{"echo": req.Payload["seed"]})
	}}
	e := constructedEngine(t, sub, nil, map[string]interface{}{
		"chain_id": "pass",
		"steps":    []interface{}{map[string]interface{}{"handler": "ECHO"}},
	})

	resp, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)
	assert.Equal(t, float64(7), sub.seen()[0].Payload["seed"])
	out := resp.Data["output"].(map[string]interface{})
	assert.Equal(t, float64(7), out["echo"])
}

func TestChainConditionalSkip(t *testing.T) {
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		op, _ := req.Payload["operation"].(string)
		a, _ := toFloat(req.Payload["operandA"])
		b, _ := toFloat(req.Payload["operandB"])
		switch op {
		case "ADD":
			return message.NewSuccess(req.RequestID, map[string]interface{}{"result": a + b})
		case "MUL":
			return message.NewSuccess(req.RequestID, map[string]interface{}{"result": a * b})
		}
		return message.NewError(req.RequestID, "bad operation")
	}}

	e := constructedEngine(t, sub, nil, map[string]interface{}{
		"chain_id": "conditional",
		"steps": []interface{}{
			map[string]interface{}{
				"handler": "ARITHMETIC",
				"alias":   "a",
				"payload_mapping": map[string]interface{}{
					"operation": "ADD", "operandA": float64(1), "operandB": float64(2),
				},
			},
			map[string]interface{}{
				"handler": "ARITHMETIC",
				"alias":   "b",
				"when":    "${prev.result} > 10",
				"payload_mapping": map[string]interface{}{
					"operation": "MUL", "operandA": "${prev.result}", "operandB": float64(4),
				},
			},
		},
	})

	resp, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)

	// Step b never dispatched; the final output is step a's.
	assert.Len(t, sub.seen(), 1)
	out := resp.Data["output"].(map[string]interface{})
	assert.Equal(t, float64(3), out["result"])

	trace := traceOf(t, resp)
	require.Len(t, trace, 2)
	assert.Equal(t, stepCompleted, trace[0].Status)
	assert.Equal(t, stepSkipped, trace[1].Status)
	assert.Zero(t, trace[1].DurationMs)
}

func TestChainConditionRunsWhenTrue(t *testing.T) {
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		return message.NewSuccess(req.RequestID, map[string]interface{}{"result": float64(42)})
	}}
	e := constructedEngine(t, sub, nil, map[string]interface{}{
		"chain_id": "go",
		"steps": []interface{}{
			map[string]interface{}{"handler": "A", "alias": "a"},
			map[string]interface{}{"handler": "B", "alias": "b", "when": "${prev.result} >= 42"},
		},
	})

	_, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)
	assert.Len(t, sub.seen(), 2)
}

func TestChainParallelMergeAll(t *testing.T) {
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		switch req.RequestType {
		case "X":
			return message.NewSuccess(req.RequestID, map[string]interface{}{"x": float64(1)})
		case "Y":
			return message.NewSuccess(req.RequestID, map[string]interface{}{"y": float64(2)})
		}
		return message.NewError(req.RequestID, "unexpected")
	}}

	e := constructedEngine(t, sub, nil, map[string]interface{}{
		"chain_id": "fan",
		"steps": []interface{}{
			map[string]interface{}{
				"join_strategy": "MERGE_ALL",
				"parallel": []interface{}{
					map[string]interface{}{"handler": "X"},
					map[string]interface{}{"handler": "Y"},
				},
			},
		},
	})

	resp, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)

	out, ok := resp.Data["output"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"x": float64(1), "y": float64(2)}, out)

	trace := traceOf(t, resp)
	assert.Len(t, trace, 2)
}

func TestChainParallelKeyedAliases(t *testing.T) {
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		return message.NewSuccess(req.RequestID, map[string]interface{}{"type": req.RequestType})
	}}
	e := constructedEngine(t, sub, nil, map[string]interface{}{
		"chain_id": "keyed",
		"steps": []interface{}{
			map[string]interface{}{
				"parallel": []interface{}{
					map[string]interface{}{"handler": "LEFT", "alias": "l"},
					map[string]interface{}{"handler": "RIGHT", "alias": "r"},
				},
			},
		},
	})

	resp, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)

	// KEYED output keys are exactly the branch aliases.
	out := resp.Data["output"].(map[string]interface{})
	require.Len(t, out, 2)
	assert.Contains(t, out, "l")
	assert.Contains(t, out, "r")
	left := out["l"].(map[string]interface{})
	assert.Equal(t, "LEFT", left["type"])
}

func TestChainParallelFirstSuccess(t *testing.T) {
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		if req.RequestType == "SLOW" {
			time.Sleep(50 * time.Millisecond)
			return message.NewSuccess(req.RequestID, map[string]interface{}{"from": "slow"})
		}
		return message.NewSuccess(req.RequestID, map[string]interface{}{"from": "fast"})
	}}
	e := constructedEngine(t, sub, nil, map[string]interface{}{
		"chain_id": "race",
		"steps": []interface{}{
			map[string]interface{}{
				"join_strategy": "FIRST_SUCCESS",
				"parallel": []interface{}{
					map[string]interface{}{"handler": "SLOW", "alias": "s"},
					map[string]interface{}{"handler": "FAST", "alias": "f"},
				},
			},
		},
	})

	resp, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)

	out := resp.Data["output"].(map[string]interface{})
	assert.Equal(t, "fast", out["from"])
	// Both branches still ran and left traces.
	assert.Len(t, traceOf(t, resp), 2)
}

func TestChainAbortShortCircuits(t *testing.T) {
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		if req.RequestType == "BOOM" {
			return message.NewError(req.RequestID, "kaput")
		}
		return message.NewSuccess(req.RequestID, map[string]interface{}{"ok": true})
	}}
	e := constructedEngine(t, sub, nil, map[string]interface{}{
		"chain_id": "abort",
		"steps": []interface{}{
			map[string]interface{}{"handler": "FINE", "alias": "a"},
			map[string]interface{}{"handler": "BOOM", "alias": "b"},
			map[string]interface{}{"handler": "NEVER", "alias": "c"},
		},
	})

	_, err := e.Execute(context.Background(), chainRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeChainAborted))
	assert.Contains(t, err.Error(), "kaput")
	assert.Len(t, sub.seen(), 2, "third step must not dispatch")
}

func TestChainSkipStrategyKeepsGoing(t *testing.T) {
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		if req.RequestType == "BOOM" {
			return message.NewError(req.RequestID, "kaput")
		}
		return message.NewSuccess(req.RequestID, map[string]interface{}{"ok": true})
	}}
	e := constructedEngine(t, sub, nil, map[string]interface{}{
		"chain_id":       "lenient",
		"error_strategy": "SKIP",
		"steps": []interface{}{
			map[string]interface{}{"handler": "FINE", "alias": "a"},
			map[string]interface{}{"handler": "BOOM", "alias": "b"},
		},
	})

	resp, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)

	// The failed step leaves previous output untouched.
	out := resp.Data["output"].(map[string]interface{})
	assert.Equal(t, true, out["ok"])

	trace := traceOf(t, resp)
	require.Len(t, trace, 2)
	assert.Equal(t, stepFailed, trace[1].Status)
	assert.Equal(t, "kaput", trace[1].Error)
}

func TestChainFallbackMergesValue(t *testing.T) {
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		return message.NewError(req.RequestID, "kaput")
	}}
	e := constructedEngine(t, sub, nil, map[string]interface{}{
		"chain_id": "fallback",
		"steps": []interface{}{
			map[string]interface{}{
				"handler":        "BOOM",
				"alias":          "b",
				"error_strategy": "FALLBACK",
				"fallback_value": map[string]interface{}{"result": "default"},
			},
		},
	})

	resp, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)

	out := resp.Data["output"].(map[string]interface{})
	assert.Equal(t, "default", out["result"])

	trace := traceOf(t, resp)
	require.Len(t, trace, 1)
	assert.Equal(t, stepFallback, trace[0].Status)
}

func TestChainMergeStrategies(t *testing.T) {
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		return message.NewSuccess(req.RequestID, map[string]interface{}{string(req.RequestType[0]): req.RequestType})
	}}

	t.Run("merge_prev accumulates keys", func(t *testing.T) {
		e := constructedEngine(t, sub, nil, map[string]interface{}{
			"chain_id": "mp",
			"steps": []interface{}{
				map[string]interface{}{"handler": "AAA", "merge_strategy": "REPLACE"},
				map[string]interface{}{"handler": "BBB", "merge_strategy": "MERGE_PREV"},
			},
		})
		resp, err := e.Execute(context.Background(), chainRequest())
		require.NoError(t, err)
		out := resp.Data["output"].(map[string]interface{})
		assert.Equal(t, "AAA", out["A"])
		assert.Equal(t, "BBB", out["B"])
	})

	t.Run("append builds a list", func(t *testing.T) {
		e := constructedEngine(t, sub, nil, map[string]interface{}{
			"chain_id": "ap",
			"steps": []interface{}{
				map[string]interface{}{"handler": "AAA", "merge_strategy": "APPEND"},
				map[string]interface{}{"handler": "BBB", "merge_strategy": "APPEND"},
			},
		})
		resp, err := e.Execute(context.Background(), chainRequest())
		require.NoError(t, err)
		list, ok := resp.Data["output"].([]interface{})
		require.True(t, ok)
		assert.Len(t, list, 2)
	})

	t.Run("passthrough leaves prev alone", func(t *testing.T) {
		e := constructedEngine(t, sub, nil, map[string]interface{}{
			"chain_id": "pt",
			"steps": []interface{}{
				map[string]interface{}{"handler": "AAA", "alias": "a"},
				map[string]interface{}{"handler": "BBB", "alias": "side", "merge_strategy": "PASSTHROUGH"},
			},
		})
		resp, err := e.Execute(context.Background(), chainRequest())
		require.NoError(t, err)
		out := resp.Data["output"].(map[string]interface{})
		assert.Equal(t, "AAA", out["A"])
		assert.NotContains(t, out, "B")
	})
}

func TestChainEmptyStepsIsAnError(t *testing.T) {
	e := constructedEngine(t, &scriptedSubmitter{}, nil, map[string]interface{}{
		"chain_id": "empty",
	})
	_, err := e.Execute(context.Background(), chainRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeChainEmpty))
	assert.Contains(t, err.Error(), "no steps defined")
}

func TestChainStoredDeclarationLookup(t *testing.T) {
	stored := mapSource{
		"enrich": &chaintypes.Config{
			ChainID: "enrich",
			Steps:   []chaintypes.Step{{Handler: "ECHO", Alias: "e"}},
		},
	}
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		return message.NewSuccess(req.RequestID, map[string]interface{}{"ok": true})
	}}

	e := constructedEngine(t, sub, stored, map[string]interface{}{"chain_id": "enrich"})
	resp, err := e.Execute(context.Background(), chainRequest())
	require.NoError(t, err)
	assert.Equal(t, "enrich", resp.Data["chain_id"])
	assert.Len(t, sub.seen(), 1)
}

func TestChainWithoutDispatcherRefuses(t *testing.T) {
	e := constructedEngine(t, nil, nil, map[string]interface{}{
		"chain_id": "orphan",
		"steps":    []interface{}{map[string]interface{}{"handler": "ECHO"}},
	})
	_, err := e.Execute(context.Background(), chainRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeServiceUnavailable))
}

func TestChainConstructRejectsNestedParallel(t *testing.T) {
	rt := NewRuntime(nil, logging.NewNopLogger(), nil)
	e := NewEngine(rt)
	err := e.Construct(context.Background(), &handlertypes.Config{
		RequestType:       "PIPELINE",
		HandlerIdentifier: Identifier,
		Config: map[string]interface{}{
			"chain_id": "nested",
			"steps": []interface{}{
				map[string]interface{}{
					"parallel": []interface{}{
						map[string]interface{}{
							"parallel": []interface{}{
								map[string]interface{}{"handler": "X"},
							},
						},
					},
				},
			},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested parallel")
}

func TestChainCancelledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &scriptedSubmitter{fn: func(req *message.Request) *message.Response {
		cancel()
		return message.NewSuccess(req.RequestID, map[string]interface{}{"ok": true})
	}}
	e := constructedEngine(t, sub, nil, map[string]interface{}{
		"chain_id": "cut",
		"steps": []interface{}{
			map[string]interface{}{"handler": "A"},
			map[string]interface{}{"handler": "B"},
		},
	})

	_, err := e.Execute(ctx, chainRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeChainAborted))
	assert.Len(t, sub.seen(), 1)
}

package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState() *state {
	return &state{
		payload: map[string]interface{}{
			"message": "hi",
			"count":   float64(3),
			"nested":  map[string]interface{}{"deep": "value"},
			"items":   []interface{}{"zero", "one"},
		},
		steps: map[string]interface{}{
			"a": map[string]interface{}{"result": float64(9)},
		},
		prev:      map[string]interface{}{"result": float64(9)},
		requestID: "req-123",
		stepIndex: 2,
	}
}

func TestResolveWholeReferencePreservesType(t *testing.T) {
	st := testState()

	assert.Equal(t, float64(3), st.resolveValue("${payload.count}"))
	assert.Equal(t, "hi", st.resolveValue("${payload.message}"))
	assert.Equal(t, map[string]interface{}{"deep": "value"}, st.resolveValue("${payload.nested}"))
	assert.Equal(t, float64(9), st.resolveValue("${steps.a.result}"))
	assert.Equal(t, float64(9), st.resolveValue("${prev.result}"))
	assert.Equal(t, "req-123", st.resolveValue("${chain.request_id}"))
	assert.Equal(t, 2, st.resolveValue("${chain.step}"))
}

func TestResolveIdentity(t *testing.T) {
	st := testState()
	// A bare payload reference returns the payload itself, not a copy
	// of some stringified form.
	resolved, ok := st.resolveValue("${payload}").(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, st.payload, resolved)
}

func TestResolveEmbeddedStringifies(t *testing.T) {
	st := testState()

	assert.Equal(t, "count=3", st.resolveValue("count=${payload.count}"))
	assert.Equal(t, "hi there", st.resolveValue("${payload.message} there"))
	assert.Equal(t, `nested={"deep":"value"}`, st.resolveValue(`nested=${payload.nested}`))
	assert.Equal(t, "missing=null", st.resolveValue("missing=${payload.nope}"))
	assert.Equal(t, "3 and hi", st.resolveValue("${payload.count} and ${payload.message}"))
}

func TestResolveUnresolvedIsNil(t *testing.T) {
	st := testState()

	assert.Nil(t, st.resolveValue("${payload.nope}"))
	assert.Nil(t, st.resolveValue("${steps.zzz.result}"))
	assert.Nil(t, st.resolveValue("${bogusroot.x}"))
	assert.Nil(t, st.resolveValue("${chain.bogus}"))
}

func TestResolveListIndexTraversal(t *testing.T) {
	st := testState()

	assert.Equal(t, "one", st.resolveValue("${payload.items.1}"))
	assert.Nil(t, st.resolveValue("${payload.items.9}"))
	assert.Nil(t, st.resolveValue("${payload.items.x}"))
}

func TestResolveWalksMappingTrees(t *testing.T) {
	st := testState()

	mapping := map[string]interface{}{
		"direct": "${payload.count}",
		"inner": map[string]interface{}{
			"msg": "${payload.message}",
		},
		"list":    []interface{}{"${prev.result}", "literal"},
		"literal": float64(1),
	}
	resolved, ok := st.resolveValue(mapping).(map[string]interface{})
	require.True(t, ok)

	assert.Equal(t, float64(3), resolved["direct"])
	assert.Equal(t, "hi", resolved["inner"].(map[string]interface{})["msg"])
	assert.Equal(t, float64(9), resolved["list"].([]interface{})[0])
	assert.Equal(t, "literal", resolved["list"].([]interface{})[1])
	assert.Equal(t, float64(1), resolved["literal"])

	// The source mapping itself is untouched.
	assert.Equal(t, "${payload.count}", mapping["direct"])
}

func TestDeepMergeIdentity(t *testing.T) {
	m := map[string]interface{}{"a": float64(1), "b": map[string]interface{}{"c": "x"}}

	assert.Equal(t, m, deepMerge(m, map[string]interface{}{}))
	assert.Equal(t, m, deepMerge(map[string]interface{}{}, m))
}

func TestDeepMergeAssociativeOnDisjointKeys(t *testing.T) {
	a := map[string]interface{}{"a": float64(1)}
	b := map[string]interface{}{"b": float64(2)}
	c := map[string]interface{}{"c": float64(3)}

	left := deepMerge(deepMerge(a, b), c)
	right := deepMerge(a, deepMerge(b, c))
	assert.Equal(t, left, right)
}

func TestDeepMergeRecursesAndOverwrites(t *testing.T) {
	dst := map[string]interface{}{
		"keep": "yes",
		"both": map[string]interface{}{"x": float64(1), "shared": "old"},
	}
	src := map[string]interface{}{
		"both": map[string]interface{}{"y": float64(2), "shared": "new"},
		"add":  true,
	}

	out := deepMerge(dst, src)
	both := out["both"].(map[string]interface{})
	assert.Equal(t, float64(1), both["x"])
	assert.Equal(t, float64(2), both["y"])
	assert.Equal(t, "new", both["shared"])
	assert.Equal(t, "yes", out["keep"])
	assert.Equal(t, true, out["add"])

	// Inputs stay unmodified.
	assert.Equal(t, "old", dst["both"].(map[string]interface{})["shared"])
}

func TestAsMapWrapsScalars(t *testing.T) {
	assert.Equal(t, map[string]interface{}{}, asMap(nil))
	m := map[string]interface{}{"k": "v"}
	assert.Equal(t, m, asMap(m))
	assert.Equal(t, map[string]interface{}{"result": float64(5)}, asMap(float64(5)))
	assert.Equal(t, map[string]interface{}{"result": []interface{}{"a"}}, asMap([]interface{}{"a"}))
}

package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
)

func whenEngine() *Engine {
	e := NewEngine(NewRuntime(nil, logging.NewNopLogger(), nil))
	return e
}

func TestWhenNumericComparisons(t *testing.T) {
	e := whenEngine()
	st := testState() // prev.result = 9, payload.count = 3

	cases := []struct {
		expr string
		want bool
	}{
		{"${prev.result} > 10", false},
		{"${prev.result} > 5", true},
		{"${prev.result} >= 9", true},
		{"${prev.result} < 9", false},
		{"${prev.result} <= 9", true},
		{"${prev.result} == 9", true},
		{"${prev.result} != 9", false},
		{"${payload.count} == 3", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, e.evalWhen(st, c.expr), c.expr)
	}
}

func TestWhenNumericIffBothSidesParse(t *testing.T) {
	e := whenEngine()
	st := testState()

	// "hi" against a number falls back to string comparison.
	assert.False(t, e.evalWhen(st, "${payload.message} == 3"))
	assert.True(t, e.evalWhen(st, `${payload.message} == "hi"`))
	assert.True(t, e.evalWhen(st, "${payload.message} == hi"))
	assert.True(t, e.evalWhen(st, "${payload.message} != bye"))
}

func TestWhenContains(t *testing.T) {
	e := whenEngine()
	st := testState()

	assert.True(t, e.evalWhen(st, "${payload.message} contains h"))
	assert.False(t, e.evalWhen(st, "${payload.message} contains z"))
	assert.True(t, e.evalWhen(st, "${payload.items} contains one"))
	assert.False(t, e.evalWhen(st, "${payload.items} contains two"))
	assert.True(t, e.evalWhen(st, "${payload.nested} contains deep"))
	assert.False(t, e.evalWhen(st, "${payload.count} contains 3"))
}

func TestWhenExists(t *testing.T) {
	e := whenEngine()
	st := testState()

	assert.True(t, e.evalWhen(st, "${payload.message} exists"))
	assert.False(t, e.evalWhen(st, "${payload.nope} exists"))
	assert.True(t, e.evalWhen(st, "${steps.a} exists"))
	assert.False(t, e.evalWhen(st, "${steps.b} exists"))
}

func TestWhenBareReferenceTruthiness(t *testing.T) {
	e := whenEngine()
	st := testState()
	st.payload["flag"] = true
	st.payload["off"] = false
	st.payload["zero"] = float64(0)
	st.payload["empty"] = ""
	st.payload["word"] = "yes"

	assert.True(t, e.evalWhen(st, "${payload.flag}"))
	assert.False(t, e.evalWhen(st, "${payload.off}"))
	assert.False(t, e.evalWhen(st, "${payload.zero}"))
	assert.False(t, e.evalWhen(st, "${payload.empty}"))
	assert.False(t, e.evalWhen(st, "${payload.nope}"))
	assert.True(t, e.evalWhen(st, "${payload.word}"))
	assert.True(t, e.evalWhen(st, "${payload.count}"))
}

func TestWhenEmptyIsTrue(t *testing.T) {
	e := whenEngine()
	assert.True(t, e.evalWhen(testState(), ""))
	assert.True(t, e.evalWhen(testState(), "   "))
}

func TestWhenUnparseableIsFalse(t *testing.T) {
	e := whenEngine()
	st := testState()

	assert.False(t, e.evalWhen(st, "${prev.result} ~~ 9"))
	assert.False(t, e.evalWhen(st, "utter nonsense here"))
}

func TestWhenQuotedLiteralsKeepSpaces(t *testing.T) {
	e := whenEngine()
	st := testState()
	st.payload["phrase"] = "hello world"

	assert.True(t, e.evalWhen(st, `${payload.phrase} == "hello world"`))
	assert.True(t, e.evalWhen(st, `${payload.phrase} contains "lo wo"`))
}

func TestWhenNullLiteral(t *testing.T) {
	e := whenEngine()
	st := testState()

	assert.True(t, e.evalWhen(st, "${payload.nope} == null"))
	assert.False(t, e.evalWhen(st, "${payload.message} == null"))
}

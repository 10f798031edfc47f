package chain

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
)

// Condition grammar: "<ref> <op> <literal>" or a bare truthy
// reference. The reference never contains spaces; the literal may.
var (
	whenCompare = regexp.MustCompile(`^(\S+)\s+(==|!=|>=|<=|>|<|contains)\s+(\S.*?)$`)
	whenExists  = regexp.MustCompile(`^(\S+)\s+exists$`)
)

// evalWhen decides whether a conditional step runs. Malformed
// expressions evaluate false with a warning, so a typo skips a step
// instead of failing the chain.
func (e *Engine) evalWhen(st *state, expr string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	if m := whenExists.FindStringSubmatch(expr); m != nil {
		return st.refValue(m[1]) != nil
	}
	if m := whenCompare.FindStringSubmatch(expr); m != nil {
		return compare(st.refValue(m[1]), m[2], st.literalValue(m[3]))
	}
	if !strings.ContainsAny(expr, " \t") {
		return truthy(st.refValue(expr))
	}
	e.logger.Warn("unparseable when condition, treating as false",
		logging.String("when", expr))
	return false
}

// refValue resolves the left-hand side: a ${path} reference, a string
// with embedded references, or a bare dotted path.
func (st *state) refValue(tok string) interface{} {
	if m := exprPattern.FindStringSubmatch(tok); m != nil && m[0] == tok {
		return st.lookup(m[1])
	}
	if exprPattern.MatchString(tok) {
		return st.resolveString(tok)
	}
	return st.lookup(tok)
}

// literalValue parses the right-hand side: quoted strings stay
// strings, numbers become floats, true/false/null their values, and
// ${path} references resolve like anywhere else.
func (st *state) literalValue(tok string) interface{} {
	tok = strings.TrimSpace(tok)
	if len(tok) >= 2 {
		if (tok[0] == '"' && tok[len(tok)-1] == '"') || (tok[0] == '\'' && tok[len(tok)-1] == '\'') {
			return tok[1 : len(tok)-1]
		}
	}
	if exprPattern.MatchString(tok) {
		return st.resolveString(tok)
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f
	}
	switch tok {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil":
		return nil
	}
	return tok
}

// compare applies one operator. Ordering is numeric iff both sides
// parse as numbers, string otherwise.
func compare(left interface{}, op string, right interface{}) bool {
	if op == "contains" {
		return contains(left, right)
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
		return false
	}
	ls, rs := stringify(left), stringify(right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

// contains checks substring on strings, membership on lists, and key
// presence on maps.
func contains(left, right interface{}) bool {
	needle := stringify(right)
	switch t := left.(type) {
	case string:
		return strings.Contains(t, needle)
	case []interface{}:
		for _, v := range t {
			if stringify(v) == needle {
				return true
			}
		}
		return false
	case map[string]interface{}:
		_, ok := t[needle]
		return ok
	default:
		return false
	}
}

// truthy treats nil, false, zero, and their string spellings as false.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "0" && s != "null"
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

// toFloat coerces the numeric shapes JSON decoding produces.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

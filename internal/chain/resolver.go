package chain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	chaintypes "github.com/dgfacade/gateway/pkg/types/chain"
)

// exprPattern matches one ${path} reference inside a string.
var exprPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// state is the tuple a chain threads through its steps: the original
// request payload, outputs keyed by step alias, the rolling previous
// output, and the trace.
type state struct {
	payload   map[string]interface{}
	steps     map[string]interface{}
	prev      interface{}
	requestID string
	stepIndex int
	trace     []traceEntry
}

// traceEntry documents one step outcome in the terminal response.
type traceEntry struct {
	Step       string `json:"step"`
	Handler    string `json:"handler,omitempty"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (st *state) record(e traceEntry) {
	st.trace = append(st.trace, e)
}

// apply folds a successful step output into the state per the step's
// merge strategy and records it under the alias.
func (st *state) apply(step *chaintypes.Step, alias string, output interface{}) {
	st.steps[alias] = output
	switch step.EffectiveMerge() {
	case chaintypes.MergePrev:
		st.prev = deepMerge(asMap(st.prev), asMap(output))
	case chaintypes.MergeAppend:
		if list, ok := st.prev.([]interface{}); ok {
			st.prev = append(list, output)
		} else {
			st.prev = []interface{}{output}
		}
	case chaintypes.MergePassthrough:
		// previous output intentionally untouched
	default:
		st.prev = output
	}
}

// stepPayload builds the sub-request payload: the resolved mapping
// when one is declared, else the previous output.
func (st *state) stepPayload(step *chaintypes.Step) map[string]interface{} {
	if len(step.PayloadMapping) > 0 {
		resolved, _ := st.resolveValue(step.PayloadMapping).(map[string]interface{})
		return resolved
	}
	return asMap(st.prev)
}

// resolveValue walks a mapping tree: strings get expression
// substitution, maps and lists recurse, everything else passes
// through unchanged.
func (st *state) resolveValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return st.resolveString(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = st.resolveValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = st.resolveValue(vv)
		}
		return out
	default:
		return v
	}
}

// resolveString substitutes ${path} references. A string that is one
// whole reference yields the referenced value with its type intact;
// embedded references are stringified, unresolved ones become null.
func (st *state) resolveString(s string) interface{} {
	if m := exprPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		return st.lookup(m[1])
	}
	if !exprPattern.MatchString(s) {
		return s
	}
	return exprPattern.ReplaceAllStringFunc(s, func(ref string) string {
		return stringify(st.lookup(ref[2 : len(ref)-1]))
	})
}

// lookup resolves one dotted path against the state roots. Unknown
// roots and missing segments resolve to nil.
func (st *state) lookup(path string) interface{} {
	segs := strings.Split(strings.TrimSpace(path), ".")
	if len(segs) == 0 || segs[0] == "" {
		return nil
	}
	switch segs[0] {
	case "payload":
		return walk(st.payload, segs[1:])
	case "prev":
		return walk(st.prev, segs[1:])
	case "steps":
		return walk(st.steps, segs[1:])
	case "chain":
		if len(segs) != 2 {
			return nil
		}
		switch segs[1] {
		case "request_id":
			return st.requestID
		case "step":
			return st.stepIndex
		}
		return nil
	default:
		return nil
	}
}

// walk descends maps by key and lists by numeric index.
func walk(cur interface{}, segs []string) interface{} {
	for _, seg := range segs {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			cur = node[idx]
		default:
			return nil
		}
	}
	return cur
}

// stringify renders a resolved value for embedding inside a larger
// string. Maps and lists render as compact JSON, nil as null.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// deepMerge returns a new map holding dst overlaid with src. Values
// merge recursively when both sides are maps; otherwise src wins.
// Neither input is mutated.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if sm, ok := v.(map[string]interface{}); ok {
			if dm, ok := out[k].(map[string]interface{}); ok {
				out[k] = deepMerge(dm, sm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// asMap coerces a step output into a map for merging or forwarding;
// non-map values land under "result".
func asMap(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case nil:
		return map[string]interface{}{}
	case map[string]interface{}:
		if t == nil {
			return map[string]interface{}{}
		}
		return t
	default:
		return map[string]interface{}{"result": t}
	}
}

// Package builtin ships the handlers compiled into the gateway: echo
// and arithmetic for round-trip checks, delayed for timeout drills,
// timefeed for streaming, publish for broker fan-out, and report for
// artifact production. Config files bind request types to these
// identifiers; nothing here registers itself implicitly.
package builtin

import (
	"encoding/json"
	"strconv"

	"github.com/dgfacade/gateway/internal/handler"
	"github.com/dgfacade/gateway/internal/registry"
)

// Handler identifiers as referenced by handler config files.
const (
	IdentifierEcho       = "builtin.echo"
	IdentifierArithmetic = "builtin.arithmetic"
	IdentifierDelayed    = "builtin.delayed"
	IdentifierTimeFeed   = "builtin.timefeed"
	IdentifierPublish    = "builtin.publish"
	IdentifierReport     = "builtin.report"
)

// Register binds every builtin into the factory table.
func Register(f *registry.Factories) error {
	for id, factory := range map[string]registry.Factory{
		IdentifierEcho:       func() handler.Handler { return NewEcho() },
		IdentifierArithmetic: func() handler.Handler { return NewArithmetic() },
		IdentifierDelayed:    func() handler.Handler { return NewDelayed() },
		IdentifierTimeFeed:   func() handler.Handler { return NewTimeFeed() },
		IdentifierPublish:    func() handler.Handler { return NewPublish() },
		IdentifierReport:     func() handler.Handler { return NewReport() },
	} {
		if err := f.Register(id, factory); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister is Register for startup wiring.
func MustRegister(f *registry.Factories) {
	if err := Register(f); err != nil {
		panic(err)
	}
}

// numeric coerces the value shapes JSON decoding and chain templating
// produce into a float64.
func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

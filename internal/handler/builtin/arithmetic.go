package builtin

import (
	"context"
	"strings"

	"github.com/dgfacade/gateway/internal/handler"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Arithmetic applies one binary operation to two operands. Payload:
// {operation: ADD|SUB|MUL|DIV, operandA, operandB}; result lands under
// data.result.
type Arithmetic struct {
	handler.Base
}

func NewArithmetic() *Arithmetic { return &Arithmetic{} }

func (h *Arithmetic) Construct(_ context.Context, _ *handlertypes.Config) error { return nil }

func (h *Arithmetic) Execute(_ context.Context, req *message.Request) (*message.Response, error) {
	op, _ := req.Payload["operation"].(string)
	a, okA := numeric(req.Payload["operandA"])
	b, okB := numeric(req.Payload["operandB"])
	if !okA || !okB {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "operandA and operandB must be numeric")
	}

	var result float64
	switch strings.ToUpper(strings.TrimSpace(op)) {
	case "ADD":
		result = a + b
	case "SUB":
		result = a - b
	case "MUL":
		result = a * b
	case "DIV":
		if b == 0 {
			return nil, apperrors.New(apperrors.ErrCodeValidation, "division by zero")
		}
		result = a / b
	default:
		return nil, apperrors.Newf(apperrors.ErrCodeValidation, "unknown operation %q", op)
	}

	return message.NewSuccess(req.RequestID, map[string]interface{}{
		"result":    result,
		"operation": strings.ToUpper(strings.TrimSpace(op)),
	}), nil
}

func (h *Arithmetic) Cleanup(_ context.Context) error { return nil }

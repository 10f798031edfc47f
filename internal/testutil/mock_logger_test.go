package testutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/testutil"
)

func TestMockLogger(t *testing.T) {
	logger := testutil.NewMockLogger()

	logger.Info("test info", logging.String("key", "value"))

	messages := logger.Messages()
	assert.Len(t, messages, 1)
	assert.Equal(t, "info", messages[0].Level)
	assert.Equal(t, "test info", messages[0].Message)

	logger.Clear()
	assert.Len(t, logger.Messages(), 0)

	logger.Error("test error")
	assert.True(t, logger.HasMessage("error", "test error"))
	assert.False(t, logger.HasMessage("info", "test info"))
	assert.True(t, logger.HasMessageContaining("error", "error"))
}

func TestMockLoggerChildrenShareCapture(t *testing.T) {
	logger := testutil.NewMockLogger()

	child := logger.Named("sub").With(logging.String("k", "v"))
	child.Warn("child warning")

	assert.True(t, logger.HasMessage("warn", "child warning"))
}

package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

func TestFanout_DeliverToAllListeners(t *testing.T) {
	f := NewFanout()
	var a, b int
	f.Add("orders", func(context.Context, *brokertypes.Envelope) error { a++; return nil })
	f.Add("orders", func(context.Context, *brokertypes.Envelope) error { b++; return nil })
	f.Add("other", func(context.Context, *brokertypes.Envelope) error {
		t.Fatal("listener for unrelated topic invoked")
		return nil
	})

	require.NoError(t, f.Deliver(context.Background(), brokertypes.NewEnvelope("orders", []byte("x"))))
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestFanout_ErrorDoesNotStopOthers(t *testing.T) {
	f := NewFanout()
	boom := errors.New("boom")
	var after int
	f.Add("t", func(context.Context, *brokertypes.Envelope) error { return boom })
	f.Add("t", func(context.Context, *brokertypes.Envelope) error { after++; return nil })

	err := f.Deliver(context.Background(), brokertypes.NewEnvelope("t", []byte("x")))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, after, "second listener still ran")
}

func TestFanout_Remove(t *testing.T) {
	f := NewFanout()
	var calls int
	remove := f.Add("t", func(context.Context, *brokertypes.Envelope) error { calls++; return nil })
	require.Equal(t, 1, f.Count("t"))

	remove()
	assert.Equal(t, 0, f.Count("t"))

	require.NoError(t, f.Deliver(context.Background(), brokertypes.NewEnvelope("t", []byte("x"))))
	assert.Equal(t, 0, calls)
}

func TestFanout_NoListenersIsNoop(t *testing.T) {
	f := NewFanout()
	assert.NoError(t, f.Deliver(context.Background(), brokertypes.NewEnvelope("empty", []byte("x"))))
	assert.Empty(t, f.Topics())
}

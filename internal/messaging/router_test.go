package messaging_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/safesurf/internal/messaging"
	"github.com/xkilldash9x/safesurf/internal/protocol"
)

func newTestRouter(t *testing.T, size int) *messaging.Router {
	return messaging.NewRouter(zaptest.NewLogger(t), size)
}

func TestRouter_SendDeliversEncodedMessage(t *testing.T) {
	r := newTestRouter(t, 4)
	defer r.Shutdown()

	mailbox, unregister, err := r.Register(7)
	require.NoError(t, err)
	defer unregister()

	require.NoError(t, r.Send(context.Background(), 7, protocol.Progress{Stage: protocol.StageScanning}))

	env := <-mailbox
	assert.Equal(t, 7, env.ContextID)
	assert.NotEmpty(t, env.ID)
	msg, err := protocol.Decode(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.Progress{Stage: protocol.StageScanning}, msg)
}

func TestRouter_SendToUnknownContext(t *testing.T) {
	r := newTestRouter(t, 4)
	defer r.Shutdown()

	err := r.Send(context.Background(), 42, protocol.Progress{Stage: "x"})
	assert.ErrorIs(t, err, messaging.ErrContextGone)
}

func TestRouter_SendAfterUnregister(t *testing.T) {
	r := newTestRouter(t, 4)
	defer r.Shutdown()

	mailbox, _, err := r.Register(1)
	require.NoError(t, err)
	r.Unregister(1)

	_, open := <-mailbox
	assert.False(t, open, "unregistering closes the mailbox")
	assert.ErrorIs(t, r.Send(context.Background(), 1, protocol.Progress{}), messaging.ErrContextGone)
	assert.False(t, r.Registered(1))
}

func TestRouter_SendNeverBlocks(t *testing.T) {
	r := newTestRouter(t, 1)
	defer r.Shutdown()

	_, unregister, err := r.Register(1)
	require.NoError(t, err)
	defer unregister()

	require.NoError(t, r.Send(context.Background(), 1, protocol.Progress{Stage: "a"}))
	err = r.Send(context.Background(), 1, protocol.Progress{Stage: "b"})
	assert.ErrorIs(t, err, messaging.ErrMailboxFull)
}

func TestRouter_ReRegisterReplacesMailbox(t *testing.T) {
	r := newTestRouter(t, 2)
	defer r.Shutdown()

	oldBox, oldUnregister, err := r.Register(3)
	require.NoError(t, err)
	newBox, newUnregister, err := r.Register(3)
	require.NoError(t, err)
	defer newUnregister()

	_, open := <-oldBox
	assert.False(t, open, "the previous document's mailbox is closed")

	// The stale unregister must not remove the new mailbox.
	oldUnregister()
	assert.True(t, r.Registered(3))

	require.NoError(t, r.Send(context.Background(), 3, protocol.Verdict{}))
	env := <-newBox
	assert.Equal(t, 3, env.ContextID)
}

func TestRouter_CancelledContext(t *testing.T) {
	r := newTestRouter(t, 2)
	defer r.Shutdown()
	_, unregister, err := r.Register(1)
	require.NoError(t, err)
	defer unregister()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Send(ctx, 1, protocol.Progress{}), context.Canceled)
}

func TestRouter_Shutdown(t *testing.T) {
	r := newTestRouter(t, 2)
	mailbox, unregister, err := r.Register(1)
	require.NoError(t, err)

	r.Shutdown()
	r.Shutdown() // idempotent
	unregister() // safe after shutdown

	_, open := <-mailbox
	assert.False(t, open)
	assert.ErrorIs(t, r.Send(context.Background(), 1, protocol.Progress{}), messaging.ErrClosed)
	_, _, err = r.Register(2)
	assert.ErrorIs(t, err, messaging.ErrClosed)
}

func TestRouter_ConcurrentSendAndUnregister(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRouter(t, 8)
	var wg sync.WaitGroup
	for ctxID := 0; ctxID < 20; ctxID++ {
		mailbox, _, err := r.Register(ctxID)
		require.NoError(t, err)

		wg.Add(2)
		go func() {
			defer wg.Done()
			for range mailbox {
			}
		}()
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				err := r.Send(context.Background(), id, protocol.Progress{Stage: "s"})
				if err != nil {
					// Anything but a panic on a closed channel is acceptable here.
					assert.True(t, isDeliveryError(err), "unexpected error %v", err)
				}
				if i == 25 {
					r.Unregister(id)
				}
			}
		}(ctxID)
	}
	wg.Wait()
	r.Shutdown()
}

func isDeliveryError(err error) bool {
	return errors.Is(err, messaging.ErrContextGone) ||
		errors.Is(err, messaging.ErrMailboxFull) ||
		errors.Is(err, messaging.ErrClosed)
}

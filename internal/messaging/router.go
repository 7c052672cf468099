// Package messaging delivers serialized protocol messages from the watcher to
// the agent of one page context. Delivery is addressed, fire-and-forget and
// never blocks the sender.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/safesurf/internal/protocol"
)

var (
	// ErrContextGone means no agent is registered for the page context: the tab
	// closed or navigated away.
	ErrContextGone = errors.New("messaging: page context no longer exists")
	// ErrMailboxFull means the agent is not keeping up; the message is dropped.
	ErrMailboxFull = errors.New("messaging: mailbox full")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("messaging: router is shut down")
)

// Envelope carries one encoded message. Payload is the only thing the receiver
// sees of the sender; no values are shared across contexts.
type Envelope struct {
	ID        string
	ContextID int
	Sent      time.Time
	Payload   []byte
}

// Router owns one mailbox per registered page context.
type Router struct {
	logger      *zap.Logger
	mailboxSize int

	mu        sync.RWMutex
	mailboxes map[int]chan Envelope
	closed    bool
}

// NewRouter creates a Router whose mailboxes buffer mailboxSize messages.
func NewRouter(logger *zap.Logger, mailboxSize int) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mailboxSize <= 0 {
		mailboxSize = 1
	}
	return &Router{
		logger:      logger.Named("router"),
		mailboxSize: mailboxSize,
		mailboxes:   make(map[int]chan Envelope),
	}
}

// Register opens the mailbox for contextID. If the context already had one (a
// new document loaded in the same tab) the old mailbox is closed, which ends the
// old agent's loop. The returned func unregisters this mailbox only.
func (r *Router) Register(contextID int) (<-chan Envelope, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrClosed
	}
	if old, ok := r.mailboxes[contextID]; ok {
		close(old)
		r.logger.Debug("Replaced mailbox", zap.Int("context_id", contextID))
	}

	ch := make(chan Envelope, r.mailboxSize)
	r.mailboxes[contextID] = ch

	unregister := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.mailboxes[contextID]; ok && cur == ch {
			delete(r.mailboxes, contextID)
			close(ch)
		}
	}
	return ch, unregister, nil
}

// Unregister closes the mailbox for contextID, if any.
func (r *Router) Unregister(contextID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.mailboxes[contextID]; ok {
		delete(r.mailboxes, contextID)
		close(ch)
	}
}

// Registered reports whether contextID currently has a mailbox.
func (r *Router) Registered(contextID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.mailboxes[contextID]
	return ok
}

// Send encodes msg and drops it into the mailbox for contextID without waiting.
func (r *Router) Send(ctx context.Context, contextID int, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", msg, err)
	}
	env := Envelope{
		ID:        uuid.NewString(),
		ContextID: contextID,
		Sent:      time.Now().UTC(),
		Payload:   payload,
	}

	// The read lock keeps Register/Unregister from closing the channel mid-send.
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrClosed
	}
	ch, ok := r.mailboxes[contextID]
	if !ok {
		return fmt.Errorf("%w: context %d", ErrContextGone, contextID)
	}
	select {
	case ch <- env:
		r.logger.Debug("Delivered",
			zap.Int("context_id", contextID),
			zap.String("action", msg.Action()),
			zap.String("id", env.ID))
		return nil
	default:
		return fmt.Errorf("%w: context %d", ErrMailboxFull, contextID)
	}
}

// Shutdown closes every mailbox. Later sends fail with ErrClosed.
func (r *Router) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.mailboxes {
		close(ch)
		delete(r.mailboxes, id)
	}
	r.logger.Debug("Router shut down")
}

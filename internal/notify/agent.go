// Package notify is the presentation side of a page context: a state machine
// that owns the single on-page notification surface and its narration.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/safesurf/internal/messaging"
	"github.com/xkilldash9x/safesurf/internal/protocol"
)

// Renderer draws surfaces into one page. Every call names the surface it is
// about so a renderer can ignore calls for a surface it no longer shows.
type Renderer interface {
	ShowProcessing(ctx context.Context, surfaceID, stage string) error
	UpdateStage(ctx context.Context, surfaceID, stage string) error
	ShowVerdict(ctx context.Context, surfaceID string, v protocol.Verdict) error
	SetMuted(ctx context.Context, surfaceID string, muted bool) error
	Remove(ctx context.Context, surfaceID string) error
}

// State of the notification surface.
type State int

const (
	StateAbsent State = iota
	StateProcessing
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateProcessing:
		return "processing"
	case StateResolved:
		return "resolved"
	default:
		return "invalid"
	}
}

// shutdownTimeout bounds the teardown calls made after the loop's context ends.
const shutdownTimeout = 2 * time.Second

// Agent is the state machine of one page context. All methods must be called
// from one goroutine; Run is that goroutine in production.
type Agent struct {
	contextID int
	renderer  Renderer
	narrator  *Narrator
	logger    *zap.Logger
	newID     func() string

	state     State
	surfaceID string
	stage     string
	verdict   protocol.Verdict
}

// NewAgent builds the agent for contextID.
func NewAgent(contextID int, renderer Renderer, synth Synthesizer, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("agent").With(zap.Int("context_id", contextID))
	return &Agent{
		contextID: contextID,
		renderer:  renderer,
		narrator:  NewNarrator(synth, logger),
		logger:    logger,
		newID:     uuid.NewString,
	}
}

// Run consumes the mailbox and user actions until the context ends or the
// mailbox is closed, then tears the surface down.
func (a *Agent) Run(ctx context.Context, mailbox <-chan messaging.Envelope, actions <-chan protocol.UserAction) {
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		a.Shutdown(teardownCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-mailbox:
			if !ok {
				return
			}
			a.HandlePayload(ctx, env.Payload)
		case act, ok := <-actions:
			if !ok {
				// The page stopped reporting actions; keep serving messages.
				actions = nil
				continue
			}
			a.HandleAction(ctx, act)
		}
	}
}

// HandlePayload decodes one wire message and applies it. Undecodable payloads
// and unknown actions are dropped.
func (a *Agent) HandlePayload(ctx context.Context, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownAction) {
			a.logger.Debug("Ignoring unknown message action", zap.Error(err))
		} else {
			a.logger.Debug("Ignoring undecodable message", zap.Error(err))
		}
		return
	}
	a.HandleMessage(ctx, msg)
}

// HandleMessage applies a decoded message.
func (a *Agent) HandleMessage(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Progress:
		a.onProgress(ctx, m)
	case protocol.Verdict:
		a.onVerdict(ctx, m)
	default:
		a.logger.Debug("Ignoring unsupported message", zap.String("action", msg.Action()))
	}
}

func (a *Agent) onProgress(ctx context.Context, p protocol.Progress) {
	switch a.state {
	case StateProcessing:
		a.stage = p.Stage
		a.render("update stage", a.renderer.UpdateStage(ctx, a.surfaceID, p.Stage))
	case StateResolved:
		// A newer navigation always wins over the shown verdict.
		a.discardSurface(ctx)
		fallthrough
	case StateAbsent:
		a.openSurface(StateProcessing)
		a.stage = p.Stage
		a.render("show processing", a.renderer.ShowProcessing(ctx, a.surfaceID, p.Stage))
	}

	if p.Narrate {
		a.narrator.Speak(ctx, p.Stage)
	} else {
		a.narrator.Stop(ctx)
	}
}

func (a *Agent) onVerdict(ctx context.Context, v protocol.Verdict) {
	// Repeated verdicts are not merged: the old surface goes, a new one is built.
	a.discardSurface(ctx)
	a.openSurface(StateResolved)
	a.verdict = v
	a.render("show verdict", a.renderer.ShowVerdict(ctx, a.surfaceID, v))
	a.narrator.Speak(ctx, protocol.NarrationText(v))

	a.logger.Debug("Verdict shown",
		zap.String("surface", a.surfaceID),
		zap.String("label", string(v.Classification.Label)))
}

// HandleAction applies a user click. Clicks from replaced surfaces are dropped.
func (a *Agent) HandleAction(ctx context.Context, act protocol.UserAction) {
	if a.state == StateAbsent || act.Surface != a.surfaceID {
		a.logger.Debug("Ignoring action for stale surface",
			zap.String("surface", act.Surface), zap.String("action", act.Action))
		return
	}

	switch act.Action {
	case protocol.UserMute:
		muted := a.narrator.Toggle(ctx)
		a.render("set muted", a.renderer.SetMuted(ctx, a.surfaceID, muted))
	case protocol.UserClose:
		a.discardSurface(ctx)
	default:
		a.logger.Debug("Ignoring unknown user action", zap.String("action", act.Action))
	}
}

// Shutdown stops narration and releases the surface. Called on page teardown.
func (a *Agent) Shutdown(ctx context.Context) {
	a.discardSurface(ctx)
}

// openSurface starts a fresh surface instance with its own mute state.
func (a *Agent) openSurface(state State) {
	a.surfaceID = a.newID()
	a.state = state
	a.narrator.Reset()
}

func (a *Agent) discardSurface(ctx context.Context) {
	a.narrator.Stop(ctx)
	if a.state == StateAbsent {
		return
	}
	a.render("remove", a.renderer.Remove(ctx, a.surfaceID))
	a.state = StateAbsent
	a.surfaceID = ""
	a.stage = ""
	a.verdict = protocol.Verdict{}
}

// Rendering failures mean the page is going away; the state machine carries on.
func (a *Agent) render(op string, err error) {
	if err != nil {
		a.logger.Warn("Render failed", zap.String("op", op), zap.String("surface", a.surfaceID), zap.Error(err))
	}
}

// State returns the current state.
func (a *Agent) State() State { return a.state }

// SurfaceID returns the live surface's ID, or "" when Absent.
func (a *Agent) SurfaceID() string { return a.surfaceID }

// Stage returns the stage text shown while Processing.
func (a *Agent) Stage() string { return a.stage }

// Verdict returns the verdict shown while Resolved.
func (a *Agent) Verdict() protocol.Verdict { return a.verdict }

// Muted reports the current surface's mute state.
func (a *Agent) Muted() bool { return a.narrator.Muted() }

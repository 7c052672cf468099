package notify

import (
	"context"

	"go.uber.org/zap"
)

// Synthesizer is the page's speech engine.
type Synthesizer interface {
	// Speak starts an utterance and returns without waiting for it to finish.
	Speak(ctx context.Context, text string) error
	// Cancel silences whatever is being spoken. Cancelling silence is a no-op.
	Cancel(ctx context.Context) error
}

// SilentSynthesizer is used when narration is disabled.
type SilentSynthesizer struct{}

func (SilentSynthesizer) Speak(context.Context, string) error { return nil }
func (SilentSynthesizer) Cancel(context.Context) error        { return nil }

// Narrator owns the speech engine of one page context. It keeps at most one
// utterance audible: every new utterance cancels the previous one first.
// Not safe for concurrent use; the agent loop is its only caller.
type Narrator struct {
	synth   Synthesizer
	logger  *zap.Logger
	muted   bool
	current string
}

// NewNarrator wraps synth. A nil synth narrates nothing.
func NewNarrator(synth Synthesizer, logger *zap.Logger) *Narrator {
	if synth == nil {
		synth = SilentSynthesizer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Narrator{synth: synth, logger: logger}
}

// Speak makes text the current narration. While muted it is only remembered.
func (n *Narrator) Speak(ctx context.Context, text string) {
	n.current = text
	n.cancel(ctx)
	if n.muted {
		return
	}
	if err := n.synth.Speak(ctx, text); err != nil {
		n.logger.Warn("Speech synthesis failed", zap.Error(err))
	}
}

// Mute silences the current utterance and keeps later ones silent.
func (n *Narrator) Mute(ctx context.Context) {
	n.muted = true
	n.cancel(ctx)
}

// Unmute speaks the current narration again from the start.
func (n *Narrator) Unmute(ctx context.Context) {
	n.muted = false
	if n.current != "" {
		n.Speak(ctx, n.current)
	}
}

// Toggle flips the mute state and reports the new value.
func (n *Narrator) Toggle(ctx context.Context) bool {
	if n.muted {
		n.Unmute(ctx)
	} else {
		n.Mute(ctx)
	}
	return n.muted
}

// Stop silences the current utterance without changing the mute state.
func (n *Narrator) Stop(ctx context.Context) {
	n.cancel(ctx)
}

// Reset forgets the narration text and the mute state. Called for every new surface.
func (n *Narrator) Reset() {
	n.muted = false
	n.current = ""
}

func (n *Narrator) Muted() bool     { return n.muted }
func (n *Narrator) Current() string { return n.current }

func (n *Narrator) cancel(ctx context.Context) {
	if err := n.synth.Cancel(ctx); err != nil {
		n.logger.Debug("Speech cancel failed", zap.Error(err))
	}
}

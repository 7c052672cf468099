// Package watcher turns completed top-level navigations into threat checks and
// reports their progress and outcome to the page's notification agent.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/xkilldash9x/safesurf/internal/journal"
	"github.com/xkilldash9x/safesurf/internal/protocol"
	"github.com/xkilldash9x/safesurf/internal/session"
)

// NavigationEvent is one completed top-level page load.
type NavigationEvent struct {
	ContextID int
	URL       string
}

// Checker classifies a URL on behalf of an authenticated session.
type Checker interface {
	Check(ctx context.Context, url string, s session.Session) (protocol.Verdict, error)
}

// Sender delivers a message to the agent of one page context without waiting.
type Sender interface {
	Send(ctx context.Context, contextID int, msg protocol.Message) error
}

// Recorder persists the verdicts that were sent.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Watcher is the background coordinator. It holds no per-page state.
type Watcher struct {
	sessions session.Store
	checker  Checker
	sender   Sender
	recorder Recorder
	skip     []glob.Glob
	logger   *zap.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithRecorder journals every verdict the watcher sends.
func WithRecorder(r Recorder) Option {
	return func(w *Watcher) {
		w.recorder = r
	}
}

// New builds a Watcher. skipPatterns are host globs ("*.corp.example",
// "localhost") for pages that are never checked.
func New(sessions session.Store, checker Checker, sender Sender, skipPatterns []string, logger *zap.Logger, opts ...Option) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		sessions: sessions,
		checker:  checker,
		sender:   sender,
		logger:   logger.Named("watcher"),
	}
	for _, p := range skipPatterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid skip pattern %q: %w", p, err)
		}
		w.skip = append(w.skip, g)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run handles every event in its own goroutine until ctx is done or events is
// closed, then waits for the in-flight checks. Earlier checks are never
// cancelled by newer navigations.
func (w *Watcher) Run(ctx context.Context, events <-chan NavigationEvent) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.HandleNavigation(ctx, ev)
			}()
		}
	}
}

// HandleNavigation runs the full check sequence for one event. Every failure
// ends in at most one error verdict; nothing is returned to the caller.
func (w *Watcher) HandleNavigation(ctx context.Context, ev NavigationEvent) {
	log := w.logger.With(zap.Int("context_id", ev.ContextID), zap.String("url", ev.URL))

	if !w.eligible(ev.URL) {
		log.Debug("Navigation not eligible for checking")
		return
	}

	s, err := w.sessions.Load(ctx)
	if err != nil {
		log.Warn("Could not load session", zap.Error(err))
		return
	}
	if !s.Authenticated() {
		log.Debug("No authenticated session, skipping check")
		return
	}

	if err := w.sender.Send(ctx, ev.ContextID, protocol.Progress{Stage: protocol.StageScanning}); err != nil {
		// The page is gone or has no agent yet; there is nobody to report to.
		log.Info("Page context unreachable, aborting check", zap.Error(err))
		return
	}
	if err := w.sender.Send(ctx, ev.ContextID, protocol.Progress{Stage: protocol.StageContacting, Narrate: true}); err != nil {
		log.Warn("Failed to deliver progress update", zap.Error(err))
	}

	verdict, checkErr := w.checker.Check(ctx, ev.URL, s)
	if checkErr != nil {
		log.Warn("Threat check failed", zap.Error(checkErr))
		verdict = protocol.ErrorVerdict(checkErr.Error())
	}

	if err := w.sender.Send(ctx, ev.ContextID, verdict); err != nil {
		log.Warn("Failed to deliver verdict", zap.Error(err))
		return
	}
	log.Info("Verdict delivered", zap.String("label", string(verdict.Classification.Label)))

	w.record(ctx, log, journal.NewEntry(ev.ContextID, ev.URL, s.Identity, verdict, checkErr != nil))
}

func (w *Watcher) record(ctx context.Context, log *zap.Logger, e journal.Entry) {
	if w.recorder == nil {
		return
	}
	if err := w.recorder.Record(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("Failed to journal verdict", zap.Error(err))
	}
}

// eligible reports whether rawURL is an http(s) page outside the skip list.
func (w *Watcher) eligible(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, g := range w.skip {
		if g.Match(host) {
			return false
		}
	}
	return true
}

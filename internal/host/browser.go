// Package host adapts a Chromium browser, reached over the DevTools protocol,
// to the watcher and the notification agents: every page target becomes a
// page context with its own agent, and completed top-level loads become
// navigation events.
package host

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/safesurf/internal/config"
	"github.com/xkilldash9x/safesurf/internal/messaging"
	"github.com/xkilldash9x/safesurf/internal/notify"
	"github.com/xkilldash9x/safesurf/internal/protocol"
	"github.com/xkilldash9x/safesurf/internal/watcher"
)

const (
	navigationBuffer = 64
	actionBuffer     = 8
	targetTypePage   = "page"
)

// Browser tracks the page targets of one Chromium instance.
type Browser struct {
	cfg       config.BrowserConfig
	narration config.NarrationConfig
	router    *messaging.Router
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group

	mu     sync.Mutex
	tabs   map[target.ID]*tab
	nextID int
	navs   chan watcher.NavigationEvent
	closed bool
}

// New prepares a Browser. Nothing is launched until Start.
func New(cfg config.BrowserConfig, narration config.NarrationConfig, router *messaging.Router, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{
		cfg:       cfg,
		narration: narration,
		router:    router,
		logger:    logger.Named("host"),
		tabs:      make(map[target.ID]*tab),
		navs:      make(chan watcher.NavigationEvent, navigationBuffer),
	}
}

// Navigations delivers one event per completed top-level load. It is closed by Close.
func (b *Browser) Navigations() <-chan watcher.NavigationEvent {
	return b.navs
}

// Start launches (or attaches to) the browser and begins tracking its tabs.
func (b *Browser) Start(ctx context.Context) error {
	allocCtx, allocCancel := newAllocator(ctx, b.cfg)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(b.logger.Sugar().Debugf),
		chromedp.WithErrorf(b.logger.Sugar().Warnf),
	)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start browser: %w", err)
	}
	b.ctx, b.cancel = browserCtx, cancel

	chromedp.ListenBrowser(browserCtx, b.handleBrowserEvent)
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
	}))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to enable target discovery: %w", err)
	}

	infos, err := chromedp.Targets(browserCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to list targets: %w", err)
	}
	for _, info := range infos {
		if info.Type == targetTypePage {
			b.attachAsync(info.TargetID, info.URL)
		}
	}

	b.logger.Info("Browser ready",
		zap.Bool("remote", b.cfg.RemoteURL != ""),
		zap.Bool("headless", b.cfg.Headless),
		zap.Int("targets", len(infos)))
	return nil
}

// Close stops every agent, releases the browser and closes Navigations.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	tabs := make([]*tab, 0, len(b.tabs))
	for id, t := range b.tabs {
		tabs = append(tabs, t)
		delete(b.tabs, id)
	}
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	for _, t := range tabs {
		t.close()
	}
	err := b.g.Wait()

	// emit holds the lock and checks closed, so nothing sends after this.
	b.mu.Lock()
	close(b.navs)
	b.mu.Unlock()
	return err
}

// Tabs returns the number of tracked page contexts.
func (b *Browser) Tabs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tabs)
}

// Listener callbacks run on chromedp's event goroutine and must not block.
func (b *Browser) handleBrowserEvent(ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo != nil && e.TargetInfo.Type == targetTypePage {
			b.attachAsync(e.TargetInfo.TargetID, e.TargetInfo.URL)
		}
	case *target.EventTargetDestroyed:
		b.detach(e.TargetID)
	}
}

func (b *Browser) attachAsync(id target.ID, url string) {
	b.reserve(id, url, func(t *tab) {
		if err := b.attach(t); err != nil {
			t.log.Warn("Could not attach to tab", zap.Error(err))
			b.detach(id)
		}
	})
}

// reserve allocates the page context for a target exactly once and starts fn
// for it. fn is started under the same lock that Close takes, so it never
// races the final Wait.
func (b *Browser) reserve(id target.ID, url string, fn func(*tab)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.ctx == nil {
		return false
	}
	if _, ok := b.tabs[id]; ok {
		return false
	}
	b.nextID++
	tabCtx, cancel := chromedp.NewContext(b.ctx, chromedp.WithTargetID(id))
	t := newTab(b, b.nextID, id, tabCtx, cancel, chromeEval)
	t.url = url
	b.tabs[id] = t
	b.g.Go(func() error {
		fn(t)
		return nil
	})
	return true
}

// spawn runs fn in the browser's group unless Close has begun.
func (b *Browser) spawn(fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.g.Go(func() error {
		fn()
		return nil
	})
	return true
}

func (b *Browser) attach(t *tab) error {
	chromedp.ListenTarget(t.ctx, t.handleEvent)
	err := chromedp.Run(t.ctx,
		page.Enable(),
		runtime.Enable(),
		runtime.AddBinding(BindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(overlayJS).Do(ctx)
			return err
		}),
		// The document that is already loaded never sees the script above.
		chromedp.Evaluate(overlayJS, nil),
	)
	if err != nil {
		return fmt.Errorf("preparing tab: %w", err)
	}
	t.openDocument()
	t.log.Debug("Attached to tab")
	return nil
}

func (b *Browser) detach(id target.ID) {
	b.mu.Lock()
	t, ok := b.tabs[id]
	delete(b.tabs, id)
	b.mu.Unlock()
	if ok {
		t.close()
		t.log.Debug("Tab closed")
	}
}

// emit never blocks the event goroutine; a full buffer drops the navigation.
func (b *Browser) emit(ev watcher.NavigationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.navs <- ev:
	default:
		b.logger.Warn("Navigation buffer full, dropping event",
			zap.Int("context_id", ev.ContextID), zap.String("url", ev.URL))
	}
}

// tab is one page context. Each new top-level document gets a fresh agent,
// and at most one agent drives the page at a time.
type tab struct {
	b         *Browser
	contextID int
	targetID  target.ID
	ctx       context.Context
	cancel    context.CancelFunc
	eval      evalFunc
	log       *zap.Logger

	mu         sync.Mutex
	url        string
	unregister func()
	actions    chan protocol.UserAction // current agent's clicks
	agentDone  chan struct{}            // closed when the current agent has shut down
	closed     bool
}

func newTab(b *Browser, contextID int, id target.ID, ctx context.Context, cancel context.CancelFunc, eval evalFunc) *tab {
	return &tab{
		b:         b,
		contextID: contextID,
		targetID:  id,
		ctx:       ctx,
		cancel:    cancel,
		eval:      eval,
		log:       b.logger.With(zap.Int("context_id", contextID), zap.String("target", string(id))),
	}
}

func (t *tab) handleEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if !isTopFrame(e.Frame) {
			return
		}
		t.setURL(e.Frame.URL)
		t.openDocument()
	case *page.EventLoadEventFired:
		t.b.emit(watcher.NavigationEvent{ContextID: t.contextID, URL: t.currentURL()})
	case *runtime.EventBindingCalled:
		if e.Name != BindingName {
			return
		}
		act, err := protocol.DecodeUserAction(e.Payload)
		if err != nil {
			t.log.Debug("Ignoring malformed user action", zap.Error(err))
			return
		}
		actions := t.currentActions()
		if actions == nil {
			return
		}
		select {
		case actions <- act:
		default:
			t.log.Debug("Dropping user action, agent busy", zap.String("action", act.Action))
		}
	}
}

// openDocument starts the agent for the document now loaded in the tab.
// Registering replaces the previous document's mailbox, which ends its agent;
// the new agent consumes nothing until that one has finished its teardown.
func (t *tab) openDocument() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	mailbox, unregister, err := t.b.router.Register(t.contextID)
	if err != nil {
		t.log.Warn("Could not register page context", zap.Error(err))
		return
	}
	t.unregister = unregister

	prev := t.agentDone
	actions := make(chan protocol.UserAction, actionBuffer)
	done := make(chan struct{})
	t.actions, t.agentDone = actions, done

	agent := notify.NewAgent(t.contextID,
		&pageRenderer{eval: t.eval},
		newSynthesizer(t.eval, t.b.narration),
		t.b.logger)
	started := t.b.spawn(func() {
		defer close(done)
		if prev != nil {
			select {
			case <-prev:
			case <-t.ctx.Done():
				return
			}
		}
		agent.Run(t.ctx, mailbox, actions)
	})
	if !started {
		close(done)
	}
}

func (t *tab) currentActions() chan protocol.UserAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.actions
}

func (t *tab) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	unregister := t.unregister
	t.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	t.cancel()
}

func (t *tab) setURL(u string) {
	t.mu.Lock()
	t.url = u
	t.mu.Unlock()
}

func (t *tab) currentURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func isTopFrame(f *cdp.Frame) bool {
	return f != nil && f.ParentID == ""
}

// newAllocator picks a remote allocator when a DevTools URL is configured,
// otherwise launches a local Chromium.
func newAllocator(ctx context.Context, cfg config.BrowserConfig) (context.Context, context.CancelFunc) {
	if cfg.RemoteURL != "" {
		return chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
	}
	return chromedp.NewExecAllocator(ctx, allocatorOptions(cfg)...)
}

func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		// Narration has to be audible.
		chromedp.Flag("mute-audio", false),
	)
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	for _, arg := range cfg.Args {
		name, value := parseFlag(arg)
		if name == "" {
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// parseFlag turns "--name=value" or "--name" into a chromedp flag.
func parseFlag(arg string) (string, any) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return "", nil
	}
	name, value, ok := strings.Cut(arg, "=")
	if !ok {
		return name, true
	}
	return name, value
}

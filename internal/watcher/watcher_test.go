package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/safesurf/internal/backend"
	"github.com/xkilldash9x/safesurf/internal/journal"
	"github.com/xkilldash9x/safesurf/internal/messaging"
	"github.com/xkilldash9x/safesurf/internal/protocol"
	"github.com/xkilldash9x/safesurf/internal/session"
)

type sent struct {
	contextID int
	msg       protocol.Message
}

type fakeSender struct {
	mu      sync.Mutex
	msgs    []sent
	failAt  map[int]error // index of the Send call -> error
	calls   int
}

func (f *fakeSender) Send(_ context.Context, contextID int, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if err := f.failAt[i]; err != nil {
		return err
	}
	f.msgs = append(f.msgs, sent{contextID, msg})
	return nil
}

func (f *fakeSender) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, 0, len(f.msgs))
	for _, s := range f.msgs {
		out = append(out, s.msg)
	}
	return out
}

type fakeChecker struct {
	verdict protocol.Verdict
	err     error
	calls   atomic.Int32
	delay   time.Duration
	seen    chan session.Session
}

func (f *fakeChecker) Check(ctx context.Context, _ string, s session.Session) (protocol.Verdict, error) {
	f.calls.Add(1)
	if f.seen != nil {
		f.seen <- s
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.verdict, f.err
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []journal.Entry
	err     error
}

func (f *fakeRecorder) Record(_ context.Context, e journal.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return f.err
}

var (
	authed = session.Session{Token: "tok-123", Identity: "u@x.io"}

	maliciousVerdict = protocol.Verdict{
		Classification: protocol.ClassificationResult{Label: protocol.LabelMalicious, Reason: "Known phishing domain"},
		Redirect:       protocol.RedirectResult{FinalURL: "http://evil.example", IsSuspicious: true, Reason: "3 redirects detected"},
	}
)

func newStore(t *testing.T, s session.Session) session.Store {
	t.Helper()
	store := session.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), s))
	return store
}

func newWatcher(t *testing.T, store session.Store, c Checker, s Sender, opts ...Option) *Watcher {
	t.Helper()
	w, err := New(store, c, s, []string{"localhost", "127.0.0.1", "*.internal.example"}, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return w
}

func TestHandleNavigation_MaliciousVerdictDelivered(t *testing.T) {
	sender := &fakeSender{}
	checker := &fakeChecker{verdict: maliciousVerdict}
	rec := &fakeRecorder{}
	w := newWatcher(t, newStore(t, authed), checker, sender, WithRecorder(rec))

	w.HandleNavigation(context.Background(), NavigationEvent{ContextID: 7, URL: "http://bad.example"})

	want := []protocol.Message{
		protocol.Progress{Stage: protocol.StageScanning, Narrate: false},
		protocol.Progress{Stage: protocol.StageContacting, Narrate: true},
		maliciousVerdict,
	}
	if diff := cmp.Diff(want, sender.messages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	for _, m := range sender.msgs {
		assert.Equal(t, 7, m.contextID)
	}

	require.Len(t, rec.entries, 1)
	assert.False(t, rec.entries[0].Failed)
	assert.Equal(t, "u@x.io", rec.entries[0].Identity)
	assert.Equal(t, maliciousVerdict, rec.entries[0].Verdict())
}

func TestHandleNavigation_BackendErrorBecomesErrorVerdict(t *testing.T) {
	sender := &fakeSender{}
	checker := &fakeChecker{err: &backend.APIError{Endpoint: backend.PathCheckURL, StatusCode: 401, Message: "Invalid token."}}
	rec := &fakeRecorder{}
	w := newWatcher(t, newStore(t, authed), checker, sender, WithRecorder(rec))

	w.HandleNavigation(context.Background(), NavigationEvent{ContextID: 1, URL: "https://example.com"})

	msgs := sender.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, protocol.Verdict{
		Classification: protocol.ClassificationResult{Label: protocol.LabelError, Reason: "Extension Error: Invalid token."},
		Redirect:       protocol.RedirectResult{FinalURL: "N/A", IsSuspicious: false, Reason: "N/A"},
	}, msgs[2])
	require.Len(t, rec.entries, 1)
	assert.True(t, rec.entries[0].Failed)
}

func TestHandleNavigation_UnauthenticatedSendsNothing(t *testing.T) {
	cases := map[string]session.Session{
		"empty":         {},
		"token only":    {Token: "tok"},
		"identity only": {Identity: "u@x.io"},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			sender := &fakeSender{}
			checker := &fakeChecker{}
			w := newWatcher(t, newStore(t, s), checker, sender)

			w.HandleNavigation(context.Background(), NavigationEvent{ContextID: 1, URL: "https://example.com"})

			assert.Empty(t, sender.messages())
			assert.Zero(t, checker.calls.Load())
		})
	}
}

func TestHandleNavigation_IneligibleURLs(t *testing.T) {
	urls := []string{
		"chrome://settings",
		"about:blank",
		"file:///etc/hosts",
		"chrome-extension://abc/popup.html",
		"",
		"::not a url",
		"http://localhost:8000/api/check-url/",
		"http://127.0.0.1/",
		"https://wiki.internal.example/page",
		"HTTPS://LOCALHOST/",
	}
	for _, u := range urls {
		t.Run(u, func(t *testing.T) {
			sender := &fakeSender{}
			checker := &fakeChecker{}
			w := newWatcher(t, newStore(t, authed), checker, sender)

			w.HandleNavigation(context.Background(), NavigationEvent{ContextID: 1, URL: u})
			assert.Empty(t, sender.messages())
			assert.Zero(t, checker.calls.Load())
		})
	}
}

func TestHandleNavigation_FirstDeliveryFailureAborts(t *testing.T) {
	sender := &fakeSender{failAt: map[int]error{0: fmt.Errorf("%w: context 3", messaging.ErrContextGone)}}
	checker := &fakeChecker{verdict: maliciousVerdict}
	rec := &fakeRecorder{}
	w := newWatcher(t, newStore(t, authed), checker, sender, WithRecorder(rec))

	w.HandleNavigation(context.Background(), NavigationEvent{ContextID: 3, URL: "https://example.com"})

	assert.Zero(t, checker.calls.Load(), "no backend call after a failed first delivery")
	assert.Empty(t, sender.messages())
	assert.Empty(t, rec.entries)
}

func TestHandleNavigation_LaterDeliveryFailuresAreSwallowed(t *testing.T) {
	t.Run("second progress", func(t *testing.T) {
		sender := &fakeSender{failAt: map[int]error{1: messaging.ErrMailboxFull}}
		checker := &fakeChecker{verdict: maliciousVerdict}
		w := newWatcher(t, newStore(t, authed), checker, sender)

		w.HandleNavigation(context.Background(), NavigationEvent{ContextID: 3, URL: "https://example.com"})
		assert.EqualValues(t, 1, checker.calls.Load())
		assert.Equal(t, []protocol.Message{protocol.Progress{Stage: protocol.StageScanning}, maliciousVerdict}, sender.messages())
	})

	t.Run("verdict", func(t *testing.T) {
		sender := &fakeSender{failAt: map[int]error{2: messaging.ErrContextGone}}
		rec := &fakeRecorder{}
		w := newWatcher(t, newStore(t, authed), &fakeChecker{verdict: maliciousVerdict}, sender, WithRecorder(rec))

		assert.NotPanics(t, func() {
			w.HandleNavigation(context.Background(), NavigationEvent{ContextID: 3, URL: "https://example.com"})
		})
		assert.Empty(t, rec.entries, "undelivered verdicts are not journaled")
	})
}

func TestHandleNavigation_JournalFailureIsNotFatal(t *testing.T) {
	sender := &fakeSender{}
	rec := &fakeRecorder{err: errors.New("db down")}
	w := newWatcher(t, newStore(t, authed), &fakeChecker{verdict: maliciousVerdict}, sender, WithRecorder(rec))

	w.HandleNavigation(context.Background(), NavigationEvent{ContextID: 1, URL: "https://example.com"})
	assert.Len(t, sender.messages(), 3)
	assert.Len(t, rec.entries, 1)
}

func TestHandleNavigation_PassesSessionToChecker(t *testing.T) {
	checker := &fakeChecker{verdict: maliciousVerdict, seen: make(chan session.Session, 1)}
	w := newWatcher(t, newStore(t, authed), checker, &fakeSender{})

	w.HandleNavigation(context.Background(), NavigationEvent{ContextID: 1, URL: "https://example.com"})
	assert.Equal(t, authed, <-checker.seen)
}

func TestNew_InvalidSkipPattern(t *testing.T) {
	_, err := New(session.NewMemoryStore(), &fakeChecker{}, &fakeSender{}, []string{"[unclosed"}, nil)
	assert.ErrorContains(t, err, "invalid skip pattern")
}

func TestRun_HandlesEventsConcurrentlyAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &fakeSender{}
	checker := &fakeChecker{verdict: maliciousVerdict, delay: 50 * time.Millisecond}
	w := newWatcher(t, newStore(t, authed), checker, sender)

	events := make(chan NavigationEvent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background(), events)
	}()

	start := time.Now()
	for i := 1; i <= 5; i++ {
		events <- NavigationEvent{ContextID: i, URL: fmt.Sprintf("https://site%d.example", i)}
	}
	close(events)
	<-done

	assert.EqualValues(t, 5, checker.calls.Load())
	assert.Len(t, sender.messages(), 15, "Run waits for in-flight checks")
	assert.Less(t, time.Since(start), 200*time.Millisecond, "checks run in parallel")
}

func TestRun_PerContextOrdering(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &fakeSender{}
	w := newWatcher(t, newStore(t, authed), &fakeChecker{verdict: maliciousVerdict}, sender)

	events := make(chan NavigationEvent, 3)
	for i := 1; i <= 3; i++ {
		events <- NavigationEvent{ContextID: i, URL: "https://example.com"}
	}
	close(events)
	w.Run(context.Background(), events)

	perContext := map[int][]protocol.Message{}
	sender.mu.Lock()
	for _, m := range sender.msgs {
		perContext[m.contextID] = append(perContext[m.contextID], m.msg)
	}
	sender.mu.Unlock()

	for id, msgs := range perContext {
		require.Len(t, msgs, 3, "context %d", id)
		assert.Equal(t, protocol.ActionProgress, msgs[0].Action())
		assert.Equal(t, protocol.ActionProgress, msgs[1].Action())
		assert.Equal(t, protocol.ActionVerdict, msgs[2].Action(), "the verdict is last")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newWatcher(t, newStore(t, authed), &fakeChecker{}, &fakeSender{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, make(chan NavigationEvent))
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHandleNavigation_ThroughRouter(t *testing.T) {
	router := messaging.NewRouter(zaptest.NewLogger(t), 4)
	defer router.Shutdown()
	mailbox, unregister, err := router.Register(2)
	require.NoError(t, err)
	defer unregister()

	w := newWatcher(t, newStore(t, authed), &fakeChecker{verdict: maliciousVerdict}, router)
	w.HandleNavigation(context.Background(), NavigationEvent{ContextID: 2, URL: "https://example.com"})

	var got []protocol.Message
	for i := 0; i < 3; i++ {
		env := <-mailbox
		m, err := protocol.Decode(env.Payload)
		require.NoError(t, err)
		got = append(got, m)
	}
	assert.Equal(t, maliciousVerdict, got[2])

	// A context nobody registered: aborted silently.
	checker := &fakeChecker{}
	w = newWatcher(t, newStore(t, authed), checker, router)
	w.HandleNavigation(context.Background(), NavigationEvent{ContextID: 99, URL: "https://example.com"})
	assert.Zero(t, checker.calls.Load())
}

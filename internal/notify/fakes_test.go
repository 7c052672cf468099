package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/safesurf/internal/protocol"
)

// fakeRenderer tracks live surfaces so tests can assert mutual exclusion.
type fakeRenderer struct {
	mu         sync.Mutex
	live       map[string]string // surface id -> kind
	created    []string
	removed    []string
	stages     map[string][]string
	verdicts   map[string]protocol.Verdict
	muted      map[string]bool
	maxLive    int
	violations []string
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		live:     map[string]string{},
		stages:   map[string][]string{},
		verdicts: map[string]protocol.Verdict{},
		muted:    map[string]bool{},
	}
}

func (f *fakeRenderer) create(id, kind string) {
	if len(f.live) > 0 {
		f.violations = append(f.violations, fmt.Sprintf("created %s while %d surface(s) live", id, len(f.live)))
	}
	f.live[id] = kind
	f.created = append(f.created, id)
	if len(f.live) > f.maxLive {
		f.maxLive = len(f.live)
	}
}

func (f *fakeRenderer) ShowProcessing(_ context.Context, id, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.create(id, "processing")
	f.stages[id] = append(f.stages[id], stage)
	return nil
}

func (f *fakeRenderer) UpdateStage(_ context.Context, id, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok {
		f.violations = append(f.violations, "update on dead surface "+id)
	}
	f.stages[id] = append(f.stages[id], stage)
	return nil
}

func (f *fakeRenderer) ShowVerdict(_ context.Context, id string, v protocol.Verdict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.create(id, "verdict")
	f.verdicts[id] = v
	return nil
}

func (f *fakeRenderer) SetMuted(_ context.Context, id string, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted[id] = muted
	return nil
}

func (f *fakeRenderer) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok {
		f.violations = append(f.violations, "remove of dead surface "+id)
	}
	delete(f.live, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRenderer) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeRenderer) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeSynth models a speech engine with a single voice.
type fakeSynth struct {
	mu         sync.Mutex
	speaking   bool
	spoken     []string
	cancels    int
	violations int
}

func (s *fakeSynth) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking {
		s.violations++
	}
	s.speaking = true
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *fakeSynth) Cancel(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.cancels++
	return nil
}

func (s *fakeSynth) isSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

func (s *fakeSynth) utterances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

func (s *fakeSynth) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spoken) == 0 {
		return ""
	}
	return s.spoken[len(s.spoken)-1]
}

// mockRenderer is used where only call expectations matter.
type mockRenderer struct {
	mock.Mock
}

func (m *mockRenderer) ShowProcessing(ctx context.Context, id, stage string) error {
	return m.Called(ctx, id, stage).Error(0)
}

func (m *mockRenderer) UpdateStage(ctx context.Context, id, stage string) error {
	return m.Called(ctx, id, stage).Error(0)
}

func (m *mockRenderer) ShowVerdict(ctx context.Context, id string, v protocol.Verdict) error {
	return m.Called(ctx, id, v).Error(0)
}

func (m *mockRenderer) SetMuted(ctx context.Context, id string, muted bool) error {
	return m.Called(ctx, id, muted).Error(0)
}

func (m *mockRenderer) Remove(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

package host

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/safesurf/internal/config"
	"github.com/xkilldash9x/safesurf/internal/notify"
	"github.com/xkilldash9x/safesurf/internal/protocol"
)

// BindingName is the page function the overlay calls to report user actions.
const BindingName = "__safesurfAction"

const overlayObject = "window.__safesurf"

//go:embed overlay.js
var overlayJS string

// evalFunc runs a JavaScript expression in the page the context is bound to.
type evalFunc func(ctx context.Context, expr string) error

func chromeEval(ctx context.Context, expr string) error {
	return chromedp.Run(ctx, chromedp.Evaluate(expr, nil))
}

// jsCall renders overlayObject.fn(args...) with every argument JSON encoded,
// so page text never reaches the expression unescaped.
func jsCall(fn string, args ...any) (string, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("encoding argument %d of %s: %w", i, fn, err)
		}
		parts[i] = string(b)
	}
	return fmt.Sprintf("%s && %s.%s(%s)", overlayObject, overlayObject, fn, strings.Join(parts, ",")), nil
}

// verdictView is what the overlay needs to draw a verdict.
type verdictView struct {
	Label                   string `json:"label"`
	Known                   bool   `json:"known"`
	Reason                  string `json:"reason"`
	ReasonIsDefault         bool   `json:"reasonIsDefault"`
	FinalURL                string `json:"finalUrl"`
	FinalURLIsDefault       bool   `json:"finalUrlIsDefault"`
	Redirected              bool   `json:"redirected"`
	RedirectReason          string `json:"redirectReason"`
	RedirectReasonIsDefault bool   `json:"redirectReasonIsDefault"`
}

func newVerdictView(v protocol.Verdict) verdictView {
	return verdictView{
		Label:                   string(v.Classification.Label),
		Known:                   v.Classification.Label.Known(),
		Reason:                  v.Classification.Reason,
		ReasonIsDefault:         v.Classification.Reason == protocol.DefaultReason,
		FinalURL:                v.Redirect.FinalURL,
		FinalURLIsDefault:       v.Redirect.FinalURL == protocol.DefaultRedirectField,
		Redirected:              v.Redirect.IsSuspicious,
		RedirectReason:          v.Redirect.Reason,
		RedirectReasonIsDefault: v.Redirect.Reason == protocol.DefaultRedirectField,
	}
}

// pageRenderer draws surfaces through the injected overlay.
type pageRenderer struct {
	eval evalFunc
}

var _ notify.Renderer = (*pageRenderer)(nil)

func (r *pageRenderer) call(ctx context.Context, fn string, args ...any) error {
	expr, err := jsCall(fn, args...)
	if err != nil {
		return err
	}
	if err := r.eval(ctx, expr); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}

func (r *pageRenderer) ShowProcessing(ctx context.Context, id, stage string) error {
	return r.call(ctx, "showProcessing", id, stage)
}

func (r *pageRenderer) UpdateStage(ctx context.Context, id, stage string) error {
	return r.call(ctx, "updateStage", id, stage)
}

func (r *pageRenderer) ShowVerdict(ctx context.Context, id string, v protocol.Verdict) error {
	return r.call(ctx, "showVerdict", id, newVerdictView(v))
}

func (r *pageRenderer) SetMuted(ctx context.Context, id string, muted bool) error {
	return r.call(ctx, "setMuted", id, muted)
}

func (r *pageRenderer) Remove(ctx context.Context, id string) error {
	return r.call(ctx, "remove", id)
}

type utterance struct {
	Text  string  `json:"text"`
	Lang  string  `json:"lang"`
	Rate  float64 `json:"rate"`
	Pitch float64 `json:"pitch"`
}

// pageSynth speaks through the page's speechSynthesis.
type pageSynth struct {
	eval evalFunc
	cfg  config.NarrationConfig
}

var _ notify.Synthesizer = (*pageSynth)(nil)

func (s *pageSynth) Speak(ctx context.Context, text string) error {
	expr, err := jsCall("speak", utterance{Text: text, Lang: s.cfg.Lang, Rate: s.cfg.Rate, Pitch: s.cfg.Pitch})
	if err != nil {
		return err
	}
	return s.eval(ctx, expr)
}

func (s *pageSynth) Cancel(ctx context.Context) error {
	expr, _ := jsCall("cancelSpeech")
	return s.eval(ctx, expr)
}

func newSynthesizer(eval evalFunc, cfg config.NarrationConfig) notify.Synthesizer {
	if !cfg.Enabled {
		return notify.SilentSynthesizer{}
	}
	return &pageSynth{eval: eval, cfg: cfg}
}

// Package protocol defines the messages the watcher sends to a page context,
// the user actions a page sends back, and the verdict model they share.
package protocol

import "strings"

// Wire action names.
const (
	ActionProgress = "updateProcessingPopup"
	ActionVerdict  = "showPopup"
)

// Stage texts, in the order the watcher sends them.
const (
	StageScanning    = "Scanning URL..."
	StageContacting  = "Contacting external threat intelligence..."
	ExtensionErrTmpl = "Extension Error: "
)

// Defaults substituted for missing backend fields.
const (
	DefaultReason         = "No reason provided."
	DefaultRedirectField  = "N/A"
	DefaultGenericMessage = "URL Scan Failed"
)

// Label is the classification the backend assigned to a page.
type Label string

const (
	LabelSafe       Label = "safe"
	LabelSuspicious Label = "suspicious"
	LabelMalicious  Label = "malicious"
	LabelUnknown    Label = "unknown"
	LabelError      Label = "error"
)

// Known reports whether l has a dedicated presentation. Anything else is shown
// verbatim with the neutral style.
func (l Label) Known() bool {
	switch l {
	case LabelSafe, LabelSuspicious, LabelMalicious, LabelUnknown, LabelError:
		return true
	}
	return false
}

// Message is anything the watcher can send to a page context.
type Message interface {
	Action() string
}

// Progress is a staged status update shown before the verdict.
type Progress struct {
	Stage   string
	Narrate bool
}

func (Progress) Action() string { return ActionProgress }

// ClassificationResult is the content classification half of a verdict.
type ClassificationResult struct {
	Label  Label
	Reason string
}

// RedirectResult is the redirect analysis half of a verdict.
type RedirectResult struct {
	FinalURL     string `json:"final_url"`
	IsSuspicious bool   `json:"is_suspicious"`
	Reason       string `json:"reason"`
}

// DefaultRedirect is used whenever redirect analysis produced nothing usable.
func DefaultRedirect() RedirectResult {
	return RedirectResult{FinalURL: DefaultRedirectField, Reason: DefaultRedirectField}
}

// Verdict is the terminal message for one navigation.
type Verdict struct {
	Classification ClassificationResult
	Redirect       RedirectResult
}

func (Verdict) Action() string { return ActionVerdict }

// Normalize substitutes the fixed defaults for blank fields so nothing shown
// or spoken is ever empty.
func (v Verdict) Normalize() Verdict {
	if strings.TrimSpace(string(v.Classification.Label)) == "" {
		v.Classification.Label = LabelUnknown
	}
	if strings.TrimSpace(v.Classification.Reason) == "" {
		v.Classification.Reason = DefaultReason
	}
	if strings.TrimSpace(v.Redirect.FinalURL) == "" {
		v.Redirect.FinalURL = DefaultRedirectField
	}
	if strings.TrimSpace(v.Redirect.Reason) == "" {
		v.Redirect.Reason = DefaultRedirectField
	}
	return v
}

// ErrorVerdict is what the user sees when a check could not complete.
func ErrorVerdict(msg string) Verdict {
	return Verdict{
		Classification: ClassificationResult{Label: LabelError, Reason: ExtensionErrTmpl + msg},
		Redirect:       DefaultRedirect(),
	}
}

// User actions a surface reports back to its agent.
const (
	UserMute  = "mute"
	UserClose = "close"
)

// UserAction is a click on a surface control. Surface identifies which surface
// instance produced it so actions from a replaced surface can be dropped.
type UserAction struct {
	Surface string `json:"surface"`
	Action  string `json:"action"`
}

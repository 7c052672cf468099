package protocol

import (
	"errors"
	"fmt"

	json "github.com/json-iterator/go"
)

// ErrUnknownAction is returned by Decode for well-formed messages whose action
// this build does not understand. Receivers ignore such messages.
var ErrUnknownAction = errors.New("protocol: unknown action")

type progressWire struct {
	Action     string `json:"action"`
	Message    string `json:"message"`
	PlaySpeech bool   `json:"playSpeech"`
}

type verdictWire struct {
	Action         string         `json:"action"`
	Classification string         `json:"classification"`
	Reason         string         `json:"reason"`
	RedirectInfo   RedirectResult `json:"redirectInfo"`
}

type actionOnly struct {
	Action string `json:"action"`
}

// Encode serializes msg to its wire form. playSpeech is always written.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Progress:
		return json.Marshal(progressWire{Action: ActionProgress, Message: m.Stage, PlaySpeech: m.Narrate})
	case *Progress:
		return Encode(*m)
	case Verdict:
		return json.Marshal(verdictWire{
			Action:         ActionVerdict,
			Classification: string(m.Classification.Label),
			Reason:         m.Classification.Reason,
			RedirectInfo:   m.Redirect,
		})
	case *Verdict:
		return Encode(*m)
	case nil:
		return nil, errors.New("protocol: nil message")
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", msg)
	}
}

// Decode parses a wire message. It returns ErrUnknownAction (wrapped) for an
// unrecognised action and a plain error for malformed JSON.
func Decode(data []byte) (Message, error) {
	var head actionOnly
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("protocol: malformed message: %w", err)
	}

	switch head.Action {
	case ActionProgress:
		var w progressWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("protocol: malformed %s: %w", head.Action, err)
		}
		return Progress{Stage: w.Message, Narrate: w.PlaySpeech}, nil
	case ActionVerdict:
		var w verdictWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("protocol: malformed %s: %w", head.Action, err)
		}
		return Verdict{
			Classification: ClassificationResult{Label: Label(w.Classification), Reason: w.Reason},
			Redirect:       w.RedirectInfo,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, head.Action)
	}
}

// DecodeUserAction parses a binding payload sent by a surface.
func DecodeUserAction(payload string) (UserAction, error) {
	var a UserAction
	if err := json.UnmarshalFromString(payload, &a); err != nil {
		return UserAction{}, fmt.Errorf("protocol: malformed user action: %w", err)
	}
	if a.Surface == "" {
		return UserAction{}, errors.New("protocol: user action without surface id")
	}
	return a, nil
}

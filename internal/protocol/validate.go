package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"glasshub/internal/stream"
)

// GlassesMessage is the closed set of messages a glasses client may send.
type GlassesMessage interface {
	glassesMessage()
}

// ConnectionInit is the glasses handshake.
type ConnectionInit struct {
	CoreToken string `json:"coreToken"`
	UserID    string `json:"userId,omitempty"`
}

type StartApp struct {
	PackageName string `json:"packageName"`
}

type StopApp struct {
	PackageName string `json:"packageName"`
}

// VoiceActivity reports whether the user is speaking.
type VoiceActivity struct {
	Speaking bool
}

// GlassesEvent is any sensor or hardware event forwarded to TPAs verbatim.
type GlassesEvent struct {
	Stream stream.Type
	Raw    json.RawMessage
}

func (ConnectionInit) glassesMessage() {}
func (StartApp) glassesMessage()       {}
func (StopApp) glassesMessage()        {}
func (VoiceActivity) glassesMessage()  {}
func (GlassesEvent) glassesMessage()   {}

// TPAMessage is the closed set of messages a TPA may send.
type TPAMessage interface {
	tpaMessage()
	Package() string
}

type TPAConnectionInit struct {
	PackageName string `json:"packageName"`
	SessionID   string `json:"sessionId"`
	APIKey      string `json:"apiKey,omitempty"`
}

type SubscriptionUpdate struct {
	PackageName   string        `json:"packageName"`
	SessionID     string        `json:"sessionId"`
	Subscriptions []stream.Type `json:"subscriptions"`
}

// DisplayRequest asks for content on one view.
type DisplayRequest struct {
	PackageName string          `json:"packageName"`
	SessionID   string          `json:"sessionId"`
	View        string          `json:"view"`
	Layout      json.RawMessage `json:"layout"`
	DurationMs  *int64          `json:"durationMs,omitempty"`
}

// Clears reports whether the request withdraws the app's content from the
// view instead of showing new content. Apps send a null layout for that.
func (d DisplayRequest) Clears() bool {
	return bytes.Equal(bytes.TrimSpace(d.Layout), []byte("null"))
}

// Duration is zero when the request has no expiry.
func (d DisplayRequest) Duration() time.Duration {
	if d.DurationMs == nil || *d.DurationMs <= 0 {
		return 0
	}
	return time.Duration(*d.DurationMs) * time.Millisecond
}

func (TPAConnectionInit) tpaMessage()  {}
func (SubscriptionUpdate) tpaMessage() {}
func (DisplayRequest) tpaMessage()     {}

func (m TPAConnectionInit) Package() string  { return m.PackageName }
func (m SubscriptionUpdate) Package() string { return m.PackageName }
func (m DisplayRequest) Package() string     { return m.PackageName }

// forwardedEvents are the glasses message types broadcast to subscribed TPAs.
var forwardedEvents = map[stream.Type]bool{
	stream.ButtonPress:            true,
	stream.HeadPosition:           true,
	stream.GlassesBattery:         true,
	stream.PhoneBattery:           true,
	stream.GlassesConnectionState: true,
	stream.LocationUpdate:         true,
	stream.PhoneNotification:      true,
	stream.NotificationDismissed:  true,
	stream.OpenDashboard:          true,
	stream.Video:                  true,
	stream.TranscriptionBase:      true,
	stream.TranslationBase:        true,
}

type header struct {
	Type string `json:"type"`
}

func readHeader(raw []byte) (string, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	if h.Type == "" {
		return "", fmt.Errorf("missing 'type' field")
	}
	return h.Type, nil
}

func decodeInto(raw []byte, msgType string, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msgType, err)
	}
	return nil
}

func missing(field, msgType string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// DecodeGlassesMessage parses one text frame from a glasses client.
func DecodeGlassesMessage(raw []byte) (GlassesMessage, error) {
	msgType, err := readHeader(raw)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case TypeConnectionInit:
		var m ConnectionInit
		if err := decodeInto(raw, msgType, &m); err != nil {
			return nil, err
		}
		return m, nil

	case TypeStartApp, TypeStopApp:
		var p StartApp
		if err := decodeInto(raw, msgType, &p); err != nil {
			return nil, err
		}
		if p.PackageName == "" {
			return nil, missing("packageName", msgType)
		}
		if msgType == TypeStopApp {
			return StopApp(p), nil
		}
		return p, nil

	case TypeVAD:
		var p struct {
			Status json.RawMessage `json:"status"`
		}
		if err := decodeInto(raw, msgType, &p); err != nil {
			return nil, err
		}
		if p.Status == nil {
			return nil, missing("status", msgType)
		}
		return VoiceActivity{Speaking: parseFlag(p.Status)}, nil
	}

	if forwardedEvents[stream.Type(msgType)] {
		return GlassesEvent{Stream: stream.Type(msgType), Raw: json.RawMessage(bytes.Clone(raw))}, nil
	}
	return nil, fmt.Errorf("unknown message type: %s", msgType)
}

// parseFlag accepts true or "true"; anything else is false.
func parseFlag(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(s, "true")
	}
	return false
}

// DecodeTPAMessage parses one text frame from a TPA.
func DecodeTPAMessage(raw []byte) (TPAMessage, error) {
	msgType, err := readHeader(raw)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case TypeTPAConnectionInit:
		var m TPAConnectionInit
		if err := decodeInto(raw, msgType, &m); err != nil {
			return nil, err
		}
		if m.PackageName == "" {
			return nil, missing("packageName", msgType)
		}
		if m.SessionID == "" {
			return nil, missing("sessionId", msgType)
		}
		return m, nil

	case TypeSubscriptionUpdate:
		var m SubscriptionUpdate
		if err := decodeInto(raw, msgType, &m); err != nil {
			return nil, err
		}
		if m.PackageName == "" {
			return nil, missing("packageName", msgType)
		}
		return m, nil

	case TypeDisplayEvent:
		var m DisplayRequest
		if err := decodeInto(raw, msgType, &m); err != nil {
			return nil, err
		}
		if m.PackageName == "" {
			return nil, missing("packageName", msgType)
		}
		if len(m.Layout) == 0 {
			return nil, missing("layout", msgType)
		}
		if m.View == "" {
			m.View = ViewMain
		}
		return m, nil
	}

	return nil, fmt.Errorf("unknown message type: %s", msgType)
}

// EffectiveStream resolves the subscription key of a forwarded event. Speech
// payloads carry their languages; everything else keys on the type alone.
func EffectiveStream(ev GlassesEvent) stream.Type {
	switch ev.Stream {
	case stream.TranscriptionBase, stream.TranslationBase:
		var p struct {
			TranscribeLanguage string `json:"transcribeLanguage"`
			TranslateLanguage  string `json:"translateLanguage"`
		}
		_ = json.Unmarshal(ev.Raw, &p)
		return LanguageStream(ev.Stream, p.TranscribeLanguage, p.TranslateLanguage)
	}
	return ev.Stream
}

// LanguageStream builds the language-suffixed key, defaulting missing codes.
func LanguageStream(base stream.Type, source, target string) stream.Type {
	if source == "" {
		source = stream.DefaultLanguage
	}
	if base == stream.TranslationBase {
		if target == "" {
			target = stream.DefaultLanguage
		}
		return stream.Translation(source, target)
	}
	return stream.Transcription(source)
}

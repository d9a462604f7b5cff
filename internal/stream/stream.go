// Package stream names the event categories glasses produce and TPAs subscribe to.
package stream

import (
	"regexp"
	"strings"
)

// Type is a stream identifier. It is either one of the enumerated constants
// below or a language-parameterized form built by Transcription/Translation.
type Type string

const (
	ButtonPress            Type = "button_press"
	HeadPosition           Type = "head_position"
	GlassesBattery         Type = "glasses_battery_update"
	PhoneBattery           Type = "phone_battery_update"
	GlassesConnectionState Type = "glasses_connection_state"
	LocationUpdate         Type = "location_update"
	TranscriptionBase      Type = "transcription"
	TranslationBase        Type = "translation"
	VAD                    Type = "VAD"
	AudioChunk             Type = "audio_chunk"
	PhoneNotification      Type = "phone_notification"
	NotificationDismissed  Type = "notification_dismissed"
	StartApp               Type = "start_app"
	StopApp                Type = "stop_app"
	OpenDashboard          Type = "open_dashboard"
	Video                  Type = "video"
	All                    Type = "all"
	Wildcard               Type = "*"
)

// DefaultLanguage is applied when a TPA asks for bare transcription.
const DefaultLanguage = "en-US"

var known = map[Type]bool{
	ButtonPress:            true,
	HeadPosition:           true,
	GlassesBattery:         true,
	PhoneBattery:           true,
	GlassesConnectionState: true,
	LocationUpdate:         true,
	TranscriptionBase:      true,
	TranslationBase:        true,
	VAD:                    true,
	AudioChunk:             true,
	PhoneNotification:      true,
	NotificationDismissed:  true,
	StartApp:               true,
	StopApp:                true,
	OpenDashboard:          true,
	Video:                  true,
	All:                    true,
	Wildcard:               true,
}

var languageCode = regexp.MustCompile(`^[a-z]{2}-[A-Z]{2}$`)

// Language is the decoded form of a language-parameterized stream.
type Language struct {
	Base   Type
	Source string
	Target string // empty for transcription
}

// String re-encodes the language stream.
func (l Language) String() string {
	if l.Base == TranslationBase {
		return string(l.Base) + ":" + l.Source + "-to-" + l.Target
	}
	return string(l.Base) + ":" + l.Source
}

// ValidLanguageCode reports whether code has the xx-YY shape.
func ValidLanguageCode(code string) bool {
	return languageCode.MatchString(code)
}

// Transcription builds "transcription:<lang>".
func Transcription(lang string) Type {
	return Type(string(TranscriptionBase) + ":" + lang)
}

// Translation builds "translation:<src>-to-<dst>".
func Translation(src, dst string) Type {
	return Type(string(TranslationBase) + ":" + src + "-to-" + dst)
}

// ParseLanguage decodes a language-parameterized identifier. ok is false for
// enumerated streams and for malformed language forms.
func ParseLanguage(t Type) (Language, bool) {
	base, rest, found := strings.Cut(string(t), ":")
	if !found {
		return Language{}, false
	}
	switch Type(base) {
	case TranscriptionBase:
		if !ValidLanguageCode(rest) {
			return Language{}, false
		}
		return Language{Base: TranscriptionBase, Source: rest}, true
	case TranslationBase:
		src, dst, ok := strings.Cut(rest, "-to-")
		if !ok || !ValidLanguageCode(src) || !ValidLanguageCode(dst) {
			return Language{}, false
		}
		return Language{Base: TranslationBase, Source: src, Target: dst}, true
	}
	return Language{}, false
}

// IsLanguage reports whether t is a well-formed language-parameterized stream.
func IsLanguage(t Type) bool {
	_, ok := ParseLanguage(t)
	return ok
}

// Valid reports whether t is an enumerated stream or a well-formed language stream.
func Valid(t Type) bool {
	return known[t] || IsLanguage(t)
}

// Normalize maps a bare transcription request onto the default language.
func Normalize(t Type) Type {
	if t == TranscriptionBase {
		return Transcription(DefaultLanguage)
	}
	return t
}

// IsMedia reports whether a subscription to t requires the microphone.
func IsMedia(t Type) bool {
	switch t {
	case AudioChunk, TranscriptionBase, TranslationBase:
		return true
	}
	return IsLanguage(t)
}

// IsWildcard reports whether t matches every stream.
func IsWildcard(t Type) bool {
	return t == All || t == Wildcard
}

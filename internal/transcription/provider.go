// Package transcription is the seam to the speech recognition engine.
package transcription

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"glasshub/internal/protocol"
	"glasshub/internal/stream"
)

// Sink accepts raw audio for a running recognizer.
type Sink interface {
	WriteAudio(frame []byte) error
}

// EmitFunc hands a recognizer result back to the hub. It is bound to the
// session the recognizer was started for.
type EmitFunc func(ev Event)

// Provider starts and stops recognizers per session. Results for a session
// are delivered through the emit function passed to Start until Stop.
type Provider interface {
	Start(ctx context.Context, sessionID string, languages []stream.Type, emit EmitFunc) (Sink, error)
	Stop(ctx context.Context, sessionID string) error
	UpdateLanguages(ctx context.Context, sessionID string, languages []stream.Type) error
}

// Event is an interim or final result emitted by a provider.
type Event struct {
	Type               stream.Type `json:"type"`
	Text               string      `json:"text"`
	IsFinal            bool        `json:"isFinal"`
	TranscribeLanguage string      `json:"transcribeLanguage"`
	TranslateLanguage  string      `json:"translateLanguage,omitempty"`
	SpeakerID          string      `json:"speakerId,omitempty"`
	StartTime          int64       `json:"startTime,omitempty"`
	EndTime            int64       `json:"endTime,omitempty"`
}

// Stream returns the language-suffixed subscription key of the event.
func (e Event) Stream() stream.Type {
	return protocol.LanguageStream(e.Type, e.TranscribeLanguage, e.TranslateLanguage)
}

// Payload encodes the event for data_stream delivery.
func (e Event) Payload() json.RawMessage {
	data, _ := json.Marshal(e)
	return data
}

// Nop accepts audio and never emits anything.
type Nop struct {
	mu       sync.Mutex
	sessions map[string][]stream.Type
	frames   atomic.Uint64
}

func NewNop() *Nop {
	return &Nop{sessions: make(map[string][]stream.Type)}
}

func (n *Nop) Start(_ context.Context, sessionID string, languages []stream.Type, _ EmitFunc) (Sink, error) {
	n.mu.Lock()
	n.sessions[sessionID] = languages
	n.mu.Unlock()
	return nopSink{n: n}, nil
}

func (n *Nop) Stop(_ context.Context, sessionID string) error {
	n.mu.Lock()
	delete(n.sessions, sessionID)
	n.mu.Unlock()
	return nil
}

func (n *Nop) UpdateLanguages(_ context.Context, sessionID string, languages []stream.Type) error {
	n.mu.Lock()
	if _, ok := n.sessions[sessionID]; ok {
		n.sessions[sessionID] = languages
	}
	n.mu.Unlock()
	return nil
}

// Running reports whether a session has a recognizer.
func (n *Nop) Running(sessionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.sessions[sessionID]
	return ok
}

// Frames returns how many audio frames were written.
func (n *Nop) Frames() uint64 {
	return n.frames.Load()
}

type nopSink struct {
	n *Nop
}

func (s nopSink) WriteAudio([]byte) error {
	s.n.frames.Add(1)
	return nil
}

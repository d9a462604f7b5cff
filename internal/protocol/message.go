package protocol

import (
	"encoding/json"
	"time"

	"glasshub/internal/stream"
)

// Glasses → cloud message types. Sensor events reuse the stream names.
const (
	TypeConnectionInit = "connection_init"
	TypeStartApp       = "start_app"
	TypeStopApp        = "stop_app"
	TypeVAD            = "VAD"
)

// Cloud → glasses message types.
const (
	TypeConnectionAck         = "connection_ack"
	TypeConnectionError       = "connection_error"
	TypeAuthError             = "auth_error"
	TypeDisplayEvent          = "display_event"
	TypeAppStateChange        = "app_state_change"
	TypeMicrophoneStateChange = "microphone_state_change"
)

// TPA → cloud message types. display_event is shared with the glasses direction.
const (
	TypeTPAConnectionInit  = "tpa_connection_init"
	TypeSubscriptionUpdate = "subscription_update"
)

// Cloud → TPA message types.
const (
	TypeTPAConnectionAck   = "tpa_connection_ack"
	TypeTPAConnectionError = "tpa_connection_error"
	TypeAppStopped         = "app_stopped"
	TypeDataStream         = "data_stream"
)

// Error codes.
const (
	ErrInvalidMessage      = "INVALID_MESSAGE"
	ErrAuth                = "AUTH_ERROR"
	ErrAppNotFound         = "APP_NOT_FOUND"
	ErrSessionNotFound     = "SESSION_NOT_FOUND"
	ErrUnauthorizedApp     = "UNAUTHORIZED_APP"
	ErrInvalidSubscription = "INVALID_SUBSCRIPTION"
	ErrNotInitialized      = "NOT_INITIALIZED"
	ErrInternal            = "INTERNAL"
)

// Views.
const (
	ViewMain      = "main"
	ViewDashboard = "dashboard"
)

// GlassesOutbound is the closed set of messages sent to a glasses client.
type GlassesOutbound interface {
	glassesOutbound()
}

// TPAOutbound is the closed set of messages sent to a TPA.
type TPAOutbound interface {
	tpaOutbound()
}

// AppInfo is the directory entry shown to the glasses.
type AppInfo struct {
	PackageName string `json:"packageName"`
	Name        string `json:"name"`
	Category    string `json:"category"`
}

// Snapshot is the serialized summary of a session sent after state changes.
type Snapshot struct {
	SessionID             string                   `json:"sessionId"`
	UserID                string                   `json:"userId"`
	StartTime             time.Time                `json:"startTime"`
	InstalledApps         []AppInfo                `json:"installedApps"`
	AppSubscriptions      map[string][]stream.Type `json:"appSubscriptions"`
	ActiveAppPackageNames []string                 `json:"activeAppPackageNames"`
	LoadingApps           []string                 `json:"loadingApps"`
	BootingApps           []string                 `json:"bootingApps"`
	WhatToStream          []stream.Type            `json:"whatToStream"`
}

// MicrophoneSession is the compact session view carried by microphone updates.
type MicrophoneSession struct {
	SessionID         string    `json:"sessionId"`
	UserID            string    `json:"userId"`
	StartTime         time.Time `json:"startTime"`
	ActiveAppSessions []string  `json:"activeAppSessions"`
	LoadingApps       []string  `json:"loadingApps"`
	IsTranscribing    bool      `json:"isTranscribing"`
}

type ConnectionAck struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"sessionId"`
	UserSession Snapshot  `json:"userSession"`
	Timestamp   time.Time `json:"timestamp"`
}

type ConnectionError struct {
	Type      string    `json:"type"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type AuthError struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type AppStateChange struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"sessionId"`
	UserSession Snapshot  `json:"userSession"`
	Timestamp   time.Time `json:"timestamp"`
}

type MicrophoneStateChange struct {
	Type                string            `json:"type"`
	SessionID           string            `json:"sessionId"`
	UserSession         MicrophoneSession `json:"userSession"`
	IsMicrophoneEnabled bool              `json:"isMicrophoneEnabled"`
	Timestamp           time.Time         `json:"timestamp"`
}

// DisplayEvent renders a layout on one view of the glasses.
type DisplayEvent struct {
	Type        string          `json:"type"`
	View        string          `json:"view"`
	PackageName string          `json:"packageName,omitempty"`
	Layout      json.RawMessage `json:"layout"`
	DurationMs  *int64          `json:"durationMs,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

type TPAConnectionAck struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

type TPAConnectionError struct {
	Type      string    `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type AppStopped struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// DataStream carries one event to a subscribed TPA.
type DataStream struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId"`
	StreamType stream.Type     `json:"streamType"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (ConnectionAck) glassesOutbound()         {}
func (ConnectionError) glassesOutbound()       {}
func (AuthError) glassesOutbound()             {}
func (AppStateChange) glassesOutbound()        {}
func (MicrophoneStateChange) glassesOutbound() {}
func (DisplayEvent) glassesOutbound()          {}

func (TPAConnectionAck) tpaOutbound()   {}
func (TPAConnectionError) tpaOutbound() {}
func (AppStopped) tpaOutbound()         {}
func (DataStream) tpaOutbound()         {}

func now() time.Time { return time.Now().UTC() }

func NewConnectionAck(snap Snapshot) ConnectionAck {
	return ConnectionAck{Type: TypeConnectionAck, SessionID: snap.SessionID, UserSession: snap, Timestamp: now()}
}

func NewConnectionError(code, message string) ConnectionError {
	return ConnectionError{Type: TypeConnectionError, Code: code, Message: message, Timestamp: now()}
}

func NewAuthError(message string) AuthError {
	return AuthError{Type: TypeAuthError, Message: message, Timestamp: now()}
}

func NewAppStateChange(snap Snapshot) AppStateChange {
	return AppStateChange{Type: TypeAppStateChange, SessionID: snap.SessionID, UserSession: snap, Timestamp: now()}
}

func NewMicrophoneStateChange(sess MicrophoneSession, enabled bool) MicrophoneStateChange {
	return MicrophoneStateChange{
		Type:                TypeMicrophoneStateChange,
		SessionID:           sess.SessionID,
		UserSession:         sess,
		IsMicrophoneEnabled: enabled,
		Timestamp:           now(),
	}
}

// NewDisplayEvent builds a render instruction. A zero duration means no expiry.
func NewDisplayEvent(view, packageName string, layout json.RawMessage, duration time.Duration) DisplayEvent {
	ev := DisplayEvent{Type: TypeDisplayEvent, View: view, PackageName: packageName, Layout: layout, Timestamp: now()}
	if duration > 0 {
		ms := duration.Milliseconds()
		ev.DurationMs = &ms
	}
	return ev
}

func NewTPAConnectionAck(tpaSessionID string) TPAConnectionAck {
	return TPAConnectionAck{Type: TypeTPAConnectionAck, SessionID: tpaSessionID, Timestamp: now()}
}

func NewTPAConnectionError(code, message string) TPAConnectionError {
	return TPAConnectionError{Type: TypeTPAConnectionError, Code: code, Message: message, Timestamp: now()}
}

func NewAppStopped(tpaSessionID, reason string) AppStopped {
	return AppStopped{Type: TypeAppStopped, SessionID: tpaSessionID, Reason: reason, Timestamp: now()}
}

func NewDataStream(tpaSessionID string, t stream.Type, data json.RawMessage) DataStream {
	return DataStream{Type: TypeDataStream, SessionID: tpaSessionID, StreamType: t, Data: data, Timestamp: now()}
}

// Layouts.

const (
	LayoutTextWall      = "text_wall"
	LayoutReferenceCard = "reference_card"
)

type TextWall struct {
	LayoutType string `json:"layoutType"`
	Text       string `json:"text"`
}

type ReferenceCard struct {
	LayoutType string `json:"layoutType"`
	Title      string `json:"title"`
	Text       string `json:"text"`
}

// EmptyLayout clears a view.
func EmptyLayout() json.RawMessage {
	data, _ := json.Marshal(TextWall{LayoutType: LayoutTextWall})
	return data
}

// ReferenceCardLayout encodes a titled card.
func ReferenceCardLayout(title, text string) json.RawMessage {
	data, _ := json.Marshal(ReferenceCard{LayoutType: LayoutReferenceCard, Title: title, Text: text})
	return data
}

// TPASessionID joins a user session id and a package name.
func TPASessionID(sessionID, packageName string) string {
	return sessionID + "-" + packageName
}

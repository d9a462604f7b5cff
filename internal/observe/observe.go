// Package observe defines the telemetry hooks the core calls at fixed points.
package observe

import (
	"net/http"

	"glasshub/internal/stream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Source names the side a message came from.
type Source string

const (
	SourceGlasses Source = "glasses"
	SourceTPA     Source = "tpa"
)

// App start outcomes.
const (
	OutcomeStarted  = "started"
	OutcomeNoop     = "noop"
	OutcomeFailed   = "failed"
	OutcomeTimedOut = "timed_out"
)

// Observer receives core events. Implementations must not block.
type Observer interface {
	SessionOpened()
	SessionClosed()
	MessageReceived(src Source, msgType string)
	AppStart(packageName, outcome string)
	AppStop(packageName string)
	WebhookFailed(packageName string)
	Broadcast(t stream.Type, recipients int)
	AudioFrame(forwarded bool)
	AudioDropped()
}

// Nop discards everything.
type Nop struct{}

func (Nop) SessionOpened()                 {}
func (Nop) SessionClosed()                 {}
func (Nop) MessageReceived(Source, string) {}
func (Nop) AppStart(string, string)        {}
func (Nop) AppStop(string)                 {}
func (Nop) WebhookFailed(string)           {}
func (Nop) Broadcast(stream.Type, int)     {}
func (Nop) AudioFrame(bool)                {}
func (Nop) AudioDropped()                  {}

// Multi fans every call out to each observer in order.
type Multi []Observer

func (m Multi) SessionOpened() {
	for _, o := range m {
		o.SessionOpened()
	}
}

func (m Multi) SessionClosed() {
	for _, o := range m {
		o.SessionClosed()
	}
}

func (m Multi) MessageReceived(src Source, msgType string) {
	for _, o := range m {
		o.MessageReceived(src, msgType)
	}
}

func (m Multi) AppStart(packageName, outcome string) {
	for _, o := range m {
		o.AppStart(packageName, outcome)
	}
}

func (m Multi) AppStop(packageName string) {
	for _, o := range m {
		o.AppStop(packageName)
	}
}

func (m Multi) WebhookFailed(packageName string) {
	for _, o := range m {
		o.WebhookFailed(packageName)
	}
}

func (m Multi) Broadcast(t stream.Type, recipients int) {
	for _, o := range m {
		o.Broadcast(t, recipients)
	}
}

func (m Multi) AudioFrame(forwarded bool) {
	for _, o := range m {
		o.AudioFrame(forwarded)
	}
}

func (m Multi) AudioDropped() {
	for _, o := range m {
		o.AudioDropped()
	}
}

// Log records the events worth a log line and ignores the rest.
type Log struct {
	Nop
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("observe")}
}

func (l *Log) AppStart(packageName, outcome string) {
	switch outcome {
	case OutcomeFailed, OutcomeTimedOut:
		l.logger.Info("app start unsuccessful", zap.String("package", packageName), zap.String("outcome", outcome))
	}
}

func (l *Log) WebhookFailed(packageName string) {
	l.logger.Warn("webhook gave up", zap.String("package", packageName))
}

func (l *Log) AudioDropped() {
	l.logger.Debug("audio frame dropped")
}

// Prometheus exports core events as metrics.
type Prometheus struct {
	gatherer prometheus.Gatherer

	sessions   prometheus.Gauge
	messages   *prometheus.CounterVec
	appStarts  *prometheus.CounterVec
	appStops   *prometheus.CounterVec
	webhooks   *prometheus.CounterVec
	broadcasts *prometheus.CounterVec
	audio      *prometheus.CounterVec
	dropped    prometheus.Counter
}

// NewPrometheus registers the collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		gatherer: reg,
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "glasshub",
			Name:      "glasses_sessions",
			Help:      "Connected glasses transports.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "glasshub",
			Name:      "messages_received_total",
			Help:      "Inbound messages by source and type.",
		}, []string{"source", "type"}),
		appStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "glasshub",
			Name:      "app_starts_total",
			Help:      "App start attempts by outcome.",
		}, []string{"package", "outcome"}),
		appStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "glasshub",
			Name:      "app_stops_total",
			Help:      "App stops.",
		}, []string{"package"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "glasshub",
			Name:      "webhook_failures_total",
			Help:      "Webhooks that failed after every retry.",
		}, []string{"package"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "glasshub",
			Name:      "broadcast_deliveries_total",
			Help:      "Events delivered to TPAs by stream.",
		}, []string{"stream"}),
		audio: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "glasshub",
			Name:      "audio_frames_total",
			Help:      "Audio frames by whether a recognizer took them.",
		}, []string{"path"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "glasshub",
			Name:      "audio_frames_dropped_total",
			Help:      "Buffered audio frames lost to overflow.",
		}),
	}
	reg.MustRegister(p.sessions, p.messages, p.appStarts, p.appStops, p.webhooks, p.broadcasts, p.audio, p.dropped)
	return p
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

func (p *Prometheus) SessionOpened() { p.sessions.Inc() }
func (p *Prometheus) SessionClosed() { p.sessions.Dec() }

func (p *Prometheus) MessageReceived(src Source, msgType string) {
	p.messages.WithLabelValues(string(src), msgType).Inc()
}

func (p *Prometheus) AppStart(packageName, outcome string) {
	p.appStarts.WithLabelValues(packageName, outcome).Inc()
}

func (p *Prometheus) AppStop(packageName string) {
	p.appStops.WithLabelValues(packageName).Inc()
}

func (p *Prometheus) WebhookFailed(packageName string) {
	p.webhooks.WithLabelValues(packageName).Inc()
}

func (p *Prometheus) Broadcast(t stream.Type, recipients int) {
	if recipients > 0 {
		p.broadcasts.WithLabelValues(string(t)).Add(float64(recipients))
	}
}

func (p *Prometheus) AudioFrame(forwarded bool) {
	path := "buffered"
	if forwarded {
		path = "forwarded"
	}
	p.audio.WithLabelValues(path).Inc()
}

func (p *Prometheus) AudioDropped() { p.dropped.Inc() }

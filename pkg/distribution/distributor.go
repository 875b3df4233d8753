// Package distribution fans aligned events out to transport-bound sinks.
// A session bundles distributors with an event-routing table; the manager
// owns sessions and their lifecycle.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownKind is returned for a distributor kind outside the
	// sealed set.
	ErrUnknownKind = errors.New("unknown distributor kind")

	// ErrOversizePayload is returned when a payload exceeds the
	// transport's frame limit.
	ErrOversizePayload = errors.New("payload exceeds transport frame limit")

	// ErrClosed is returned by Send on a closed distributor.
	ErrClosed = errors.New("distributor closed")
)

// Kind identifies a distributor transport.
type Kind string

// The sealed set of distributor kinds.
const (
	KindUDP       Kind = "udp"
	KindWebSocket Kind = "websocket"
	KindMQTT      Kind = "mqtt"
	KindHTTP      Kind = "http"
)

// Valid reports whether k names a supported transport.
func (k Kind) Valid() bool {
	switch k {
	case KindUDP, KindWebSocket, KindMQTT, KindHTTP:
		return true
	default:
		return false
	}
}

// State is the distributor lifecycle state.
type State string

// Distributor lifecycle states. Degraded is entered after repeated
// transient send failures and left on the next success.
const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// DropPolicy selects which end of a saturated outbound queue loses events.
type DropPolicy string

// Queue overflow policies. Head-drop keeps live streams fresh by shedding
// the oldest events; tail-drop preserves history and sheds arrivals.
const (
	DropHead DropPolicy = "head"
	DropTail DropPolicy = "tail"
)

// SendOptions tunes one transmission.
type SendOptions struct {
	// Compress requests transport-level compression where supported.
	Compress bool
	// Priority is advisory; transports may ignore it.
	Priority int
}

// SendResult reports the outcome of one transmission.
type SendResult struct {
	BytesSent      int `json:"bytes_sent"`
	ClientsReached int `json:"clients_reached"`
}

// Stats is the per-distributor transmission counter snapshot.
type Stats struct {
	Sent     uint64    `json:"sent"`
	Bytes    uint64    `json:"bytes"`
	Errors   uint64    `json:"errors"`
	Dropped  uint64    `json:"dropped"`
	LastSend time.Time `json:"last_send,omitzero"`
}

// Distributor is a transport-bound outbound sink. Implementations are
// synchronous; queueing and backpressure live in the session layer.
type Distributor interface {
	Name() string
	Kind() Kind

	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// Send ships one framed event payload. The event kind selects
	// kind-specific addressing (MQTT topic, HTTP path).
	Send(eventKind string, payload []byte, opts SendOptions) (SendResult, error)
}

// Filter optionally thins the event flow toward one distributor.
type Filter struct {
	// MaxRateHz caps the delivered event rate; zero disables the cap.
	MaxRateHz float64 `json:"max_rate_hz,omitempty" mapstructure:"max_rate_hz"`
	// MinConfidence drops events whose confidence field is below the
	// threshold; zero disables.
	MinConfidence float64 `json:"min_confidence,omitempty" mapstructure:"min_confidence"`
	// Fields projects the payload to the named top-level fields; empty
	// keeps everything.
	Fields []string `json:"fields,omitempty" mapstructure:"fields"`
}

// Config describes one distributor within a session.
type Config struct {
	Name string `json:"name" mapstructure:"name"`
	Kind Kind   `json:"kind" mapstructure:"kind"`

	// UDP destination.
	Host string `json:"host,omitempty" mapstructure:"host"`
	Port int    `json:"port,omitempty" mapstructure:"port"`

	// MQTT destination.
	BrokerURL   string            `json:"broker_url,omitempty" mapstructure:"broker_url"`
	ClientID    string            `json:"client_id,omitempty" mapstructure:"client_id"`
	TopicPrefix string            `json:"topic_prefix,omitempty" mapstructure:"topic_prefix"`
	Topics      map[string]string `json:"topics,omitempty" mapstructure:"topics"`
	QoS         byte              `json:"qos,omitempty" mapstructure:"qos"`
	Retain      bool              `json:"retain,omitempty" mapstructure:"retain"`

	// WebSocket server listen address and upgrade path.
	ListenAddr  string `json:"listen_addr,omitempty" mapstructure:"listen_addr"`
	Path        string `json:"path,omitempty" mapstructure:"path"`
	Compression bool   `json:"compression,omitempty" mapstructure:"compression"`

	// HTTP destination.
	BaseURL    string            `json:"base_url,omitempty" mapstructure:"base_url"`
	PathByKind map[string]string `json:"path_by_kind,omitempty" mapstructure:"path_by_kind"`
	Headers    map[string]string `json:"headers,omitempty" mapstructure:"headers"`

	// Outbound queue tuning.
	QueueDepth int        `json:"queue_depth,omitempty" mapstructure:"queue_depth"`
	DropPolicy DropPolicy `json:"drop_policy,omitempty" mapstructure:"drop_policy"`

	// DegradedThreshold is the consecutive-failure count that flips the
	// distributor to degraded. Zero uses the default.
	DegradedThreshold int `json:"degraded_threshold,omitempty" mapstructure:"degraded_threshold"`

	Filter *Filter `json:"filter,omitempty" mapstructure:"filter"`
}

// Validate checks the kind-specific destination fields.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("distributor name is required")
	}

	switch c.Kind {
	case KindUDP:
		if c.Host == "" || c.Port <= 0 {
			return fmt.Errorf("udp distributor %s: host and port are required", c.Name)
		}
	case KindMQTT:
		if c.BrokerURL == "" {
			return fmt.Errorf("mqtt distributor %s: broker_url is required", c.Name)
		}
	case KindWebSocket:
		if c.ListenAddr == "" {
			return fmt.Errorf("websocket distributor %s: listen_addr is required", c.Name)
		}
	case KindHTTP:
		if c.BaseURL == "" {
			return fmt.Errorf("http distributor %s: base_url is required", c.Name)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}

	return nil
}

package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrUnknownEventKind is returned when an event kind has no routing
	// entry. Unknown kinds are validation errors, not silent drops.
	ErrUnknownEventKind = errors.New("event kind not in routing table")

	// ErrUnknownDistributor is returned for operations on a distributor
	// name outside the session.
	ErrUnknownDistributor = errors.New("unknown distributor")

	// ErrRoutingTarget is returned at session creation when a routing
	// entry names a distributor the session does not contain.
	ErrRoutingTarget = errors.New("routing target is not a session distributor")
)

// Queue and degradation defaults.
const (
	DefaultQueueDepth        = 512
	DefaultDegradedThreshold = 5
)

// Envelope is the uniform wire frame for distributed events.
type Envelope struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// queuedEvent is one pending transmission.
type queuedEvent struct {
	kind    string
	payload []byte
}

// StateChange describes a distributor lifecycle transition, delivered to
// the manager's observer.
type StateChange struct {
	SessionID   string `json:"session_id"`
	Distributor string `json:"distributor"`
	OldState    State  `json:"old_state"`
	NewState    State  `json:"new_state"`
}

// instance wraps a distributor with its bounded outbound queue, drop
// policy, filter, and degradation tracking. One worker goroutine drains
// the queue so per-distributor delivery order matches routing order.
type instance struct {
	mu          sync.Mutex
	cfg         Config
	dist        Distributor
	state       State
	enabled     bool
	stats       Stats
	consecutive int
	lastSend    time.Time

	queue  chan queuedEvent
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger

	onState func(name string, old, new State)
}

func newInstance(cfg Config, dist Distributor, logger *slog.Logger, onState func(string, State, State)) *instance {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}

	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropHead
	}

	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = DefaultDegradedThreshold
	}

	return &instance{
		cfg:     cfg,
		dist:    dist,
		state:   StateIdle,
		enabled: true,
		queue:   make(chan queuedEvent, depth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
		onState: onState,
	}
}

func (in *instance) start() {
	in.setState(StateActive)

	go in.run()
}

func (in *instance) run() {
	defer close(in.done)

	for {
		select {
		case <-in.stop:
			return
		case item := <-in.queue:
			in.deliver(item)
		}
	}
}

// enqueue applies the filter and drop policy. It never blocks the caller.
func (in *instance) enqueue(item queuedEvent, confidence float64) {
	in.mu.Lock()

	if !in.enabled {
		in.stats.Dropped++
		in.mu.Unlock()

		return
	}

	if !in.passesFilter(confidence) {
		in.stats.Dropped++
		in.mu.Unlock()

		return
	}

	in.lastSend = time.Now()
	policy := in.cfg.DropPolicy
	in.mu.Unlock()

	select {
	case in.queue <- item:
		return
	default:
	}

	if policy == DropTail {
		in.countDrop()

		return
	}

	// Head drop: shed the oldest queued event to admit the newest.
	select {
	case <-in.queue:
		in.countDrop()
	default:
	}

	select {
	case in.queue <- item:
	default:
		in.countDrop()
	}
}

// passesFilter is called with in.mu held.
func (in *instance) passesFilter(confidence float64) bool {
	filter := in.cfg.Filter
	if filter == nil {
		return true
	}

	if filter.MinConfidence > 0 && confidence >= 0 && confidence < filter.MinConfidence {
		return false
	}

	if filter.MaxRateHz > 0 && !in.lastSend.IsZero() {
		minGap := time.Duration(float64(time.Second) / filter.MaxRateHz)
		if time.Since(in.lastSend) < minGap {
			return false
		}
	}

	return true
}

func (in *instance) countDrop() {
	in.mu.Lock()
	in.stats.Dropped++
	in.mu.Unlock()
}

func (in *instance) deliver(item queuedEvent) {
	in.mu.Lock()
	dist := in.dist
	in.mu.Unlock()

	result, err := dist.Send(item.kind, item.payload, SendOptions{})

	in.mu.Lock()

	if err != nil {
		in.stats.Errors++
		in.consecutive++

		degrade := in.consecutive >= in.cfg.DegradedThreshold && in.state != StateDegraded
		in.mu.Unlock()

		if degrade {
			in.setState(StateDegraded)
		}

		in.logger.Warn("distributor send failed",
			"distributor", dist.Name(), "kind", item.kind, "error", err)

		return
	}

	in.stats.Sent++
	in.stats.Bytes += uint64(result.BytesSent)
	in.stats.LastSend = time.Now()
	in.consecutive = 0

	recover := in.state == StateDegraded
	in.mu.Unlock()

	if recover {
		in.setState(StateActive)
	}
}

func (in *instance) setState(next State) {
	in.mu.Lock()
	prev := in.state
	in.state = next
	in.mu.Unlock()

	if prev != next && in.onState != nil {
		in.onState(in.cfg.Name, prev, next)
	}
}

func (in *instance) setEnabled(enabled bool) {
	in.mu.Lock()
	in.enabled = enabled
	in.mu.Unlock()
}

func (in *instance) snapshot() DistributorStatus {
	in.mu.Lock()
	defer in.mu.Unlock()

	return DistributorStatus{
		Name:    in.cfg.Name,
		Kind:    in.cfg.Kind,
		State:   in.state,
		Enabled: in.enabled,
		Stats:   in.stats,
		Queued:  len(in.queue),
	}
}

// drainAndStop waits for the queue to empty up to the grace period, then
// stops the worker and closes the transport.
func (in *instance) drainAndStop(ctx context.Context, grace time.Duration) error {
	deadline := time.Now().Add(grace)

	for len(in.queue) > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(in.stop)
	<-in.done

	in.setState(StateStopped)

	err := in.dist.Close(ctx)
	if err != nil {
		return fmt.Errorf("close distributor %s: %w", in.cfg.Name, err)
	}

	return nil
}

// DistributorStatus is the observable snapshot of one distributor.
type DistributorStatus struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	State   State  `json:"state"`
	Enabled bool   `json:"enabled"`
	Stats   Stats  `json:"stats"`
	Queued  int    `json:"queued"`
}

// SessionConfig describes a distribution session: its distributors and the
// event-kind routing table.
type SessionConfig struct {
	Distributors []Config            `json:"distributors" mapstructure:"distributors"`
	EventRouting map[string][]string `json:"event_routing" mapstructure:"event_routing"`
}

// Validate checks distributor configs and the routing invariant: every
// routing target names a distributor in this session.
func (c SessionConfig) Validate() error {
	if len(c.Distributors) == 0 {
		return errors.New("session requires at least one distributor")
	}

	names := make(map[string]struct{}, len(c.Distributors))

	for _, dc := range c.Distributors {
		err := dc.Validate()
		if err != nil {
			return err
		}

		if _, dup := names[dc.Name]; dup {
			return fmt.Errorf("duplicate distributor name %q", dc.Name)
		}

		names[dc.Name] = struct{}{}
	}

	for kind, targets := range c.EventRouting {
		for _, target := range targets {
			if _, ok := names[target]; !ok {
				return fmt.Errorf("%w: %s -> %s", ErrRoutingTarget, kind, target)
			}
		}
	}

	return nil
}

// SessionStatus aggregates per-distributor stats for one session.
type SessionStatus struct {
	ID           string              `json:"id"`
	CreatedAt    time.Time           `json:"created_at"`
	Routed       uint64              `json:"routed"`
	Unroutable   uint64              `json:"unroutable"`
	Distributors []DistributorStatus `json:"distributors"`
	EventRouting map[string][]string `json:"event_routing"`
}

// Session is a named bundle of distributor instances plus routing. Each
// session has its own lock; cross-session operations never contend.
type Session struct {
	id      string
	created time.Time
	logger  *slog.Logger

	mu         sync.Mutex
	instances  map[string]*instance
	routing    map[string][]string
	routed     uint64
	unroutable uint64
	taps       []func(eventKind string, payload any)
}

// Tap registers an observer invoked for every successfully routed event,
// before per-distributor filtering. Recorders attach here. Taps must not
// block.
func (s *Session) Tap(fn func(eventKind string, payload any)) {
	s.mu.Lock()
	s.taps = append(s.taps, fn)
	s.mu.Unlock()
}

// RouteEvent encodes the payload in the standard envelope and enqueues it
// for every distributor routed for the event kind. Delivery is best-effort
// and never blocks the caller.
func (s *Session) RouteEvent(eventKind string, payload any) error {
	s.mu.Lock()
	targets, ok := s.routing[eventKind]
	if !ok {
		s.unroutable++
		s.mu.Unlock()

		return fmt.Errorf("%w: %q", ErrUnknownEventKind, eventKind)
	}

	instances := make([]*instance, 0, len(targets))
	for _, name := range targets {
		if in, exists := s.instances[name]; exists {
			instances = append(instances, in)
		}
	}

	s.routed++
	taps := s.taps
	s.mu.Unlock()

	for _, tap := range taps {
		tap(eventKind, payload)
	}

	confidence := extractConfidence(payload)

	for _, in := range instances {
		body, err := encodeEnvelope(eventKind, payload, in.cfg.Filter)
		if err != nil {
			s.logger.Warn("event encode failed", "session", s.id, "kind", eventKind, "error", err)

			continue
		}

		in.enqueue(queuedEvent{kind: eventKind, payload: body}, confidence)
	}

	return nil
}

// hasRoute reports whether the session routes an event kind.
func (s *Session) hasRoute(eventKind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.routing[eventKind]

	return ok
}

// Routing returns a copy of the routing table.
func (s *Session) Routing() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]string, len(s.routing))
	for kind, targets := range s.routing {
		out[kind] = append([]string(nil), targets...)
	}

	return out
}

// Status aggregates the session's distributor snapshots.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SessionStatus{
		ID:           s.id,
		CreatedAt:    s.created,
		Routed:       s.routed,
		Unroutable:   s.unroutable,
		EventRouting: make(map[string][]string, len(s.routing)),
	}

	for kind, targets := range s.routing {
		status.EventRouting[kind] = append([]string(nil), targets...)
	}

	for _, in := range s.instances {
		status.Distributors = append(status.Distributors, in.snapshot())
	}

	return status
}

// encodeEnvelope frames the payload, applying field projection when the
// filter requests it.
func encodeEnvelope(eventKind string, payload any, filter *Filter) ([]byte, error) {
	data := payload

	if filter != nil && len(filter.Fields) > 0 {
		data = projectFields(payload, filter.Fields)
	}

	body, err := json.Marshal(Envelope{
		Event:     eventKind,
		Timestamp: time.Now().UnixMicro(),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	return body, nil
}

// projectFields keeps only the named top-level fields of a map payload.
// Non-map payloads pass through untouched.
func projectFields(payload any, fields []string) any {
	m, ok := payload.(map[string]any)
	if !ok {
		return payload
	}

	out := make(map[string]any, len(fields))

	for _, field := range fields {
		if v, exists := m[field]; exists {
			out[field] = v
		}
	}

	return out
}

// extractConfidence pulls a confidence field out of map payloads for
// filter evaluation. Returns -1 when absent.
func extractConfidence(payload any) float64 {
	m, ok := payload.(map[string]any)
	if !ok {
		return -1
	}

	switch v := m["confidence"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return -1
	}
}

package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrSessionExists is returned by CreateSession for a duplicate id.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned for operations on an unknown
	// session id.
	ErrSessionNotFound = errors.New("session not found")
)

// DefaultDrainGrace bounds queue draining when a session ends.
const DefaultDrainGrace = 2 * time.Second

// Factory builds a distributor from its config. The manager's default
// covers the four wire transports; tests inject fakes.
type Factory func(cfg Config, logger *slog.Logger) (Distributor, error)

func defaultFactory(cfg Config, logger *slog.Logger) (Distributor, error) {
	switch cfg.Kind {
	case KindUDP:
		return newUDPDistributor(cfg), nil
	case KindWebSocket:
		return newWSDistributor(cfg, logger), nil
	case KindMQTT:
		return newMQTTDistributor(cfg), nil
	case KindHTTP:
		return newHTTPDistributor(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// ManagerOption customizes manager construction.
type ManagerOption func(*Manager)

// WithFactory replaces the transport factory.
func WithFactory(factory Factory) ManagerOption {
	return func(m *Manager) { m.factory = factory }
}

// WithObserver registers a distributor state-change observer. The observer
// must not block.
func WithObserver(fn func(StateChange)) ManagerOption {
	return func(m *Manager) { m.observer = fn }
}

// Manager owns all distribution sessions.
type Manager struct {
	logger   *slog.Logger
	factory  Factory
	observer func(StateChange)

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. A nil logger disables logging.
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		logger:   logger,
		factory:  defaultFactory,
		sessions: make(map[string]*Session),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// CreateSession validates the config, instantiates and opens every
// distributor, and registers the session. Creation is atomic: any open
// failure tears down the distributors already opened and leaves no state
// behind.
func (m *Manager) CreateSession(ctx context.Context, id string, cfg SessionConfig) (*Session, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validate session %s: %w", id, err)
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	m.mu.Unlock()

	session := &Session{
		id:        id,
		created:   time.Now(),
		logger:    m.logger,
		instances: make(map[string]*instance, len(cfg.Distributors)),
		routing:   cfg.EventRouting,
	}

	if session.routing == nil {
		session.routing = make(map[string][]string)
	}

	var opened []*instance

	for _, dc := range cfg.Distributors {
		dist, buildErr := m.factory(dc, m.logger)
		if buildErr != nil {
			m.teardown(ctx, opened)

			return nil, fmt.Errorf("build distributor %s: %w", dc.Name, buildErr)
		}

		in := newInstance(dc, dist, m.logger, m.stateObserver(id))

		in.setState(StateStarting)

		openErr := dist.Open(ctx)
		if openErr != nil {
			m.teardown(ctx, opened)

			return nil, fmt.Errorf("open distributor %s: %w", dc.Name, openErr)
		}

		in.start()
		opened = append(opened, in)
		session.instances[dc.Name] = in
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		m.teardown(ctx, opened)

		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	m.sessions[id] = session
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "distribution session created",
		"session", id, "distributors", len(cfg.Distributors))

	return session, nil
}

func (m *Manager) stateObserver(sessionID string) func(string, State, State) {
	return func(name string, old, next State) {
		if m.observer == nil {
			return
		}

		m.observer(StateChange{
			SessionID:   sessionID,
			Distributor: name,
			OldState:    old,
			NewState:    next,
		})
	}
}

func (m *Manager) teardown(ctx context.Context, opened []*instance) {
	for _, in := range opened {
		err := in.drainAndStop(ctx, 0)
		if err != nil {
			m.logger.Warn("teardown distributor failed", "distributor", in.cfg.Name, "error", err)
		}
	}
}

// Session returns the session for an id.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	return session, nil
}

// SessionIDs lists the active session ids.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}

	return ids
}

// RouteEvent routes one event through a session's routing table.
func (m *Manager) RouteEvent(sessionID, eventKind string, payload any) error {
	session, err := m.Session(sessionID)
	if err != nil {
		return err
	}

	return session.RouteEvent(eventKind, payload)
}

// Broadcast routes one event through every session whose routing table
// carries the event kind. Sessions without a matching entry are skipped
// silently; Broadcast is the fan-in point for synchronized tuples.
func (m *Manager) Broadcast(eventKind string, payload any) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	for _, session := range sessions {
		if !session.hasRoute(eventKind) {
			continue
		}

		err := session.RouteEvent(eventKind, payload)
		if err != nil {
			m.logger.Warn("broadcast route failed",
				"session", session.id, "kind", eventKind, "error", err)
		}
	}
}

// ReconfigureDistributor applies a partial config in place: the transport
// is rebuilt and reopened while queued events are retained up to the queue
// bound.
func (m *Manager) ReconfigureDistributor(ctx context.Context, sessionID, name string, partial Config) error {
	session, err := m.Session(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	in, ok := session.instances[name]
	session.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s in session %s", ErrUnknownDistributor, name, sessionID)
	}

	in.mu.Lock()
	merged := mergeConfig(in.cfg, partial)
	old := in.dist
	in.mu.Unlock()

	validateErr := merged.Validate()
	if validateErr != nil {
		return fmt.Errorf("reconfigure %s: %w", name, validateErr)
	}

	next, buildErr := m.factory(merged, m.logger)
	if buildErr != nil {
		return fmt.Errorf("reconfigure %s: %w", name, buildErr)
	}

	openErr := next.Open(ctx)
	if openErr != nil {
		return fmt.Errorf("reconfigure %s: reopen: %w", name, openErr)
	}

	in.mu.Lock()
	in.cfg = merged
	in.dist = next
	in.consecutive = 0
	in.mu.Unlock()

	closeErr := old.Close(ctx)
	if closeErr != nil {
		m.logger.Warn("close replaced transport failed", "distributor", name, "error", closeErr)
	}

	m.logger.InfoContext(ctx, "distributor reconfigured", "session", sessionID, "distributor", name)

	return nil
}

// EnableDistributor resumes event intake for a distributor.
func (m *Manager) EnableDistributor(sessionID, name string) error {
	return m.setDistributorEnabled(sessionID, name, true)
}

// DisableDistributor pauses event intake without destroying configuration.
func (m *Manager) DisableDistributor(sessionID, name string) error {
	return m.setDistributorEnabled(sessionID, name, false)
}

func (m *Manager) setDistributorEnabled(sessionID, name string, enabled bool) error {
	session, err := m.Session(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	in, ok := session.instances[name]
	session.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s in session %s", ErrUnknownDistributor, name, sessionID)
	}

	in.setEnabled(enabled)

	return nil
}

// EndSession drains queues up to the grace period, stops all distributors,
// and removes the session.
func (m *Manager) EndSession(ctx context.Context, id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	delete(m.sessions, id)
	m.mu.Unlock()

	session.mu.Lock()
	instances := make([]*instance, 0, len(session.instances))
	for _, in := range session.instances {
		instances = append(instances, in)
	}
	session.mu.Unlock()

	var merr *multierror.Error

	for _, in := range instances {
		err := in.drainAndStop(ctx, DefaultDrainGrace)
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	m.logger.InfoContext(ctx, "distribution session ended", "session", id)

	if err := merr.ErrorOrNil(); err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}

	return nil
}

// SessionStatus aggregates per-distributor stats for a session.
func (m *Manager) SessionStatus(id string) (SessionStatus, error) {
	session, err := m.Session(id)
	if err != nil {
		return SessionStatus{}, err
	}

	return session.Status(), nil
}

// Shutdown ends every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	var merr *multierror.Error

	for _, id := range m.SessionIDs() {
		err := m.EndSession(ctx, id)
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		return fmt.Errorf("shutdown distribution: %w", err)
	}

	return nil
}

// mergeConfig overlays the non-zero fields of partial onto base.
func mergeConfig(base, partial Config) Config {
	merged := base

	if partial.Kind != "" {
		merged.Kind = partial.Kind
	}

	if partial.Host != "" {
		merged.Host = partial.Host
	}

	if partial.Port > 0 {
		merged.Port = partial.Port
	}

	if partial.BrokerURL != "" {
		merged.BrokerURL = partial.BrokerURL
	}

	if partial.ClientID != "" {
		merged.ClientID = partial.ClientID
	}

	if partial.TopicPrefix != "" {
		merged.TopicPrefix = partial.TopicPrefix
	}

	if partial.Topics != nil {
		merged.Topics = partial.Topics
	}

	if partial.ListenAddr != "" {
		merged.ListenAddr = partial.ListenAddr
	}

	if partial.Path != "" {
		merged.Path = partial.Path
	}

	if partial.BaseURL != "" {
		merged.BaseURL = partial.BaseURL
	}

	if partial.PathByKind != nil {
		merged.PathByKind = partial.PathByKind
	}

	if partial.Headers != nil {
		merged.Headers = partial.Headers
	}

	if partial.QueueDepth > 0 {
		merged.QueueDepth = partial.QueueDepth
	}

	if partial.DropPolicy != "" {
		merged.DropPolicy = partial.DropPolicy
	}

	if partial.DegradedThreshold > 0 {
		merged.DegradedThreshold = partial.DegradedThreshold
	}

	if partial.Filter != nil {
		merged.Filter = partial.Filter
	}

	return merged
}

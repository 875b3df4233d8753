package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synopticon/synopticon/pkg/distribution"
	"github.com/synopticon/synopticon/pkg/observability"
	"github.com/synopticon/synopticon/pkg/recording"
)

// StreamRequest is the creation body for one distribution stream. The
// destination carries transport-specific fields; its kind is taken from
// Type.
type StreamRequest struct {
	Type        string               `json:"type"`
	Source      string               `json:"source"`
	Destination distribution.Config  `json:"destination"`
	ClientID    string               `json:"client_id,omitempty"`
	Filter      *distribution.Filter `json:"filter,omitempty"`
}

// Stream is the public view of one distribution stream. Each stream is
// backed by a single-distributor session routing one event kind.
type Stream struct {
	ID        string            `json:"id"`
	Type      distribution.Kind `json:"type"`
	Source    string            `json:"source"`
	ClientID  string            `json:"client_id,omitempty"`
	SessionID string            `json:"session_id"`
	CreatedAt time.Time         `json:"created_at"`
	Shared    bool              `json:"shared"`
}

// StreamStatus joins the stream record with its live distributor stats.
type StreamStatus struct {
	Stream
	Distributor distribution.DistributorStatus `json:"distributor"`
}

// StreamService maps the stream-oriented API onto distribution sessions.
// One stream owns one session with one distributor, so per-stream
// lifecycle, reconfiguration, and stats reuse the session machinery.
type StreamService struct {
	manager    *distribution.Manager
	clients    *distribution.ClientRegistry
	recordings *recording.Store
	recDir     string
	logger     *slog.Logger

	// onChange, when set, is notified after create/update/delete.
	onChange func(change string, stream Stream)

	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewStreamService creates the stream facade over a session manager.
func NewStreamService(manager *distribution.Manager, clients *distribution.ClientRegistry, recordings *recording.Store, recDir string, logger *slog.Logger) *StreamService {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &StreamService{
		manager:    manager,
		clients:    clients,
		recordings: recordings,
		recDir:     recDir,
		logger:     logger,
		streams:    make(map[string]*Stream),
	}
}

// distributorName is the fixed instance name inside a stream's session.
const distributorName = "primary"

// Create validates the request, opens the backing session, and registers
// the stream. Client attachment failures roll the session back.
func (ss *StreamService) Create(ctx context.Context, req StreamRequest) (Stream, error) {
	if req.Source == "" {
		return Stream{}, fmt.Errorf("%w: source is required", errValidation)
	}

	kind := distribution.Kind(req.Type)

	cfg := req.Destination
	cfg.Name = distributorName
	cfg.Kind = kind

	if req.Filter != nil {
		cfg.Filter = req.Filter
	}

	id := uuid.NewString()
	sessionID := "stream-" + id

	sessionCfg := distribution.SessionConfig{
		Distributors: []distribution.Config{cfg},
		EventRouting: map[string][]string{req.Source: {distributorName}},
	}

	_, err := ss.manager.CreateSession(ctx, sessionID, sessionCfg)
	if err != nil {
		return Stream{}, fmt.Errorf("%w: %v", errValidation, err)
	}

	if req.ClientID != "" {
		attachErr := ss.clients.AttachStream(req.ClientID, id)
		if attachErr != nil {
			endErr := ss.manager.EndSession(ctx, sessionID)
			if endErr != nil {
				ss.logger.Warn("rollback session failed",
					observability.SessionAttr(sessionID), "error", endErr)
			}

			return Stream{}, attachErr
		}
	}

	stream := &Stream{
		ID:        id,
		Type:      kind,
		Source:    req.Source,
		ClientID:  req.ClientID,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}

	ss.mu.Lock()
	ss.streams[id] = stream
	ss.mu.Unlock()

	ss.logger.InfoContext(ctx, "distribution stream created",
		observability.StreamAttr(id), "kind", kind, observability.SourceAttr(req.Source))

	ss.notify("created", *stream)

	return *stream, nil
}

// Get returns one stream record.
func (ss *StreamService) Get(id string) (Stream, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	stream, ok := ss.streams[id]
	if !ok {
		return Stream{}, fmt.Errorf("%w: %s", errStreamNotFound, id)
	}

	return *stream, nil
}

// Status returns the stream joined with its distributor stats.
func (ss *StreamService) Status(id string) (StreamStatus, error) {
	stream, err := ss.Get(id)
	if err != nil {
		return StreamStatus{}, err
	}

	sessionStatus, err := ss.manager.SessionStatus(stream.SessionID)
	if err != nil {
		return StreamStatus{}, err
	}

	status := StreamStatus{Stream: stream}

	for _, ds := range sessionStatus.Distributors {
		if ds.Name == distributorName {
			status.Distributor = ds

			break
		}
	}

	return status, nil
}

// List returns all stream records.
func (ss *StreamService) List() []Stream {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	out := make([]Stream, 0, len(ss.streams))
	for _, stream := range ss.streams {
		out = append(out, *stream)
	}

	return out
}

// Counts reports total and active stream counts. A stream is active while
// its distributor is in the active state.
func (ss *StreamService) Counts() (total, active int) {
	for _, stream := range ss.List() {
		total++

		status, err := ss.manager.SessionStatus(stream.SessionID)
		if err != nil {
			continue
		}

		for _, ds := range status.Distributors {
			if ds.State == distribution.StateActive {
				active++

				break
			}
		}
	}

	return total, active
}

// Update applies a partial destination config to the stream's distributor
// in place.
func (ss *StreamService) Update(ctx context.Context, id string, partial distribution.Config) (Stream, error) {
	stream, err := ss.Get(id)
	if err != nil {
		return Stream{}, err
	}

	partial.Name = distributorName
	partial.Kind = ""

	err = ss.manager.ReconfigureDistributor(ctx, stream.SessionID, distributorName, partial)
	if err != nil {
		return Stream{}, fmt.Errorf("%w: %v", errValidation, err)
	}

	ss.notify("updated", stream)

	return stream, nil
}

// Delete ends the backing session and removes the stream. Active
// recordings of the stream are stopped first.
func (ss *StreamService) Delete(ctx context.Context, id string) error {
	ss.mu.Lock()
	stream, ok := ss.streams[id]
	delete(ss.streams, id)
	ss.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", errStreamNotFound, id)
	}

	for _, rec := range ss.recordings.BySource(id) {
		_, stopErr := ss.recordings.Stop(rec.ID())
		if stopErr != nil {
			ss.logger.Warn("stop recording failed", "recording", rec.ID(), "error", stopErr)
		}
	}

	err := ss.manager.EndSession(ctx, stream.SessionID)

	ss.notify("deleted", *stream)

	if err != nil {
		return err
	}

	return nil
}

// Record starts capturing the stream's routed events to a file. The
// recorder stays attached until stopped through the store; a stopped
// recorder silently ignores further events.
func (ss *StreamService) Record(id string, cfg recording.Config) (recording.Status, error) {
	stream, err := ss.Get(id)
	if err != nil {
		return recording.Status{}, err
	}

	if cfg.Dir == "" {
		cfg.Dir = ss.recDir
	}

	rec, err := recording.New(id, cfg)
	if err != nil {
		return recording.Status{}, err
	}

	session, err := ss.manager.Session(stream.SessionID)
	if err != nil {
		stopErr := rec.Stop()
		if stopErr != nil {
			ss.logger.Warn("stop orphaned recorder failed", "recording", rec.ID(), "error", stopErr)
		}

		return recording.Status{}, err
	}

	session.Tap(func(eventKind string, payload any) {
		recordErr := rec.Record(eventKind, payload)
		if recordErr != nil && !errors.Is(recordErr, recording.ErrRecorderClosed) {
			ss.logger.Warn("record event failed", "recording", rec.ID(), "error", recordErr)
		}
	})

	ss.recordings.Add(rec)

	ss.logger.Info("stream recording started", "stream", id, "recording", rec.ID())

	return rec.Status(), nil
}

// Share attaches the stream to an additional client and marks it shared.
// Shared streams show up in the attached client's stream list.
func (ss *StreamService) Share(id, clientID string) (Stream, error) {
	ss.mu.Lock()
	stream, ok := ss.streams[id]
	if ok {
		stream.Shared = true
	}
	ss.mu.Unlock()

	if !ok {
		return Stream{}, fmt.Errorf("%w: %s", errStreamNotFound, id)
	}

	if clientID != "" {
		err := ss.clients.AttachStream(clientID, id)
		if err != nil {
			return Stream{}, err
		}
	}

	return *stream, nil
}

// SetOnChange installs the change listener. Must be called before the
// service handles requests.
func (ss *StreamService) SetOnChange(fn func(change string, stream Stream)) {
	ss.onChange = fn
}

func (ss *StreamService) notify(change string, stream Stream) {
	if ss.onChange != nil {
		ss.onChange(change, stream)
	}
}

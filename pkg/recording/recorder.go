// Package recording captures distributed events as JSON-lines files, with
// optional lz4 frame compression.
package recording

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
)

var (
	// ErrRecorderClosed is returned by Record after Stop.
	ErrRecorderClosed = errors.New("recorder closed")

	// ErrUnknownFormat is returned for a format outside the supported set.
	ErrUnknownFormat = errors.New("unknown recording format")

	// ErrRecordingNotFound is returned for operations on an unknown
	// recording id.
	ErrRecordingNotFound = errors.New("recording not found")
)

// Format selects the on-disk encoding.
type Format string

// Supported recording formats. JSONLines is the default; JSONLinesLZ4
// wraps the stream in lz4 frames.
const (
	FormatJSONLines    Format = "jsonl"
	FormatJSONLinesLZ4 Format = "jsonl+lz4"
)

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	return f == FormatJSONLines || f == FormatJSONLinesLZ4
}

// Entry is one recorded event line.
type Entry struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
	Payload   any    `json:"payload"`
}

// Config describes one recording.
type Config struct {
	// FilePath is the output file. Relative paths resolve under Dir.
	FilePath string `json:"file_path"`
	// Dir is the base directory for relative paths.
	Dir string `json:"dir,omitempty"`
	// Format defaults to jsonl.
	Format Format `json:"format,omitempty"`
}

// Recorder appends event entries to one file. Safe for concurrent Record
// calls.
type Recorder struct {
	id     string
	source string
	cfg    Config

	mu      sync.Mutex
	file    *os.File
	lz4w    *lz4.Writer
	buf     *bufio.Writer
	enc     *json.Encoder
	entries uint64
	closed  bool
	started time.Time
}

// New opens a recording file. Parent directories are created as needed.
func New(source string, cfg Config) (*Recorder, error) {
	if cfg.Format == "" {
		cfg.Format = FormatJSONLines
	}

	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, cfg.Format)
	}

	path := cfg.FilePath
	if !filepath.IsAbs(path) && cfg.Dir != "" {
		path = filepath.Join(cfg.Dir, path)
	}

	mkdirErr := os.MkdirAll(filepath.Dir(path), 0o750)
	if mkdirErr != nil {
		return nil, fmt.Errorf("create recording dir: %w", mkdirErr)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open recording file: %w", err)
	}

	rec := &Recorder{
		id:      uuid.NewString(),
		source:  source,
		cfg:     cfg,
		file:    file,
		started: time.Now(),
	}

	if cfg.Format == FormatJSONLinesLZ4 {
		rec.lz4w = lz4.NewWriter(file)
		rec.buf = bufio.NewWriter(rec.lz4w)
	} else {
		rec.buf = bufio.NewWriter(file)
	}

	rec.enc = json.NewEncoder(rec.buf)

	return rec, nil
}

// ID returns the recording id.
func (r *Recorder) ID() string { return r.id }

// Source returns the stream or session this recording captures.
func (r *Recorder) Source() string { return r.source }

// Record appends one event entry.
func (r *Recorder) Record(eventKind string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}

	entry := Entry{
		Event:     eventKind,
		Timestamp: time.Now().UnixMicro(),
		Source:    r.source,
		Payload:   payload,
	}

	err := r.enc.Encode(entry)
	if err != nil {
		return fmt.Errorf("encode recording entry: %w", err)
	}

	r.entries++

	return nil
}

// Status is the observable recording snapshot.
type Status struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	FilePath  string    `json:"file_path"`
	Format    Format    `json:"format"`
	Entries   uint64    `json:"entries"`
	StartedAt time.Time `json:"started_at"`
	Active    bool      `json:"active"`
}

// Status returns the recording snapshot.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Status{
		ID:        r.id,
		Source:    r.source,
		FilePath:  r.cfg.FilePath,
		Format:    r.cfg.Format,
		Entries:   r.entries,
		StartedAt: r.started,
		Active:    !r.closed,
	}
}

// Stop flushes and closes the file. Stop is idempotent.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	flushErr := r.buf.Flush()

	var lz4Err error
	if r.lz4w != nil {
		lz4Err = r.lz4w.Close()
	}

	closeErr := r.file.Close()

	err := errors.Join(flushErr, lz4Err, closeErr)
	if err != nil {
		return fmt.Errorf("stop recording %s: %w", r.id, err)
	}

	return nil
}

// Store tracks active recorders by id.
type Store struct {
	mu        sync.Mutex
	recorders map[string]*Recorder
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{recorders: make(map[string]*Recorder)}
}

// Add registers a recorder.
func (s *Store) Add(rec *Recorder) {
	s.mu.Lock()
	s.recorders[rec.ID()] = rec
	s.mu.Unlock()
}

// Get returns a recorder by id.
func (s *Store) Get(id string) (*Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recorders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordingNotFound, id)
	}

	return rec, nil
}

// BySource returns the active recorders capturing one source.
func (s *Store) BySource(source string) []*Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Recorder

	for _, rec := range s.recorders {
		if rec.Source() == source {
			out = append(out, rec)
		}
	}

	return out
}

// Stop stops a recorder and removes it from the store.
func (s *Store) Stop(id string) (Status, error) {
	s.mu.Lock()
	rec, ok := s.recorders[id]
	delete(s.recorders, id)
	s.mu.Unlock()

	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrRecordingNotFound, id)
	}

	err := rec.Stop()
	if err != nil {
		return rec.Status(), err
	}

	return rec.Status(), nil
}

// StopAll stops every active recorder.
func (s *Store) StopAll() {
	s.mu.Lock()
	recorders := make([]*Recorder, 0, len(s.recorders))
	for _, rec := range s.recorders {
		recorders = append(recorders, rec)
	}
	s.recorders = make(map[string]*Recorder)
	s.mu.Unlock()

	for _, rec := range recorders {
		_ = rec.Stop()
	}
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/synopticon/synopticon/pkg/connector"
	"github.com/synopticon/synopticon/pkg/distribution"
	"github.com/synopticon/synopticon/pkg/pipeline"
	"github.com/synopticon/synopticon/pkg/recording"
)

var (
	// errValidation marks request-shape failures. Mapped to 400.
	errValidation = errors.New("validation failed")

	// errStreamNotFound is returned for operations on an unknown
	// distribution stream id.
	errStreamNotFound = errors.New("stream not found")
)

// envelope is the uniform JSON response shape.
type envelope struct {
	Success            bool     `json:"success"`
	Data               any      `json:"data,omitempty"`
	Error              string   `json:"error,omitempty"`
	AvailableEndpoints []string `json:"available_endpoints,omitempty"`
}

// statusFor maps an error chain onto an HTTP status. Unrecognized errors
// are internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errValidation),
		errors.Is(err, distribution.ErrUnknownKind),
		errors.Is(err, distribution.ErrUnknownEventKind),
		errors.Is(err, recording.ErrUnknownFormat),
		errors.Is(err, pipeline.ErrUnknownStrategy),
		errors.Is(err, pipeline.ErrInvalidMetadata):
		return http.StatusBadRequest
	case errors.Is(err, errStreamNotFound),
		errors.Is(err, distribution.ErrSessionNotFound),
		errors.Is(err, distribution.ErrUnknownDistributor),
		errors.Is(err, distribution.ErrClientNotFound),
		errors.Is(err, distribution.ErrTemplateNotFound),
		errors.Is(err, connector.ErrUnknownSimulator),
		errors.Is(err, connector.ErrUnknownStream),
		errors.Is(err, pipeline.ErrNotFound),
		errors.Is(err, pipeline.ErrNoMatch),
		errors.Is(err, recording.ErrRecordingNotFound):
		return http.StatusNotFound
	case errors.Is(err, distribution.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrPermanent),
		errors.Is(err, connector.ErrUnsupportedCommand):
		return http.StatusUnprocessableEntity
	case errors.Is(err, connector.ErrNotConnected),
		errors.Is(err, connector.ErrNoTransport),
		errors.Is(err, pipeline.ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeData writes a success envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Success: true, Data: data})
}

// writeError writes a failure envelope with the status derived from the
// error chain.
func writeError(w http.ResponseWriter, err error) {
	writeEnvelope(w, statusFor(err), envelope{Success: false, Error: err.Error()})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	encodeErr := json.NewEncoder(w).Encode(env)
	if encodeErr != nil {
		slog.Default().Warn("encode response failed", "error", encodeErr)
	}
}

// decodeBody parses a JSON request body into dst, mapping failures to
// validation errors. An empty body leaves dst at its zero value.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: %v", errValidation, err)
	}

	return nil
}

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/synopticon/synopticon/pkg/pipeline"
)

func (s *Server) handlePipelineList(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeEnvelope(w, http.StatusServiceUnavailable, envelope{Success: false, Error: "pipeline registry not running"})

		return
	}

	names := s.registry.List()

	infos := make(map[string]pipeline.Metadata, len(names))
	for _, name := range names {
		meta, err := s.registry.GetInfo(name)
		if err != nil {
			continue
		}

		infos[name] = meta
	}

	writeData(w, http.StatusOK, infos)
}

func (s *Server) handlePipelineGet(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeEnvelope(w, http.StatusServiceUnavailable, envelope{Success: false, Error: "pipeline registry not running"})

		return
	}

	name := mux.Vars(r)["name"]

	meta, err := s.registry.GetInfo(name)
	if err != nil {
		writeError(w, err)

		return
	}

	stats, err := s.registry.GetStats(name)
	if err != nil {
		writeError(w, err)

		return
	}

	writeData(w, http.StatusOK, map[string]any{
		"name":     name,
		"metadata": meta,
		"stats":    stats,
	})
}

type executeRequest struct {
	Capabilities []string       `json:"capabilities"`
	Input        any            `json:"input"`
	Strategy     string         `json:"strategy,omitempty"`
	TimeoutMs    int            `json:"timeout_ms,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}

func (s *Server) handlePipelineExecute(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeEnvelope(w, http.StatusServiceUnavailable, envelope{Success: false, Error: "orchestrator not running"})

		return
	}

	var req executeRequest

	err := decodeBody(r, &req)
	if err != nil {
		writeError(w, err)

		return
	}

	if len(req.Capabilities) == 0 {
		writeError(w, fmt.Errorf("%w: capabilities are required", errValidation))

		return
	}

	opts := pipeline.ExecOptions{
		Strategy: pipeline.ExecStrategy(req.Strategy),
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
		Options:  req.Options,
	}

	// Execution failures surface inside the result, not as transport
	// errors; the caller inspects result.success.
	result := s.orch.Execute(r.Context(), pipeline.Requirements{Capabilities: req.Capabilities}, req.Input, opts)

	writeData(w, http.StatusOK, result)
}

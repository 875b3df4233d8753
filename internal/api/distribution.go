package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/synopticon/synopticon/pkg/distribution"
	"github.com/synopticon/synopticon/pkg/recording"
)

// maxBodyBytes bounds request bodies; payload fan-out happens over the
// distribution transports, not through this API.
const maxBodyBytes = 1 << 20

func (s *Server) handleDistributionStatus(w http.ResponseWriter, r *http.Request) {
	total, active := s.streams.Counts()

	sources := make(map[string]any)
	if s.sims != nil {
		for _, status := range s.sims.StatusAll() {
			sources[status.Simulator] = status
		}
	}

	if s.engine != nil {
		sources["sync_streams"] = s.engine.StreamIDs()
	}

	writeData(w, http.StatusOK, map[string]any{
		"timestamp":    time.Now().UnixMilli(),
		"streams":      map[string]int{"total": total, "active": active},
		"clients":      map[string]int{"total": len(s.clients.List())},
		"data_sources": sources,
	})
}

func (s *Server) handleStreamCreate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: read body: %v", errValidation, err))

		return
	}

	schemaErr := validateSchema(streamSchema, raw)
	if schemaErr != nil {
		writeError(w, schemaErr)

		return
	}

	var req StreamRequest

	unmarshalErr := json.Unmarshal(raw, &req)
	if unmarshalErr != nil {
		writeError(w, fmt.Errorf("%w: %v", errValidation, unmarshalErr))

		return
	}

	stream, createErr := s.streams.Create(r.Context(), req)
	if createErr != nil {
		writeError(w, createErr)

		return
	}

	writeData(w, http.StatusCreated, map[string]any{
		"stream_id":            stream.ID,
		"websocket_status_url": "/api/distribution/events",
		"stream":               stream,
	})
}

func (s *Server) handleStreamList(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.streams.List())
}

func (s *Server) handleStreamGet(w http.ResponseWriter, r *http.Request) {
	status, err := s.streams.Status(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)

		return
	}

	writeData(w, http.StatusOK, status)
}

func (s *Server) handleStreamUpdate(w http.ResponseWriter, r *http.Request) {
	var partial distribution.Config

	err := decodeBody(r, &partial)
	if err != nil {
		writeError(w, err)

		return
	}

	stream, updateErr := s.streams.Update(r.Context(), mux.Vars(r)["id"], partial)
	if updateErr != nil {
		writeError(w, updateErr)

		return
	}

	writeData(w, http.StatusOK, stream)
}

func (s *Server) handleStreamDelete(w http.ResponseWriter, r *http.Request) {
	err := s.streams.Delete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)

		return
	}

	writeData(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	var simulators []string
	if s.sims != nil {
		simulators = s.sims.Simulators()
	}

	var pipelines []string
	if s.registry != nil {
		pipelines = s.registry.List()
	}

	writeData(w, http.StatusOK, map[string]any{
		"service":    "synopticon",
		"version":    s.cfg.Version,
		"transports": []distribution.Kind{distribution.KindUDP, distribution.KindWebSocket, distribution.KindMQTT, distribution.KindHTTP},
		"simulators": simulators,
		"pipelines":  pipelines,
		"endpoints":  knownEndpoints,
	})
}

type clientRequest struct {
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleClientRegister(w http.ResponseWriter, r *http.Request) {
	var req clientRequest

	err := decodeBody(r, &req)
	if err != nil {
		writeError(w, err)

		return
	}

	if req.Name == "" {
		writeError(w, fmt.Errorf("%w: name is required", errValidation))

		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	client := s.clients.Register(req.ID, req.Name, req.Metadata)

	writeData(w, http.StatusCreated, client)
}

func (s *Server) handleClientList(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.clients.List())
}

func (s *Server) handleClientGet(w http.ResponseWriter, r *http.Request) {
	client, err := s.clients.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)

		return
	}

	writeData(w, http.StatusOK, client)
}

func (s *Server) handleTemplateList(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.templates.List())
}

type instantiateRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleTemplateInstantiate(w http.ResponseWriter, r *http.Request) {
	var req instantiateRequest

	err := decodeBody(r, &req)
	if err != nil {
		writeError(w, err)

		return
	}

	tpl, getErr := s.templates.Get(mux.Vars(r)["id"])
	if getErr != nil {
		writeError(w, getErr)

		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = tpl.ID + "-" + uuid.NewString()
	}

	_, createErr := s.dist.CreateSession(r.Context(), sessionID, tpl.SessionConfig())
	if createErr != nil {
		writeError(w, createErr)

		return
	}

	status, statusErr := s.dist.SessionStatus(sessionID)
	if statusErr != nil {
		writeError(w, statusErr)

		return
	}

	writeData(w, http.StatusCreated, map[string]any{
		"session_id": sessionID,
		"template":   tpl.ID,
		"status":     status,
	})
}

type recordRequest struct {
	Format   string `json:"format,omitempty"`
	FilePath string `json:"file_path"`
}

func (s *Server) handleStreamRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest

	err := decodeBody(r, &req)
	if err != nil {
		writeError(w, err)

		return
	}

	if req.FilePath == "" {
		writeError(w, fmt.Errorf("%w: file_path is required", errValidation))

		return
	}

	status, recordErr := s.streams.Record(mux.Vars(r)["id"], recording.Config{
		FilePath: req.FilePath,
		Format:   recording.Format(req.Format),
	})
	if recordErr != nil {
		writeError(w, recordErr)

		return
	}

	writeData(w, http.StatusCreated, status)
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	status, err := s.recordings.Stop(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)

		return
	}

	writeData(w, http.StatusOK, status)
}

type shareRequest struct {
	ClientID string `json:"client_id,omitempty"`
}

func (s *Server) handleStreamShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest

	err := decodeBody(r, &req)
	if err != nil {
		writeError(w, err)

		return
	}

	stream, shareErr := s.streams.Share(mux.Vars(r)["id"], req.ClientID)
	if shareErr != nil {
		writeError(w, shareErr)

		return
	}

	writeData(w, http.StatusOK, map[string]any{
		"stream":     stream,
		"status_url": "/api/distribution/streams/" + stream.ID,
		"events_url": "/api/distribution/events",
	})
}

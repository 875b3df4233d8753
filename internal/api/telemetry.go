package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/synopticon/synopticon/pkg/connector"
	"github.com/synopticon/synopticon/pkg/ingest"
	"github.com/synopticon/synopticon/pkg/observability"
	"github.com/synopticon/synopticon/pkg/syncengine"
)

func (s *Server) handleSimulators(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"simulators": s.sims.Simulators(),
		"connected":  s.sims.StatusAll(),
	})
}

type connectRequest struct {
	Type   string           `json:"type"`
	Config connector.Config `json:"config"`
}

func (s *Server) handleTelemetryConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest

	err := decodeBody(r, &req)
	if err != nil {
		writeError(w, err)

		return
	}

	if req.Type == "" {
		writeError(w, fmt.Errorf("%w: type is required", errValidation))

		return
	}

	conn, connectErr := s.sims.Connect(r.Context(), req.Type, req.Config)
	if connectErr != nil {
		writeError(w, connectErr)

		return
	}

	s.attachBridge(req.Type, conn)

	writeData(w, http.StatusOK, conn.Status())
}

// attachBridge pumps the connector's frames into the sync engine as a
// telemetry stream named after the connector's source id.
func (s *Server) attachBridge(simType string, conn *connector.Connector) {
	if s.engine == nil {
		return
	}

	s.bridgeMu.Lock()
	defer s.bridgeMu.Unlock()

	if _, exists := s.bridges[simType]; exists {
		return
	}

	sourceID := conn.Status().SourceID

	err := s.engine.AddStream(sourceID, syncengine.StreamConfig{})
	if err != nil && !errors.Is(err, syncengine.ErrStreamExists) {
		s.logger.Warn("add sync stream failed", observability.SourceAttr(sourceID), "error", err)

		return
	}

	bridge := ingest.NewTelemetryBridge(sourceID, simType, conn, s.engine, s.logger)

	startErr := bridge.Start(context.Background())
	if startErr != nil {
		s.logger.Warn("start telemetry bridge failed", observability.SimulatorAttr(simType), "error", startErr)

		return
	}

	s.bridges[simType] = bridge
}

func (s *Server) detachBridge(simType string) {
	s.bridgeMu.Lock()
	bridge, ok := s.bridges[simType]
	delete(s.bridges, simType)
	s.bridgeMu.Unlock()

	if !ok {
		return
	}

	bridge.Stop()

	if s.engine != nil {
		err := s.engine.RemoveStream(bridge.SourceID())
		if err != nil {
			s.logger.Warn("remove sync stream failed", "error", err)
		}
	}
}

func (s *Server) handleTelemetryStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sims.Status(mux.Vars(r)["type"])
	if err != nil {
		writeError(w, err)

		return
	}

	writeData(w, http.StatusOK, status)
}

type streamStartRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleTelemetryStreamStart(w http.ResponseWriter, r *http.Request) {
	var req streamStartRequest

	err := decodeBody(r, &req)
	if err != nil {
		writeError(w, err)

		return
	}

	if req.Type == "" {
		writeError(w, fmt.Errorf("%w: type is required", errValidation))

		return
	}

	streamID, startErr := s.sims.StartStream(req.Type)
	if startErr != nil {
		writeError(w, startErr)

		return
	}

	writeData(w, http.StatusCreated, map[string]string{
		"stream_id": streamID,
		"simulator": req.Type,
	})
}

func (s *Server) handleTelemetryStreamQuery(w http.ResponseWriter, r *http.Request) {
	limit := 0
	since := int64(0)

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed < 0 {
			writeError(w, fmt.Errorf("%w: invalid limit %q", errValidation, raw))

			return
		}

		limit = parsed
	}

	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			writeError(w, fmt.Errorf("%w: invalid since %q", errValidation, raw))

			return
		}

		since = parsed
	}

	frames, err := s.sims.StreamFrames(mux.Vars(r)["streamId"], limit, since)
	if err != nil {
		writeError(w, err)

		return
	}

	writeData(w, http.StatusOK, map[string]any{
		"frames": frames,
		"count":  len(frames),
	})
}

func (s *Server) handleTelemetryStreamStop(w http.ResponseWriter, r *http.Request) {
	err := s.sims.StopStream(mux.Vars(r)["streamId"])
	if err != nil {
		writeError(w, err)

		return
	}

	writeData(w, http.StatusOK, map[string]any{"stopped": true})
}

type commandRequest struct {
	Type    string            `json:"type"`
	Command connector.Command `json:"command"`
}

func (s *Server) handleTelemetryCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest

	err := decodeBody(r, &req)
	if err != nil {
		writeError(w, err)

		return
	}

	if req.Type == "" || req.Command.Action == "" {
		writeError(w, fmt.Errorf("%w: type and command.action are required", errValidation))

		return
	}

	result, sendErr := s.sims.SendCommand(r.Context(), req.Type, req.Command)
	if sendErr != nil {
		writeError(w, sendErr)

		return
	}

	writeData(w, http.StatusOK, result)
}

func (s *Server) handleTelemetryCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.sims.Capabilities(mux.Vars(r)["type"])
	if err != nil {
		writeError(w, err)

		return
	}

	writeData(w, http.StatusOK, map[string]any{"capabilities": caps})
}

type batchRequest struct {
	Type     string              `json:"type"`
	Commands []connector.Command `json:"commands"`
}

func (s *Server) handleTelemetryBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest

	err := decodeBody(r, &req)
	if err != nil {
		writeError(w, err)

		return
	}

	if req.Type == "" || len(req.Commands) == 0 {
		writeError(w, fmt.Errorf("%w: type and commands are required", errValidation))

		return
	}

	results, sendErr := s.sims.SendCommands(r.Context(), req.Type, req.Commands)
	if sendErr != nil {
		writeError(w, sendErr)

		return
	}

	writeData(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleTelemetryDisconnect(w http.ResponseWriter, r *http.Request) {
	simType := mux.Vars(r)["type"]

	s.detachBridge(simType)

	err := s.sims.Disconnect(r.Context(), simType)
	if err != nil {
		writeError(w, err)

		return
	}

	writeData(w, http.StatusOK, map[string]any{"disconnected": true})
}

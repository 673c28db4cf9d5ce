package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/agentboard/internal/company"
	"github.com/markus-barta/agentboard/internal/protocol"
)

// maxBodySize caps JSON request bodies.
const maxBodySize = 64 * 1024

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON body into v and validates it. On failure the
// response has been written and false is returned.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := company.Validate(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.Clients(),
	})
}

// handleWebSocket upgrades a browser connection onto the event channel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	s.hub.serve(s.hubCtx, conn)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to compute stats")
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.Tasks(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query tasks")
		writeError(w, http.StatusInternalServerError, "failed to query tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in TaskInput
	if !decodeBody(w, r, &in) {
		return
	}

	task, err := s.store.CreateTask(r.Context(), in)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create task")
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	s.log.Info().Str("task", task.ID).Str("title", task.Title).Msg("task created")
	writeJSON(w, http.StatusCreated, task)

	s.hub.Broadcast(protocol.KindTaskUpdated, task)
	s.hub.Broadcast(protocol.KindStatsUpdated, nil)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var u TaskUpdate
	if !decodeBody(w, r, &u) {
		return
	}

	task, credited, err := s.store.UpdateTask(r.Context(), taskID, u)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("task", taskID).Msg("failed to update task")
		writeError(w, http.StatusInternalServerError, "failed to update task")
		return
	}

	writeJSON(w, http.StatusOK, task)

	s.hub.Broadcast(protocol.KindTaskUpdated, task)
	if credited != "" {
		s.log.Info().Str("task", task.ID).Str("agent", credited).Msg("task completed, agent credited")
		if agent, err := s.store.Agent(r.Context(), credited); err == nil {
			s.hub.Broadcast(protocol.KindAgentUpdated, agent)
		}
	}
	s.hub.Broadcast(protocol.KindStatsUpdated, nil)
}

func (s *Server) handleGetAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.Agents(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query agents")
		writeError(w, http.StatusInternalServerError, "failed to query agents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var u AgentUpdate
	if !decodeBody(w, r, &u) {
		return
	}

	agent, err := s.store.UpdateAgent(r.Context(), agentID, u)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("agent", agentID).Msg("failed to update agent")
		writeError(w, http.StatusInternalServerError, "failed to update agent")
		return
	}

	writeJSON(w, http.StatusOK, agent)

	s.hub.Broadcast(protocol.KindAgentUpdated, agent)
	s.hub.Broadcast(protocol.KindStatsUpdated, nil)
}

func (s *Server) handleGetDepartments(w http.ResponseWriter, r *http.Request) {
	depts, err := s.store.Departments(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query departments")
		writeError(w, http.StatusInternalServerError, "failed to query departments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"departments": depts})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Settings(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load settings")
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var in company.Settings
	if !decodeBody(w, r, &in) {
		return
	}

	if err := s.store.SaveSettings(r.Context(), in); err != nil {
		s.log.Error().Err(err).Msg("failed to save settings")
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}

	s.log.Info().Str("company", in.CompanyName).Msg("settings saved")
	writeJSON(w, http.StatusOK, in)

	s.hub.Broadcast(protocol.KindSettingsUpdated, in)
}

// handleGetCLIStatus serves the provider CLI probe. ?refresh=1 forces a new
// probe and tells every browser about it.
func (s *Server) handleGetCLIStatus(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "1"

	status, probed := s.prober.Status(r.Context(), force)
	writeJSON(w, http.StatusOK, status)

	if force && probed {
		s.hub.Broadcast(protocol.KindCLIStatusUpdated, status)
	}
}

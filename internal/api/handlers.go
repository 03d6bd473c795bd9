package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CourseBot/internal/models"
	"github.com/BTreeMap/CourseBot/internal/twiliowhatsapp"
)

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.flows.ListFlows()))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := flowIDParam(w, r)
	if !ok {
		return
	}
	f, found := s.flows.Flow(id)
	if !found {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) activateFlowHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := flowIDParam(w, r)
	if !ok {
		return
	}
	f, err := s.flows.SetActive(id)
	if err != nil {
		if errors.Is(err, models.ErrFlowNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
			return
		}
		slog.Error("Server.activateFlowHandler: failed to activate flow", "flow_id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to activate flow"))
		return
	}
	slog.Info("Server.activateFlowHandler: flow activated", "flow_id", id, "name", f.Name)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow activated", f))
}

func (s *Server) reloadFlowsHandler(w http.ResponseWriter, r *http.Request) {
	err := s.flows.Reload()
	s.metrics.FlowReload(err)
	if err != nil {
		slog.Error("Server.reloadFlowsHandler: reload failed", "error", err)
		status := http.StatusInternalServerError
		if isDefinitionError(err) {
			status = http.StatusUnprocessableEntity
		}
		writeJSONResponse(w, status, models.Error(err.Error()))
		return
	}
	flows := s.flows.ListFlows()
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flows reloaded", map[string]int{"count": len(flows)}))
}

func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	address := twiliowhatsapp.WhatsAppAddress(chi.URLParam(r, "address"))
	if address == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing address"))
		return
	}
	msgs, err := s.st.Conversation(r.Context(), address)
	if err != nil {
		slog.Error("Server.conversationHandler: failed to read conversation", "address", address, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read conversation"))
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	unresolved := false
	if raw := r.URL.Query().Get("unresolved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid value for unresolved"))
			return
		}
		unresolved = v
	}
	alerts, err := s.st.Alerts(r.Context(), unresolved)
	if err != nil {
		slog.Error("Server.alertsHandler: failed to list alerts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list alerts"))
		return
	}
	if alerts == nil {
		alerts = []models.DashboardAlert{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(alerts))
}

func flowIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow id"))
		return 0, false
	}
	return id, true
}

func isDefinitionError(err error) bool {
	for _, target := range []error{
		models.ErrInvalidDefinition,
		models.ErrDuplicateNodeID,
		models.ErrDuplicateFlowID,
		models.ErrUnknownEdgeNode,
		models.ErrUnknownEntryNode,
		models.ErrMultipleActive,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

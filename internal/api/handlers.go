package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/connectorfabric/internal/fabricerr"
	"github.com/ocx/connectorfabric/internal/model"
)

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.ListConnectors())
}

func (s *Server) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var cfg model.ConnectorConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.core.CreateConnector(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.core.Connect(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.core.Disconnect(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		CapabilityID string         `json:"capability_id"`
		Operation    string         `json:"operation"`
		Parameters   map[string]any `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.core.Execute(r.Context(), id, req.CapabilityID, req.Operation, req.Parameters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := s.core.StreamEvents(r.Context())
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var spec RuleSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.core.PutRule(id, spec); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.core.DeleteRule(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterPoint(w http.ResponseWriter, r *http.Request) {
	var spec DetectionPointSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.core.RegisterDetectionPoint(spec); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := fabricerr.KindOf(err); ok {
		switch kind {
		case fabricerr.KindUnknownCapability, fabricerr.KindUnknownOperation, fabricerr.KindParamError, fabricerr.KindConfigError:
			status = http.StatusBadRequest
		case fabricerr.KindNotConnected:
			status = http.StatusConflict
		case fabricerr.KindAuthError:
			status = http.StatusUnauthorized
		case fabricerr.KindTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

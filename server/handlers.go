package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"idealsize/db"
	"idealsize/node"
	"idealsize/sizing"

	"go.uber.org/zap"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// InvocationIDHeader carries the invocation id of /invoke responses.
const InvocationIDHeader = "X-Invocation-ID"

type healthResponse struct {
	Status string      `json:"status"`
	Build  VersionInfo `json:"build"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Build: s.config.VersionInfo})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Registry.Schemas())
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	nodeType := r.PathValue("type")
	version := r.URL.Query().Get("version")

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	ic := node.NewInvocationContext(s.logger, s.services.Calculator, s.resolver(), s.recorder())
	w.Header().Set(InvocationIDHeader, ic.ID)

	out, err := s.services.Registry.Invoke(r.Context(), ic, nodeType, version, payload)
	if err != nil {
		if status := writeDomainError(w, err); status == http.StatusInternalServerError {
			s.logger.Error("invocation failed",
				zap.String("invocation_id", ic.ID),
				zap.String("node", nodeType),
				zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type familiesResponse struct {
	DefaultDimension int                  `json:"default_dimension"`
	Families         []sizing.FamilyEntry `json:"families"`
}

func (s *Server) handleFamilies(w http.ResponseWriter, r *http.Request) {
	table := s.services.Calculator.Table()
	writeJSON(w, http.StatusOK, familiesResponse{
		DefaultDimension: table.Fallback(),
		Families:         table.Entries(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.services.History == nil {
		writeError(w, http.StatusNotFound, "invocation history is disabled")
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.services.History.ListHistory(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list history", zap.Error(err))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.services.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.services.Metrics.Snapshot())
}

func (s *Server) handleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	if s.services.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics are disabled")
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.services.Metrics.Recent(limit))
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.services.Models == nil {
		writeError(w, http.StatusNotFound, "model catalog is disabled")
		return
	}

	models, err := s.services.Models.ListModels(r.Context())
	if err != nil {
		s.logger.Error("failed to list models", zap.Error(err))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

type modelRequest struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	BaseModel string `json:"base_model"`
	Type      string `json:"type"`
}

func (s *Server) handleUpsertModel(w http.ResponseWriter, r *http.Request) {
	if s.services.Models == nil {
		writeError(w, http.StatusNotFound, "model catalog is disabled")
		return
	}

	var req modelRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid model: %v", err))
		return
	}
	req.Key = strings.TrimSpace(req.Key)
	req.BaseModel = strings.TrimSpace(req.BaseModel)
	if req.Key == "" || req.BaseModel == "" {
		writeError(w, http.StatusBadRequest, "key and base_model are required")
		return
	}

	record := db.ModelRecord{
		Key:       req.Key,
		Name:      req.Name,
		BaseModel: string(sizing.ParseModelFamily(req.BaseModel)),
		ModelType: req.Type,
	}
	if err := s.services.Models.UpsertModel(r.Context(), record); err != nil {
		s.logger.Error("failed to save model", zap.String("key", req.Key), zap.Error(err))
		writeDomainError(w, err)
		return
	}

	saved, err := s.services.Models.GetModel(r.Context(), record.Key)
	if err != nil {
		s.logger.Warn("saved model not readable", zap.String("key", record.Key), zap.Error(err))
		saved = record
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	if s.services.Models == nil {
		writeError(w, http.StatusNotFound, "model catalog is disabled")
		return
	}

	key := r.PathValue("key")
	if err := s.services.Models.DeleteModel(r.Context(), key); err != nil {
		if status := writeDomainError(w, err); status == http.StatusInternalServerError {
			s.logger.Error("failed to delete model", zap.String("key", key), zap.Error(err))
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolver and recorder keep typed nil interfaces out of the invocation context.
func (s *Server) resolver() node.ModelResolver {
	if s.services.Models == nil {
		return nil
	}
	return s.services.Models
}

func (s *Server) recorder() node.HistoryRecorder {
	var recorders node.MultiRecorder
	if s.services.History != nil {
		recorders = append(recorders, s.services.History)
	}
	if s.services.Metrics != nil {
		recorders = append(recorders, s.services.Metrics)
	}
	switch len(recorders) {
	case 0:
		return nil
	case 1:
		return recorders[0]
	}
	return recorders
}

// parseLimit reads ?limit=, capped at maxHistoryLimit. It writes a 400 and
// returns false on a bad value.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
		return 0, false
	}
	return min(n, maxHistoryLimit), true
}

// Package api exposes the allocation service over HTTP. Thin glue:
// contention becomes 409, missing records become 404, and only infra
// failures surface as 500s.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/litanlitudan/soc-validation/internal/board"
	"github.com/litanlitudan/soc-validation/internal/device"
	"github.com/litanlitudan/soc-validation/internal/obs"
	"github.com/litanlitudan/soc-validation/internal/store"
)

type Server struct {
	devices *device.Manager
	catalog *board.Catalog
	store   *store.Client
	logger  *obs.Logger
	mux     *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		s.logger.Debug(map[string]interface{}{
			"component": "api",
			"msg":       "request",
			"req_id":    reqID,
			"method":    r.Method,
			"path":      r.URL.Path,
		})
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func NewServer(devices *device.Manager, catalog *board.Catalog, st *store.Client, logger *obs.Logger) *Server {
	s := &Server{
		devices: devices,
		catalog: catalog,
		store:   st,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/v1/boards", s.handleListBoards)
	s.mux.HandleFunc("/v1/boards/", s.handleBoards)
	s.mux.HandleFunc("/v1/leases/", s.handleLeases)
	s.mux.HandleFunc("/v1/queue", s.handleQueue)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeOK := s.store.Ping(r.Context()) == nil
	status := "ok"
	if !storeOK {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"store_connected": storeOK,
	})
}

func (s *Server) handleListBoards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.All())
}

// handleBoards routes:
//
//	POST /v1/boards/acquire
//	GET  /v1/boards/{id}
//	GET  /v1/boards/{id}/status
//	POST /v1/boards/{id}/failure
func (s *Server) handleBoards(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/boards/"), "/")
	if path == "" {
		writeErr(w, http.StatusBadRequest, "board_id required")
		return
	}

	parts := strings.Split(path, "/")
	head := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}

	switch {
	case head == "acquire" && action == "":
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleAcquire(w, r)
	case (action == "" || action == "status") && r.Method == http.MethodGet:
		s.handleBoardStatus(w, r, head)
	case action == "failure" && r.Method == http.MethodPost:
		s.handleFailure(w, r, head)
	default:
		writeErr(w, http.StatusNotFound, "unknown action")
	}
}

type acquireReq struct {
	BoardFamily string `json:"board_family"`
	TimeoutS    int64  `json:"timeout_s"`
	Priority    int    `json:"priority"`
	Strategy    string `json:"strategy"`
}

type leaseResp struct {
	LeaseID    string    `json:"lease_id"`
	BoardID    string    `json:"board_id"`
	BoardIP    string    `json:"board_ip"`
	TelnetPort int       `json:"telnet_port"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Priority   int       `json:"priority"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BoardFamily == "" {
		writeErr(w, http.StatusBadRequest, "board_family required")
		return
	}
	if req.Priority == 0 {
		req.Priority = 2
	}
	if req.Priority < 1 || req.Priority > 3 {
		writeErr(w, http.StatusBadRequest, "priority must be 1..3")
		return
	}
	strategy, err := device.ParseStrategy(req.Strategy)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	lease, err := s.devices.AcquireBoard(r.Context(), device.Request{
		Family:   req.BoardFamily,
		Timeout:  time.Duration(req.TimeoutS) * time.Second,
		Priority: req.Priority,
		Strategy: strategy,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if lease == nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"acquired": false,
			"reason":   "NO_BOARDS_AVAILABLE",
			"family":   req.BoardFamily,
		})
		return
	}

	writeJSON(w, http.StatusOK, leaseResp{
		LeaseID:    lease.LeaseID,
		BoardID:    lease.BoardID,
		BoardIP:    lease.Address,
		TelnetPort: lease.TelnetPort,
		AcquiredAt: lease.AcquiredAt,
		ExpiresAt:  lease.ExpiresAt,
		Priority:   lease.Priority,
	})
}

func (s *Server) handleBoardStatus(w http.ResponseWriter, r *http.Request, boardID string) {
	status, err := s.devices.BoardStatus(r.Context(), boardID)
	if errors.Is(err, device.ErrBoardNotFound) {
		writeErr(w, http.StatusNotFound, "board not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type failureReq struct {
	Reason     string `json:"reason"`
	Quarantine *bool  `json:"quarantine,omitempty"`
}

func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request, boardID string) {
	var req failureReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	autoQuarantine := true
	if req.Quarantine != nil {
		autoQuarantine = *req.Quarantine
	}

	quarantined, err := s.devices.ReportFailure(boardID, req.Reason, autoQuarantine)
	if errors.Is(err, device.ErrBoardNotFound) {
		writeErr(w, http.StatusNotFound, "board not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"board_id":    boardID,
		"quarantined": quarantined,
	})
}

// handleLeases routes:
//
//	GET  /v1/leases/{id}
//	POST /v1/leases/{id}/release
//	POST /v1/leases/{id}/extend
func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/leases/"), "/")
	if path == "" {
		writeErr(w, http.StatusBadRequest, "lease_id required")
		return
	}

	parts := strings.Split(path, "/")
	leaseID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetLease(w, r, leaseID)
	case action == "release" && r.Method == http.MethodPost:
		s.handleRelease(w, r, leaseID)
	case action == "extend" && r.Method == http.MethodPost:
		s.handleExtend(w, r, leaseID)
	default:
		writeErr(w, http.StatusNotFound, "unknown action")
	}
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request, leaseID string) {
	lease, err := s.devices.GetLease(r.Context(), leaseID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if lease == nil {
		writeErr(w, http.StatusNotFound, "lease not found")
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, leaseID string) {
	res, err := s.devices.ReleaseBoard(r.Context(), leaseID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !res.Released {
		writeErr(w, http.StatusNotFound, "lease not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"released":      true,
		"lock_released": res.LockReleased,
		"lease_id":      leaseID,
	})
}

type extendReq struct {
	AdditionalS int64 `json:"additional_s"`
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request, leaseID string) {
	var req extendReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AdditionalS <= 0 {
		writeErr(w, http.StatusBadRequest, "additional_s must be > 0")
		return
	}

	lease, err := s.devices.GetLease(r.Context(), leaseID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if lease == nil {
		writeErr(w, http.StatusNotFound, "lease not found")
		return
	}

	extended, err := s.devices.ExtendLease(r.Context(), leaseID, time.Duration(req.AdditionalS)*time.Second)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !extended {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"extended": false,
			"reason":   "LOCK_NOT_OWNED_OR_EXPIRED",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"extended": true,
		"lease_id": leaseID,
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status, err := s.devices.QueueStatus(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- helpers ---

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"rfidscan/scan-logger/internal/model"
	"rfidscan/scan-logger/internal/scan"
	"rfidscan/scan-logger/internal/syncer"
)

const maxListLimit = 1000

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/scans", a.handleCreateScan).Methods(http.MethodPost)
	api.HandleFunc("/scans", a.handleListScans).Methods(http.MethodGet)
	api.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/scanner", a.handleScanner).Methods(http.MethodGet)
	api.HandleFunc("/sync", a.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/events", a.handleEvents).Methods(http.MethodGet)
	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.scheduler == nil || a.scheduler.State() == syncer.StateStopped {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TagID string `json:"tagId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.TagID) == "" {
		http.Error(w, "tagId is required", http.StatusBadRequest)
		return
	}

	rec, err := a.session.Handle(r.Context(), req.TagID)
	switch {
	case errors.Is(err, scan.ErrEmptyTag):
		http.Error(w, "tagId is required", http.StatusBadRequest)
		return
	case errors.Is(err, scan.ErrPersistenceFailed):
		http.Error(w, "failed to save scan", http.StatusInternalServerError)
		return
	case err != nil:
		http.Error(w, "scan not recorded", http.StatusServiceUnavailable)
		return
	}

	a.writeJSON(w, http.StatusCreated, rec)
}

func (a *App) handleListScans(w http.ResponseWriter, r *http.Request) {
	limit := scan.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	records, err := a.recorder.ListRecords(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load scans", "error", err)
		http.Error(w, "failed to load scans", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.ScanRecord{}
	}

	a.writeJSON(w, http.StatusOK, struct {
		Scans []model.ScanRecord `json:"scans"`
	}{Scans: records})
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := a.recorder.ComputeStats(r.Context())
	a.writeJSON(w, http.StatusOK, struct {
		DeviceID string `json:"deviceId"`
		model.DeviceStats
	}{DeviceID: a.deviceID, DeviceStats: stats})
}

func (a *App) handleScanner(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.session.Snapshot())
}

func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	res := a.scheduler.TriggerPass(r.Context())

	status := http.StatusOK
	if res.Outcome == syncer.OutcomeStopped {
		status = http.StatusServiceUnavailable
	}

	body := struct {
		syncer.PassResult
		Error string `json:"error,omitempty"`
	}{PassResult: res}
	if res.Err != nil {
		body.Error = res.Err.Error()
	}
	a.writeJSON(w, status, body)
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

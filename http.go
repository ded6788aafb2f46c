package cagg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	// maxBodySize is the maximum allowed request body size (10MB)
	maxBodySize = 10 * 1024 * 1024
)

type httpServer struct {
	srv *http.Server
}

type writeRowsRequest struct {
	Rows []Row `json:"rows"`
}

type refreshRequest struct {
	View  string `json:"view"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

type queryRowsRequest struct {
	View      string   `json:"view"`
	Start     int64    `json:"start"`
	End       int64    `json:"end"`
	GroupKeys []string `json:"group_keys,omitempty"`
}

type queryRowsResponse struct {
	Rows []FinalizedRow `json:"rows"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusForError maps engine errors onto HTTP status codes.
func statusForError(err error) int {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrViewNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrViewExists):
		return http.StatusConflict
	case errors.As(err, &verr),
		errors.Is(err, ErrInvalidMetricName),
		errors.Is(err, ErrInvalidTagKey),
		errors.Is(err, ErrInvalidTagValue),
		errors.Is(err, ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// setupViewRoutes configures view catalog endpoints
func setupViewRoutes(mux *http.ServeMux, e *Engine) {
	mux.HandleFunc("/api/v1/views", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if name := r.URL.Query().Get("name"); name != "" {
				def, err := e.GetView(name)
				if err != nil {
					writeError(w, err.Error(), statusForError(err))
					return
				}
				writeJSON(w, def)
				return
			}
			writeJSON(w, map[string]any{"views": e.ListViews()})

		case http.MethodPost:
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
			var def ViewDefinition
			if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := e.CreateView(&def); err != nil {
				writeError(w, err.Error(), statusForError(err))
				return
			}
			w.WriteHeader(http.StatusCreated)

		case http.MethodDelete:
			name := r.URL.Query().Get("name")
			if name == "" {
				writeError(w, "name parameter required", http.StatusBadRequest)
				return
			}
			if err := e.DropView(name); err != nil {
				writeError(w, err.Error(), statusForError(err))
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/schedulers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		name := r.URL.Query().Get("view")
		if name == "" {
			writeError(w, "view parameter required", http.StatusBadRequest)
			return
		}
		info, err := e.SchedulerInfo(name)
		if err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}
		writeJSON(w, info)
	})
}

// setupDataRoutes configures write and query endpoints
func setupDataRoutes(mux *http.ServeMux, e *Engine) {
	mux.HandleFunc("/write", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req writeRowsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Rows) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err := e.WriteBatch(req.Rows); err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/api/v1/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		stats, err := e.Refresh(r.Context(), req.View, req.Start, req.End)
		if err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}
		writeJSON(w, stats)
	})

	mux.HandleFunc("/api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req queryRowsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		it, err := e.Query(r.Context(), req.View, req.Start, req.End, req.GroupKeys)
		if err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}
		rows, err := it.Collect()
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, queryRowsResponse{Rows: rows})
	})
}

// setupAdminRoutes configures operational endpoints
func setupAdminRoutes(mux *http.ServeMux, e *Engine) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, e.Stats())
	})
}

func startHTTPServer(e *Engine, cfg HTTPConfig) (*httpServer, error) {
	port := cfg.Port
	if port <= 0 || port > 65535 {
		port = 8089
	}

	mux := http.NewServeMux()
	setupViewRoutes(mux, e)
	setupDataRoutes(mux, e)
	setupAdminRoutes(mux, e)

	if cfg.RemoteWriteEnabled {
		mux.HandleFunc("/prometheus/write", remoteWriteHandler(e))
	}
	if cfg.StreamEnabled {
		mux.HandleFunc("/stream", streamHandler(e, cfg))
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		_ = srv.Serve(listener)
	}()

	return &httpServer{srv: srv}, nil
}

func (s *httpServer) Stop() {
	if s == nil || s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

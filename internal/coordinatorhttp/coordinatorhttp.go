// Package coordinatorhttp exposes the gateway's operations over HTTP,
// grounded on server/server.go (listener lifecycle, ready/shuttingDown
// channels, Stop() draining in-flight handlers) and
// server/connection.go/execution.go/response.go (parse -> dispatch ->
// format response kept as three separate concerns).
package coordinatorhttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"wudispatch/internal/dbrecord"
	"wudispatch/internal/wuaccess"
	"wudispatch/internal/wustatus"
)

// ResultFileInput is an alias for wuaccess.ResultFileInput, kept local so
// callers of this package don't need to know the gateway's internals.
type ResultFileInput = wuaccess.ResultFileInput

// Coordinator is the interface the handlers dispatch to; satisfied by
// *gateway.Gateway, kept as an interface so handler tests can fake it.
type Coordinator interface {
	Assign(clientID string) (string, error)
	Result(wuid, clientID string, files []ResultFileInput, errorCode, failedCommand *int) error
	Query(conditions []dbrecord.Condition, limit int, order *dbrecord.Order) ([]dbrecord.WorkUnit, error)
}

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wudispatch_coordinator_requests_total",
		Help: "Total coordinator HTTP requests by route and outcome.",
	},
	[]string{"route", "outcome"},
)

func init() {
	prometheus.MustRegister(requestsTotal)
}

// Server manages listener lifecycle for the coordinator's HTTP surface,
// the net/http analogue of server/server.go's ready/shuttingDown pattern.
type Server struct {
	addr        string
	coordinator Coordinator
	uploadDir   string
	logger      *zap.Logger

	httpServer   *http.Server
	ln           net.Listener
	ready        chan struct{}
	shuttingDown chan struct{}
	wg           sync.WaitGroup
}

func NewServer(addr string, coordinator Coordinator, uploadDir string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr:         addr,
		coordinator:  coordinator,
		uploadDir:    uploadDir,
		logger:       logger,
		ready:        make(chan struct{}),
		shuttingDown: make(chan struct{}),
	}
	s.httpServer = &http.Server{Handler: s.router()}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/cgi-bin/getwu", s.handleGetWU)
	r.Post("/cgi-bin/upload.py", s.handleUpload)
	r.Get("/admin/wus", s.handleAdminQuery)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start begins listening and serving until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.logger.Error("listen failed", zap.String("addr", s.addr), zap.Error(err))
		return err
	}
	s.ln = ln
	close(s.ready)
	s.logger.Info("coordinator http listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		select {
		case <-s.shuttingDown:
			return nil
		default:
			return err
		}
	}
	return nil
}

// Stop initiates graceful shutdown: stops accepting new connections and
// waits for in-flight handlers to finish.
func (s *Server) Stop(ctx context.Context) {
	<-s.ready
	close(s.shuttingDown)
	s.httpServer.Shutdown(ctx)
	s.wg.Wait()
}

// Addr returns the bound listener address, valid only after Start has
// signaled ready.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.ln.Addr()
}

// handleGetWU implements spec §6's GET /cgi-bin/getwu: assigns the
// highest-priority AVAILABLE work-unit to clientid, or 204 if none.
func (s *Server) handleGetWU(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientid")
	if clientID == "" {
		requestsTotal.WithLabelValues("getwu", "bad_request").Inc()
		http.Error(w, "missing clientid", http.StatusBadRequest)
		return
	}

	text, err := s.coordinator.Assign(clientID)
	if err != nil {
		requestsTotal.WithLabelValues("getwu", "error").Inc()
		s.logger.Error("assign failed", zap.String("client_id", clientID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if text == "" {
		requestsTotal.WithLabelValues("getwu", "no_work").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	requestsTotal.WithLabelValues("getwu", "assigned").Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, text)
}

// handleUpload implements spec §6's POST /cgi-bin/upload.py: parses the
// multipart form built by internal/uploader and records the result.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		requestsTotal.WithLabelValues("upload", "bad_request").Inc()
		http.Error(w, "malformed multipart body", http.StatusBadRequest)
		return
	}

	wuid := r.FormValue("WUid")
	clientID := r.FormValue("clientid")
	if wuid == "" || clientID == "" {
		requestsTotal.WithLabelValues("upload", "bad_request").Inc()
		http.Error(w, "missing WUid or clientid", http.StatusBadRequest)
		return
	}

	var errorCode, failedCommand *int
	if v := r.FormValue("exitcode"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid exitcode", http.StatusBadRequest)
			return
		}
		errorCode = &n
	}
	if v := r.FormValue("failedcommand"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid failedcommand", http.StatusBadRequest)
			return
		}
		failedCommand = &n
	}

	files, err := s.saveUploadedFiles(wuid, r)
	if err != nil {
		requestsTotal.WithLabelValues("upload", "error").Inc()
		s.logger.Error("saving uploaded files failed", zap.String("wuid", wuid), zap.Error(err))
		http.Error(w, "could not store result files", http.StatusInternalServerError)
		return
	}

	if err := s.coordinator.Result(wuid, clientID, files, errorCode, failedCommand); err != nil {
		requestsTotal.WithLabelValues("upload", "rejected").Inc()
		s.logger.Warn("result rejected", zap.String("wuid", wuid), zap.Error(err))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	requestsTotal.WithLabelValues("upload", "ok").Inc()
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

// isCapturedOutputName reports whether filename is a stdout<i>/stderr<i>
// diagnostic blob (spec §4.6) rather than a declared RESULT file: those
// are persisted alongside the real result files for operator inspection,
// but never become a files table row (wuaccess.Result only attaches the
// caller-declared result list, not per-command stdio captures).
func isCapturedOutputName(name string) bool {
	for _, prefix := range []string{"stdout", "stderr"} {
		if rest := strings.TrimPrefix(name, prefix); rest != name {
			if rest == "" {
				return false
			}
			if _, err := strconv.Atoi(rest); err == nil {
				return true
			}
		}
	}
	return false
}

func (s *Server) saveUploadedFiles(wuid string, r *http.Request) ([]ResultFileInput, error) {
	var out []ResultFileInput
	for _, fh := range r.MultipartForm.File["results"] {
		src, err := fh.Open()
		if err != nil {
			return nil, err
		}
		destPath := fmt.Sprintf("%s/%s-%s", s.uploadDir, wuid, fh.Filename)
		dst, err := os.Create(destPath)
		if err != nil {
			src.Close()
			return nil, err
		}
		_, copyErr := io.Copy(dst, src)
		src.Close()
		dst.Close()
		if copyErr != nil {
			return nil, copyErr
		}
		if isCapturedOutputName(fh.Filename) {
			continue
		}
		out = append(out, ResultFileInput{Filename: fh.Filename, Path: destPath})
	}
	return out, nil
}

// handleAdminQuery implements the supplemental inspection route:
// GET /admin/wus?status=ASSIGNED&limit=50.
func (s *Server) handleAdminQuery(w http.ResponseWriter, r *http.Request) {
	var conditions []dbrecord.Condition
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		st, ok := parseStatusName(statusParam)
		if !ok {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
		conditions = append(conditions, dbrecord.Eq("status", int(st)))
	}

	limit := 0
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := s.coordinator.Query(conditions, limit, &dbrecord.Order{Column: "row_id"})
	if err != nil {
		requestsTotal.WithLabelValues("admin_query", "error").Inc()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	requestsTotal.WithLabelValues("admin_query", "ok").Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\n", row.WUID, wustatus.Status(row.Status).String(), row.TimeCreated)
	}
}

func parseStatusName(name string) (wustatus.Status, bool) {
	for st := wustatus.Available; st <= wustatus.Cancelled; st++ {
		if st.String() == name {
			return st, true
		}
	}
	return 0, false
}

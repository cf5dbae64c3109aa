package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/pkg/database"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/metrics"
	"github.com/dbehnke/cs-controller/pkg/scheduler"
)

// ConnectionSource returns a snapshot of the controller's connections.
// Implementations must be safe to call from HTTP handlers.
type ConnectionSource func() ([]scheduler.ConnectionStatus, error)

// API handles REST API endpoints
type API struct {
	logger     *logger.Logger
	started    time.Time
	procedures *database.ProcedureRepository
	collector  *metrics.Collector

	mu     sync.RWMutex
	source ConnectionSource
}

var errNoSource = errors.New("no controller attached")

// NewAPI creates a new API instance
func NewAPI(log *logger.Logger) *API {
	return &API{
		logger:  log,
		started: time.Now(),
	}
}

// SetConnectionSource sets where /api/connections reads from
func (a *API) SetConnectionSource(src ConnectionSource) {
	a.mu.Lock()
	a.source = src
	a.mu.Unlock()
}

func (a *API) hasConnectionSource() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.source != nil
}

// connections returns the current snapshot, never a nil slice.
func (a *API) connections() ([]scheduler.ConnectionStatus, error) {
	a.mu.RLock()
	src := a.source
	a.mu.RUnlock()
	if src == nil {
		return []scheduler.ConnectionStatus{}, errNoSource
	}
	list, err := src()
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []scheduler.ConnectionStatus{}
	}
	return list, nil
}

// SetProcedureRepository sets the procedure history behind /api/procedures
func (a *API) SetProcedureRepository(repo *database.ProcedureRepository) {
	a.procedures = repo
}

// SetCollector sets the collector summarised by /api/status
func (a *API) SetCollector(c *metrics.Collector) {
	a.collector = c
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("Failed to encode response", logger.Error(err))
	}
}

// HandleStatus handles the /api/status endpoint
func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	b := Build()
	response := map[string]interface{}{
		"status":         "running",
		"service":        "cs-controller",
		"version":        b.Version,
		"commit":         b.Commit,
		"build_time":     b.BuildTime,
		"uptime_seconds": int64(time.Since(a.started).Seconds()),
	}
	if a.collector != nil {
		response["connections_active"] = a.collector.GetActiveConnections()
		response["procedures_active"] = a.collector.GetActiveProcedures()
		response["procedures_started"] = a.collector.GetProceduresStarted()
		response["procedures_completed"] = a.collector.GetProceduresCompleted()
		response["procedures_aborted"] = a.collector.GetProceduresAborted()
	}

	a.writeJSON(w, http.StatusOK, response)
}

// HandleConnections handles the /api/connections endpoint
func (a *API) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conns, err := a.connections()
	if err != nil && err != errNoSource {
		a.logger.Warn("Failed to read connections", logger.Error(err))
		http.Error(w, "controller unavailable", http.StatusServiceUnavailable)
		return
	}
	a.writeJSON(w, http.StatusOK, conns)
}

// HandleProcedures handles the /api/procedures endpoint. Query parameters:
// conn (only one connection), page and per_page (default 1 and 50).
func (a *API) HandleProcedures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	page, err := queryInt(r, "page", 1, 1, 1<<20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	perPage, err := queryInt(r, "per_page", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn := -1
	if r.URL.Query().Get("conn") != "" {
		if conn, err = queryInt(r, "conn", 0, 0, 0x0EFF); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	records := []database.ProcedureRecord{}
	var total int64
	if a.procedures != nil {
		var list []database.ProcedureRecord
		if conn >= 0 {
			list, err = a.procedures.GetByConn(uint16(conn), perPage)
			total = int64(len(list))
		} else {
			list, total, err = a.procedures.GetRecentPaginated(page, perPage)
		}
		if err != nil {
			a.logger.Error("Failed to read procedures", logger.Error(err))
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		if list != nil {
			records = list
		}
	}

	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"procedures": records,
		"total":      total,
		"page":       page,
		"per_page":   perPage,
	})
}

type queryError struct {
	key string
}

func (e queryError) Error() string {
	return "invalid " + e.key
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < min || v > max {
		return 0, queryError{key: key}
	}
	return v, nil
}

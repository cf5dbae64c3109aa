package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/database"
	"github.com/dbehnke/cs-controller/pkg/link"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/metrics"
	"github.com/dbehnke/cs-controller/pkg/scheduler"
)

func TestAPI_Status(t *testing.T) {
	log := logger.New(logger.Config{Level: "info"})
	api := NewAPI(log)
	collector := metrics.NewCollector()
	collector.ConnectionOpened(1)
	collector.ProcedureStarted(1, 0, 0)
	api.SetCollector(collector)
	saved := Build()
	SetBuildInfo(BuildInfo{Version: "1.2.3", Commit: "abc", BuildTime: "now"})
	defer SetBuildInfo(saved)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()

	api.HandleStatus(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	// Check response is valid JSON
	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if result["status"] != "running" {
		t.Errorf("Expected status running, got %v", result["status"])
	}
	if result["version"] != "1.2.3" || result["commit"] != "abc" {
		t.Errorf("Expected version 1.2.3 (abc), got %v (%v)", result["version"], result["commit"])
	}
	if result["procedures_active"] != float64(1) {
		t.Errorf("Expected 1 active procedure, got %v", result["procedures_active"])
	}
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	api := NewAPI(logger.Discard())
	handlers := map[string]http.HandlerFunc{
		"/api/status":      api.HandleStatus,
		"/api/connections": api.HandleConnections,
		"/api/procedures":  api.HandleProcedures,
	}

	for path, h := range handlers {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			h(w, httptest.NewRequest(http.MethodPost, path, nil))
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("Expected status 405, got %d", w.Code)
			}
		})
	}
}

func TestAPI_Connections(t *testing.T) {
	api := NewAPI(logger.Discard())

	// No source yet: empty array
	w := httptest.NewRecorder()
	api.HandleConnections(w, httptest.NewRequest(http.MethodGet, "/api/connections", nil))
	var empty []interface{}
	if err := json.NewDecoder(w.Body).Decode(&empty); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Expected an empty array, got %v", empty)
	}

	api.SetConnectionSource(func() ([]scheduler.ConnectionStatus, error) {
		return []scheduler.ConnectionStatus{{
			Info:            link.Info{Handle: 1, Role: "central", State: "encrypted"},
			ActiveProcedure: cs.ProcNone.String(),
			Ranging:         true,
			Configs:         []scheduler.ConfigStatus{{ID: 0, State: "enabled", MainMode: cs.Mode2, Channels: 72}},
		}}, nil
	})

	w = httptest.NewRecorder()
	api.HandleConnections(w, httptest.NewRequest(http.MethodGet, "/api/connections", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var conns []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&conns); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("Expected 1 connection, got %d", len(conns))
	}
	if conns[0]["handle"] != float64(1) || conns[0]["state"] != "encrypted" || conns[0]["ranging"] != true {
		t.Errorf("Unexpected connection %v", conns[0])
	}

	api.SetConnectionSource(func() ([]scheduler.ConnectionStatus, error) {
		return nil, errors.New("stopped")
	})
	w = httptest.NewRecorder()
	api.HandleConnections(w, httptest.NewRequest(http.MethodGet, "/api/connections", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestAPI_Procedures(t *testing.T) {
	db, err := database.NewDB(database.Config{Path: filepath.Join(t.TempDir(), "cs.db")}, logger.Discard())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := database.NewProcedureRepository(db.GetDB())
	now := time.Now()
	for i := 0; i < 5; i++ {
		conn := uint16(1)
		if i >= 3 {
			conn = 2
		}
		rec := &database.ProcedureRecord{
			ConnID:           conn,
			ProcedureCounter: uint16(i),
			StartTime:        now.Add(time.Duration(i) * time.Second),
			EndTime:          now.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Create(rec); err != nil {
			t.Fatalf("Failed to create procedure: %v", err)
		}
	}

	api := NewAPI(logger.Discard())
	api.SetProcedureRepository(repo)

	tests := []struct {
		name   string
		query  string
		status int
		count  int
		total  float64
	}{
		{"all", "", http.StatusOK, 5, 5},
		{"first page", "?page=1&per_page=2", http.StatusOK, 2, 5},
		{"last page", "?page=3&per_page=2", http.StatusOK, 1, 5},
		{"one connection", "?conn=2", http.StatusOK, 2, 2},
		{"bad page", "?page=0", http.StatusBadRequest, 0, 0},
		{"bad per_page", "?per_page=x", http.StatusBadRequest, 0, 0},
		{"bad conn", "?conn=70000", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			api.HandleProcedures(w, httptest.NewRequest(http.MethodGet, "/api/procedures"+tt.query, nil))
			if w.Code != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, w.Code)
			}
			if tt.status != http.StatusOK {
				return
			}
			var result struct {
				Procedures []database.ProcedureRecord `json:"procedures"`
				Total      float64                    `json:"total"`
			}
			if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if len(result.Procedures) != tt.count {
				t.Errorf("Expected %d procedures, got %d", tt.count, len(result.Procedures))
			}
			if result.Total != tt.total {
				t.Errorf("Expected total %v, got %v", tt.total, result.Total)
			}
		})
	}
}

func TestAPI_ProceduresWithoutDatabase(t *testing.T) {
	api := NewAPI(logger.Discard())
	w := httptest.NewRecorder()
	api.HandleProcedures(w, httptest.NewRequest(http.MethodGet, "/api/procedures", nil))

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	list, ok := result["procedures"].([]interface{})
	if !ok || len(list) != 0 {
		t.Errorf("Expected an empty procedure list, got %v", result["procedures"])
	}
}

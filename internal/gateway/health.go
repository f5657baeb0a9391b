package gateway

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status        string       `json:"status"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Timestamp     time.Time    `json:"timestamp"`
	Memory        healthMemory `json:"memory"`
}

type healthMemory struct {
	Used  uint64 `json:"used"`
	Total uint64 `json:"total"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Timestamp:     time.Now().UTC(),
		Memory: healthMemory{
			Used:  mem.HeapAlloc,
			Total: mem.Sys,
		},
	})
}

type readyResponse struct {
	Ready    bool            `json:"ready"`
	Services map[string]bool `json:"services"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	services := map[string]bool{
		"database":      s.store != nil,
		"tool_server":   s.supervisor != nil && s.supervisor.Connected(),
		"profile_store": s.registry != nil,
	}

	ready := true
	for _, ok := range services {
		if !ok {
			ready = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(readyResponse{Ready: ready, Services: services})
}

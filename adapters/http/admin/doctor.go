package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// DoctorResponse represents the system health check response.
type DoctorResponse struct {
	Status     string         `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp  string         `json:"timestamp"`
	Version    string         `json:"version"`
	Checks     []HealthCheck  `json:"checks"`
	System     SystemInfo     `json:"system"`
	Statistics StatisticsInfo `json:"statistics"`
}

// HealthCheck represents a single health check result.
type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "pass", "warn", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// SystemInfo represents system information.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
	MemAlloc     string `json:"mem_alloc"`
	MemSys       string `json:"mem_sys"`
	Uptime       string `json:"uptime,omitempty"`
}

// StatisticsInfo reports engine queues.
type StatisticsInfo struct {
	Plans         int `json:"plans"`
	JournalDepth  int `json:"journal_depth"`
	PendingAlerts int `json:"pending_alert_notifications"`
	Jobs          int `json:"jobs"`
}

// journalWarnDepth is the queue depth at which doctor reports degraded.
const journalWarnDepth = 1000

var startTime = time.Now()

// Doctor performs a system health check with diagnostics.
func (h *Handler) Doctor(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	response := DoctorResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
		Checks: []HealthCheck{
			h.checkDatabase(ctx),
			h.checkCatalog(),
			h.checkJournal(),
			h.checkOutbox(),
			h.checkMemory(),
		},
	}

	hasWarn := false
	hasFail := false
	for _, check := range response.Checks {
		switch check.Status {
		case "warn":
			hasWarn = true
		case "fail":
			hasFail = true
		}
	}

	if hasFail {
		response.Status = "unhealthy"
	} else if hasWarn {
		response.Status = "degraded"
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response.System = SystemInfo{
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		MemAlloc:     formatBytes(memStats.Alloc),
		MemSys:       formatBytes(memStats.Sys),
		Uptime:       time.Since(startTime).Round(time.Second).String(),
	}

	response.Statistics.Plans = len(h.plans.Catalog().List())
	if h.journal != nil {
		response.Statistics.JournalDepth = h.journal.Depth()
	}
	if h.alerts != nil {
		response.Statistics.PendingAlerts = h.alerts.Pending()
	}
	if h.scheduler != nil {
		response.Statistics.Jobs = len(h.scheduler.Jobs())
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, response)
}

func (h *Handler) checkDatabase(ctx context.Context) HealthCheck {
	check := HealthCheck{
		Name:   "database",
		Status: "pass",
	}
	if h.db == nil {
		check.Status = "warn"
		check.Message = "In-memory stores, nothing is persisted"
		return check
	}

	start := time.Now()
	err := h.db.PingContext(ctx)
	check.Latency = time.Since(start).String()

	if err != nil {
		check.Status = "fail"
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
	} else {
		check.Message = "Database connection healthy"
	}
	return check
}

func (h *Handler) checkCatalog() HealthCheck {
	check := HealthCheck{
		Name:   "plans",
		Status: "pass",
	}

	c := h.plans.Catalog()
	var issues []string
	if len(c.List()) == 0 {
		issues = append(issues, "no plans configured")
	}
	if _, ok := c.Default(); !ok {
		issues = append(issues, "no default plan, unassigned organizations are denied")
	}

	if len(issues) > 0 {
		check.Status = "warn"
		check.Message = fmt.Sprintf("Plan warnings: %v", issues)
	} else {
		check.Message = fmt.Sprintf("%d plans loaded", len(c.List()))
	}
	return check
}

func (h *Handler) checkJournal() HealthCheck {
	check := HealthCheck{
		Name:   "journal",
		Status: "pass",
	}
	if h.journal == nil {
		check.Message = "Journal not reported"
		return check
	}

	depth := h.journal.Depth()
	check.Message = fmt.Sprintf("%d events waiting to be flushed", depth)
	if depth > journalWarnDepth {
		check.Status = "warn"
	}
	return check
}

func (h *Handler) checkOutbox() HealthCheck {
	check := HealthCheck{
		Name:   "alert_outbox",
		Status: "pass",
	}
	if h.alerts == nil {
		check.Message = "Alerts not reported"
		return check
	}

	pending := h.alerts.Pending()
	check.Message = fmt.Sprintf("%d notifications awaiting delivery", pending)
	if pending > 0 {
		check.Status = "warn"
	}
	return check
}

func (h *Handler) checkMemory() HealthCheck {
	check := HealthCheck{
		Name:   "memory",
		Status: "pass",
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	// Warn if using more than 1GB
	if memStats.Alloc > 1<<30 {
		check.Status = "warn"
		check.Message = fmt.Sprintf("High memory usage: %s", formatBytes(memStats.Alloc))
	} else {
		check.Message = fmt.Sprintf("Memory usage: %s", formatBytes(memStats.Alloc))
	}

	return check
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

package httpapi

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type systemStatus struct {
	Running       bool      `json:"running"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Services      []string  `json:"services"`

	Students       int `json:"students"`
	Tasks          int `json:"tasks"`
	JournalEntries int `json:"journal_entries"`
	CacheEntries   int `json:"cache_entries"`

	Goroutines int    `json:"goroutines"`
	GoVersion  string `json:"go_version"`

	Hostname        string  `json:"hostname,omitempty"`
	Platform        string  `json:"platform,omitempty"`
	ProcessRSSBytes uint64  `json:"process_rss_bytes,omitempty"`
	MemUsedPercent  float64 `json:"mem_used_percent,omitempty"`
}

func (h *handler) systemStatus(w http.ResponseWriter, r *http.Request) {
	status := systemStatus{
		Running:        h.app.Running(),
		StartedAt:      h.app.StartedAt(),
		Services:       h.app.ServiceNames(),
		Students:       h.app.Registry.Len(),
		Tasks:          h.app.Scheduler.Tracker().Len(),
		JournalEntries: h.app.Journal.Count(),
		Goroutines:     runtime.NumGoroutine(),
		GoVersion:      runtime.Version(),
	}
	if !status.StartedAt.IsZero() {
		status.UptimeSeconds = int64(time.Since(status.StartedAt) / time.Second)
	}
	if h.app.Cache != nil {
		if n, err := h.app.Cache.Len(r.Context()); err == nil {
			status.CacheEntries = n
		}
	}

	// Host and process figures are best effort; missing values are omitted
	// rather than failing the endpoint.
	ctx := r.Context()
	if info, err := host.InfoWithContext(ctx); err == nil {
		status.Hostname = info.Hostname
		status.Platform = info.Platform
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		status.MemUsedPercent = vm.UsedPercent
	}
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil {
			status.ProcessRSSBytes = mi.RSS
		}
	}

	writeJSON(w, http.StatusOK, status)
}

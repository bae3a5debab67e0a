package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// Check probes one backend dependency. A nil error means healthy.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// Reporter assembles process health: connected clients, uptime, memory, and
// registered backend checks.
type Reporter struct {
	startTime time.Time
	clients   func() int
	checks    []namedCheck
}

// NewReporter creates a reporter. clientCount may be nil when the process
// serves no clients.
func NewReporter(clientCount func() int) *Reporter {
	if clientCount == nil {
		clientCount = func() int { return 0 }
	}
	return &Reporter{
		startTime: time.Now(),
		clients:   clientCount,
	}
}

// AddCheck registers a named connectivity check. Not safe to call after the
// handler is serving.
func (r *Reporter) AddCheck(name string, check Check) {
	r.checks = append(r.checks, namedCheck{name: name, check: check})
}

// Snapshot runs every check and assembles the current status.
func (r *Reporter) Snapshot(ctx context.Context) Status {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := Status{
		Timestamp: time.Now(),
		Uptime:    time.Since(r.startTime).Round(time.Second).String(),
		Clients:   r.clients(),
		Memory: MemoryStats{
			AllocBytes:      mem.Alloc,
			TotalAllocBytes: mem.TotalAlloc,
			SysBytes:        mem.Sys,
			NumGC:           mem.NumGC,
			Goroutines:      runtime.NumGoroutine(),
		},
	}

	failed := 0
	for _, nc := range r.checks {
		result := CheckResult{Name: nc.name, Healthy: true}
		if err := nc.check(ctx); err != nil {
			result.Healthy = false
			result.Message = sanitizeMessage(err.Error())
			failed++
		}
		status.Checks = append(status.Checks, result)
	}

	switch {
	case failed == 0:
		status.Status = "healthy"
		status.Healthy = true
	case failed < len(r.checks):
		status.Status = "degraded"
	default:
		status.Status = "unhealthy"
	}
	return status
}

// Handler serves the status as JSON. Healthy and degraded answer 200;
// unhealthy answers 503 so load balancers stop routing.
func (r *Reporter) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		status := r.Snapshot(req.Context())

		code := http.StatusOK
		if status.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

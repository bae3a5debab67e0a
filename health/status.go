// Package health reports process health for operational monitoring.
package health

import (
	"regexp"
	"time"
)

// Pre-compiled regexes for message sanitization
var (
	httpURLRegex    = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex    = regexp.MustCompile(`nats://[^\s]+`)
	postgresRegex   = regexp.MustCompile(`postgres(ql)?://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health endpoint body.
type Status struct {
	Status    string        `json:"status"` // "healthy", "unhealthy", "degraded"
	Healthy   bool          `json:"healthy"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Clients   int           `json:"clients"`
	Memory    MemoryStats   `json:"memory"`
	Checks    []CheckResult `json:"checks,omitempty"`
}

// MemoryStats is a compact view of runtime.MemStats.
type MemoryStats struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	Goroutines      int    `json:"goroutines"`
}

// CheckResult is one backend connectivity check.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// IsHealthy returns true if every check passed.
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// sanitizeMessage strips connection strings, addresses, and credentials from
// check messages before they leave the process.
func sanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}
	sanitized := msg
	sanitized = httpURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = postgresRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")
	return sanitized
}

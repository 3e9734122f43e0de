// internal/server/timeouts.go
//
// HTTP server helper with robust timeouts.
//
// Production hardening recommends:
//
//   • ReadTimeout   – abort slow-loris headers (10 s default)
//   • WriteTimeout  – cap total response time (15 s default)
//   • IdleTimeout   – close keep-alives on idle clients (60 s default)
//
// This helper centralises those defaults so cmd/facade, cmd/validator, and
// cmd/rotator don't repeat boilerplate. Timeouts are configurable
// (http.read_timeout_ms/write_timeout_ms/idle_timeout_ms) since the three
// binaries carry different load profiles; a zero Timeouts field falls back
// to the defaults below.
//

package server

import (
	"net/http"
	"time"
)

// Timeouts overrides New's defaults. A zero field keeps the default.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Read <= 0 {
		t.Read = 10 * time.Second
	}
	if t.Write <= 0 {
		t.Write = 15 * time.Second
	}
	if t.Idle <= 0 {
		t.Idle = 60 * time.Second
	}
	return t
}

// New constructs an *http.Server with sensible default or caller-supplied
// timeouts.
func New(addr string, handler http.Handler, timeouts Timeouts) *http.Server {
	timeouts = timeouts.withDefaults()
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  timeouts.Read,
		WriteTimeout: timeouts.Write,
		IdleTimeout:  timeouts.Idle,
		// TLSConfig may be injected by callers (e.g., autocert).
	}
}

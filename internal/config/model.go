// internal/config/model.go
//
// Typed configuration model for the trust plane.
//
// Context
// -------
// These structs define the shape of the configuration tree that
// `internal/config/loader.go` builds from three overlay layers:
//
//   • optional `.env`                            – dotenv values,
//   • `conf/global.yaml`                         – primary static file,
//   • `FACADE_`-prefixed environment overrides  – highest precedence.
//
// Any value whose string begins with the prefix `vault:` is resolved
// through the Vault client *before* unmarshalling, so the model never
// stores Vault URIs—only plain strings.
//
// Validation happens immediately after unmarshal; the app fails fast if
// required fields are missing.
//
// Notes
// -----
//   • Struct tags use `koanf:"…"`, not `yaml:"…"`—Koanf ignores `yaml` tags
//     unless configured otherwise.
//   • The `Paths` block is filled at runtime; YAML must not try to set it.
//   • Oxford commas, two spaces after periods.  No em-dash.

package config

import "time"

//
// HTTP / server section
//

// HTTP holds web-server tunables shared by all three binaries (including
// the http.*_timeout_ms hardening timeouts). DownstreamURL is where cmd/facade forwards
// business-path traffic once it has attached a bearer token — required by
// the three-binary process shape this expansion introduces, not named by
// spec.md's enumerated set since the original spec has no notion of a
// separate downstream process.
type HTTP struct {
	ListenAddr     string `koanf:"listen_addr" validate:"required,hostname_port"`
	ForceHTTPS     bool   `koanf:"force_https"`
	ReadTimeoutMs  int    `koanf:"read_timeout_ms"`
	WriteTimeoutMs int    `koanf:"write_timeout_ms"`
	IdleTimeoutMs  int    `koanf:"idle_timeout_ms"`
	DownstreamURL  string `koanf:"downstream_url"`
}

func (h HTTP) ReadTimeout() time.Duration  { return time.Duration(h.ReadTimeoutMs) * time.Millisecond }
func (h HTTP) WriteTimeout() time.Duration { return time.Duration(h.WriteTimeoutMs) * time.Millisecond }
func (h HTTP) IdleTimeout() time.Duration  { return time.Duration(h.IdleTimeoutMs) * time.Millisecond }

//
// Database section
//

// Database holds DSN templates and secrets.
//
// The *template* (`GlobalDSN`) is kept in YAML so operators can tweak
// host, port, or flags without touching Vault.  The *secret* portion
// (`GlobalPassword`) is stored in Vault and injected at runtime, keeping
// credentials out of flat files and git history.
type Database struct {
	GlobalDSN      string `koanf:"global_dsn"      validate:"required"`
	GlobalPassword string `koanf:"global_password" validate:"required"`
}

//
// Vault section (spec.md §6)
//

// Vault configures C1's identity, connectivity, and retry tuning.
type Vault struct {
	URL              string  `koanf:"url" validate:"required"`
	Account          string  `koanf:"account"`
	Identity         string  `koanf:"identity"`
	ConnectTimeoutMs int     `koanf:"connect_timeout_ms"`
	ReadTimeoutMs    int     `koanf:"read_timeout_ms"`
	RetryCount       int     `koanf:"retry.count"`
	RetryMultiplier  float64 `koanf:"retry.backoff_multiplier"`
}

//
// Token section (spec.md §6 + [ADD] key paths)
//

// Token configures C3's issuer/audience, TTLs, renewal, and clock skew.
// RenewalBaseURL is cmd/validator's pointer back to cmd/facade's renewal
// endpoint (internal/validator.HTTPRenewalClient) — required by the
// three-binary split this expansion introduces; C6 never runs with vault
// credentials, so it must reach renewal over HTTP rather than in-process.
type Token struct {
	Issuer              string `koanf:"issuer" validate:"required"`
	Audience            string `koanf:"audience" validate:"required"`
	TTLSeconds          int    `koanf:"ttl_seconds"`
	RenewalEnabled      bool   `koanf:"renewal.enabled"`
	RenewalThresholdSec int    `koanf:"renewal.threshold_seconds"`
	ClockSkewSeconds    int    `koanf:"clock_skew_seconds"`
	SigningKeyPath      string `koanf:"signing_key_path"`
	VerificationKeyPath string `koanf:"verification_key_path"`
	RenewalBaseURL      string `koanf:"renewal_base_url"`
}

func (t Token) TTL() time.Duration             { return time.Duration(t.TTLSeconds) * time.Second }
func (t Token) RenewThreshold() time.Duration  { return time.Duration(t.RenewalThresholdSec) * time.Second }
func (t Token) ClockSkew() time.Duration       { return time.Duration(t.ClockSkewSeconds) * time.Second }

//
// Cache section — spec.md's abstract host/port/password/ssl/db/poolMin/
// poolMax collapses onto the concrete go-redis options this repository
// actually wires (SPEC_FULL.md §6 [ADD]).
//

// Redis configures C2's L2 cluster-shared tier.
type Redis struct {
	Addr          string `koanf:"addr"`
	Password      string `koanf:"password"`
	DB            int    `koanf:"db"`
	DialTimeoutMs int    `koanf:"dial_timeout_ms"`
}

func (r Redis) DialTimeout() time.Duration { return time.Duration(r.DialTimeoutMs) * time.Millisecond }

// Cache wraps the Redis L2 tier; L1 is always in-process and unconfigured.
type Cache struct {
	Redis Redis `koanf:"redis"`
}

//
// Rotation section
//

// Rotation configures C5's default transition window and reconciliation
// sweep cadence.
type Rotation struct {
	DefaultTransitionSeconds int `koanf:"default_transition_seconds"`
	CheckIntervalSeconds     int `koanf:"check_interval_seconds"`
	WatchdogSeconds          int `koanf:"watchdog_seconds"`
}

func (r Rotation) DefaultTransition() time.Duration {
	return time.Duration(r.DefaultTransitionSeconds) * time.Second
}
func (r Rotation) CheckInterval() time.Duration {
	return time.Duration(r.CheckIntervalSeconds) * time.Second
}
func (r Rotation) Watchdog() time.Duration {
	return time.Duration(r.WatchdogSeconds) * time.Second
}

//
// Circuit breaker section
//

// CircuitBreaker configures the breaker C1 (and, symmetrically, any
// other upstream-calling collaborator) trips on.
type CircuitBreaker struct {
	Window       int           `koanf:"window"`
	FailureRatio float64       `koanf:"failure_ratio"`
	ResetSeconds int           `koanf:"reset_seconds"`
}

func (c CircuitBreaker) ResetTimeout() time.Duration {
	return time.Duration(c.ResetSeconds) * time.Second
}

//
// Backward-compatibility header auth section
//

// BackwardCompatibility configures the header-based Client-ID/Client-
// Secret exchange the façade performs internally for legacy vendor
// integrations (spec.md §6 "for backward compatibility").
type BackwardCompatibility struct {
	Enabled bool `koanf:"enabled"`
}

// HeaderAuth names the headers the façade reads when a caller uses the
// legacy header-auth path instead of POST /authenticate.
type HeaderAuth struct {
	ClientIDHeader     string `koanf:"client_id_header"`
	ClientSecretHeader string `koanf:"client_secret_header"`
}

//
// Rate limit section
//

// RateLimit configures C4's per-clientId token bucket.
type RateLimit struct {
	PerMinute int `koanf:"per_minute"`
	Burst     int `koanf:"burst"`
}

//
// Request metadata enrichment section ([ADD])
//

// Reqmeta configures the optional GeoIP enrichment internal/reqmeta
// attaches to audit events.
type Reqmeta struct {
	GeoIPPath string `koanf:"geoip_path"`
}

//
// Paths section (runtime only)
//

// Paths is resolved at runtime—never set in YAML or env.  The loader
// discovers `Root` (repo root or FACADE_ROOT override) so later code can
// build absolute file paths.
type Paths struct {
	Root string // FACADE_ROOT or discovered parent
}

//
// Root aggregate
//

// Config is the immutable aggregate returned by Load() and cached in an
// atomic.Pointer for lock-free reads throughout the app lifetime.
type Config struct {
	HTTP                  HTTP                  `koanf:"http"`
	Database              Database              `koanf:"database"`
	Vault                 Vault                 `koanf:"vault"`
	Token                 Token                 `koanf:"token"`
	Cache                 Cache                 `koanf:"cache"`
	Rotation              Rotation              `koanf:"rotation"`
	CircuitBreaker        CircuitBreaker        `koanf:"circuit_breaker"`
	BackwardCompatibility BackwardCompatibility `koanf:"backward_compatibility"`
	HeaderAuth            HeaderAuth            `koanf:"header_auth"`
	RateLimit             RateLimit             `koanf:"rate_limit"`
	Reqmeta               Reqmeta               `koanf:"reqmeta"`
	Paths                 Paths                 `koanf:"-"` // not loaded from config files
}

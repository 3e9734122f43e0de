// Package reqmeta enriches AuditEvents with request context: a parsed
// User-Agent fingerprint and coarse IP geolocation, adapted from the
// teacher framework's internal/requestinfo (which enriched page-render
// context) into attributes attached directly to audit.Emitter calls
// instead of a custom request Context type — this system has no
// server-rendered surface for RequestInfo to flow through.
package reqmeta

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	uasurfer "github.com/avct/uasurfer/v4"
	"github.com/oschwald/geoip2-golang"
)

// UA holds the parsed user-agent properties used for audit enrichment.
type UA struct {
	Browser string
	Version string
	OS      string
	Device  string
	IsBot   bool
}

// Geo holds best-effort IP-based geolocation hints.
type Geo struct {
	IP         net.IP
	CountryISO string
	City       string
}

var geoReader *geoip2.Reader

// InitGeo opens the GeoLite2-City database at reqmeta.geoip_path (spec.md
// §6 expansion). A missing or unset path leaves geoReader nil; LookupGeo
// then degrades to IP-only attribution rather than failing boot, since
// geolocation is enrichment, not a security control.
func InitGeo(dbPath string) error {
	if dbPath == "" {
		return nil
	}
	r, err := geoip2.Open(dbPath)
	if err != nil {
		return err
	}
	geoReader = r
	return nil
}

// ParseUA parses the request's User-Agent header.
func ParseUA(uaHeader string) UA {
	u := uasurfer.Parse(uaHeader)

	browser := strings.TrimPrefix(u.Browser.Name.String(), "Browser")
	version := trimVersion(u.Browser.Version)
	os := strings.TrimPrefix(u.OS.Name.String(), "OS")
	if os == "MacOSX" {
		os = "macOS"
	}
	device := deviceTypeToString(u.DeviceType)

	return UA{
		Browser: browser,
		Version: version,
		OS:      os,
		Device:  device,
		IsBot:   u.IsBot,
	}
}

// ClientIP extracts the originating address, preferring the first hop in
// X-Forwarded-For over RemoteAddr since the façade typically sits behind a
// load balancer.
func ClientIP(r *http.Request) net.IP {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(parts[0])); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// LookupGeo returns best-effort Geo data for ip using the global reader.
func LookupGeo(ip net.IP) Geo {
	if geoReader == nil || ip == nil {
		return Geo{IP: ip}
	}
	rec, err := geoReader.City(ip)
	if err != nil {
		return Geo{IP: ip}
	}
	return Geo{
		IP:         ip,
		CountryISO: rec.Country.IsoCode,
		City:       rec.City.Names["en"],
	}
}

// Attributes builds the map an AuditEvent attaches to Attributes, ready to
// merge into any event emitted for r.
func Attributes(r *http.Request) map[string]any {
	ua := ParseUA(r.UserAgent())
	ip := ClientIP(r)
	geo := LookupGeo(ip)

	attrs := map[string]any{
		"ua_browser": ua.Browser,
		"ua_version": ua.Version,
		"ua_os":      ua.OS,
		"ua_device":  ua.Device,
		"ua_is_bot":  ua.IsBot,
	}
	if ip != nil {
		attrs["client_ip"] = ip.String()
	}
	if geo.CountryISO != "" {
		attrs["geo_country"] = geo.CountryISO
	}
	if geo.City != "" {
		attrs["geo_city"] = geo.City
	}
	return attrs
}

func trimVersion(v uasurfer.Version) string {
	out := strings.TrimSuffix(
		strings.TrimSuffix(
			strings.TrimSuffix(
				strings.Join([]string{
					intToStr(v.Major),
					intToStr(v.Minor),
					intToStr(v.Patch),
				}, "."),
				".0",
			), ".0",
		), ".0",
	)
	if out == "" {
		return "0"
	}
	return out
}

func intToStr(i uint64) string { return strconv.FormatUint(i, 10) }

func deviceTypeToString(dt uasurfer.DeviceType) string {
	switch dt {
	case uasurfer.DeviceComputer:
		return "Desktop"
	case uasurfer.DevicePhone:
		return "Phone"
	case uasurfer.DeviceTablet:
		return "Tablet"
	case uasurfer.DeviceConsole:
		return "Console"
	case uasurfer.DeviceWearable:
		return "Wearable"
	case uasurfer.DeviceTV:
		return "TV"
	case uasurfer.DeviceBot:
		return "Bot"
	default:
		return "Unknown"
	}
}

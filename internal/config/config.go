// Package config holds the device configuration.
//
// Configuration is resolved in three layers: built-in defaults, an
// optional YAML file, then GBNVR_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Transport values accepted for sip.transport.
const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
)

// Config is the root configuration.
type Config struct {
	Device  DeviceConfig  `koanf:"device"`
	SIP     SIPConfig     `koanf:"sip"`
	Catalog CatalogConfig `koanf:"catalog"`
	Media   MediaConfig   `koanf:"media"`

	// StreamDirectory is the root scanned for file-backed channels.
	StreamDirectory string `koanf:"stream_directory"`

	// RTSPSources binds live upstream feeds to channel IDs.
	RTSPSources []RTSPSource `koanf:"rtsp_sources"`

	Metrics  MetricsConfig `koanf:"metrics"`
	LogLevel string        `koanf:"log_level"`
}

// DeviceConfig is the GB28181 identity advertised to the platform.
// Immutable for the process lifetime.
type DeviceConfig struct {
	// ID is the 20-digit decimal GB28181 device ID.
	ID           string `koanf:"device_id"`
	Name         string `koanf:"name"`
	Manufacturer string `koanf:"manufacturer"`
	Model        string `koanf:"model"`
	Owner        string `koanf:"owner"`
	CivilCode    string `koanf:"civil_code"`
	Block        string `koanf:"block"`
	Address      string `koanf:"address"`
	Firmware     string `koanf:"firmware"`
}

// SIPConfig describes the target platform and our SIP identity.
type SIPConfig struct {
	Server    string `koanf:"server"`
	Port      int    `koanf:"port"`
	Transport string `koanf:"transport"`

	LocalPort int    `koanf:"local_port"`
	LocalIP   string `koanf:"local_ip"`
	// ContactIP is the public-facing address placed in Contact and SDP.
	// Differs from LocalIP when the device sits behind NAT.
	ContactIP string `koanf:"contact_ip"`

	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Realm    string `koanf:"realm"`

	RegisterExpires   int `koanf:"register_expires"`
	KeepaliveInterval int `koanf:"keepalive_interval"`
}

// CatalogConfig controls the catalog scan.
type CatalogConfig struct {
	// MaxItems caps the catalog so responses stay within the UDP MTU.
	MaxItems     int           `koanf:"max_items"`
	ScanInterval time.Duration `koanf:"scan_interval"`
}

// MediaConfig controls the media dispatch layer.
type MediaConfig struct {
	PortMin     int `koanf:"port_min"`
	PortMax     int `koanf:"port_max"`
	MaxRestarts int `koanf:"max_restarts"`
	// UDPBudget is the per-datagram size above which MANSCDP responses
	// are paginated across MESSAGEs.
	UDPBudget int `koanf:"udp_budget"`
	// LoopFiles restarts file sources at end-of-stream instead of
	// terminating the session.
	LoopFiles bool `koanf:"loop_files"`

	Presets map[string]StreamingPreset `koanf:"streaming_presets"`
}

// StreamingPreset is an encoder parameter group.
type StreamingPreset struct {
	Profile     string `koanf:"profile"`
	BitrateKbps int    `koanf:"bitrate_kbps"`
	KeyInterval int    `koanf:"key_interval"`
	// Resolution is the GB28181 format resolution index (1..4).
	Resolution int `koanf:"resolution"`
}

// RTSPSource binds one upstream RTSP feed to a channel.
type RTSPSource struct {
	URL       string `koanf:"url"`
	Name      string `koanf:"name"`
	Enabled   bool   `koanf:"enabled"`
	ChannelID string `koanf:"channel_id"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	// Listen is the metrics bind address; empty disables the listener.
	Listen string `koanf:"listen"`
}

// ContactAddr returns the address to advertise, preferring ContactIP.
func (s SIPConfig) ContactAddr() string {
	if s.ContactIP != "" {
		return s.ContactIP
	}
	return s.LocalIP
}

// ServerAddr returns "host:port" of the platform SIP endpoint.
func (s SIPConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Server, s.Port)
}

// Validate checks invariants that make startup impossible when broken.
func (c *Config) Validate() error {
	if !isGBID(c.Device.ID) {
		return fmt.Errorf("device_id must be a 20-digit decimal GB28181 ID, got %q", c.Device.ID)
	}
	if c.SIP.Server == "" {
		return fmt.Errorf("sip.server is required")
	}
	if c.SIP.Port <= 0 || c.SIP.Port > 65535 {
		return fmt.Errorf("sip.port out of range: %d", c.SIP.Port)
	}
	switch strings.ToLower(c.SIP.Transport) {
	case TransportUDP, TransportTCP:
	default:
		return fmt.Errorf("sip.transport must be udp or tcp, got %q", c.SIP.Transport)
	}
	if c.SIP.LocalPort <= 0 || c.SIP.LocalPort > 65535 {
		return fmt.Errorf("sip.local_port out of range: %d", c.SIP.LocalPort)
	}
	if c.SIP.RegisterExpires <= 0 {
		return fmt.Errorf("sip.register_expires must be positive")
	}
	if c.SIP.KeepaliveInterval <= 0 {
		return fmt.Errorf("sip.keepalive_interval must be positive")
	}
	if c.Catalog.MaxItems <= 0 {
		return fmt.Errorf("catalog.max_items must be positive")
	}
	if c.Media.PortMin <= 0 || c.Media.PortMax <= c.Media.PortMin {
		return fmt.Errorf("media port range invalid: %d-%d", c.Media.PortMin, c.Media.PortMax)
	}
	for i, src := range c.RTSPSources {
		if !src.Enabled {
			continue
		}
		if src.URL == "" {
			return fmt.Errorf("rtsp_sources[%d]: url is required", i)
		}
		if src.ChannelID != "" && !isGBID(src.ChannelID) {
			return fmt.Errorf("rtsp_sources[%d]: channel_id must be a 20-digit ID, got %q", i, src.ChannelID)
		}
	}
	return nil
}

// isGBID reports whether s is a 20-digit decimal GB28181 identifier.
func isGBID(s string) bool {
	if len(s) != 20 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

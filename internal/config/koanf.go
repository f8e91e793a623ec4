package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// GBNVR_SIP__SERVER=10.0.0.1 maps to sip.server.
const EnvPrefix = "GBNVR_"

// defaultConfig returns a Config with all defaults applied. The file and
// environment layers override it.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:         "GBNVR Virtual Device",
			Manufacturer: "gbnvr",
			Model:        "virtual-nvr",
			Owner:        "Owner",
			CivilCode:    "CivilCode",
			Block:        "Block",
			Address:      "Address",
			Firmware:     "1.0",
		},
		SIP: SIPConfig{
			Port:              5060,
			Transport:         TransportUDP,
			LocalPort:         5080,
			LocalIP:           "0.0.0.0",
			RegisterExpires:   3600,
			KeepaliveInterval: 30,
		},
		Catalog: CatalogConfig{
			MaxItems:     20,
			ScanInterval: 10 * time.Minute,
		},
		Media: MediaConfig{
			PortMin:     30000,
			PortMax:     30500,
			MaxRestarts: 5,
			UDPBudget:   1400,
			LoopFiles:   true,
			Presets: map[string]StreamingPreset{
				"default": {
					Profile:     "baseline",
					BitrateKbps: 1024,
					KeyInterval: 50,
					Resolution:  3, // 704x576
				},
			},
		},
		StreamDirectory: "streams",
		LogLevel:        "info",
	}
}

// Load reads configuration from path (optional) and the environment,
// layered over defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// GBNVR_SIP__CONTACT_IP=1.2.3.4 -> sip.contact_ip
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.SIP.Realm == "" {
		// GB28181 convention: realm is the platform domain, the first
		// ten digits of the server ID. Fall back to the SIP server.
		cfg.SIP.Realm = cfg.SIP.Server
	}
	if cfg.SIP.Username == "" {
		cfg.SIP.Username = cfg.Device.ID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

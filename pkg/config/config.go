// Package config holds the resolved daemon configuration. Parsing of the
// config file and flag merging live here; everything downstream consumes
// the Config struct.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Defaults.
const (
	DefaultPort            = 7654
	DefaultMgmtPort        = 5644
	DefaultMgmtBind        = "127.0.0.1"
	DefaultFederationName  = "Federation"
	DefaultAutoIPPool      = "10.128.255.0-10.255.255.0/24"
	DefaultRegistrationTTL = 60 // seconds
	DefaultMgmtSlots       = 5
)

// Config is the resolved configuration the core consumes.
type Config struct {
	BindAddress string // host:port for the UDP and aux TCP data sockets
	TCPEnabled  bool

	MgmtBind     string
	MgmtPort     int
	MgmtPassword string
	MgmtSlots    int

	FederationName string   // without the leading '*'
	Anchors        []string // host:port of statically-known supernodes

	CommunityFile string
	AutoIPPool    string // "<net>-<net>/<bits>"

	RegistrationTTL    int // seconds
	SpoofingProtection bool

	HeaderEncryptionDefault string // none | static | user-password
	MACAddress              string // fixed supernode MAC, random if empty
	VersionString           string // ≤19 bytes, sent to edges
	IdentityFile            string // persisted X25519 keypair, ephemeral if empty
}

// Default returns a Config with every knob at its documented default.
func Default() Config {
	return Config{
		BindAddress:             fmt.Sprintf(":%d", DefaultPort),
		TCPEnabled:              true,
		MgmtBind:                DefaultMgmtBind,
		MgmtPort:                DefaultMgmtPort,
		MgmtSlots:               DefaultMgmtSlots,
		FederationName:          DefaultFederationName,
		AutoIPPool:              DefaultAutoIPPool,
		RegistrationTTL:         DefaultRegistrationTTL,
		SpoofingProtection:      true,
		HeaderEncryptionDefault: "none",
	}
}

// Validate rejects values the core cannot run with.
func (c *Config) Validate() error {
	if c.RegistrationTTL <= 0 {
		return fmt.Errorf("registration_ttl must be positive")
	}
	if len(c.VersionString) > 19 {
		return fmt.Errorf("version string too long: %d bytes (max 19)", len(c.VersionString))
	}
	if c.MgmtSlots <= 0 {
		return fmt.Errorf("mgmt_slots must be positive")
	}
	return nil
}

// Load reads a JSON config file and returns it as a map.
func Load(path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg map[string]interface{}
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyToFlags overrides flag defaults from config for any flag not
// explicitly set on the command line. Call this AFTER flag.Parse().
// Keys in the config can use either hyphens or underscores (e.g.
// "mgmt-port" or "mgmt_port" both match the -mgmt-port flag).
func ApplyToFlags(cfg map[string]interface{}) {
	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	flag.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		val, ok := cfg[f.Name]
		if !ok {
			val, ok = cfg[strings.ReplaceAll(f.Name, "-", "_")]
		}
		if !ok {
			return
		}
		switch v := val.(type) {
		case string:
			f.Value.Set(v)
		case float64:
			f.Value.Set(fmt.Sprintf("%v", v))
		case bool:
			f.Value.Set(fmt.Sprintf("%v", v))
		}
	})
}

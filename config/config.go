package config

import (
	_ "embed"

	"go.mau.fi/zeroconfig"
)

//go:embed example-config.yaml
var ExampleConfig string

type HomeserverConfig struct {
	Domain     string `yaml:"domain"`
	KeyVersion string `yaml:"key_version"`
	SigningKey string `yaml:"signing_key"`
}

type ServerConfig struct {
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`
}

type SMHConfig struct {
	RoomName         string `yaml:"room_name"`
	ManagementSecret string `yaml:"management_secret"`
}

type FederationConfig struct {
	VerifyTLS         bool   `yaml:"verify_tls"`
	WellKnownCacheTTL string `yaml:"well_known_cache_ttl"`
}

type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Server     ServerConfig      `yaml:"server"`
	SMH        SMHConfig         `yaml:"smh"`
	Federation FederationConfig  `yaml:"federation"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

package config

import "time"

// Config holds the settings shared by every command.
type Config struct {
	// Log Config
	LogLevel   int    `mapstructure:"log-level" json:"log-level"`     // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `mapstructure:"log-format" json:"log-format"`   // "json" or "console"
	LogSampler bool   `mapstructure:"log-sampler" json:"log-sampler"` // if true, samples logs (e.g., 1 in 5)

	// Relay
	Address string `mapstructure:"address" json:"address"` // relay base URL (default: http://localhost:8000/)

	// Key share encryption at rest; empty stores the artifact in plain JSON
	Password string `mapstructure:"password" json:"password"`

	// Prometheus listen address; empty disables the endpoint
	MetricsAddr string `mapstructure:"metrics-addr" json:"metrics-addr"`

	// SQLite session journal; empty disables it
	Journal string `mapstructure:"journal" json:"journal"`

	// Overall deadline for one command; zero waits indefinitely
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// KeygenConfig holds the settings of the keygen command.
type KeygenConfig struct {
	Config `mapstructure:",squash"`

	Room      string `mapstructure:"room"`
	Output    string `mapstructure:"output"`
	Index     int    `mapstructure:"index"` // 0 accepts whatever seat the relay assigns
	Threshold int    `mapstructure:"threshold"`
	Parties   int    `mapstructure:"number-of-parties"`
}

// SigningConfig holds the settings of the signing command.
type SigningConfig struct {
	Config `mapstructure:",squash"`

	Room       string   `mapstructure:"room"`
	LocalShare string   `mapstructure:"local-share"`
	Parties    []uint16 `mapstructure:"-"`
	DataToSign string   `mapstructure:"data-to-sign"`

	// Digest is DataToSign hex-decoded.
	Digest []byte `mapstructure:"-"`
}

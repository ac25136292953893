package config

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	tsserrors "github.com/pushchain/tss-relay/errors"
)

const envPrefix = "TSS"

//go:embed default_config.json
var defaultConfigJSON []byte

// NewViper returns a viper instance that resolves TSS_<KEY> environment
// variables, with dashes in keys mapped to underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Read layers the embedded defaults and then configFile, when set, into v.
func Read(v *viper.Viper, configFile string) error {
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(defaultConfigJSON)); err != nil {
		return fmt.Errorf("failed to read default config: %w", err)
	}
	if configFile == "" {
		return nil
	}
	v.SetConfigFile(configFile)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}
	return nil
}

// Load decodes and validates the settings shared by every command.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadKeygen decodes and validates the keygen command settings.
func LoadKeygen(v *viper.Viper) (KeygenConfig, error) {
	bindEnv(v, "room", "output", "index", "threshold", "number-of-parties")

	var cfg KeygenConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return KeygenConfig{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(&cfg.Config); err != nil {
		return KeygenConfig{}, err
	}
	if err := validateKeygen(&cfg); err != nil {
		return KeygenConfig{}, err
	}
	return cfg, nil
}

// LoadSigning decodes and validates the signing command settings.
func LoadSigning(v *viper.Viper) (SigningConfig, error) {
	bindEnv(v, "room", "local-share", "parties", "data-to-sign")

	var cfg SigningConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return SigningConfig{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	parties, err := ParseParties(v.Get("parties"))
	if err != nil {
		return SigningConfig{}, err
	}
	cfg.Parties = parties

	if err := validateConfig(&cfg.Config); err != nil {
		return SigningConfig{}, err
	}
	if err := validateSigning(&cfg); err != nil {
		return SigningConfig{}, err
	}
	return cfg, nil
}

// bindEnv registers command keys so Unmarshal sees values that only
// exist in the environment.
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return tsserrors.NewConfigError("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return tsserrors.NewConfigError("log format must be 'json' or 'console'")
	}

	if cfg.Address == "" {
		cfg.Address = "http://localhost:8000/"
	}
	u, err := url.Parse(cfg.Address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return tsserrors.NewConfigError(fmt.Sprintf("relay address %q must be an http(s) URL", cfg.Address))
	}

	if cfg.Timeout < 0 {
		return tsserrors.NewConfigError("timeout must not be negative")
	}
	return nil
}

func validateKeygen(cfg *KeygenConfig) error {
	if cfg.Room == "" {
		cfg.Room = "default-keygen"
	}
	if cfg.Output == "" {
		return tsserrors.NewConfigError("output path is required")
	}
	if cfg.Parties < 2 || cfg.Parties > 0xffff {
		return tsserrors.NewConfigError(fmt.Sprintf("number of parties must be between 2 and 65535, got %d", cfg.Parties))
	}
	if cfg.Threshold < 1 || cfg.Threshold >= cfg.Parties {
		return tsserrors.NewConfigError(fmt.Sprintf("threshold must satisfy 0 < t < n, got t=%d n=%d", cfg.Threshold, cfg.Parties))
	}
	if cfg.Index < 0 || cfg.Index > cfg.Parties {
		return tsserrors.NewConfigError(fmt.Sprintf("index must be between 1 and %d, got %d", cfg.Parties, cfg.Index))
	}
	return nil
}

func validateSigning(cfg *SigningConfig) error {
	if cfg.Room == "" {
		cfg.Room = "default-signing"
	}
	if cfg.LocalShare == "" {
		return tsserrors.NewConfigError("local share path is required")
	}
	if len(cfg.Parties) == 0 {
		return tsserrors.NewConfigError("at least one signing party is required")
	}

	data := strings.TrimPrefix(strings.TrimSpace(cfg.DataToSign), "0x")
	if data == "" {
		return tsserrors.NewConfigError("data to sign is required")
	}
	digest, err := hex.DecodeString(data)
	if err != nil {
		return tsserrors.NewConfigError(fmt.Sprintf("data to sign must be hex: %v", err))
	}
	cfg.Digest = digest
	return nil
}

// ParseParties accepts a comma separated string, a string slice or a
// number slice and returns the party indices in the given order.
// Zero, out of range and repeated indices are rejected.
func ParseParties(raw interface{}) ([]uint16, error) {
	var items []string
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		items = strings.Split(val, ",")
	case []string:
		for _, item := range val {
			items = append(items, strings.Split(item, ",")...)
		}
	default:
		list, err := cast.ToSliceE(raw)
		if err != nil {
			return nil, tsserrors.NewConfigError(fmt.Sprintf("invalid parties list: %v", err))
		}
		for _, item := range list {
			items = append(items, strings.Split(cast.ToString(item), ",")...)
		}
	}

	parties := make([]uint16, 0, len(items))
	seen := make(map[uint16]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		n, err := cast.ToIntE(item)
		if err != nil || n < 1 || n > 0xffff {
			return nil, tsserrors.NewConfigError(fmt.Sprintf("invalid party index %q", item))
		}
		idx := uint16(n)
		if _, dup := seen[idx]; dup {
			return nil, tsserrors.NewConfigError(fmt.Sprintf("party index %d listed twice", idx))
		}
		seen[idx] = struct{}{}
		parties = append(parties, idx)
	}
	return parties, nil
}

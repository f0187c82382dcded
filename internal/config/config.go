// Package config loads the core's read-only configuration struct (spec
// §4.11, §6.3): a YAML document validated against a mapstructure-tagged
// struct, with an environment overlay restricted to scalar leaves.
//
// Grounded on the teacher's api/integration-api/config/config.go:
// viper + go-playground/validator/v10 + mapstructure tags, a SetDefault
// table, Unmarshal-then-validate. Generalized from the teacher's
// env-file-only loader (`.env`, `__` key delimiter, AutomaticEnv) to a
// YAML document plus an explicit reflection-driven overlay, since
// spec.md requires rejecting environment overrides of list-valued
// fields — a guarantee bare AutomaticEnv cannot provide.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// BatchingConfig mirrors spec.md §4.11's batching block.
type BatchingConfig struct {
	Enabled       bool  `mapstructure:"enabled"`
	MaxBatchMs    int64 `mapstructure:"max_batch_ms"`
	MaxBatchBytes int   `mapstructure:"max_batch_bytes"`
	IdleTimeoutMs int64 `mapstructure:"idle_timeout_ms"`
}

// BufferingConfig mirrors spec.md §4.11's buffering block.
type BufferingConfig struct {
	IngressQueueMax int    `mapstructure:"ingress_queue_max"`
	EgressQueueMax  int    `mapstructure:"egress_queue_max"`
	OverflowPolicy  string `mapstructure:"overflow_policy" validate:"omitempty,oneof=drop_oldest drop_newest"`
}

// ProviderConfig is one entry of the `providers` map (spec §4.11):
// `type, endpoint?, api_key?, region?, settings: opaque map`.
type ProviderConfig struct {
	Type     string                 `mapstructure:"type" validate:"required"`
	Endpoint string                 `mapstructure:"endpoint"`
	APIKey   string                 `mapstructure:"api_key"`
	Region   string                 `mapstructure:"region"`
	Settings map[string]interface{} `mapstructure:"settings"`
}

// Config is the core's read-only configuration (spec §4.11, SPEC_FULL §4
// supplemented features).
type Config struct {
	Host            string                    `mapstructure:"host" validate:"required"`
	Port            int                       `mapstructure:"port" validate:"required"`
	DefaultProvider string                    `mapstructure:"default_provider" validate:"required"`
	LogLevel        string                    `mapstructure:"log_level" validate:"required"`
	Batching        BatchingConfig            `mapstructure:"batching"`
	Buffering       BufferingConfig           `mapstructure:"buffering"`
	Providers       map[string]ProviderConfig `mapstructure:"providers"`

	// TextNormalizationEnabled toggles the output reformatter's
	// number-to-words pass (SPEC_FULL §4 supplemented feature).
	TextNormalizationEnabled bool `mapstructure:"text_normalization_enabled"`
	// WireCaptureDir, when non-empty, enables per-session raw-frame
	// capture under this directory (spec §6.4, SPEC_FULL §4).
	WireCaptureDir string `mapstructure:"wire_capture_dir"`
}

// defaults mirrors the teacher's setDefault table, adapted to this
// domain's keys (spec §4.6/§4.11 documented defaults).
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"host":                        "0.0.0.0",
		"port":                        8080,
		"default_provider":            "mock",
		"log_level":                   "info",
		"batching.enabled":            true,
		"batching.max_batch_ms":       200,
		"batching.max_batch_bytes":    65536,
		"batching.idle_timeout_ms":    500,
		"buffering.ingress_queue_max": 1024,
		"buffering.egress_queue_max":  1024,
		"buffering.overflow_policy":   "drop_oldest",
		"text_normalization_enabled":  true,
		"wire_capture_dir":            "",
	}
}

// Load reads a YAML document from path, applies the environment
// overlay, and validates the result. An empty path loads defaults only
// (used by tests and the mock-only quickstart).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		c.DecodeHook = decodeHook
	}); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := applyEnvOverlay(&cfg, "VOICECORE"); err != nil {
		return nil, fmt.Errorf("config: environment overlay: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverlay walks cfg's leaves and applies PREFIX_SECTION_SUBKEY
// environment variables on top of the YAML-loaded values (spec §4.11).
// Nested structs are walked into; map-valued fields (providers) are
// skipped, so an environment variable naming one has no effect. Every
// other field whose variable is set goes through setScalar, which
// handles string, integer and bool kinds only and returns an error for
// any other kind, so a list-valued (slice) field fails fast instead of
// being overridden. Config currently has no slice field.
func applyEnvOverlay(cfg *Config, prefix string) error {
	return overlayStruct(reflect.ValueOf(cfg).Elem(), prefix)
}

func overlayStruct(v reflect.Value, envPrefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		name := strings.Split(tag, ",")[0]
		if name == "" {
			name = field.Name
		}
		envKey := envPrefix + "_" + strings.ToUpper(name)
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct {
			if err := overlayStruct(fv, envKey); err != nil {
				return err
			}
			continue
		}
		if fv.Kind() == reflect.Map {
			continue // opaque/provider maps are YAML-only, never overlaid
		}

		raw, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}
		if err := setScalar(fv, raw, envKey); err != nil {
			return err
		}
	}
	return nil
}

// setScalar applies one environment variable's raw string value to a
// scalar field, coercing per spec.md §4.11: booleans accept
// true/yes/1/on and false/no/0/off; numerics reuse the field's existing
// Go type; an empty/"null"/"none" value clears the field to its zero
// value.
func setScalar(fv reflect.Value, raw, envKey string) error {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" || lower == "null" || lower == "none" {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := parseBool(lower)
		if err != nil {
			return fmt.Errorf("%s: %w", envKey, err)
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: not an integer: %w", envKey, err)
		}
		fv.SetInt(n)
	default:
		return fmt.Errorf("%s: unsupported overlay target kind %s", envKey, fv.Kind())
	}
	return nil
}

func parseBool(lower string) (bool, error) {
	switch lower {
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("not a recognized boolean: %q", lower)
	}
}

// Package config loads the relay configuration: defaults, then an optional
// JSON file, then environment variable overrides, then validation.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/PyRo1121/hetzner-sub000/errors"
)

// Duration wraps time.Duration so JSON config can say "5s" instead of
// nanosecond integers.
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or a number of
// milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON writes the duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalText lets environment overrides use duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Transport configures the upstream connection.
type Transport struct {
	EnablePrimary   bool     `json:"enablePrimary" env:"RELAY_ENABLE_PRIMARY"`
	EnableSecondary bool     `json:"enableSecondary" env:"RELAY_ENABLE_SECONDARY"`
	PrimaryURL      string   `json:"primaryUrl" env:"RELAY_PRIMARY_URL"`
	SecondaryURL    string   `json:"secondaryUrl" env:"RELAY_SECONDARY_URL"`
	ConnectTimeout  Duration `json:"connectTimeout" env:"RELAY_CONNECT_TIMEOUT"`
	ReconnectDelay  Duration `json:"reconnectDelay" env:"RELAY_RECONNECT_DELAY"`
	// ExponentialReconnect switches the fixed reconnect delay to an
	// exponential schedule with jitter.
	ExponentialReconnect bool     `json:"exponentialReconnect" env:"RELAY_EXPONENTIAL_RECONNECT"`
	MaxReconnectDelay    Duration `json:"maxReconnectDelay" env:"RELAY_MAX_RECONNECT_DELAY"`
}

// Batch configures the batching stage.
type Batch struct {
	Size           int      `json:"size" env:"RELAY_BATCH_SIZE"`
	Linger         Duration `json:"linger" env:"RELAY_BATCH_LINGER"`
	HandlerTimeout Duration `json:"handlerTimeout" env:"RELAY_HANDLER_TIMEOUT"`
}

// Cache configures the TTL store.
type Cache struct {
	TTL           Duration `json:"ttl" env:"RELAY_CACHE_TTL"`
	SweepInterval Duration `json:"sweepInterval" env:"RELAY_CACHE_SWEEP_INTERVAL"`
}

// Predict configures the pattern predictor.
type Predict struct {
	Enabled    bool     `json:"enabled" env:"RELAY_PREDICT_ENABLED"`
	Window     Duration `json:"window" env:"RELAY_PREDICT_WINDOW"`
	PendingTTL Duration `json:"pendingTtl" env:"RELAY_PREDICT_PENDING_TTL"`
}

// HTTP configures the metrics/health endpoint and the websocket bridge.
type HTTP struct {
	Port        int  `json:"port" env:"RELAY_HTTP_PORT"`
	EnableWS    bool `json:"enableWs" env:"RELAY_ENABLE_WS"`
	WSQueueSize int  `json:"wsQueueSize" env:"RELAY_WS_QUEUE_SIZE"`
}

// Config is the full relay configuration.
type Config struct {
	AODPBaseURL string    `json:"aodpBaseUrl" env:"RELAY_AODP_BASE_URL"`
	LogLevel    string    `json:"logLevel" env:"RELAY_LOG_LEVEL"`
	Transport   Transport `json:"transport"`
	Batch       Batch     `json:"batch"`
	Cache       Cache     `json:"cache"`
	Predict     Predict   `json:"predict"`
	HTTP        HTTP      `json:"http"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		LogLevel: "info",
		Transport: Transport{
			EnablePrimary:     true,
			EnableSecondary:   true,
			PrimaryURL:        "nats://public.albion-online-data.com:4222",
			SecondaryURL:      "https://public.albion-online-data.com/events",
			ConnectTimeout:    Duration(5 * time.Second),
			ReconnectDelay:    Duration(5 * time.Second),
			MaxReconnectDelay: Duration(time.Minute),
		},
		Batch: Batch{
			Size:           10,
			Linger:         Duration(200 * time.Millisecond),
			HandlerTimeout: Duration(10 * time.Second),
		},
		Cache: Cache{
			TTL:           Duration(5 * time.Minute),
			SweepInterval: Duration(time.Minute),
		},
		Predict: Predict{
			Enabled:    true,
			Window:     Duration(time.Hour),
			PendingTTL: Duration(5 * time.Minute),
		},
		HTTP: HTTP{
			Port:        8080,
			EnableWS:    true,
			WSQueueSize: 64,
		},
	}
}

// Load builds the configuration: defaults, then the JSON file at path when
// path is non-empty, then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.WrapInvalid(err, "config", "Load", "read "+path)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.WrapInvalid(err, "config", "Load", "parse "+path)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.WrapInvalid(err, "config", "Load", "parse environment")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if !c.Transport.EnablePrimary && !c.Transport.EnableSecondary {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"at least one transport must be enabled")
	}
	if c.Transport.EnablePrimary && c.Transport.PrimaryURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"primary transport enabled without primaryUrl")
	}
	if c.Transport.EnableSecondary && c.Transport.SecondaryURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"secondary transport enabled without secondaryUrl")
	}
	if c.Batch.Size < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"batch size must be at least 1")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"http port out of range")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrSecretInConfig is returned when a config file carries the OPC UA password.
var ErrSecretInConfig = errors.New("OPC UA password not allowed in config files (use " + PasswordEnv + " environment variable)")

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence; flags are
// applied by the caller on the returned Config.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	// Bind environment variables with PP_ prefix
	v.SetEnvPrefix("PP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Security check: the password is environment-only
		if v.InConfig("opc.password") || v.InConfig("password") {
			return nil, ErrSecretInConfig
		}
	}

	cfg := &Config{
		OPC: OPCConfig{
			ServerURL:            v.GetString("opc.server_url"),
			HostnameOverride:     v.GetString("opc.hostname_override"),
			Username:             v.GetString("opc.username"),
			RequestTimeout:       v.GetDuration("opc.request_timeout"),
			SessionTimeout:       v.GetDuration("opc.session_timeout"),
			ConnectRetryInterval: v.GetDuration("opc.connect_retry_interval"),
		},
		Subscription: SubscriptionConfig{
			MaxItemsPerGroup: v.GetInt("subscription.max_items_per_group"),
			QueueWindow:      v.GetDuration("subscription.queue_window"),
			MinQueueSize:     v.GetInt("subscription.min_queue_size"),
			RetryDelay:       v.GetDuration("subscription.retry_delay"),
		},
		Recording: RecordingConfig{
			EarlyTolerance: v.GetDuration("recording.early_tolerance"),
			ReadTimeout:    v.GetDuration("recording.read_timeout"),
		},
		Directory: DirectoryConfig{
			PollInterval: v.GetDuration("directory.poll_interval"),
		},
		Status: StatusConfig{
			Host:        v.GetString("status.host"),
			Port:        v.GetInt("status.port"),
			MetricsAddr: v.GetString("status.metrics_addr"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("opc.server_url", d.OPC.ServerURL)
	v.SetDefault("opc.hostname_override", d.OPC.HostnameOverride)
	v.SetDefault("opc.username", d.OPC.Username)
	v.SetDefault("opc.request_timeout", d.OPC.RequestTimeout.String())
	v.SetDefault("opc.session_timeout", d.OPC.SessionTimeout.String())
	v.SetDefault("opc.connect_retry_interval", d.OPC.ConnectRetryInterval.String())
	v.SetDefault("subscription.max_items_per_group", d.Subscription.MaxItemsPerGroup)
	v.SetDefault("subscription.queue_window", d.Subscription.QueueWindow.String())
	v.SetDefault("subscription.min_queue_size", d.Subscription.MinQueueSize)
	v.SetDefault("subscription.retry_delay", d.Subscription.RetryDelay.String())
	v.SetDefault("recording.early_tolerance", d.Recording.EarlyTolerance.String())
	v.SetDefault("recording.read_timeout", d.Recording.ReadTimeout.String())
	v.SetDefault("directory.poll_interval", d.Directory.PollInterval.String())
	v.SetDefault("status.host", d.Status.Host)
	v.SetDefault("status.port", d.Status.Port)
	v.SetDefault("status.metrics_addr", d.Status.MetricsAddr)
}

// Validate checks port range and that every duration and size is positive.
// The server URL is not checked here; only commands that connect need it.
func (c *Config) Validate() error {
	if c.Status.Port <= 0 || c.Status.Port > 65535 {
		return fmt.Errorf("status.port must be between 1 and 65535, got %d", c.Status.Port)
	}
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"opc.request_timeout", c.OPC.RequestTimeout},
		{"opc.session_timeout", c.OPC.SessionTimeout},
		{"opc.connect_retry_interval", c.OPC.ConnectRetryInterval},
		{"subscription.queue_window", c.Subscription.QueueWindow},
		{"subscription.retry_delay", c.Subscription.RetryDelay},
		{"recording.early_tolerance", c.Recording.EarlyTolerance},
		{"recording.read_timeout", c.Recording.ReadTimeout},
		{"directory.poll_interval", c.Directory.PollInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.key, d.d)
		}
	}
	if c.Subscription.MaxItemsPerGroup <= 0 {
		return fmt.Errorf("subscription.max_items_per_group must be positive, got %d", c.Subscription.MaxItemsPerGroup)
	}
	if c.Subscription.MinQueueSize <= 0 {
		return fmt.Errorf("subscription.min_queue_size must be positive, got %d", c.Subscription.MinQueueSize)
	}
	return nil
}

// RequireServer fails if no OPC UA server URL is configured.
func (c *Config) RequireServer() error {
	if c.OPC.ServerURL == "" {
		return errors.New("opc.server_url is required (set it in the config file or PP_OPC_SERVER_URL)")
	}
	return nil
}

// Package config provides configuration management for the ProductionPilot recorder.
package config

import (
	"os"
	"time"
)

// PasswordEnv names the environment variable holding the OPC UA password.
// The password is never read from a config file.
const PasswordEnv = "PP_OPC_PASSWORD"

// OPCConfig holds the OPC UA server connection settings.
type OPCConfig struct {
	ServerURL            string
	HostnameOverride     string
	Username             string
	RequestTimeout       time.Duration
	SessionTimeout       time.Duration
	ConnectRetryInterval time.Duration
}

// SubscriptionConfig tunes the subscription manager.
type SubscriptionConfig struct {
	MaxItemsPerGroup int
	QueueWindow      time.Duration
	MinQueueSize     int
	RetryDelay       time.Duration
}

// RecordingConfig tunes the parameter recorder.
type RecordingConfig struct {
	EarlyTolerance time.Duration
	ReadTimeout    time.Duration
}

type DirectoryConfig struct {
	PollInterval time.Duration
}

// StatusConfig holds the gRPC status server and metrics listener settings.
// An empty MetricsAddr disables the metrics endpoint.
type StatusConfig struct {
	Host        string
	Port        int
	MetricsAddr string
}

// Config is the complete recorder configuration.
type Config struct {
	OPC          OPCConfig
	Subscription SubscriptionConfig
	Recording    RecordingConfig
	Directory    DirectoryConfig
	Status       StatusConfig
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		OPC: OPCConfig{
			RequestTimeout:       10 * time.Second,
			SessionTimeout:       30 * time.Minute,
			ConnectRetryInterval: 5 * time.Second,
		},
		Subscription: SubscriptionConfig{
			MaxItemsPerGroup: 2500,
			QueueWindow:      5 * time.Second,
			MinQueueSize:     5,
			RetryDelay:       time.Second,
		},
		Recording: RecordingConfig{
			EarlyTolerance: 90 * time.Millisecond,
			ReadTimeout:    10 * time.Second,
		},
		Directory: DirectoryConfig{
			PollInterval: 5 * time.Second,
		},
		Status: StatusConfig{
			Host:        "0.0.0.0",
			Port:        50061,
			MetricsAddr: ":9464",
		},
	}
}

// Password returns the OPC UA password from the environment, or "" if unset.
func Password() string {
	return os.Getenv(PasswordEnv)
}

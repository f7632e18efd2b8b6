package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values leave base alone
// except for booleans and lists that the file sets explicitly.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Server.Bind != "" {
		base.Server.Bind = override.Server.Bind
	}
	if fieldSet(raw, "server", "allowed_origins") {
		base.Server.AllowedOrigins = override.Server.AllowedOrigins
	}
	if fieldSet(raw, "server", "public_metrics") {
		base.Server.PublicMetrics = override.Server.PublicMetrics
	}
	if fieldSet(raw, "server", "max_concurrent_streams") {
		base.Server.MaxConcurrentStreams = override.Server.MaxConcurrentStreams
	}
	if fieldSet(raw, "server", "stream_open_rate") {
		base.Server.StreamOpenRate = override.Server.StreamOpenRate
	}
	if override.Server.StreamOpenBurst != 0 {
		base.Server.StreamOpenBurst = override.Server.StreamOpenBurst
	}
	if override.Server.ShutdownTimeout != 0 {
		base.Server.ShutdownTimeout = override.Server.ShutdownTimeout
	}
	if override.Server.WSPingInterval != 0 {
		base.Server.WSPingInterval = override.Server.WSPingInterval
	}
	if override.Server.JanitorInterval != 0 {
		base.Server.JanitorInterval = override.Server.JanitorInterval
	}

	if override.Auth.Secret != "" {
		base.Auth.Secret = override.Auth.Secret
	}
	if override.Auth.Issuer != "" {
		base.Auth.Issuer = override.Auth.Issuer
	}
	if override.Auth.SessionTTL != 0 {
		base.Auth.SessionTTL = override.Auth.SessionTTL
	}
	if override.Auth.AuthCodeTTL != 0 {
		base.Auth.AuthCodeTTL = override.Auth.AuthCodeTTL
	}

	if override.Storage.Path != "" {
		base.Storage.Path = override.Storage.Path
	}

	if override.Supervisor.QueryTimeout != 0 {
		base.Supervisor.QueryTimeout = override.Supervisor.QueryTimeout
	}
	if override.Supervisor.APIPath != "" {
		base.Supervisor.APIPath = override.Supervisor.APIPath
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if fieldSet(raw, "tracing", "enabled") {
		base.Tracing.Enabled = override.Tracing.Enabled
	}
	if override.Tracing.ServiceName != "" {
		base.Tracing.ServiceName = override.Tracing.ServiceName
	}
	if override.Tracing.Output != "" {
		base.Tracing.Output = override.Tracing.Output
	}

	if fieldSet(raw, "notify", "enabled") {
		base.Notify.Enabled = override.Notify.Enabled
	}
	if override.Notify.NATS.URL != "" {
		base.Notify.NATS.URL = override.Notify.NATS.URL
	}
	if override.Notify.NATS.Username != "" {
		base.Notify.NATS.Username = override.Notify.NATS.Username
	}
	if override.Notify.NATS.Password != "" {
		base.Notify.NATS.Password = override.Notify.NATS.Password
	}
	if override.Notify.NATS.Token != "" {
		base.Notify.NATS.Token = override.Notify.NATS.Token
	}
	if override.Notify.NATS.SubjectPrefix != "" {
		base.Notify.NATS.SubjectPrefix = override.Notify.NATS.SubjectPrefix
	}
	if override.Notify.SlackWebhookURL != "" {
		base.Notify.SlackWebhookURL = override.Notify.SlackWebhookURL
	}
	if override.Notify.SlackChannel != "" {
		base.Notify.SlackChannel = override.Notify.SlackChannel
	}
	if override.Notify.NATS.ConnectTimeout != 0 {
		base.Notify.NATS.ConnectTimeout = override.Notify.NATS.ConnectTimeout
	}

	if fieldSet(raw, "hosts") {
		base.Hosts = override.Hosts
	}
}

// fieldSet reports whether the YAML document contains the key path, so an
// explicit false or empty list can override a default.
func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

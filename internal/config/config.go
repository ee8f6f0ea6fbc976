package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/coopco/pushmon/internal/filter"
	"github.com/coopco/pushmon/internal/pushover"
)

// Settings is the process configuration, sourced from environment variables
// (a .env file is loaded by the entrypoint before this runs). Filters and
// Notifications start at their defaults and are mutated at runtime through
// the control API, not the environment.
type Settings struct {
	DiscordToken     string
	ChannelIDs       []string
	TargetUserIDs    []string
	PushoverUserKey  string
	PushoverAPIToken string
	ListenAddr       string
	LogLevel         string

	Filters       filter.Config
	Notifications pushover.NotificationConfig
}

// Default returns settings with every tunable at its default and no
// credentials set.
func Default() *Settings {
	return &Settings{
		ListenAddr:    ":7777",
		LogLevel:      "info",
		Filters:       filter.DefaultConfig(),
		Notifications: pushover.DefaultNotificationConfig(),
	}
}

// FromEnv builds Settings from the environment. Missing required variables
// make startup fail before the session is created.
func FromEnv() (*Settings, error) {
	cfg := Default()

	envMap := map[string]*string{
		"DISCORD_TOKEN":      &cfg.DiscordToken,
		"PUSHOVER_USER_KEY":  &cfg.PushoverUserKey,
		"PUSHOVER_API_TOKEN": &cfg.PushoverAPIToken,
		"LISTEN_ADDR":        &cfg.ListenAddr,
		"LOG_LEVEL":          &cfg.LogLevel,
	}
	for env, ptr := range envMap {
		if val := os.Getenv(env); val != "" {
			*ptr = val
		}
	}

	cfg.ChannelIDs = splitIDList(os.Getenv("CHANNEL_IDS"))
	cfg.TargetUserIDs = splitIDList(os.Getenv("TARGET_USER_IDS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every required setting is present.
func (s *Settings) Validate() error {
	var missing []string
	if s.DiscordToken == "" {
		missing = append(missing, "DISCORD_TOKEN")
	}
	if len(s.ChannelIDs) == 0 {
		missing = append(missing, "CHANNEL_IDS")
	}
	if len(s.TargetUserIDs) == 0 {
		missing = append(missing, "TARGET_USER_IDS")
	}
	if s.PushoverUserKey == "" {
		missing = append(missing, "PUSHOVER_USER_KEY")
	}
	if s.PushoverAPIToken == "" {
		missing = append(missing, "PUSHOVER_API_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// PushoverCredentials returns the configured Pushover credential pair.
func (s *Settings) PushoverCredentials() pushover.Credentials {
	return pushover.Credentials{
		UserKey:  s.PushoverUserKey,
		APIToken: s.PushoverAPIToken,
	}
}

// SlogLevel maps the configured level name to a slog level, defaulting to
// info for unknown names.
func (s *Settings) SlogLevel() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// splitIDList parses a comma-separated id list, trimming whitespace and
// dropping empty entries.
func splitIDList(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

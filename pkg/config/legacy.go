package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadConfigFromFile reads a plain JSON config. Missing fields keep their
// defaults and out-of-range values are repaired.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	repair(cfg)
	return cfg, nil
}

// repair resets values the bot cannot run with to their defaults and
// returns the dotted paths it touched.
func repair(cfg *Config) []string {
	def := DefaultConfig()
	var fixed []string
	reset := func(path string, bad bool, apply func()) {
		if bad {
			apply()
			fixed = append(fixed, path)
		}
	}

	s := &cfg.Sticker
	reset("sticker.trigger", strings.TrimSpace(s.Trigger) == "", func() { s.Trigger = def.Sticker.Trigger })
	reset("sticker.quality", s.Quality < 1 || s.Quality > 100, func() { s.Quality = def.Sticker.Quality })
	reset("sticker.encoder", s.Encoder != "native" && s.Encoder != "cwebp", func() { s.Encoder = def.Sticker.Encoder })
	reset("sticker.failure_text", s.FailureText == "", func() { s.FailureText = def.Sticker.FailureText })
	reset("sticker.hint_text", s.HintText == "", func() { s.HintText = def.Sticker.HintText })

	m := &cfg.Mirror
	reset("mirror.flush_interval_seconds", m.FlushIntervalSeconds <= 0, func() { m.FlushIntervalSeconds = def.Mirror.FlushIntervalSeconds })
	reset("mirror.max_messages", m.MaxMessages <= 0, func() { m.MaxMessages = def.Mirror.MaxMessages })

	switch cfg.Storage.Type {
	case "file", "sqlite", "postgres":
	default:
		reset("storage.type", true, func() { cfg.Storage.Type = def.Storage.Type })
	}
	reset("dashboard.port", cfg.Dashboard.Port <= 0 || cfg.Dashboard.Port > 65535, func() { cfg.Dashboard.Port = def.Dashboard.Port })
	reset("whatsapp.store_path", cfg.WhatsApp.StorePath == "", func() { cfg.WhatsApp.StorePath = def.WhatsApp.StorePath })
	return fixed
}

// migrateLegacyConfig moves a plain config.json into the store. The file is
// renamed to config.json.bak, or marked with config.json.migrated when the
// rename fails, so it is imported only once.
func migrateLegacyConfig(ctx context.Context, store *configStore, legacyPath string) (*Config, bool, error) {
	if legacyPath == "" {
		return nil, false, nil
	}
	if _, err := os.Stat(legacyPath + ".migrated"); err == nil {
		return nil, false, nil
	}
	cfg, err := LoadConfigFromFile(legacyPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("legacy config: %w", err)
	}

	if err := store.save(ctx, cfg); err != nil {
		return nil, false, err
	}
	if os.Rename(legacyPath, legacyPath+".bak") != nil {
		_ = os.WriteFile(legacyPath+".migrated", []byte("imported into "+store.driver+"\n"), 0644)
	}
	return cfg, true, nil
}

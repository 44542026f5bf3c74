package config

import (
	"strconv"
	"strings"
)

// applyEnvOverrides copies SAKAKI_* environment variables into cfg. It
// returns true when any value changed so callers can persist the result.
func applyEnvOverrides(cfg *Config) bool {
	if cfg == nil {
		return false
	}

	changed := false
	setString := func(dst *string, value string) {
		if value != "" && *dst != value {
			*dst = value
			changed = true
		}
	}
	setInt := func(dst *int, value string) {
		if parsed, err := strconv.Atoi(value); err == nil && *dst != parsed {
			*dst = parsed
			changed = true
		}
	}
	setBool := func(dst *bool, value string) {
		if parsed, err := strconv.ParseBool(value); err == nil && *dst != parsed {
			*dst = parsed
			changed = true
		}
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	setString(&cfg.WhatsApp.StorePath, envValue("SAKAKI_WHATSAPP_STORE_PATH"))
	setString(&cfg.WhatsApp.StoreDatabaseURL, envValue("SAKAKI_WHATSAPP_STORE_DATABASE_URL"))
	setString(&cfg.WhatsApp.PairingPhone, envValue("SAKAKI_WHATSAPP_PAIRING_PHONE"))
	setBool(&cfg.WhatsApp.UsePairingCode, envValue("SAKAKI_WHATSAPP_USE_PAIRING_CODE"))
	setBool(&cfg.WhatsApp.DoReply, envValue("SAKAKI_WHATSAPP_DO_REPLY"))

	setString(&cfg.Sticker.Author, envValue("SAKAKI_STICKER_AUTHOR"))
	setString(&cfg.Sticker.Pack, envValue("SAKAKI_STICKER_PACK"))
	setString(&cfg.Sticker.Encoder, envValue("SAKAKI_STICKER_ENCODER"))
	setString(&cfg.Sticker.CwebpPath, envValue("SAKAKI_STICKER_CWEBP_PATH"))
	setInt(&cfg.Sticker.Quality, envValue("SAKAKI_STICKER_QUALITY"))

	setBool(&cfg.Mirror.Enabled, envValue("SAKAKI_MIRROR_ENABLED"))
	setInt(&cfg.Mirror.FlushIntervalSeconds, envValue("SAKAKI_MIRROR_FLUSH_INTERVAL_SECONDS"))
	setInt(&cfg.Mirror.MaxMessages, envValue("SAKAKI_MIRROR_MAX_MESSAGES"))

	setString(&cfg.Storage.Type, envValue("SAKAKI_STORAGE_TYPE"))
	setString(&cfg.Storage.DatabaseURL, envValue("SAKAKI_STORAGE_DATABASE_URL", "SAKAKI_CONFIG_DATABASE_URL"))
	setString(&cfg.Storage.FilePath, envValue("SAKAKI_STORAGE_FILE_PATH"))
	setBool(&cfg.Storage.SSLEnabled, envValue("SAKAKI_STORAGE_SSL_ENABLED"))
	if strings.EqualFold(cfg.Storage.Type, "postgres") && cfg.Storage.DatabaseURL == "" {
		setString(&cfg.Storage.DatabaseURL, postgresURLFromEnv())
	}

	setInt(&cfg.Reconnect.MaxAttempts, envValue("SAKAKI_RECONNECT_MAX_ATTEMPTS"))

	setString(&cfg.Dashboard.Token, envValue("SAKAKI_DASHBOARD_TOKEN", "DASHBOARD_TOKEN"))
	setString(&cfg.Dashboard.Host, envValue("SAKAKI_DASHBOARD_HOST"))
	setInt(&cfg.Dashboard.Port, envValue("SAKAKI_DASHBOARD_PORT"))
	setBool(&cfg.Dashboard.Enabled, envValue("SAKAKI_DASHBOARD_ENABLED"))

	setString(&cfg.Log.Level, envValue("SAKAKI_LOG_LEVEL"))
	setString(&cfg.Log.File, envValue("SAKAKI_LOG_FILE"))

	return changed
}

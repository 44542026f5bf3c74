package config

import (
	"sort"
	"strings"
)

// secretFields maps the dotted path of every secret to its field in cfg.
func secretFields(cfg *Config) map[string]*string {
	return map[string]*string{
		"dashboard.token":             &cfg.Dashboard.Token,
		"storage.database_url":        &cfg.Storage.DatabaseURL,
		"whatsapp.store_database_url": &cfg.WhatsApp.StoreDatabaseURL,
	}
}

// SecretPaths lists the dotted paths treated as secrets, sorted.
func SecretPaths() []string {
	paths := make([]string, 0, 3)
	for path := range secretFields(&Config{}) {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// IsSecret reports whether the dotted path names a secret.
func IsSecret(path string) bool {
	_, ok := secretFields(&Config{})[path]
	return ok
}

// MaskSecret keeps the last five characters of value. Database URLs are
// reduced to their scheme and host so credentials never show.
func MaskSecret(value string) string {
	if value == "" {
		return ""
	}
	if scheme, rest, ok := strings.Cut(value, "://"); ok {
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			rest = rest[at+1:]
		}
		host, _, _ := strings.Cut(rest, "/")
		return scheme + "://*****@" + host
	}
	if len(value) <= 5 {
		return "*****"
	}
	return "*****" + value[len(value)-5:]
}

// SecretMaskMap returns the masked value of every secret that is set.
func SecretMaskMap(cfg *Config) map[string]string {
	result := make(map[string]string)
	if cfg == nil {
		return result
	}
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	for path, field := range secretFields(cfg) {
		if *field != "" {
			result[path] = MaskSecret(*field)
		}
	}
	return result
}

// ApplySecretUpdates sets the secrets in updates. Blank values and values
// equal to the current mask are ignored, so a masked form echoed back
// leaves the secret alone. Callers hold cfg.mu for writing.
func ApplySecretUpdates(cfg *Config, updates map[string]string) {
	if cfg == nil || len(updates) == 0 {
		return
	}
	for path, field := range secretFields(cfg) {
		value := strings.TrimSpace(updates[path])
		if value == "" || value == MaskSecret(*field) {
			continue
		}
		*field = value
	}
}

// ClearSecrets blanks every secret, for configs leaving the host.
func ClearSecrets(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	for _, field := range secretFields(cfg) {
		*field = ""
	}
}

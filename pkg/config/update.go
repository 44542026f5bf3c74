package config

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const dashboardTokenBytes = 24

// EnsureDashboardToken generates a dashboard token when none is set. It
// returns the new token and true, or "" and false when one existed.
func (c *Config) EnsureDashboardToken() (string, bool, error) {
	return c.issueToken(false)
}

// RotateDashboardToken replaces the dashboard token unconditionally.
func (c *Config) RotateDashboardToken() (string, error) {
	token, _, err := c.issueToken(true)
	return token, err
}

func (c *Config) issueToken(replace bool) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !replace && strings.TrimSpace(c.Dashboard.Token) != "" {
		return "", false, nil
	}
	buf := make([]byte, dashboardTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", false, fmt.Errorf("generate token: %w", err)
	}
	c.Dashboard.Token = base64.RawURLEncoding.EncodeToString(buf)
	return c.Dashboard.Token, true, nil
}

// DashboardToken returns the token guarding the dashboard API.
func (c *Config) DashboardToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Dashboard.Token
}

// Validate reports the settings the bot could not run with.
func (c *Config) Validate() error {
	candidate := c.Clone()
	if candidate == nil {
		return fmt.Errorf("config is nil")
	}
	if bad := repair(candidate); len(bad) > 0 {
		return fmt.Errorf("invalid settings: %s", strings.Join(bad, ", "))
	}
	return nil
}

// editable copies the settings an update may change. Credentials store
// locations, the pairing setup and every secret stay as they are.
func (c *Config) editable() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		WhatsApp:  WhatsAppConfig{DoReply: c.WhatsApp.DoReply},
		Sticker:   c.Sticker,
		Commands:  c.Commands,
		Mirror:    c.Mirror,
		Storage:   StorageConfig{Type: c.Storage.Type, FilePath: c.Storage.FilePath, SSLEnabled: c.Storage.SSLEnabled},
		Reconnect: c.Reconnect,
		Dashboard: DashboardConfig{Enabled: c.Dashboard.Enabled, Host: c.Dashboard.Host, Port: c.Dashboard.Port},
		Log:       c.Log,
	}
}

// ApplyUpdate copies the editable settings of update into c, then applies
// secretUpdates. It returns the top-level sections whose values changed,
// in declaration order.
func (c *Config) ApplyUpdate(update *Config, secretUpdates map[string]string) []string {
	if c == nil || update == nil {
		return nil
	}
	next := update.editable()
	before := sectionJSON(c)

	c.mu.Lock()
	c.WhatsApp.DoReply = next.WhatsApp.DoReply
	c.Sticker = next.Sticker
	c.Commands = next.Commands
	c.Mirror = next.Mirror
	c.Storage.Type = next.Storage.Type
	c.Storage.FilePath = next.Storage.FilePath
	c.Storage.SSLEnabled = next.Storage.SSLEnabled
	c.Reconnect = next.Reconnect
	c.Dashboard.Enabled = next.Dashboard.Enabled
	c.Dashboard.Host = next.Dashboard.Host
	c.Dashboard.Port = next.Dashboard.Port
	c.Log = next.Log
	ApplySecretUpdates(c, secretUpdates)
	c.mu.Unlock()

	after := sectionJSON(c)
	var changed []string
	for _, name := range sectionOrder {
		if !bytes.Equal(before[name], after[name]) {
			changed = append(changed, name)
		}
	}
	return changed
}

var sectionOrder = []string{"whatsapp", "sticker", "commands", "mirror", "storage", "reconnect", "dashboard", "log"}

func sectionJSON(c *Config) map[string]json.RawMessage {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	sections := make(map[string]json.RawMessage)
	if err == nil {
		_ = json.Unmarshal(data, &sections)
	}
	return sections
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.Marshal(c)
	if err != nil {
		return DefaultConfig()
	}
	clone := &Config{}
	if err := json.Unmarshal(data, clone); err != nil {
		return DefaultConfig()
	}
	return clone
}

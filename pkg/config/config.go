package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config is the persisted bot configuration.
type Config struct {
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Sticker   StickerConfig   `json:"sticker"`
	Commands  CommandsConfig  `json:"commands"`
	Mirror    MirrorConfig    `json:"mirror"`
	Storage   StorageConfig   `json:"storage"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Dashboard DashboardConfig `json:"dashboard"`
	Log       LogConfig       `json:"log"`
	mu        sync.RWMutex
}

type WhatsAppConfig struct {
	// StorePath is the sqlite file holding the device credentials.
	StorePath string `json:"store_path"`
	// StoreDatabaseURL, when set, keeps the device credentials in postgres.
	StoreDatabaseURL string `json:"store_database_url,omitempty"`
	UsePairingCode   bool   `json:"use_pairing_code"`
	PairingPhone     string `json:"pairing_phone,omitempty"`
	DoReply          bool   `json:"do_reply"`
	DeviceName       string `json:"device_name"`
}

type StickerConfig struct {
	Trigger     string `json:"trigger"`
	Author      string `json:"author"`
	Pack        string `json:"pack"`
	Quality     int    `json:"quality"`
	Encoder     string `json:"encoder"` // native or cwebp
	CwebpPath   string `json:"cwebp_path,omitempty"`
	FailureText string `json:"failure_text"`
	HintText    string `json:"hint_text"`
}

type CommandsConfig struct {
	StartImageURL string `json:"start_image_url"`
	StartCaption  string `json:"start_caption"`
}

type MirrorConfig struct {
	Enabled              bool `json:"enabled"`
	FlushIntervalSeconds int  `json:"flush_interval_seconds"`
	MaxMessages          int  `json:"max_messages"`
}

// FlushInterval returns the flush period as a duration.
func (m MirrorConfig) FlushInterval() time.Duration {
	return time.Duration(m.FlushIntervalSeconds) * time.Second
}

type StorageConfig struct {
	Type        string `json:"type"` // file, sqlite or postgres
	FilePath    string `json:"file_path"`
	DatabaseURL string `json:"database_url,omitempty"`
	SSLEnabled  bool   `json:"ssl_enabled"`
}

type ReconnectConfig struct {
	MaxAttempts     int     `json:"max_attempts"`
	InitialDelayMS  int     `json:"initial_delay_ms"`
	MaxDelaySeconds int     `json:"max_delay_seconds"`
	Multiplier      float64 `json:"multiplier"`
	Jitter          float64 `json:"jitter"`
}

type DashboardConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token,omitempty"`
}

type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
}

// HomeDir is the directory holding the config database and default data.
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sakaki")
}

func DefaultConfig() *Config {
	home := HomeDir()
	return &Config{
		WhatsApp: WhatsAppConfig{
			StorePath:  filepath.Join(home, "auth", "whatsapp.db"),
			DeviceName: "sakaki",
		},
		Sticker: StickerConfig{
			Trigger:     "#sticker",
			Author:      "SeuNome",
			Pack:        "SeuPacote",
			Quality:     100,
			Encoder:     "native",
			FailureText: "Erro ao criar a figurinha. Tente novamente!",
			HintText:    `Envie uma imagem com a legenda "#sticker" para criar uma figurinha!`,
		},
		Commands: CommandsConfig{
			StartImageURL: "https://i.ibb.co/cFQCZX3/Rem-Anime.webp",
			StartCaption:  "#null",
		},
		Mirror: MirrorConfig{
			Enabled:              true,
			FlushIntervalSeconds: 10,
			MaxMessages:          200,
		},
		Storage: StorageConfig{
			Type:     "file",
			FilePath: filepath.Join(home, "store"),
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:     10,
			InitialDelayMS:  1000,
			MaxDelaySeconds: 120,
			Multiplier:      2,
			Jitter:          0.2,
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    18790,
		},
		Log: LogConfig{
			Level: "info",
			File:  filepath.Join(home, "logs", "wa-logs.txt"),
		},
	}
}

// LoadConfig reads the config from the encrypted store at path (the
// default database when empty), applies environment overrides and
// persists the result when overrides or repairs changed anything.
func LoadConfig(path string) (*Config, error) {
	cfg, err := loadConfigFromStore(path)
	if err != nil {
		return nil, err
	}
	overridden := applyEnvOverrides(cfg)
	if len(repair(cfg)) > 0 || overridden {
		if err := SaveConfig(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// SaveConfig writes cfg to the encrypted store at path.
func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return saveConfigToStore(path, cfg)
}

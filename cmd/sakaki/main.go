package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sakaki-bot/sakaki/pkg/config"
	"github.com/sakaki-bot/sakaki/pkg/storage"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "sakaki",
	Short:         "WhatsApp sticker and command bot",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config database path (default ~/.sakaki/sakaki.db)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// storageConfig builds the mirror backend settings. A sqlite backend whose
// path is a directory keeps its database inside it.
func storageConfig(cfg *config.Config) storage.Config {
	view := cfg.Clone().Storage
	sc := storage.DefaultConfig(view.Type)
	sc.FilePath = view.FilePath
	sc.DatabaseURL = view.DatabaseURL
	sc.SSLEnabled = view.SSLEnabled
	if sc.Type == storage.TypeSQLite && filepath.Ext(sc.FilePath) == "" {
		sc.FilePath = filepath.Join(sc.FilePath, "mirror.db")
	}
	return sc
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sakaki-bot/sakaki/pkg/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configRotateTokenCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		view := cfg.Clone()
		config.ClearSecrets(view)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(view); err != nil {
			return err
		}
		masked := config.SecretMaskMap(cfg)
		for _, path := range config.SecretPaths() {
			if v, ok := masked[path]; ok {
				fmt.Printf("%s = %s\n", path, v)
			}
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value, e.g. sticker.author or mirror.max_messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		update, err := setValue(cfg.Clone(), args[0], args[1])
		if err != nil {
			return err
		}
		if err := update.Validate(); err != nil {
			return err
		}
		if err := config.SaveConfig(cfgPath, update); err != nil {
			return err
		}
		if config.IsSecret(args[0]) {
			fmt.Printf("✅ %s updated (%s)\n", args[0], config.MaskSecret(args[1]))
			return nil
		}
		fmt.Printf("✅ %s updated\n", args[0])
		return nil
	},
}

var configRotateTokenCmd = &cobra.Command{
	Use:   "rotate-token",
	Short: "Generate a new dashboard token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := cfg.RotateDashboardToken()
		if err != nil {
			return err
		}
		if err := config.SaveConfig(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Printf("🔑 Dashboard token: %s\n", token)
		return nil
	},
}

// setValue returns a copy of cfg with the dotted JSON key set. Values that
// parse as JSON keep their type; anything else is stored as a string.
func setValue(cfg *config.Config, key, value string) (*config.Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}

	parts := strings.Split(key, ".")
	node := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("unknown config section %q", part)
		}
		node = next
	}
	leaf := parts[len(parts)-1]

	var parsed interface{}
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	out, err := decodeTree(tree, node, leaf, parsed)
	if err != nil && parsed != value {
		// "100" for a string field
		out, err = decodeTree(tree, node, leaf, value)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return out, nil
}

func decodeTree(tree, node map[string]interface{}, leaf string, value interface{}) (*config.Config, error) {
	node[leaf] = value
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	out := config.DefaultConfig()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sakaki-bot/sakaki/pkg/storage"
)

var (
	exportOutput string
	migrateFrom  string
	migrateTo    string
	migrateYes   bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the mirrored chats, contacts and messages to JSON files",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy the mirror from one storage backend to another",
	Long: `Copy every mirrored chat, contact and message between backends.
The configured backend is the default destination and "file" the default
source. Update storage.type afterwards to switch the bot over.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "sakaki-export", "output directory")
	migrateCmd.Flags().StringVar(&migrateFrom, "from", "file", "source backend (file, sqlite, postgres)")
	migrateCmd.Flags().StringVar(&migrateTo, "to", "", "destination backend (default: the configured one)")
	migrateCmd.Flags().BoolVarP(&migrateYes, "yes", "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(exportCmd, migrateCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	fmt.Println("📤 Sakaki Mirror Export")
	fmt.Println("======================")
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc := storageConfig(cfg)

	fmt.Printf("📁 Storage type: %s\n", sc.Type)
	fmt.Printf("📁 Output directory: %s\n", exportOutput)
	fmt.Println()

	ctx := cmd.Context()
	store, err := openStorage(ctx, sc)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := os.MkdirAll(exportOutput, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	n, err := exportMirror(ctx, store, exportOutput)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Printf("✅ Exported %d chats to: %s\n", n, exportOutput)
	return nil
}

// exportMirror writes chats.json, contacts.json and one messages file per
// chat under messages/. It returns the number of chats.
func exportMirror(ctx context.Context, store storage.Storage, dir string) (int, error) {
	chats, err := store.Chats().List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list chats: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "chats.json"), chats); err != nil {
		return 0, err
	}
	fmt.Printf("   ✅ Exported %d chats\n", len(chats))

	contacts, err := store.Contacts().List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list contacts: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "contacts.json"), contacts); err != nil {
		return 0, err
	}
	fmt.Printf("   ✅ Exported %d contacts\n", len(contacts))

	msgDir := filepath.Join(dir, "messages")
	if err := os.MkdirAll(msgDir, 0755); err != nil {
		return 0, err
	}
	total := 0
	for _, chat := range chats {
		msgs, err := store.Messages().ListByChat(ctx, chat.ID, 0)
		if err != nil {
			return 0, fmt.Errorf("list messages of %s: %w", chat.ID, err)
		}
		for i := range msgs {
			msgs[i].Raw = nil
		}
		if err := writeJSON(filepath.Join(msgDir, sanitizeFilename(chat.ID)+".json"), msgs); err != nil {
			return 0, err
		}
		total += len(msgs)
	}
	fmt.Printf("   ✅ Exported %d messages\n", total)
	return len(chats), nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	fmt.Println("🔄 Sakaki Mirror Migration")
	fmt.Println("==========================")
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	configured := storageConfig(cfg)

	destType := migrateTo
	if destType == "" {
		destType = configured.Type
	}
	for _, t := range []string{migrateFrom, destType} {
		if !storage.ValidType(t) {
			return fmt.Errorf("unknown storage backend %q", t)
		}
	}
	if destType == migrateFrom {
		return fmt.Errorf("source and destination are both %q", destType)
	}

	sourceConfig := backendConfig(configured, migrateFrom)
	destConfig := backendConfig(configured, destType)

	fmt.Printf("📁 Source: %s\n", migrateFrom)
	fmt.Printf("📁 Destination: %s\n", destType)
	fmt.Println()

	if !migrateYes && !confirm("⚠️  This will copy all mirror data. Continue? (yes/no): ") {
		fmt.Println("❌ Migration cancelled")
		return nil
	}

	ctx := cmd.Context()
	fmt.Printf("🔌 Connecting to source (%s)...\n", migrateFrom)
	source, err := openStorage(ctx, sourceConfig)
	if err != nil {
		return err
	}
	defer source.Close()

	fmt.Printf("🔌 Connecting to destination (%s)...\n", destType)
	dest, err := openStorage(ctx, destConfig)
	if err != nil {
		return err
	}
	defer dest.Close()

	fmt.Println()
	if err := migrateMirror(ctx, source, dest); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("✅ Migration completed successfully!")
	if destType != configured.Type {
		fmt.Println()
		fmt.Println("⚠️  Remember to:")
		fmt.Printf("   1. Set storage.type to '%s' (sakaki config set storage.type %s)\n", destType, destType)
		fmt.Println("   2. Restart Sakaki for changes to take effect")
	}
	return nil
}

// migrateMirror copies contacts, then chats with their messages.
func migrateMirror(ctx context.Context, source, dest storage.Storage) error {
	fmt.Println("📦 Migrating contacts...")
	contacts, err := source.Contacts().List(ctx)
	if err != nil {
		return fmt.Errorf("list contacts: %w", err)
	}
	if err := dest.Contacts().Upsert(ctx, contacts...); err != nil {
		return fmt.Errorf("save contacts: %w", err)
	}
	fmt.Printf("   ✅ Migrated %d contacts\n", len(contacts))

	fmt.Println("📦 Migrating chats...")
	chats, err := source.Chats().List(ctx)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	for i, chat := range chats {
		fmt.Printf("   [%d/%d] %s\n", i+1, len(chats), chat.ID)
		if err := dest.Chats().Upsert(ctx, chat); err != nil {
			return fmt.Errorf("save chat %s: %w", chat.ID, err)
		}
		msgs, err := source.Messages().ListByChat(ctx, chat.ID, 0)
		if err != nil {
			return fmt.Errorf("list messages of %s: %w", chat.ID, err)
		}
		if err := dest.Messages().Save(ctx, msgs...); err != nil {
			return fmt.Errorf("save messages of %s: %w", chat.ID, err)
		}
	}
	fmt.Printf("   ✅ Migrated %d chats\n", len(chats))
	return nil
}

// backendConfig derives the settings of backend kind from the configured
// ones. File and sqlite backends share the configured directory.
func backendConfig(configured storage.Config, kind string) storage.Config {
	sc := configured
	sc.Type = kind
	dir := configured.FilePath
	if configured.Type == storage.TypeSQLite {
		dir = filepath.Dir(dir)
	}
	switch kind {
	case storage.TypeFile:
		sc.FilePath = dir
	case storage.TypeSQLite:
		sc.FilePath = filepath.Join(dir, "mirror.db")
	}
	return sc
}

func openStorage(ctx context.Context, sc storage.Config) (storage.Storage, error) {
	store, err := storage.NewStorage(sc)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s storage: %w", sc.Type, err)
	}
	return store, nil
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(answer), "yes")
}

func writeJSON(filename string, data interface{}) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func sanitizeFilename(s string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", "@", "_at_")
	return r.Replace(s)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakaki-bot/sakaki/pkg/bus"
	"github.com/sakaki-bot/sakaki/pkg/channels"
	"github.com/sakaki-bot/sakaki/pkg/commands"
	"github.com/sakaki-bot/sakaki/pkg/config"
	"github.com/sakaki-bot/sakaki/pkg/dashboard"
	"github.com/sakaki-bot/sakaki/pkg/dispatch"
	"github.com/sakaki-bot/sakaki/pkg/logger"
	"github.com/sakaki-bot/sakaki/pkg/media"
	"github.com/sakaki-bot/sakaki/pkg/mirror"
	"github.com/sakaki-bot/sakaki/pkg/session"
)

var runFlags struct {
	noStore        bool
	doReply        bool
	usePairingCode bool
	logLevel       string
	jsonLogs       bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to WhatsApp and serve commands",
	Args:  cobra.NoArgs,
	RunE:  runBot,
}

func init() {
	f := runCmd.Flags()
	f.BoolVar(&runFlags.noStore, "no-store", false, "do not mirror chats, contacts and messages")
	f.BoolVar(&runFlags.doReply, "do-reply", false, "mark inbound messages as read")
	f.BoolVar(&runFlags.usePairingCode, "use-pairing-code", false, "link the device with a pairing code instead of a QR code")
	f.StringVar(&runFlags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.BoolVar(&runFlags.jsonLogs, "json-logs", false, "write JSON logs to stderr instead of console output")

	rootCmd.AddCommand(runCmd)
	// Running the binary without a subcommand starts the bot.
	rootCmd.RunE = runBot
	rootCmd.Flags().AddFlagSet(f)
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)

	if err := logger.Init(logger.Options{
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
		Console: !runFlags.jsonLogs,
	}); err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	var (
		store *mirror.Store
		tasks []session.Task
	)
	if cfg.Mirror.Enabled && !runFlags.noStore {
		backend, err := openStorage(ctx, storageConfig(cfg))
		if err != nil {
			return err
		}
		defer backend.Close()

		store = mirror.New(backend, mirror.Options{
			FlushInterval: cfg.Mirror.FlushInterval(),
			MaxMessages:   cfg.Mirror.MaxMessages,
		})
		if err := store.Load(ctx); err != nil {
			return fmt.Errorf("load mirror: %w", err)
		}
		tasks = append(tasks, session.Task{Name: "mirror-flush", Run: store.RunFlusher})
	}

	encoder, err := media.NewEncoder(cfg.Sticker.Encoder, cfg.Sticker.CwebpPath)
	if err != nil {
		return err
	}
	pipeline := media.NewPipeline(media.WithEncoder(encoder), media.WithQuality(cfg.Sticker.Quality))

	registry := commands.Builtin(commands.BuiltinOptions{
		StartImageURL: cfg.Commands.StartImageURL,
		StartCaption:  cfg.Commands.StartCaption,
	})

	dispatchOpts := []dispatch.Option{dispatch.WithBus(msgBus)}
	if store != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithObserver(store))
	}
	dispatcher := dispatch.New(dispatch.Config{
		StickerTrigger: cfg.Sticker.Trigger,
		Author:         cfg.Sticker.Author,
		Pack:           cfg.Sticker.Pack,
		FailureText:    cfg.Sticker.FailureText,
		HintText:       cfg.Sticker.HintText,
		DoReply:        cfg.WhatsApp.DoReply,
	}, registry, pipeline, dispatchOpts...)

	waOpts := channels.Options{
		StorePath:        cfg.WhatsApp.StorePath,
		StoreDatabaseURL: cfg.WhatsApp.StoreDatabaseURL,
		UsePairingCode:   cfg.WhatsApp.UsePairingCode,
		PairingPhone:     cfg.WhatsApp.PairingPhone,
		DeviceName:       cfg.WhatsApp.DeviceName,
		Bus:              msgBus,
	}
	if store != nil {
		waOpts.Retry = store.MessageForRetry
		waOpts.OnSent = store.RecordSent
	}
	wa := channels.NewWhatsApp(waOpts)
	defer wa.Close()

	var sup *session.Supervisor
	if cfg.Dashboard.Enabled {
		task, err := dashboardTask(cfg, store, msgBus, func() dashboard.SessionView { return sup })
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
	}

	sup = session.NewSupervisor(wa, dispatcher, session.Options{
		Policy: reconnectPolicy(cfg.Reconnect),
		Bus:    msgBus,
		Tasks:  tasks,
	})

	logger.InfoCF("main", "Sakaki starting", map[string]interface{}{
		"commands":  registry.Len(),
		"mirror":    store != nil,
		"dashboard": cfg.Dashboard.Enabled,
		"encoder":   cfg.Sticker.Encoder,
	})

	err = sup.Run(ctx)
	switch {
	case errors.Is(err, session.ErrLoggedOut):
		logger.WarnC("main", "Logged out; remove the session store and pair again")
	case err != nil:
		logger.ErrorCF("main", "Session stopped", map[string]interface{}{"error": err.Error()})
	default:
		logger.InfoC("main", "Shut down")
	}
	return err
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("do-reply") {
		cfg.WhatsApp.DoReply = runFlags.doReply
	}
	if flags.Changed("use-pairing-code") {
		cfg.WhatsApp.UsePairingCode = runFlags.usePairingCode
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = runFlags.logLevel
	}
}

// dashboardTask makes sure a dashboard token exists and returns the server
// as a background task. The supervisor is resolved lazily because it is
// created after its tasks.
func dashboardTask(cfg *config.Config, store *mirror.Store, msgBus *bus.MessageBus, sessions func() dashboard.SessionView) (session.Task, error) {
	token, created, err := cfg.EnsureDashboardToken()
	if err != nil {
		return session.Task{}, fmt.Errorf("dashboard token: %w", err)
	}
	if created {
		if err := config.SaveConfig(cfgPath, cfg); err != nil {
			return session.Task{}, err
		}
		fmt.Printf("🔑 Dashboard token: %s\n", token)
	}

	var mv dashboard.MirrorView
	if store != nil {
		mv = store
	}
	return session.Task{
		Name: "dashboard",
		Run: func(ctx context.Context) error {
			return dashboard.NewServer(cfg, cfgPath, sessions(), mv, msgBus).Run(ctx)
		},
	}, nil
}

func reconnectPolicy(rc config.ReconnectConfig) session.Policy {
	p := session.DefaultPolicy()
	p.MaxAttempts = rc.MaxAttempts
	if rc.InitialDelayMS > 0 {
		p.InitialDelay = time.Duration(rc.InitialDelayMS) * time.Millisecond
	}
	if rc.MaxDelaySeconds > 0 {
		p.MaxDelay = time.Duration(rc.MaxDelaySeconds) * time.Second
	}
	if rc.Multiplier >= 1 {
		p.Multiplier = rc.Multiplier
	}
	if rc.Jitter >= 0 && rc.Jitter < 1 {
		p.Jitter = rc.Jitter
	}
	return p
}

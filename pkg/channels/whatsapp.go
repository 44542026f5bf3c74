// Package channels connects the bot to WhatsApp through whatsmeow. It
// implements session.Protocol and hands the core protocol events and a
// protocol.Conn per session.
package channels

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/chzyer/readline"
	_ "github.com/lib/pq"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/sakaki-bot/sakaki/pkg/bus"
	"github.com/sakaki-bot/sakaki/pkg/logger"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

// Options configures the WhatsApp adapter.
type Options struct {
	// StorePath is the sqlite file holding the device credentials.
	StorePath string
	// StoreDatabaseURL selects a postgres device store instead.
	StoreDatabaseURL string
	UsePairingCode   bool
	PairingPhone     string
	DeviceName       string

	Bus *bus.MessageBus
	// Retry returns the serialized payload of a sent message, for peers
	// that ask for it again.
	Retry func(chatID, id string) []byte
	// OnSent receives the serialized payload of every message sent, so
	// Retry can find it later.
	OnSent     func(chatID, id, kind string, raw []byte)
	HTTPClient *http.Client
	// Prompt asks the operator for a line of input; defaults to readline.
	Prompt func(prompt string) (string, error)
	Out    io.Writer
}

// WhatsApp implements session.Protocol on top of whatsmeow.
type WhatsApp struct {
	opts Options

	mu        sync.Mutex
	db        *sql.DB
	container *sqlstore.Container
	device    *store.Device
}

func NewWhatsApp(opts Options) *WhatsApp {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Prompt == nil {
		opts.Prompt = readlinePrompt
	}
	if opts.DeviceName == "" {
		opts.DeviceName = "sakaki"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WhatsApp{opts: opts}
}

// LoadCredentials opens the device store and loads the first device,
// creating an unregistered one when the store is empty.
func (w *WhatsApp) LoadCredentials(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.container == nil {
		container, db, err := w.openContainer(ctx)
		if err != nil {
			return err
		}
		w.container, w.db = container, db
	}

	device, err := w.container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device from store: %w", err)
	}
	w.device = device
	if device.ID != nil {
		logger.InfoCF("whatsapp", "Resuming existing session", map[string]interface{}{
			"device_id": device.ID.String(),
		})
	}
	return nil
}

func (w *WhatsApp) openContainer(ctx context.Context) (*sqlstore.Container, *sql.DB, error) {
	var (
		db      *sql.DB
		dialect string
		err     error
	)
	if w.opts.StoreDatabaseURL != "" {
		dialect = "postgres"
		db, err = sql.Open("postgres", w.opts.StoreDatabaseURL)
	} else {
		path := expandHome(w.opts.StorePath)
		if path == "" {
			return nil, nil, errors.New("whatsapp store path is empty")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		dialect = "sqlite"
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path)
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open whatsmeow database: %w", err)
	}

	container := sqlstore.NewWithDB(db, dialect, logger.WA("Database"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to upgrade whatsmeow database: %w", err)
	}
	return container, db, nil
}

// NegotiateVersion asks WhatsApp for the current web client version. On
// failure the built-in version is kept and reported as not latest.
func (w *WhatsApp) NegotiateVersion(ctx context.Context) (protocol.Version, error) {
	latest, err := whatsmeow.GetLatestVersion(ctx, w.opts.HTTPClient)
	if err != nil {
		logger.WarnCF("whatsapp", "Could not fetch latest WA version", map[string]interface{}{
			"error": err.Error(),
		})
		return protocol.Version{Value: store.GetWAVersion().String(), IsLatest: false}, nil
	}
	store.SetWAVersion(*latest)
	return protocol.Version{Value: latest.String(), IsLatest: true}, nil
}

// Open creates a fresh client for the loaded device and connects it. Login
// runs when the device is not registered yet.
func (w *WhatsApp) Open(ctx context.Context, emit func(protocol.Event)) (protocol.Conn, error) {
	w.mu.Lock()
	device := w.device
	w.mu.Unlock()
	if device == nil {
		return nil, errors.New("credentials not loaded")
	}

	client := whatsmeow.NewClient(device, logger.WA("Client"))
	client.EnableAutoReconnect = false
	conn := newConn(client, w.opts.HTTPClient)
	conn.onSent = w.opts.OnSent
	dec := decoder{parseHistory: client.ParseWebMessage}

	if w.opts.Retry != nil {
		client.GetMessageForRetry = func(requester, to types.JID, id types.MessageID) *waE2E.Message {
			raw := w.opts.Retry(to.String(), string(id))
			if len(raw) == 0 {
				return nil
			}
			var msg waE2E.Message
			if err := proto.Unmarshal(raw, &msg); err != nil {
				return nil
			}
			return &msg
		}
	}

	conn.handlerID = client.AddEventHandler(func(raw interface{}) {
		if retry, ok := raw.(*events.MediaRetry); ok {
			conn.deliverMediaRetry(retry)
			return
		}
		for _, evt := range dec.decode(raw) {
			emit(evt)
		}
	})

	emit(protocol.ConnectionUpdate{State: protocol.ConnectionConnecting})

	if client.Store.ID != nil {
		if err := client.Connect(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		return conn, nil
	}

	if w.opts.UsePairingCode {
		if err := w.loginWithPairingCode(ctx, client); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
	if err := w.loginWithQR(ctx, client, emit); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// SaveCredentials persists the device state.
func (w *WhatsApp) SaveCredentials(ctx context.Context) error {
	w.mu.Lock()
	device := w.device
	w.mu.Unlock()
	if device == nil || device.ID == nil {
		return nil
	}
	return device.Save(ctx)
}

// Close releases the device store.
func (w *WhatsApp) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db, w.container, w.device = nil, nil, nil
	return err
}

// loginWithQR connects and shows QR codes until the phone scans one. The
// codes are printed and published on the bus.
func (w *WhatsApp) loginWithQR(ctx context.Context, client *whatsmeow.Client, emit func(protocol.Event)) error {
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect for QR: %w", err)
	}
	logger.InfoC("whatsapp", "No existing session found, starting QR code login")

	go w.watchQR(qrChan, emit)
	return nil
}

// watchQR follows the login until the channel closes. A timed out or
// failed login closes the generation, so the session starts a new one.
func (w *WhatsApp) watchQR(items <-chan whatsmeow.QRChannelItem, emit func(protocol.Event)) {
	for item := range items {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			printQR(w.opts.Out, item.Code)
			svg, err := QRSVG(item.Code, 256)
			if err != nil {
				logger.WarnCF("whatsapp", "QR SVG render failed", map[string]interface{}{"error": err.Error()})
			}
			w.publishQR(bus.QRCodeEvent{Event: "code", Code: item.Code, SVG: svg})
		case whatsmeow.QRChannelSuccess.Event:
			logger.InfoC("whatsapp", "WhatsApp login successful")
			w.publishQR(bus.QRCodeEvent{Event: "success"})
		case whatsmeow.QRChannelTimeout.Event:
			logger.WarnC("whatsapp", "QR code timed out")
			w.publishQR(bus.QRCodeEvent{Event: "timeout"})
			emit(loginFailed("qr login timed out"))
		case whatsmeow.QRChannelEventError:
			logger.ErrorCF("whatsapp", "QR login error", map[string]interface{}{"error": fmt.Sprint(item.Error)})
			w.publishQR(bus.QRCodeEvent{Event: "error"})
			emit(loginFailed(fmt.Sprintf("qr login failed: %v", item.Error)))
		}
	}
}

func loginFailed(message string) protocol.ConnectionUpdate {
	return protocol.ConnectionUpdate{
		State: protocol.ConnectionClosed,
		Close: protocol.CloseReason{Reason: protocol.ReasonFailure, Message: message},
	}
}

// loginWithPairingCode connects and links the device by phone number.
func (w *WhatsApp) loginWithPairingCode(ctx context.Context, client *whatsmeow.Client) error {
	phone := normalizePhone(w.opts.PairingPhone)
	if phone == "" {
		answer, err := w.opts.Prompt("Please enter your mobile phone number: ")
		if err != nil {
			return fmt.Errorf("failed to read phone number: %w", err)
		}
		phone = normalizePhone(answer)
	}
	if phone == "" {
		return errors.New("a phone number is required for pairing")
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect for pairing: %w", err)
	}
	code, err := client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome ("+w.opts.DeviceName+")")
	if err != nil {
		return fmt.Errorf("failed to request pairing code: %w", err)
	}
	fmt.Fprintf(w.opts.Out, "Pairing code: %s\n", code)
	logger.InfoCF("whatsapp", "Pairing code issued", map[string]interface{}{"phone": phone})
	w.publishQR(bus.QRCodeEvent{Event: "pairing_code", Code: code})
	return nil
}

func (w *WhatsApp) publishQR(evt bus.QRCodeEvent) {
	if w.opts.Bus != nil {
		w.opts.Bus.PublishQRCode(evt)
	}
}

func readlinePrompt(prompt string) (string, error) {
	rl, err := readline.New(prompt)
	if err != nil {
		return "", err
	}
	defer rl.Close()
	return rl.Readline()
}

// normalizePhone keeps only the digits of a phone number.
func normalizePhone(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// expandHome expands a leading ~ in path.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && (path[1] == '/' || path[1] == '\\') {
		return home + path[1:]
	}
	return home
}

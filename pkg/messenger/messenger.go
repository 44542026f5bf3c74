// Package messenger sends messages behind a simulated typing indicator.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

// ErrNoSession is returned when a send is attempted without a bound handle.
var ErrNoSession = errors.New("messenger: no session handle bound")

const (
	DefaultSubscribeDelay = 500 * time.Millisecond
	DefaultTypingDelay    = 2 * time.Second
)

// Messenger wraps a borrowed session handle. The zero delays fall back to
// the defaults; tests replace Sleep to observe the sequence without waiting.
type Messenger struct {
	handle protocol.Handle

	SubscribeDelay time.Duration
	TypingDelay    time.Duration
	Sleep          func(ctx context.Context, d time.Duration) error
}

// New binds a messenger to h. A nil h is accepted; every send then fails
// with ErrNoSession.
func New(h protocol.Handle) *Messenger {
	return &Messenger{
		handle:         h,
		SubscribeDelay: DefaultSubscribeDelay,
		TypingDelay:    DefaultTypingDelay,
		Sleep:          sleepContext,
	}
}

// SendWithTyping subscribes to the chat presence, shows "composing" for a
// while, pauses, then sends content.
func (m *Messenger) SendWithTyping(ctx context.Context, content protocol.Content, chatID string) (string, error) {
	return m.send(ctx, content, chatID)
}

// SendWithTypingQuoted is SendWithTyping with a quoted-message reference on
// the final send.
func (m *Messenger) SendWithTypingQuoted(ctx context.Context, content protocol.Content, chatID string, quoted *protocol.Message) (string, error) {
	return m.send(ctx, content, chatID, protocol.WithQuoted(quoted))
}

func (m *Messenger) send(ctx context.Context, content protocol.Content, chatID string, opts ...protocol.SendOption) (string, error) {
	if m == nil || m.handle == nil {
		return "", ErrNoSession
	}

	if err := m.handle.PresenceSubscribe(ctx, chatID); err != nil {
		return "", fmt.Errorf("presence subscribe: %w", err)
	}
	if err := m.sleep(ctx, m.SubscribeDelay); err != nil {
		return "", err
	}
	if err := m.handle.SendPresenceUpdate(ctx, protocol.PresenceComposing, chatID); err != nil {
		return "", fmt.Errorf("send composing: %w", err)
	}
	if err := m.sleep(ctx, m.TypingDelay); err != nil {
		return "", err
	}
	if err := m.handle.SendPresenceUpdate(ctx, protocol.PresencePaused, chatID); err != nil {
		return "", fmt.Errorf("send paused: %w", err)
	}

	id, err := m.handle.SendMessage(ctx, chatID, content, opts...)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return id, nil
}

func (m *Messenger) sleep(ctx context.Context, d time.Duration) error {
	if m.Sleep == nil {
		return sleepContext(ctx, d)
	}
	return m.Sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

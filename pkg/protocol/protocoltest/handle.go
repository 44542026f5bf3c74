// Package protocoltest provides an in-memory protocol.Handle for tests.
package protocoltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

// Call records one method invocation on the fake handle.
type Call struct {
	Method  string
	ChatID  string
	Content protocol.Content
	Quoted  *protocol.Message
	State   protocol.PresenceState
	Keys    []protocol.Key
}

// Handle is a protocol.Handle that records every call.
type Handle struct {
	mu    sync.Mutex
	calls []Call

	DownloadData []byte
	DownloadErr  error
	SendErr      error
	PictureURL   string
	PictureErr   error

	closed bool
}

// New returns an empty fake handle.
func New() *Handle {
	return &Handle{}
}

func (h *Handle) record(c Call) {
	h.mu.Lock()
	h.calls = append(h.calls, c)
	h.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (h *Handle) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// Methods returns the recorded method names in call order.
func (h *Handle) Methods() []string {
	calls := h.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

// Sent returns the SendMessage calls only.
func (h *Handle) Sent() []Call {
	var out []Call
	for _, c := range h.Calls() {
		if c.Method == "SendMessage" {
			out = append(out, c)
		}
	}
	return out
}

func (h *Handle) SendMessage(ctx context.Context, chatID string, content protocol.Content, opts ...protocol.SendOption) (string, error) {
	o := protocol.ApplySendOptions(opts)
	h.record(Call{Method: "SendMessage", ChatID: chatID, Content: content, Quoted: o.Quoted})
	if h.SendErr != nil {
		return "", h.SendErr
	}
	return fmt.Sprintf("sent-%d", len(h.Sent())), nil
}

func (h *Handle) SendPresenceUpdate(ctx context.Context, state protocol.PresenceState, chatID string) error {
	h.record(Call{Method: "SendPresenceUpdate", ChatID: chatID, State: state})
	return nil
}

func (h *Handle) PresenceSubscribe(ctx context.Context, chatID string) error {
	h.record(Call{Method: "PresenceSubscribe", ChatID: chatID})
	return nil
}

func (h *Handle) ReadMessages(ctx context.Context, keys []protocol.Key) error {
	h.record(Call{Method: "ReadMessages", Keys: keys})
	return nil
}

func (h *Handle) ProfilePictureURL(ctx context.Context, chatID string) (string, error) {
	h.record(Call{Method: "ProfilePictureURL", ChatID: chatID})
	return h.PictureURL, h.PictureErr
}

func (h *Handle) DownloadMedia(ctx context.Context, msg *protocol.Message) ([]byte, error) {
	h.record(Call{Method: "DownloadMedia", ChatID: msg.Key.ChatID})
	if h.DownloadErr != nil {
		return nil, h.DownloadErr
	}
	return h.DownloadData, nil
}

func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// IsClosed reports whether Close was called.
func (h *Handle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

var _ protocol.Conn = (*Handle)(nil)

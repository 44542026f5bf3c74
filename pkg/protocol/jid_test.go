package protocol

import "testing"

func TestIsBroadcast(t *testing.T) {
	tests := []struct {
		chat string
		want bool
	}{
		{"5511999999999@s.whatsapp.net", false},
		{"120363025246125486@g.us", false},
		{"status@broadcast", true},
		{"123456789@newsletter", true},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsBroadcast(tt.chat); got != tt.want {
			t.Errorf("IsBroadcast(%q) = %v, want %v", tt.chat, got, tt.want)
		}
	}
}

func TestTextBody(t *testing.T) {
	msg := &Message{Content: ExtendedText{Body: "#start"}}
	if body, ok := msg.TextBody(); !ok || body != "#start" {
		t.Errorf("expected extended text body, got %q (%v)", body, ok)
	}

	msg = &Message{Content: Image{Caption: "#sticker"}}
	if _, ok := msg.TextBody(); ok {
		t.Error("image caption must not be treated as text")
	}

	var nilMsg *Message
	if _, ok := nilMsg.TextBody(); ok {
		t.Error("nil message has no text")
	}
}

func TestCloseReasonTerminal(t *testing.T) {
	if !(CloseReason{Reason: ReasonLoggedOut}).Terminal() {
		t.Error("logout must be terminal")
	}
	for _, r := range []DisconnectReason{ReasonConnectionLost, ReasonReplaced, ReasonBanned, ReasonOutdated, ReasonFailure} {
		if (CloseReason{Reason: r}).Terminal() {
			t.Errorf("%s must be recoverable", r)
		}
	}
}

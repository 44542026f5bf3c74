package bus

// InboundMessage is the observable summary of one inbound message.
type InboundMessage struct {
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
	Content   string `json:"content,omitempty"`
	FromSelf  bool   `json:"from_self"`
}

// OutboundMessage is the observable summary of one outbound send.
type OutboundMessage struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id,omitempty"`
	Kind      string `json:"kind"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

// QRCodeEvent represents a QR code authentication event.
type QRCodeEvent struct {
	Event string `json:"event"`          // "code", "pairing_code", "success", "timeout", "error"
	Code  string `json:"code,omitempty"` // raw QR data or pairing code
	SVG   string `json:"svg,omitempty"`  // server-rendered SVG of the QR code
}

// ConnectionEvent reports a session state transition.
type ConnectionEvent struct {
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	Generation int    `json:"generation"`
}

package protocol

import "strings"

// IsBroadcast reports whether chatID addresses a broadcast list, the status
// feed or a newsletter. Those recipients never get read receipts.
func IsBroadcast(chatID string) bool {
	server := chatID
	if i := strings.LastIndex(chatID, "@"); i >= 0 {
		server = chatID[i+1:]
	}
	switch server {
	case "broadcast", "newsletter":
		return true
	}
	return false
}

// IsGroup reports whether chatID addresses a group chat.
func IsGroup(chatID string) bool {
	return strings.HasSuffix(chatID, "@g.us")
}

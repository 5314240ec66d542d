// Package i18n resolves the user-visible message keys the transfer core
// needs. The desktop shell swaps the table for the active locale; the
// fallbacks here are English.
package i18n

import "sync"

const (
	KeyPortAlreadyUsed = "port_already_used"
	KeyFailedToStart   = "failed_to_start_socket_transfer"
)

var (
	mu       sync.RWMutex
	messages = map[string]string{
		KeyPortAlreadyUsed: "port already in use: ",
		KeyFailedToStart:   "failed to start socket transfer",
	}
)

// Lookup returns the message for key, or the key itself when no message is
// registered.
func Lookup(key string) string {
	mu.RLock()
	defer mu.RUnlock()

	if msg, ok := messages[key]; ok {
		return msg
	}
	return key
}

// SetMessages overrides messages for the given keys, keeping fallbacks for
// keys not mentioned.
func SetMessages(overrides map[string]string) {
	mu.Lock()
	defer mu.Unlock()

	for k, v := range overrides {
		messages[k] = v
	}
}

package transport

import (
	"fmt"
	"os"
)

// Queue name templates. They must stay byte-for-byte stable: every client and
// the broker compute names independently, without any discovery step.
const (
	serverQueueTemplate     = "/dime-server-%s"
	connectionQueueTemplate = "/dime-connect-%s-%d"
)

// ServerQueueName is the broker's well-known request queue for a display.
func ServerQueueName(display string) string {
	return fmt.Sprintf(serverQueueTemplate, display)
}

// ConnectionQueueName is the private reply queue of connection id.
func ConnectionQueueName(display string, id int) string {
	return fmt.Sprintf(connectionQueueTemplate, display, id)
}

// DisplayFromEnv returns the session identifier taken from $DISPLAY. An unset
// variable yields "(null)", the text printf produces for it, so processes
// without a display still agree with each other on names.
func DisplayFromEnv() string {
	if display, ok := os.LookupEnv("DISPLAY"); ok {
		return display
	}
	return "(null)"
}

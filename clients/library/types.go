package sandlib

import (
	"time"

	"github.com/AnishMulay/sandgate/internal/communication"
)

const (
	DefaultDelayRetries = 5
	DefaultDelayBackoff = 200 * time.Millisecond
)

// GatewayClient holds client-wide state for one sandlib instance.
//
// DelayRetries bounds how many times LayoutGet and LayoutReturn resend a
// request the gateway answered with DELAY. Zero disables retrying.
type GatewayClient struct {
	ServerAddr string
	Comm       communication.Communicator

	DelayRetries int
	DelayBackoff time.Duration
}

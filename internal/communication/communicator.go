package communication

import (
	"context"
	"net"
	"reflect"
)

type SandCode string

const (
	CodeOK          SandCode = "OK"
	CodeBadRequest  SandCode = "BAD_REQUEST"
	CodeNotFound    SandCode = "NOT_FOUND"
	CodeDelay       SandCode = "DELAY"
	CodeInternal    SandCode = "INTERNAL"
	CodeUnavailable SandCode = "UNAVAILABLE"
)

type Message struct {
	From    string `json:"from"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type Response struct {
	Code    SandCode          `json:"code"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// MessageHandler serves one inbound message. The context carries the
// local address of the connection the message arrived on.
type MessageHandler func(ctx context.Context, msg Message) (*Response, error)

type Communicator interface {
	Start(handler MessageHandler) error
	Stop() error
	Send(ctx context.Context, to string, msg Message) (*Response, error)
	Address() string
	RegisterPayloadType(messageType string, payloadType reflect.Type)
}

type localAddrKey struct{}

func WithLocalAddress(ctx context.Context, addr net.Addr) context.Context {
	if addr == nil {
		return ctx
	}
	return context.WithValue(ctx, localAddrKey{}, addr.String())
}

// LocalAddressFromContext returns the server-side address of the
// connection serving the current message.
func LocalAddressFromContext(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(localAddrKey{}).(string)
	return addr, ok && addr != ""
}

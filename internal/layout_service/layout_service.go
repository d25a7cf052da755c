package layout_service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AnishMulay/sandgate/internal/accounting"
	dr "github.com/AnishMulay/sandgate/internal/device_registry"
	tt "github.com/AnishMulay/sandgate/internal/transfer_table"
)

type Intent = tt.Intent

const (
	IntentRead      = tt.IntentRead
	IntentReadWrite = tt.IntentReadWrite
)

// LayoutType is the pNFS layout type. Only the files layout is handed out.
type LayoutType uint32

const LayoutTypeFiles LayoutType = 1

// LengthWholeFile is the layout length covering the rest of the file.
const LengthWholeFile uint64 = math.MaxUint64

// Layout tells the client which device holds the data for Handle.
type Layout struct {
	DeviceId      dr.DeviceId `json:"deviceId"`
	Handle        string      `json:"handle"`
	Intent        Intent      `json:"intent"`
	Offset        uint64      `json:"offset"`
	Length        uint64      `json:"length"`
	Type          LayoutType  `json:"type"`
	ReturnOnClose bool        `json:"returnOnClose"`
}

func newLayout(id dr.DeviceId, handle string, intent Intent) Layout {
	return Layout{
		DeviceId:      id,
		Handle:        handle,
		Intent:        intent,
		Offset:        0,
		Length:        LengthWholeFile,
		Type:          LayoutTypeFiles,
		ReturnOnClose: true,
	}
}

type ObjectType int

const (
	ObjectRegular ObjectType = iota + 1
	ObjectDirectory
	ObjectSymlink
	ObjectSpecial
)

func (t ObjectType) String() string {
	switch t {
	case ObjectRegular:
		return "regular"
	case ObjectDirectory:
		return "directory"
	case ObjectSymlink:
		return "symlink"
	case ObjectSpecial:
		return "special"
	default:
		return "unknown"
	}
}

// ParseObjectType accepts the names produced by ObjectType.String.
func ParseObjectType(s string) (ObjectType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "regular", "file":
		return ObjectRegular, nil
	case "directory", "dir":
		return ObjectDirectory, nil
	case "symlink":
		return ObjectSymlink, nil
	case "special":
		return ObjectSpecial, nil
	default:
		return 0, fmt.Errorf("unknown object type %q", s)
	}
}

type ObjectInfo struct {
	Handle string     `json:"handle"`
	Path   string     `json:"path,omitempty"`
	Type   ObjectType `json:"type"`
	Size   int64      `json:"size"`
}

func (o ObjectInfo) IsRegular() bool {
	return o.Type == ObjectRegular
}

type NamespaceService interface {
	Resolve(ctx context.Context, handle string) (ObjectInfo, error)
}

// SessionRequest asks the selector to start a data-mover session for a
// regular file. The selector answers through the coordinator callbacks.
type SessionRequest struct {
	Token  string
	Handle string
	Intent Intent
	Object ObjectInfo
}

type Selector interface {
	StartSession(ctx context.Context, req SessionRequest) error
	EndSession(ctx context.Context, token string) error
}

type Accounting interface {
	TransferFinished(ctx context.Context, rec accounting.TransferRecord)
}

// SessionOutcome is what a backend reports when its mover session ends.
type SessionOutcome struct {
	Backend          string
	Failed           bool
	BytesTransferred int64
	Error            string
}

// SessionListener receives asynchronous notifications from backends.
type SessionListener interface {
	OnSessionReady(ctx context.Context, token, backend string, addresses []string) error
	OnSessionFailed(ctx context.Context, token, backend, reason string) error
	OnSessionStopped(ctx context.Context, token, backend string) error
	OnSessionFinished(ctx context.Context, token string, outcome SessionOutcome) error
}

type LayoutService interface {
	SessionListener

	LayoutGet(ctx context.Context, handle string, intent Intent, token string) (Layout, error)
	LayoutReturn(ctx context.Context, token string) error
	GetDeviceInfo(ctx context.Context, id dr.DeviceId) (dr.DeviceMapping, error)
	GetDeviceList(ctx context.Context) []dr.DeviceId
	ListTransfers(ctx context.Context) []tt.TransferInfo
	ExpireStale(ctx context.Context, maxAge time.Duration) int
}

const (
	DefaultLayoutGetTimeout  = 3 * time.Second
	DefaultReturnTimeout     = 1 * time.Second
	DefaultClientCallTimeout = 30 * time.Second
)

type Options struct {
	// GatewayName is reported as the backend name of device 0.
	GatewayName string

	// LayoutGetTimeout bounds how long a layout request waits for the
	// backend session. It must be shorter than ClientCallTimeout.
	LayoutGetTimeout time.Duration

	// ReturnTimeout bounds how long a layout return waits for the
	// session to stop. It must be shorter than LayoutGetTimeout.
	ReturnTimeout time.Duration

	// ClientCallTimeout is the client's own RPC timeout.
	ClientCallTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		GatewayName:       "gateway",
		LayoutGetTimeout:  DefaultLayoutGetTimeout,
		ReturnTimeout:     DefaultReturnTimeout,
		ClientCallTimeout: DefaultClientCallTimeout,
	}
}

func (o Options) Validate() error {
	if o.ReturnTimeout <= 0 || o.LayoutGetTimeout <= 0 || o.ClientCallTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidOptions)
	}
	if o.LayoutGetTimeout >= o.ClientCallTimeout {
		return fmt.Errorf("%w: layout get timeout %s must be shorter than client call timeout %s",
			ErrInvalidOptions, o.LayoutGetTimeout, o.ClientCallTimeout)
	}
	if o.ReturnTimeout >= o.LayoutGetTimeout {
		return fmt.Errorf("%w: return timeout %s must be shorter than layout get timeout %s",
			ErrInvalidOptions, o.ReturnTimeout, o.LayoutGetTimeout)
	}
	return nil
}

type serverAddressKey struct{}

// WithServerAddress records the local address of the connection the
// request arrived on. It is what device 0 resolves to for that caller.
func WithServerAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, serverAddressKey{}, addr)
}

func ServerAddressFromContext(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(serverAddressKey{}).(string)
	return addr, ok && addr != ""
}

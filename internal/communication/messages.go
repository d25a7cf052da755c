package communication

// Message Type Constants
const (
	// Protocol and admin facing operations
	MessageTypeLayoutGet     = "layout_get"
	MessageTypeLayoutReturn  = "layout_return"
	MessageTypeGetDeviceInfo = "get_device_info"
	MessageTypeGetDeviceList = "get_device_list"
	MessageTypeListTransfers = "list_transfers"

	// Gateway -> backend
	MessageTypeStartSession = "start_session"
	MessageTypeEndSession   = "end_session"

	// Backend -> gateway
	MessageTypeSessionReady    = "session_ready"
	MessageTypeSessionFailed   = "session_failed"
	MessageTypeSessionStopped  = "session_stopped"
	MessageTypeSessionFinished = "session_finished"
)

// --- Payload Structs ---

type LayoutGetRequest struct {
	Handle string `json:"handle"`
	Intent string `json:"intent"`
	Token  string `json:"token"`
}

type LayoutReturnRequest struct {
	Token string `json:"token"`
}

type GetDeviceInfoRequest struct {
	DeviceId uint32 `json:"deviceId"`
}

type GetDeviceListRequest struct{}

type ListTransfersRequest struct{}

type StartSessionRequest struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	Handle    string `json:"handle"`
	Intent    string `json:"intent"`
	ReplyTo   string `json:"replyTo"`
}

type EndSessionRequest struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	ReplyTo   string `json:"replyTo"`
}

type SessionReadyRequest struct {
	Token     string   `json:"token"`
	Backend   string   `json:"backend"`
	Addresses []string `json:"addresses"`
}

type SessionFailedRequest struct {
	Token   string `json:"token"`
	Backend string `json:"backend,omitempty"`
	Reason  string `json:"reason"`
}

type SessionStoppedRequest struct {
	Token   string `json:"token"`
	Backend string `json:"backend,omitempty"`
}

type SessionFinishedRequest struct {
	Token            string `json:"token"`
	Backend          string `json:"backend,omitempty"`
	Outcome          string `json:"outcome"`
	BytesTransferred int64  `json:"bytesTransferred"`
	Error            string `json:"error,omitempty"`
}

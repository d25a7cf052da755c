package communication

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// PayloadRegistry maps message types to the Go type their JSON payload
// decodes into.
type PayloadRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func NewPayloadRegistry() *PayloadRegistry {
	r := &PayloadRegistry{types: make(map[string]reflect.Type)}
	registerDefaultPayloads(r)
	return r
}

func (r *PayloadRegistry) Register(messageType string, payloadType reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[messageType] = payloadType
}

// Decode returns a value (not a pointer) of the registered type. An empty
// payload decodes to nil.
func (r *PayloadRegistry) Decode(messageType string, raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	r.mu.RLock()
	payloadType, ok := r.types[messageType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, messageType)
	}

	value := reflect.New(payloadType)
	if err := json.Unmarshal(raw, value.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadUnmarshalFailed, err)
	}
	return value.Elem().Interface(), nil
}

// EncodePayload marshals a payload for the wire.
func EncodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadMarshalFailed, err)
	}
	return data, nil
}

func registerDefaultPayloads(r *PayloadRegistry) {
	r.types[MessageTypeLayoutGet] = reflect.TypeOf(LayoutGetRequest{})
	r.types[MessageTypeLayoutReturn] = reflect.TypeOf(LayoutReturnRequest{})
	r.types[MessageTypeGetDeviceInfo] = reflect.TypeOf(GetDeviceInfoRequest{})
	r.types[MessageTypeGetDeviceList] = reflect.TypeOf(GetDeviceListRequest{})
	r.types[MessageTypeListTransfers] = reflect.TypeOf(ListTransfersRequest{})
	r.types[MessageTypeStartSession] = reflect.TypeOf(StartSessionRequest{})
	r.types[MessageTypeEndSession] = reflect.TypeOf(EndSessionRequest{})
	r.types[MessageTypeSessionReady] = reflect.TypeOf(SessionReadyRequest{})
	r.types[MessageTypeSessionFailed] = reflect.TypeOf(SessionFailedRequest{})
	r.types[MessageTypeSessionStopped] = reflect.TypeOf(SessionStoppedRequest{})
	r.types[MessageTypeSessionFinished] = reflect.TypeOf(SessionFinishedRequest{})
}

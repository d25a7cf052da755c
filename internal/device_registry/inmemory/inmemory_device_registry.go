package inmemory

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	dr "github.com/AnishMulay/sandgate/internal/device_registry"
	"github.com/AnishMulay/sandgate/internal/log_service"
)

// backendEntry serializes ResolveOrAllocate for one backend name. Calls
// for different backends never contend.
type backendEntry struct {
	mu      sync.Mutex
	mapping *dr.DeviceMapping
}

type InMemoryDeviceRegistry struct {
	ls log_service.LogService

	// lastId is the most recently allocated id; ids start at 1.
	lastId atomic.Uint32

	backends sync.Map // backend name -> *backendEntry
	devices  sync.Map // dr.DeviceId -> dr.DeviceMapping
}

func NewInMemoryDeviceRegistry(ls log_service.LogService) *InMemoryDeviceRegistry {
	registerMetrics()
	return &InMemoryDeviceRegistry{ls: ls}
}

func (r *InMemoryDeviceRegistry) allocate() dr.DeviceId {
	for {
		id := dr.DeviceId(r.lastId.Add(1))
		if id != dr.MDSDeviceId {
			return id
		}
		// counter wrapped; zero belongs to the gateway
	}
}

func (r *InMemoryDeviceRegistry) ResolveOrAllocate(backendName string, addresses []string) (dr.DeviceMapping, error) {
	backendName = strings.TrimSpace(backendName)
	if backendName == "" {
		return dr.DeviceMapping{}, dr.ErrInvalidBackendName
	}

	normalized := dr.NormalizeAddresses(addresses)
	if len(normalized) == 0 {
		r.ls.Warn(log_service.LogEvent{
			Message:  "Backend reported an empty address list",
			Metadata: map[string]any{"backend": backendName},
		})
		return dr.DeviceMapping{}, dr.ErrNoAddresses
	}

	v, _ := r.backends.LoadOrStore(backendName, &backendEntry{})
	entry := v.(*backendEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.mapping != nil && entry.mapping.SameAddresses(normalized) {
		return entry.mapping.Clone(), nil
	}

	mapping := dr.DeviceMapping{
		DeviceId:    r.allocate(),
		BackendName: backendName,
		Addresses:   normalized,
	}

	if old := entry.mapping; old != nil {
		r.devices.Delete(old.DeviceId)
		registryDevicesReplaced.Inc()
		r.ls.Info(log_service.LogEvent{
			Message: "Backend changed addresses, retiring device",
			Metadata: map[string]any{
				"backend":      backendName,
				"oldDeviceId":  old.DeviceId,
				"oldAddresses": old.Addresses,
				"newDeviceId":  mapping.DeviceId,
				"newAddresses": mapping.Addresses,
			},
		})
	} else {
		r.ls.Info(log_service.LogEvent{
			Message:  "Device allocated",
			Metadata: map[string]any{"backend": backendName, "deviceId": mapping.DeviceId, "addresses": mapping.Addresses},
		})
	}

	r.devices.Store(mapping.DeviceId, mapping)
	entry.mapping = &mapping
	registryDevicesAllocated.Inc()

	return mapping.Clone(), nil
}

func (r *InMemoryDeviceRegistry) LookupByDeviceId(id dr.DeviceId) (dr.DeviceMapping, bool) {
	v, ok := r.devices.Load(id)
	if !ok {
		return dr.DeviceMapping{}, false
	}
	return v.(dr.DeviceMapping).Clone(), true
}

func (r *InMemoryDeviceRegistry) AllKnownDeviceIds() []dr.DeviceId {
	var ids []dr.DeviceId
	r.devices.Range(func(k, _ any) bool {
		ids = append(ids, k.(dr.DeviceId))
		return true
	})
	slices.Sort(ids)
	return ids
}

var _ dr.DeviceRegistry = (*InMemoryDeviceRegistry)(nil)

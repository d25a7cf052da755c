package device_registry

import (
	"slices"
	"strings"
)

// DeviceMapping binds a device id to the address set a backend is
// currently serving data on. A mapping is never modified after it has
// been installed; a backend that comes back on new addresses gets a new
// mapping with a new id.
type DeviceMapping struct {
	DeviceId    DeviceId `json:"deviceId"`
	BackendName string   `json:"backendName"`
	Addresses   []string `json:"addresses"`
}

// SameAddresses reports whether addresses is the same set as the mapping's,
// ignoring order and duplicates.
func (m DeviceMapping) SameAddresses(addresses []string) bool {
	return slices.Equal(NormalizeAddresses(m.Addresses), NormalizeAddresses(addresses))
}

// Clone returns a copy that does not share the address slice.
func (m DeviceMapping) Clone() DeviceMapping {
	m.Addresses = slices.Clone(m.Addresses)
	return m
}

func (m DeviceMapping) String() string {
	return m.DeviceId.String() + "@" + m.BackendName + "[" + strings.Join(m.Addresses, ",") + "]"
}

// NormalizeAddresses returns a sorted copy of addresses without duplicates
// or blank entries.
func NormalizeAddresses(addresses []string) []string {
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

type DeviceRegistry interface {
	// ResolveOrAllocate returns the live mapping for backendName if it
	// already serves addresses, otherwise installs a fresh mapping,
	// retiring any previous id the backend had.
	ResolveOrAllocate(backendName string, addresses []string) (DeviceMapping, error)

	LookupByDeviceId(id DeviceId) (DeviceMapping, bool)

	// AllKnownDeviceIds is a diagnostics snapshot, not linearizable with
	// concurrent ResolveOrAllocate calls.
	AllKnownDeviceIds() []DeviceId
}

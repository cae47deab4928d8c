package intent

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/pkg/cache"
)

// ClientInfo is what ROUTING_INFO announces per client: the hostname (for
// observability) and, in non-local mode, the address and port used to
// reach the peer directly.
type ClientInfo struct {
	Hostname string
	Address  string
	Port     uint16
}

// KnownClients maps client ids announced by the host to their info.
type KnownClients struct {
	mu      sync.RWMutex
	clients map[command.ClientID]ClientInfo
}

// NewKnownClients creates an empty client table.
func NewKnownClients() *KnownClients {
	return &KnownClients{clients: make(map[command.ClientID]ClientInfo)}
}

// Add records or updates a client announcement.
func (k *KnownClients) Add(c command.ClientID, info ClientInfo) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.clients[c] = info
}

// SetHostname records the hostname a CONFIG command carried for a client.
func (k *KnownClients) SetHostname(c command.ClientID, hostname string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	info := k.clients[c]
	info.Hostname = hostname
	k.clients[c] = info
}

// Remove forgets a client.
func (k *KnownClients) Remove(c command.ClientID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.clients, c)
}

// Known reports whether c has been announced.
func (k *KnownClients) Known(c command.ClientID) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.clients[c]
	return ok
}

// Get returns the recorded info for c.
func (k *KnownClients) Get(c command.ClientID) (ClientInfo, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	info, ok := k.clients[c]
	return info, ok
}

// All snapshots the table as a map keyed by client id.
func (k *KnownClients) All() map[command.ClientID]ClientInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[command.ClientID]ClientInfo, len(k.clients))
	for c, info := range k.clients {
		out[c] = info
	}
	return out
}

// ServiceTable maps announced service instances to their owning client,
// keeping a history of previous owners so a peer-error handler can tell
// which services a vanished client used to own.
type ServiceTable struct {
	mu      sync.RWMutex
	owners  map[command.ServiceKey]command.ClientID
	history map[command.ServiceKey]command.ClientID
}

// NewServiceTable creates an empty service table.
func NewServiceTable() *ServiceTable {
	return &ServiceTable{
		owners:  make(map[command.ServiceKey]command.ClientID),
		history: make(map[command.ServiceKey]command.ClientID),
	}
}

// Add records the owner of a service instance.
func (t *ServiceTable) Add(key command.ServiceKey, owner command.ClientID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owners[key] = owner
}

// Remove drops a service instance, moving its owner into the history table
// and returning it.
func (t *ServiceTable) Remove(key command.ServiceKey) (command.ClientID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, ok := t.owners[key]
	if !ok {
		return command.UnsetClient, false
	}
	delete(t.owners, key)
	t.history[key] = owner
	return owner, true
}

// OwnerOf returns the client owning any version of (service, instance).
func (t *ServiceTable) OwnerOf(service, instance uint16) (command.ClientID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for key, owner := range t.owners {
		if key.Service == service && key.Instance == instance {
			return owner, true
		}
	}
	return command.UnsetClient, false
}

// Available reports whether any version of (service, instance) is offered.
func (t *ServiceTable) Available(service, instance uint16) bool {
	_, ok := t.OwnerOf(service, instance)
	return ok
}

// OwnedBy lists every service instance currently owned by client, in
// deterministic order.
func (t *ServiceTable) OwnedBy(client command.ClientID) []command.ServiceKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []command.ServiceKey
	for key, owner := range t.owners {
		if owner == client {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return serviceKeyLess(out[i], out[j]) })
	return out
}

// PreviouslyOwnedBy lists service instances whose last known owner was
// client before removal.
func (t *ServiceTable) PreviouslyOwnedBy(client command.ClientID) []command.ServiceKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []command.ServiceKey
	for key, owner := range t.history {
		if owner == client {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return serviceKeyLess(out[i], out[j]) })
	return out
}

// All snapshots the current owner table.
func (t *ServiceTable) All() map[command.ServiceKey]command.ClientID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[command.ServiceKey]command.ClientID, len(t.owners))
	for k, v := range t.owners {
		out[k] = v
	}
	return out
}

// Clear drops every entry, current and historical.
func (t *ServiceTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owners = make(map[command.ServiceKey]command.ClientID)
	t.history = make(map[command.ServiceKey]command.ClientID)
}

// FieldCache holds the most recent payload of every field event so late
// subscribers receive the current value on acceptance. Backed by the
// shared cache package (simple policy: field values never expire on
// their own, only on service deletion).
type FieldCache struct {
	values cache.Cache[[]byte]
}

// NewFieldCache creates an empty field cache.
func NewFieldCache() *FieldCache {
	c, err := cache.NewSimple[[]byte]()
	if err != nil {
		c = cache.NewNoop[[]byte]()
	}
	return &FieldCache{values: c}
}

func fieldCacheKey(key command.EventKey) string {
	return key.String()
}

func fieldCachePrefix(service, instance uint16) string {
	return fmt.Sprintf("%04x.%04x.", service, instance)
}

// Set stores the latest payload for key.
func (f *FieldCache) Set(key command.EventKey, payload []byte) {
	_, _ = f.values.Set(fieldCacheKey(key), append([]byte(nil), payload...))
}

// Get returns the cached payload for key.
func (f *FieldCache) Get(key command.EventKey) ([]byte, bool) {
	v, ok := f.values.Get(fieldCacheKey(key))
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// ClearInstance drops every cached payload for (service, instance), so a
// re-offered service never serves stale values.
func (f *FieldCache) ClearInstance(service, instance uint16) {
	prefix := fieldCachePrefix(service, instance)
	for _, k := range f.values.Keys() {
		if strings.HasPrefix(k, prefix) {
			_, _ = f.values.Delete(k)
		}
	}
}

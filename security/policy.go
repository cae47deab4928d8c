package security

import (
	"fmt"
	"sync"

	"github.com/duartenfonseca/vsomeip/command"
)

// SecClient is the security identity associated with an application: a
// uid/gid pair for local peers, or an address/port pair for remote ones.
type SecClient struct {
	UID  uint32
	GID  uint32
	Host string
	Port uint16
}

// Local reports whether the identity was established over a local socket
// (uid/gid credentials) rather than a remote address.
func (s SecClient) Local() bool {
	return s.Host == ""
}

func (s SecClient) String() string {
	if s.Local() {
		return fmt.Sprintf("uid=%d gid=%d", s.UID, s.GID)
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Policy is one uid/gid scoped rule set: which service/instance/member
// triples the identity may call, and which service/instance pairs it may
// offer. Parsing policy rules from configuration is out of scope here; the
// enclosing application hands Manager already-parsed policies.
type Policy struct {
	UID uint32
	GID uint32

	// Requests maps service -> instance -> allowed member ids. An entry with
	// the WildcardID key allows every instance or member at that level.
	Requests map[uint16]map[uint16]map[uint16]struct{}

	// Offers maps service -> allowed instances.
	Offers map[uint16]map[uint16]struct{}
}

// WildcardID inside a policy table matches any service, instance, or member.
const WildcardID uint16 = 0xFFFF

// Manager applies security policies on behalf of the dispatcher and the
// subscription engine. All methods are safe for concurrent use.
type Manager interface {
	// CheckCredentials verifies that client's claimed identity matches the
	// identity observed on its connection.
	CheckCredentials(client command.ClientID, sec SecClient) bool

	// IsClientAllowedToAccessMember checks request/subscribe access to one
	// (service, instance, member) triple.
	IsClientAllowedToAccessMember(sec SecClient, service, instance, member uint16) bool

	// IsClientAllowedToOffer checks offer access to one (service, instance).
	IsClientAllowedToOffer(sec SecClient, service, instance uint16) bool

	// IsPolicyUpdateAllowed checks whether a policy pushed by the host for
	// uid may replace the current one.
	IsPolicyUpdateAllowed(uid uint32, p *Policy) bool

	// UpdateSecurityPolicy installs or replaces the policy for its uid/gid.
	UpdateSecurityPolicy(p *Policy)

	// RemoveSecurityPolicy drops the policy for uid/gid; reports whether one
	// was present.
	RemoveSecurityPolicy(uid, gid uint32) bool

	// StoreClientToSec records the identity observed for a client.
	StoreClientToSec(client command.ClientID, sec SecClient)

	// RemoveClientToSec forgets a disconnected client's identity.
	RemoveClientToSec(client command.ClientID)

	// SecClientFor returns the recorded identity for a client.
	SecClientFor(client command.ClientID) (SecClient, bool)

	// UpdateSecurityCredentials records remote uid/gid mappings pushed by
	// the host (UPDATE_SECURITY_CREDENTIALS).
	UpdateSecurityCredentials(creds map[uint32]uint32)
}

// PolicyManager is the in-memory Manager used by the proxy. A nil
// *PolicyManager behaves as "security disabled": every check passes.
type PolicyManager struct {
	mu          sync.RWMutex
	policies    map[uint64]*Policy // uid<<32|gid
	clientToSec map[command.ClientID]SecClient
	credentials map[uint32]uint32 // uid -> gid, from the host
}

// NewPolicyManager creates an empty policy manager.
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		policies:    make(map[uint64]*Policy),
		clientToSec: make(map[command.ClientID]SecClient),
		credentials: make(map[uint32]uint32),
	}
}

func policyKey(uid, gid uint32) uint64 {
	return uint64(uid)<<32 | uint64(gid)
}

// CheckCredentials verifies client's claimed identity against the recorded
// one. Unknown clients pass: their identity is recorded on first contact.
func (m *PolicyManager) CheckCredentials(client command.ClientID, sec SecClient) bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	known, ok := m.clientToSec[client]
	if !ok {
		return true
	}
	return known == sec
}

// IsClientAllowedToAccessMember checks request access for one member.
func (m *PolicyManager) IsClientAllowedToAccessMember(sec SecClient, service, instance, member uint16) bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[policyKey(sec.UID, sec.GID)]
	if !ok {
		return false
	}
	instances, ok := lookupWild(p.Requests, service)
	if !ok {
		return false
	}
	members, ok := lookupWild(instances, instance)
	if !ok {
		return false
	}
	if _, any := members[WildcardID]; any {
		return true
	}
	_, ok = members[member]
	return ok
}

// IsClientAllowedToOffer checks offer access for one service instance.
func (m *PolicyManager) IsClientAllowedToOffer(sec SecClient, service, instance uint16) bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[policyKey(sec.UID, sec.GID)]
	if !ok {
		return false
	}
	instances, ok := lookupWild(p.Offers, service)
	if !ok {
		return false
	}
	if _, any := instances[WildcardID]; any {
		return true
	}
	_, ok = instances[instance]
	return ok
}

func lookupWild[V any](table map[uint16]V, id uint16) (V, bool) {
	if v, ok := table[id]; ok {
		return v, true
	}
	v, ok := table[WildcardID]
	return v, ok
}

// IsPolicyUpdateAllowed accepts an update when the pushed policy names the
// same uid it is being installed for.
func (m *PolicyManager) IsPolicyUpdateAllowed(uid uint32, p *Policy) bool {
	if m == nil {
		return true
	}
	return p != nil && p.UID == uid
}

// UpdateSecurityPolicy installs or replaces the policy for its uid/gid.
func (m *PolicyManager) UpdateSecurityPolicy(p *Policy) {
	if m == nil || p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[policyKey(p.UID, p.GID)] = p
}

// RemoveSecurityPolicy drops the policy for uid/gid.
func (m *PolicyManager) RemoveSecurityPolicy(uid, gid uint32) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := policyKey(uid, gid)
	_, ok := m.policies[key]
	delete(m.policies, key)
	return ok
}

// StoreClientToSec records the identity observed for a client.
func (m *PolicyManager) StoreClientToSec(client command.ClientID, sec SecClient) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientToSec[client] = sec
}

// RemoveClientToSec forgets a disconnected client's identity.
func (m *PolicyManager) RemoveClientToSec(client command.ClientID) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clientToSec, client)
}

// SecClientFor returns the recorded identity for a client.
func (m *PolicyManager) SecClientFor(client command.ClientID) (SecClient, bool) {
	if m == nil {
		return SecClient{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sec, ok := m.clientToSec[client]
	return sec, ok
}

// UpdateSecurityCredentials records remote uid/gid mappings from the host.
func (m *PolicyManager) UpdateSecurityCredentials(creds map[uint32]uint32) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for uid, gid := range creds {
		m.credentials[uid] = gid
	}
}

// CredentialGID returns the gid mapped to uid by the host, if any.
func (m *PolicyManager) CredentialGID(uid uint32) (uint32, bool) {
	if m == nil {
		return 0, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	gid, ok := m.credentials[uid]
	return gid, ok
}

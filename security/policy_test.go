package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duartenfonseca/vsomeip/command"
)

func policyFor(uid, gid uint32) *Policy {
	return &Policy{
		UID: uid,
		GID: gid,
		Requests: map[uint16]map[uint16]map[uint16]struct{}{
			0x1111: {
				0x2222: {0x0001: {}, 0x0002: {}},
			},
			0x3333: {
				WildcardID: {WildcardID: {}},
			},
		},
		Offers: map[uint16]map[uint16]struct{}{
			0x1111: {0x2222: {}},
		},
	}
}

func TestPolicyManager_MemberAccess(t *testing.T) {
	m := NewPolicyManager()
	m.UpdateSecurityPolicy(policyFor(1000, 1000))
	sec := SecClient{UID: 1000, GID: 1000}

	assert.True(t, m.IsClientAllowedToAccessMember(sec, 0x1111, 0x2222, 0x0001))
	assert.False(t, m.IsClientAllowedToAccessMember(sec, 0x1111, 0x2222, 0x0003))
	assert.False(t, m.IsClientAllowedToAccessMember(sec, 0x1111, 0x9999, 0x0001))

	// Wildcard instance and member.
	assert.True(t, m.IsClientAllowedToAccessMember(sec, 0x3333, 0x0042, 0x7777))

	// Identity without any policy is denied.
	assert.False(t, m.IsClientAllowedToAccessMember(SecClient{UID: 1}, 0x1111, 0x2222, 0x0001))
}

func TestPolicyManager_OfferAccess(t *testing.T) {
	m := NewPolicyManager()
	m.UpdateSecurityPolicy(policyFor(1000, 1000))
	sec := SecClient{UID: 1000, GID: 1000}

	assert.True(t, m.IsClientAllowedToOffer(sec, 0x1111, 0x2222))
	assert.False(t, m.IsClientAllowedToOffer(sec, 0x1111, 0x9999))
	assert.False(t, m.IsClientAllowedToOffer(sec, 0x4444, 0x2222))
}

func TestPolicyManager_RemovePolicy(t *testing.T) {
	m := NewPolicyManager()
	m.UpdateSecurityPolicy(policyFor(1000, 1000))
	require.True(t, m.RemoveSecurityPolicy(1000, 1000))
	assert.False(t, m.RemoveSecurityPolicy(1000, 1000))
	assert.False(t, m.IsClientAllowedToOffer(SecClient{UID: 1000, GID: 1000}, 0x1111, 0x2222))
}

func TestPolicyManager_Credentials(t *testing.T) {
	m := NewPolicyManager()
	client := command.ClientID(0x1234)
	sec := SecClient{UID: 1000, GID: 1000}

	// Unknown clients pass until an identity is recorded.
	assert.True(t, m.CheckCredentials(client, sec))

	m.StoreClientToSec(client, sec)
	assert.True(t, m.CheckCredentials(client, sec))
	assert.False(t, m.CheckCredentials(client, SecClient{UID: 2000}))

	got, ok := m.SecClientFor(client)
	require.True(t, ok)
	assert.Equal(t, sec, got)

	m.RemoveClientToSec(client)
	_, ok = m.SecClientFor(client)
	assert.False(t, ok)
}

func TestPolicyManager_PolicyUpdateAllowed(t *testing.T) {
	m := NewPolicyManager()
	p := policyFor(1000, 1000)
	assert.True(t, m.IsPolicyUpdateAllowed(1000, p))
	assert.False(t, m.IsPolicyUpdateAllowed(2000, p))
	assert.False(t, m.IsPolicyUpdateAllowed(1000, nil))
}

func TestPolicyManager_RemoteCredentialMap(t *testing.T) {
	m := NewPolicyManager()
	m.UpdateSecurityCredentials(map[uint32]uint32{1000: 1000, 1001: 5})
	gid, ok := m.CredentialGID(1001)
	require.True(t, ok)
	assert.Equal(t, uint32(5), gid)
	_, ok = m.CredentialGID(42)
	assert.False(t, ok)
}

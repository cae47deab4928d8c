package security

import (
	"encoding/binary"
	"fmt"
)

// Policy blobs travel inside UPDATE/DISTRIBUTE_SECURITY_POLICY commands as
// a compact binary layout: a request-rule count followed by
// (service, instance, member) triples, then an offer-rule count followed
// by (service, instance) pairs. WildcardID entries mean "any". Full policy
// grammar parsing lives with the configuration loader; this is only the
// on-wire propagation shape.

// ParsePolicyBlob decodes a propagated policy blob for uid/gid.
func ParsePolicyBlob(uid, gid uint32, blob []byte) (*Policy, error) {
	p := &Policy{
		UID:      uid,
		GID:      gid,
		Requests: make(map[uint16]map[uint16]map[uint16]struct{}),
		Offers:   make(map[uint16]map[uint16]struct{}),
	}

	blob, n, err := readCount(blob)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if len(blob) < 6 {
			return nil, fmt.Errorf("security: truncated request rule %d", i)
		}
		svc := binary.BigEndian.Uint16(blob[0:2])
		inst := binary.BigEndian.Uint16(blob[2:4])
		member := binary.BigEndian.Uint16(blob[4:6])
		blob = blob[6:]
		if p.Requests[svc] == nil {
			p.Requests[svc] = make(map[uint16]map[uint16]struct{})
		}
		if p.Requests[svc][inst] == nil {
			p.Requests[svc][inst] = make(map[uint16]struct{})
		}
		p.Requests[svc][inst][member] = struct{}{}
	}

	blob, n, err = readCount(blob)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if len(blob) < 4 {
			return nil, fmt.Errorf("security: truncated offer rule %d", i)
		}
		svc := binary.BigEndian.Uint16(blob[0:2])
		inst := binary.BigEndian.Uint16(blob[2:4])
		blob = blob[4:]
		if p.Offers[svc] == nil {
			p.Offers[svc] = make(map[uint16]struct{})
		}
		p.Offers[svc][inst] = struct{}{}
	}

	return p, nil
}

// SerializePolicyBlob renders a policy into the propagation layout.
func SerializePolicyBlob(p *Policy) []byte {
	var requests, offers []byte
	var nreq, noff uint32
	for svc, instances := range p.Requests {
		for inst, members := range instances {
			for member := range members {
				rule := make([]byte, 6)
				binary.BigEndian.PutUint16(rule[0:2], svc)
				binary.BigEndian.PutUint16(rule[2:4], inst)
				binary.BigEndian.PutUint16(rule[4:6], member)
				requests = append(requests, rule...)
				nreq++
			}
		}
	}
	for svc, instances := range p.Offers {
		for inst := range instances {
			rule := make([]byte, 4)
			binary.BigEndian.PutUint16(rule[0:2], svc)
			binary.BigEndian.PutUint16(rule[2:4], inst)
			offers = append(offers, rule...)
			noff++
		}
	}

	out := make([]byte, 4, 4+len(requests)+4+len(offers))
	binary.BigEndian.PutUint32(out, nreq)
	out = append(out, requests...)
	cnt := make([]byte, 4)
	binary.BigEndian.PutUint32(cnt, noff)
	out = append(out, cnt...)
	out = append(out, offers...)
	return out
}

func readCount(b []byte) ([]byte, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("security: truncated policy blob")
	}
	return b[4:], int(binary.BigEndian.Uint32(b)), nil
}

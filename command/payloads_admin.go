package command

// SomeipServiceOffset / SomeipMethodOffset locate the big-endian service
// and method ids at the front of a SOME/IP header.
const (
	SomeipServiceOffset = 0
	SomeipMethodOffset  = 2
)

// PeekService reads the SOME/IP service id from a raw message.
func PeekService(payload []byte) (uint16, bool) {
	if len(payload) < SomeipServiceOffset+2 {
		return 0, false
	}
	return getU16(payload[SomeipServiceOffset : SomeipServiceOffset+2]), true
}

// PeekMethod reads the SOME/IP method (or event) id from a raw message.
func PeekMethod(payload []byte) (uint16, bool) {
	if len(payload) < SomeipMethodOffset+2 {
		return 0, false
	}
	return getU16(payload[SomeipMethodOffset : SomeipMethodOffset+2]), true
}

// OfferedServicesPayload is the body of OFFERED_SERVICES_RESPONSE: every
// service the queried proxy currently offers. OFFERED_SERVICES_REQUEST
// carries an empty payload.
type OfferedServicesPayload struct {
	Services []ServiceKey
}

func EncodeOfferedServices(p OfferedServicesPayload) []byte {
	out := make([]byte, 4)
	putU32(out, uint32(len(p.Services)))
	for _, k := range p.Services {
		out = append(out, EncodeServiceCommand(ServiceCommandPayload{Key: k})...)
	}
	return out
}

func DecodeOfferedServices(b []byte) (OfferedServicesPayload, error) {
	if len(b) < 4 {
		return OfferedServicesPayload{}, ErrShortFrame
	}
	n := int(getU32(b))
	b = b[4:]
	services := make([]ServiceKey, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < 9 {
			return OfferedServicesPayload{}, ErrShortFrame
		}
		sc, err := DecodeServiceCommand(b[:9])
		if err != nil {
			return OfferedServicesPayload{}, err
		}
		services = append(services, sc.Key)
		b = b[9:]
	}
	return OfferedServicesPayload{Services: services}, nil
}

// SecurityPolicyPayload covers UPDATE_SECURITY_POLICY and
// DISTRIBUTE_SECURITY_POLICY: the target identity plus the serialized
// policy rules, opaque to the codec (rule parsing is the policy manager's
// concern). REMOVE_SECURITY_POLICY carries uid/gid with an empty blob.
type SecurityPolicyPayload struct {
	UpdateID uint32 // echoed in the response command
	UID      uint32
	GID      uint32
	Blob     []byte
}

func EncodeSecurityPolicy(p SecurityPolicyPayload) []byte {
	out := make([]byte, 12)
	putU32(out[0:4], p.UpdateID)
	putU32(out[4:8], p.UID)
	putU32(out[8:12], p.GID)
	return append(out, p.Blob...)
}

func DecodeSecurityPolicy(b []byte) (SecurityPolicyPayload, error) {
	if len(b) < 12 {
		return SecurityPolicyPayload{}, ErrShortFrame
	}
	return SecurityPolicyPayload{
		UpdateID: getU32(b[0:4]),
		UID:      getU32(b[4:8]),
		GID:      getU32(b[8:12]),
		Blob:     append([]byte(nil), b[12:]...),
	}, nil
}

// SecurityPolicyResponsePayload acks a policy update/removal/distribution.
type SecurityPolicyResponsePayload struct {
	UpdateID uint32
}

func EncodeSecurityPolicyResponse(p SecurityPolicyResponsePayload) []byte {
	out := make([]byte, 4)
	putU32(out, p.UpdateID)
	return out
}

func DecodeSecurityPolicyResponse(b []byte) (SecurityPolicyResponsePayload, error) {
	if len(b) < 4 {
		return SecurityPolicyResponsePayload{}, ErrShortFrame
	}
	return SecurityPolicyResponsePayload{UpdateID: getU32(b)}, nil
}

// SecurityCredentialsPayload is UPDATE_SECURITY_CREDENTIALS: uid/gid pairs
// for remote clients.
type SecurityCredentialsPayload struct {
	Credentials map[uint32]uint32
}

func EncodeSecurityCredentials(p SecurityCredentialsPayload) []byte {
	out := make([]byte, 4)
	putU32(out, uint32(len(p.Credentials)))
	for uid, gid := range p.Credentials {
		pair := make([]byte, 8)
		putU32(pair[0:4], uid)
		putU32(pair[4:8], gid)
		out = append(out, pair...)
	}
	return out
}

func DecodeSecurityCredentials(b []byte) (SecurityCredentialsPayload, error) {
	if len(b) < 4 {
		return SecurityCredentialsPayload{}, ErrShortFrame
	}
	n := int(getU32(b))
	b = b[4:]
	if len(b) < n*8 {
		return SecurityCredentialsPayload{}, ErrShortFrame
	}
	creds := make(map[uint32]uint32, n)
	for i := 0; i < n; i++ {
		creds[getU32(b[i*8:i*8+4])] = getU32(b[i*8+4 : i*8+8])
	}
	return SecurityCredentialsPayload{Credentials: creds}, nil
}

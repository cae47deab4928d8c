package command

import (
	"encoding/binary"
	"fmt"
)

// ServiceKey identifies an offered or requested service version.
type ServiceKey struct {
	Service  uint16
	Instance uint16
	Major    uint8
	Minor    uint32
}

func (k ServiceKey) String() string {
	return fmt.Sprintf("%04x.%04x.%d.%d", k.Service, k.Instance, k.Major, k.Minor)
}

// EventKey identifies a data field or event.
type EventKey struct {
	Service  uint16
	Instance uint16
	Notifier uint16
}

func (k EventKey) String() string {
	return fmt.Sprintf("%04x.%04x.%04x", k.Service, k.Instance, k.Notifier)
}

// SubscriptionKey identifies a (service, instance, eventgroup, event)
// subscription.
type SubscriptionKey struct {
	Service    uint16
	Instance   uint16
	Eventgroup uint16
	Event      uint16
}

func (k SubscriptionKey) String() string {
	return fmt.Sprintf("%04x.%04x.%04x.%04x", k.Service, k.Instance, k.Eventgroup, k.Event)
}

// AnyEvent is the sentinel event id meaning "every event in the eventgroup".
const AnyEvent uint16 = 0xFFFF

// PendingSubscriptionID sentinel distinguishes locally-originated subscribes
// (PENDING) from ones relayed by the host for a remote subscriber.
const PendingSubscriptionID uint32 = 0xFFFFFFFF

func putU16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func putU32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func getU16(b []byte) uint16    { return binary.BigEndian.Uint16(b) }
func getU32(b []byte) uint32    { return binary.BigEndian.Uint32(b) }

// AssignClientPayload is the ASSIGN_CLIENT request body: the application's
// preferred name, used by the host as a hint only.
type AssignClientPayload struct {
	Name string
}

func EncodeAssignClient(p AssignClientPayload) []byte {
	return []byte(p.Name)
}

func DecodeAssignClient(b []byte) AssignClientPayload {
	return AssignClientPayload{Name: string(b)}
}

// AssignClientAckPayload carries the assigned id, or UnsetClient on failure.
type AssignClientAckPayload struct {
	Assigned ClientID
}

func EncodeAssignClientAck(p AssignClientAckPayload) []byte {
	b := make([]byte, 2)
	putU16(b, uint16(p.Assigned))
	return b
}

func DecodeAssignClientAck(b []byte) (AssignClientAckPayload, error) {
	if len(b) < 2 {
		return AssignClientAckPayload{}, ErrShortFrame
	}
	return AssignClientAckPayload{Assigned: ClientID(getU16(b))}, nil
}

// RegisterApplicationPayload carries the proxy's local listening port (0 for
// local/unix-rendezvous mode).
type RegisterApplicationPayload struct {
	Port uint16
}

func EncodeRegisterApplication(p RegisterApplicationPayload) []byte {
	b := make([]byte, 2)
	putU16(b, p.Port)
	return b
}

func DecodeRegisterApplication(b []byte) (RegisterApplicationPayload, error) {
	if len(b) < 2 {
		return RegisterApplicationPayload{}, ErrShortFrame
	}
	return RegisterApplicationPayload{Port: getU16(b)}, nil
}

// ConfigPayload exchanges sidecar metadata; only "hostname" is defined today
// but the map shape matches the host's own config_command.
type ConfigPayload struct {
	Entries map[string]string
}

func EncodeConfig(p ConfigPayload) []byte {
	var out []byte
	for k, v := range p.Entries {
		out = appendLV(out, k)
		out = appendLV(out, v)
	}
	return out
}

func appendLV(b []byte, s string) []byte {
	lenBuf := make([]byte, 2)
	putU16(lenBuf, uint16(len(s)))
	b = append(b, lenBuf...)
	b = append(b, s...)
	return b
}

func DecodeConfig(b []byte) (ConfigPayload, error) {
	entries := make(map[string]string)
	for len(b) > 0 {
		k, rest, err := readLV(b)
		if err != nil {
			return ConfigPayload{}, err
		}
		v, rest2, err := readLV(rest)
		if err != nil {
			return ConfigPayload{}, err
		}
		entries[k] = v
		b = rest2
	}
	return ConfigPayload{Entries: entries}, nil
}

func readLV(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrShortFrame
	}
	n := int(getU16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, ErrShortFrame
	}
	return string(b[:n]), b[n:], nil
}

// RoutingEntryType classifies one entry of a ROUTING_INFO frame.
type RoutingEntryType uint8

const (
	AddClient RoutingEntryType = iota + 1
	DeleteClient
	AddServiceInstance
	DeleteServiceInstance
)

// RoutingEntry is one add/remove notification inside a ROUTING_INFO frame.
type RoutingEntry struct {
	Type     RoutingEntryType
	Client   ClientID
	Address  string // non-local peer address, "" for local
	Port     uint16
	Service  ServiceKey // valid for *ServiceInstance entries
}

// RoutingInfoPayload is the full ROUTING_INFO broadcast body.
type RoutingInfoPayload struct {
	Entries []RoutingEntry
}

func EncodeRoutingInfo(p RoutingInfoPayload) []byte {
	var out []byte
	cnt := make([]byte, 4)
	putU32(cnt, uint32(len(p.Entries)))
	out = append(out, cnt...)
	for _, e := range p.Entries {
		entry := make([]byte, 1+2+2+14)
		entry[0] = byte(e.Type)
		putU16(entry[1:3], uint16(e.Client))
		putU16(entry[3:5], e.Port)
		putU16(entry[5:7], e.Service.Service)
		putU16(entry[7:9], e.Service.Instance)
		entry[9] = e.Service.Major
		putU32(entry[10:14], e.Service.Minor)
		out = appendLV(out, e.Address)
		out = append(out, entry...)
	}
	return out
}

func DecodeRoutingInfo(b []byte) (RoutingInfoPayload, error) {
	if len(b) < 4 {
		return RoutingInfoPayload{}, ErrShortFrame
	}
	n := int(getU32(b))
	b = b[4:]
	entries := make([]RoutingEntry, 0, n)
	for i := 0; i < n; i++ {
		addr, rest, err := readLV(b)
		if err != nil {
			return RoutingInfoPayload{}, err
		}
		if len(rest) < 1+2+2+14 {
			return RoutingInfoPayload{}, ErrShortFrame
		}
		e := RoutingEntry{
			Type:    RoutingEntryType(rest[0]),
			Client:  ClientID(getU16(rest[1:3])),
			Port:    getU16(rest[3:5]),
			Address: addr,
		}
		e.Service.Service = getU16(rest[5:7])
		e.Service.Instance = getU16(rest[7:9])
		e.Service.Major = rest[9]
		e.Service.Minor = getU32(rest[10:14])
		entries = append(entries, e)
		b = rest[1+2+2+14:]
	}
	return RoutingInfoPayload{Entries: entries}, nil
}

// ServiceCommandPayload covers OFFER_SERVICE, STOP_OFFER_SERVICE,
// REQUEST_SERVICE (single entry) and RELEASE_SERVICE: each names one
// ServiceKey.
type ServiceCommandPayload struct {
	Key ServiceKey
}

func EncodeServiceCommand(p ServiceCommandPayload) []byte {
	b := make([]byte, 9)
	putU16(b[0:2], p.Key.Service)
	putU16(b[2:4], p.Key.Instance)
	b[4] = p.Key.Major
	putU32(b[5:9], p.Key.Minor)
	return b
}

func DecodeServiceCommand(b []byte) (ServiceCommandPayload, error) {
	if len(b) < 9 {
		return ServiceCommandPayload{}, ErrShortFrame
	}
	return ServiceCommandPayload{Key: ServiceKey{
		Service:  getU16(b[0:2]),
		Instance: getU16(b[2:4]),
		Major:    b[4],
		Minor:    getU32(b[5:9]),
	}}, nil
}

// RequestServicesPayload is REQUEST_SERVICE's actual wire shape: a debounced
// batch of requests flushed as one command.
type RequestServicesPayload struct {
	Requests []ServiceKey
}

func EncodeRequestServices(p RequestServicesPayload) []byte {
	out := make([]byte, 4)
	putU32(out, uint32(len(p.Requests)))
	for _, k := range p.Requests {
		out = append(out, EncodeServiceCommand(ServiceCommandPayload{Key: k})...)
	}
	return out
}

func DecodeRequestServices(b []byte) (RequestServicesPayload, error) {
	if len(b) < 4 {
		return RequestServicesPayload{}, ErrShortFrame
	}
	n := int(getU32(b))
	b = b[4:]
	reqs := make([]ServiceKey, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < 9 {
			return RequestServicesPayload{}, ErrShortFrame
		}
		sc, err := DecodeServiceCommand(b[:9])
		if err != nil {
			return RequestServicesPayload{}, err
		}
		reqs = append(reqs, sc.Key)
		b = b[9:]
	}
	return RequestServicesPayload{Requests: reqs}, nil
}

// EventRegistrationPayload covers REGISTER_EVENT / UNREGISTER_EVENT.
type EventRegistrationPayload struct {
	Key         EventKey
	Eventgroups []uint16
	Type        uint8 // 0 = ET_EVENT, 1 = ET_SELECTIVE_EVENT, 2 = ET_FIELD
	Reliability bool
	Cyclic      bool
	IsProvided  bool
}

func EncodeEventRegistration(p EventRegistrationPayload) []byte {
	out := make([]byte, 6+1+1+1+1+2)
	putU16(out[0:2], p.Key.Service)
	putU16(out[2:4], p.Key.Instance)
	putU16(out[4:6], p.Key.Notifier)
	out[6] = p.Type
	out[7] = boolByte(p.Reliability)
	out[8] = boolByte(p.Cyclic)
	out[9] = boolByte(p.IsProvided)
	putU16(out[10:12], uint16(len(p.Eventgroups)))
	for _, eg := range p.Eventgroups {
		egb := make([]byte, 2)
		putU16(egb, eg)
		out = append(out, egb...)
	}
	return out
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func DecodeEventRegistration(b []byte) (EventRegistrationPayload, error) {
	if len(b) < 12 {
		return EventRegistrationPayload{}, ErrShortFrame
	}
	p := EventRegistrationPayload{
		Key: EventKey{
			Service:  getU16(b[0:2]),
			Instance: getU16(b[2:4]),
			Notifier: getU16(b[4:6]),
		},
		Type:        b[6],
		Reliability: b[7] != 0,
		Cyclic:      b[8] != 0,
		IsProvided:  b[9] != 0,
	}
	n := int(getU16(b[10:12]))
	b = b[12:]
	if len(b) < n*2 {
		return EventRegistrationPayload{}, ErrShortFrame
	}
	for i := 0; i < n; i++ {
		p.Eventgroups = append(p.Eventgroups, getU16(b[i*2:i*2+2]))
	}
	return p, nil
}

// SubscribePayload covers SUBSCRIBE / UNSUBSCRIBE / EXPIRE.
type SubscribePayload struct {
	Key       SubscriptionKey
	Major     uint8
	PendingID uint32
	Client    ClientID // subscriber's client id, filled by the host for relayed subscribes
}

func EncodeSubscribe(p SubscribePayload) []byte {
	b := make([]byte, 8+1+4+2)
	putU16(b[0:2], p.Key.Service)
	putU16(b[2:4], p.Key.Instance)
	putU16(b[4:6], p.Key.Eventgroup)
	putU16(b[6:8], p.Key.Event)
	b[8] = p.Major
	putU32(b[9:13], p.PendingID)
	putU16(b[13:15], uint16(p.Client))
	return b
}

func DecodeSubscribe(b []byte) (SubscribePayload, error) {
	if len(b) < 15 {
		return SubscribePayload{}, ErrShortFrame
	}
	return SubscribePayload{
		Key: SubscriptionKey{
			Service:    getU16(b[0:2]),
			Instance:   getU16(b[2:4]),
			Eventgroup: getU16(b[4:6]),
			Event:      getU16(b[6:8]),
		},
		Major:     b[8],
		PendingID: getU32(b[9:13]),
		Client:    ClientID(getU16(b[13:15])),
	}, nil
}

// SubscribeAckNackPayload covers SUBSCRIBE_ACK / SUBSCRIBE_NACK / UNSUBSCRIBE_ACK.
type SubscribeAckNackPayload struct {
	Key       SubscriptionKey
	PendingID uint32
}

func EncodeSubscribeAckNack(p SubscribeAckNackPayload) []byte {
	b := make([]byte, 8+4)
	putU16(b[0:2], p.Key.Service)
	putU16(b[2:4], p.Key.Instance)
	putU16(b[4:6], p.Key.Eventgroup)
	putU16(b[6:8], p.Key.Event)
	putU32(b[8:12], p.PendingID)
	return b
}

func DecodeSubscribeAckNack(b []byte) (SubscribeAckNackPayload, error) {
	if len(b) < 12 {
		return SubscribeAckNackPayload{}, ErrShortFrame
	}
	return SubscribeAckNackPayload{
		Key: SubscriptionKey{
			Service:    getU16(b[0:2]),
			Instance:   getU16(b[2:4]),
			Eventgroup: getU16(b[4:6]),
			Event:      getU16(b[6:8]),
		},
		PendingID: getU32(b[8:12]),
	}, nil
}

// SomeipMessageType is the SOME/IP message type byte embedded in SEND/
// NOTIFY/NOTIFY_ONE application payloads at a fixed offset.
type SomeipMessageType uint8

const (
	MessageTypeRequest      SomeipMessageType = 0x00
	MessageTypeResponse     SomeipMessageType = 0x80
	MessageTypeNotification SomeipMessageType = 0x02
	MessageTypeError        SomeipMessageType = 0x81
)

// SomeipMessageTypeOffset is the byte offset of the message type field
// within a SOME/IP header.
const SomeipMessageTypeOffset = 14

// SomeipClientOffset is the byte offset of the client id field within a
// SOME/IP header (big-endian, 2 bytes).
const SomeipClientOffset = 8

// PeekMessageType reads the message type byte at its fixed offset without
// copying the payload.
func PeekMessageType(payload []byte) (SomeipMessageType, bool) {
	if len(payload) <= SomeipMessageTypeOffset {
		return 0, false
	}
	return SomeipMessageType(payload[SomeipMessageTypeOffset]), true
}

// PeekClient reads the SOME/IP client field at its fixed offset.
func PeekClient(payload []byte) (ClientID, bool) {
	if len(payload) < SomeipClientOffset+2 {
		return 0, false
	}
	return ClientID(getU16(payload[SomeipClientOffset : SomeipClientOffset+2])), true
}

// SendPayload wraps an application message for SEND/NOTIFY/NOTIFY_ONE.
// Instance and Reliable travel alongside the raw SOME/IP bytes because they
// are not recoverable from the message itself.
type SendPayload struct {
	Instance  uint16
	Reliable  bool
	Message   []byte
}

func EncodeSend(p SendPayload) []byte {
	out := make([]byte, 3)
	putU16(out[0:2], p.Instance)
	out[2] = boolByte(p.Reliable)
	return append(out, p.Message...)
}

func DecodeSend(b []byte) (SendPayload, error) {
	if len(b) < 3 {
		return SendPayload{}, ErrShortFrame
	}
	return SendPayload{
		Instance: getU16(b[0:2]),
		Reliable: b[2] != 0,
		Message:  append([]byte(nil), b[3:]...),
	}, nil
}

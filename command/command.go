// Package command implements the closed set of control commands exchanged
// between a routing proxy and its routing host: bit-exact serialization of
// the envelope described in the routing-proxy wire format, plus every
// command payload the dispatcher and outbound path need to build or parse.
package command

import (
	"encoding/binary"
	"fmt"
)

// ID identifies a control command on the wire.
type ID uint8

// The closed command taxonomy. Values are assigned in declaration order;
// nothing on the wire outside this proxy and its host depends on the
// numeric value, only on the byte layout of the envelope.
const (
	AssignClient ID = iota + 1
	AssignClientAck
	RegisterApplication
	RegisteredAck
	DeregisterApplication
	Config
	RoutingInfo
	OfferService
	StopOfferService
	RequestService
	ReleaseService
	RegisterEvent
	UnregisterEvent
	Subscribe
	Unsubscribe
	Expire
	SubscribeAck
	SubscribeNack
	UnsubscribeAck
	Send
	Notify
	NotifyOne
	Ping
	Pong
	ResendProvidedEvents
	OfferedServicesRequest
	OfferedServicesResponse
	UpdateSecurityPolicy
	UpdateSecurityPolicyResponse
	RemoveSecurityPolicy
	RemoveSecurityPolicyResponse
	DistributeSecurityPolicy
	DistributeSecurityPolicyResponse
	UpdateSecurityCredentials
	Suspend
)

// String renders a command id for logging.
func (id ID) String() string {
	if s, ok := idNames[id]; ok {
		return s
	}
	return fmt.Sprintf("ID(%d)", uint8(id))
}

var idNames = map[ID]string{
	AssignClient:                     "ASSIGN_CLIENT",
	AssignClientAck:                  "ASSIGN_CLIENT_ACK",
	RegisterApplication:              "REGISTER_APPLICATION",
	RegisteredAck:                    "REGISTERED_ACK",
	DeregisterApplication:            "DEREGISTER_APPLICATION",
	Config:                           "CONFIG",
	RoutingInfo:                      "ROUTING_INFO",
	OfferService:                     "OFFER_SERVICE",
	StopOfferService:                 "STOP_OFFER_SERVICE",
	RequestService:                   "REQUEST_SERVICE",
	ReleaseService:                   "RELEASE_SERVICE",
	RegisterEvent:                    "REGISTER_EVENT",
	UnregisterEvent:                  "UNREGISTER_EVENT",
	Subscribe:                        "SUBSCRIBE",
	Unsubscribe:                      "UNSUBSCRIBE",
	Expire:                           "EXPIRE",
	SubscribeAck:                     "SUBSCRIBE_ACK",
	SubscribeNack:                    "SUBSCRIBE_NACK",
	UnsubscribeAck:                   "UNSUBSCRIBE_ACK",
	Send:                             "SEND",
	Notify:                           "NOTIFY",
	NotifyOne:                        "NOTIFY_ONE",
	Ping:                             "PING",
	Pong:                             "PONG",
	ResendProvidedEvents:             "RESEND_PROVIDED_EVENTS",
	OfferedServicesRequest:           "OFFERED_SERVICES_REQUEST",
	OfferedServicesResponse:          "OFFERED_SERVICES_RESPONSE",
	UpdateSecurityPolicy:             "UPDATE_SECURITY_POLICY",
	UpdateSecurityPolicyResponse:     "UPDATE_SECURITY_POLICY_RESPONSE",
	RemoveSecurityPolicy:             "REMOVE_SECURITY_POLICY",
	RemoveSecurityPolicyResponse:     "REMOVE_SECURITY_POLICY_RESPONSE",
	DistributeSecurityPolicy:         "DISTRIBUTE_SECURITY_POLICY",
	DistributeSecurityPolicyResponse: "DISTRIBUTE_SECURITY_POLICY_RESPONSE",
	UpdateSecurityCredentials:        "UPDATE_SECURITY_CREDENTIALS",
	Suspend:                          "SUSPEND",
}

// ClientID is the 16-bit identifier the routing host assigns a proxy.
type ClientID uint16

// UnsetClient is the sentinel value before assignment.
const UnsetClient ClientID = 0

// RoutingClient is the reserved id denoting the routing host itself.
const RoutingClient ClientID = 0xFFFF

// Frame is one control command as it travels on the wire:
// command_id:u8 | client_id:u16 | payload_size:u32 | payload, with the
// envelope fields little-endian and the payload's own SOME/IP-shaped
// fields (service/method/client/session) kept big-endian when present.
type Frame struct {
	ID      ID
	Client  ClientID
	Payload []byte
}

const envelopeHeaderSize = 1 + 2 + 4

// Encode serializes a frame to its wire bytes. Encoding a control command
// never fails for valid Go values; Encode only returns an error so callers
// can treat codec failures uniformly with Decode's.
func Encode(f Frame) ([]byte, error) {
	buf := make([]byte, envelopeHeaderSize+len(f.Payload))
	buf[0] = byte(f.ID)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(f.Client))
	binary.LittleEndian.PutUint32(buf[3:7], uint32(len(f.Payload)))
	copy(buf[7:], f.Payload)
	return buf, nil
}

// ErrShortFrame is returned by Decode when fewer bytes than the envelope
// header, or fewer than payload_size declares, are available.
var ErrShortFrame = fmt.Errorf("command: frame shorter than declared envelope")

// Decode parses one frame from the front of buf and returns the frame plus
// the number of bytes consumed. A caller reading a stream should keep the
// unconsumed remainder and call Decode again once more bytes arrive.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < envelopeHeaderSize {
		return Frame{}, 0, ErrShortFrame
	}
	id := ID(buf[0])
	client := ClientID(binary.LittleEndian.Uint16(buf[1:3]))
	size := binary.LittleEndian.Uint32(buf[3:7])
	total := envelopeHeaderSize + int(size)
	if len(buf) < total {
		return Frame{}, 0, ErrShortFrame
	}
	payload := make([]byte, size)
	copy(payload, buf[envelopeHeaderSize:total])
	return Frame{ID: id, Client: client, Payload: payload}, total, nil
}

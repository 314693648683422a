package protocol

type MessageType uint8

// Types 1-7 travel in packets between devices (directly or relayed), the
// rest only on the base server control channel.
const (
	MessageTypeData                 MessageType = 1
	MessageTypeHandshakeInit        MessageType = 2
	MessageTypeHandshakeReply       MessageType = 3
	MessageTypeRekey                MessageType = 4
	MessageTypeAddressAdvertisement MessageType = 5
	MessageTypePing                 MessageType = 6
	MessageTypePong                 MessageType = 7
	MessageTypePeerList             MessageType = 8
	MessageTypeRegister             MessageType = 9
	MessageTypeRegisterAck          MessageType = 10
	MessageTypePeerInfoRequest      MessageType = 11
	MessageTypeRelay                MessageType = 12
	MessageTypeKeepalive            MessageType = 13
)

// IsPeerPacket reports whether t may appear in a device-to-device packet.
func (t MessageType) IsPeerPacket() bool {
	return t >= MessageTypeData && t <= MessageTypePong
}

// IsSecurity reports the types handled by the security layer.
func (t MessageType) IsSecurity() bool {
	switch t {
	case MessageTypeData, MessageTypeHandshakeInit, MessageTypeHandshakeReply, MessageTypeRekey:
		return true
	}
	return false
}

func (t MessageType) String() string {
	switch t {
	case MessageTypeData:
		return "DATA"
	case MessageTypeHandshakeInit:
		return "HANDSHAKE_INIT"
	case MessageTypeHandshakeReply:
		return "HANDSHAKE_REPLY"
	case MessageTypeRekey:
		return "REKEY"
	case MessageTypeAddressAdvertisement:
		return "ADDRESS_ADVERTISEMENT"
	case MessageTypePing:
		return "PING"
	case MessageTypePong:
		return "PONG"
	case MessageTypePeerList:
		return "PEER_LIST"
	case MessageTypeRegister:
		return "REGISTER"
	case MessageTypeRegisterAck:
		return "REGISTER_ACK"
	case MessageTypePeerInfoRequest:
		return "PEER_INFO_REQUEST"
	case MessageTypeRelay:
		return "RELAY"
	case MessageTypeKeepalive:
		return "KEEPALIVE"
	default:
		return "UNKNOWN"
	}
}

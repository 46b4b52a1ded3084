package mqttbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// MQTT 3.1.1 control packet types.
const (
	packetConnect     = 1
	packetConnAck     = 2
	packetPublish     = 3
	packetPubAck      = 4
	packetSubscribe   = 8
	packetSubAck      = 9
	packetUnsubscribe = 10
	packetUnsubAck    = 11
	packetPingReq     = 12
	packetPingResp    = 13
	packetDisconnect  = 14
)

const (
	connAckAccepted        = 0x00
	connAckBadProtocol     = 0x01
	connAckIdentifierError = 0x02

	subAckFailure = 0x80

	maxPacketSize = 256 * 1024
)

var errMalformedLength = errors.New("malformed remaining length")

// connectPacket holds the CONNECT fields the broker acts on.
type connectPacket struct {
	clientID     string
	keepAlive    uint16
	cleanSession bool
	username     string
}

func parseConnect(payload []byte) (connectPacket, byte, error) {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return connectPacket{}, 0, fmt.Errorf("read protocol name: %w", err)
	}
	level, err := rd.readByte()
	if err != nil {
		return connectPacket{}, 0, fmt.Errorf("read protocol level: %w", err)
	}
	if protoName != "MQTT" || level != 4 {
		return connectPacket{}, connAckBadProtocol, fmt.Errorf("unsupported protocol %q level %d", protoName, level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectPacket{}, 0, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&0x01 != 0 {
		return connectPacket{}, 0, fmt.Errorf("reserved connect flag set")
	}

	var cp connectPacket
	cp.cleanSession = flags&0x02 != 0
	if cp.keepAlive, err = rd.readUint16(); err != nil {
		return connectPacket{}, 0, fmt.Errorf("read keepalive: %w", err)
	}
	if cp.clientID, err = rd.readString(); err != nil {
		return connectPacket{}, 0, fmt.Errorf("read client id: %w", err)
	}
	if cp.clientID == "" && !cp.cleanSession {
		return connectPacket{}, connAckIdentifierError, fmt.Errorf("empty client id requires clean session")
	}

	// Wills are accepted on the wire but never delivered.
	if flags&0x04 != 0 {
		if _, err := rd.readString(); err != nil {
			return connectPacket{}, 0, fmt.Errorf("read will topic: %w", err)
		}
		if _, err := rd.readString(); err != nil {
			return connectPacket{}, 0, fmt.Errorf("read will message: %w", err)
		}
	}
	if flags&0x80 != 0 {
		if cp.username, err = rd.readString(); err != nil {
			return connectPacket{}, 0, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&0x40 != 0 {
		if _, err := rd.readString(); err != nil {
			return connectPacket{}, 0, fmt.Errorf("read password: %w", err)
		}
	}

	return cp, connAckAccepted, nil
}

// parsePublish decodes an inbound PUBLISH. packetID is zero for QoS 0.
func parsePublish(header byte, payload []byte) (PublishMessage, uint16, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return PublishMessage{}, 0, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, 0, fmt.Errorf("read topic: %w", err)
	}
	if !validTopicName(topic) {
		return PublishMessage{}, 0, fmt.Errorf("invalid topic name %q", topic)
	}

	var packetID uint16
	if qos == 1 {
		if packetID, err = rd.readUint16(); err != nil {
			return PublishMessage{}, 0, fmt.Errorf("read packet id: %w", err)
		}
	}

	msg := PublishMessage{Topic: topic, QoS: qos}
	if rd.remaining() > 0 {
		msg.Payload = rd.readBytes(rd.remaining())
	}
	return msg, packetID, nil
}

// subscription is one (filter, requested qos) pair from SUBSCRIBE.
type subscription struct {
	filter string
	qos    byte
}

func parseSubscribe(payload []byte) (uint16, []subscription, error) {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}

	var subs []subscription
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic filter: %w", err)
		}
		qos, err := rd.readByte()
		if err != nil {
			return 0, nil, fmt.Errorf("read qos: %w", err)
		}
		subs = append(subs, subscription{filter: filter, qos: qos})
	}
	if len(subs) == 0 {
		return 0, nil, fmt.Errorf("subscribe without topic filters")
	}
	return packetID, subs, nil
}

func parseUnsubscribe(payload []byte) (uint16, []string, error) {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}

	var filters []string
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic filter: %w", err)
		}
		filters = append(filters, filter)
	}
	return packetID, filters, nil
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 65535 {
		return nil, fmt.Errorf("topic too long")
	}
	body := make([]byte, 0, 2+len(topic)+len(payload))
	body = appendString(body, topic)
	body = append(body, payload...)
	return framePacket(packetPublish<<4, body), nil
}

func buildConnAck(code byte) []byte {
	return []byte{packetConnAck << 4, 0x02, 0x00, code}
}

func buildAck(packetType byte, packetID uint16) []byte {
	return []byte{packetType << 4, 0x02, byte(packetID >> 8), byte(packetID)}
}

func buildSubAck(packetID uint16, codes []byte) []byte {
	body := make([]byte, 0, 2+len(codes))
	body = append(body, byte(packetID>>8), byte(packetID))
	body = append(body, codes...)
	return framePacket(packetSubAck<<4, body)
}

func framePacket(header byte, body []byte) []byte {
	length := encodeRemainingLength(len(body))
	packet := make([]byte, 0, 1+len(length)+len(body))
	packet = append(packet, header)
	packet = append(packet, length...)
	return append(packet, body...)
}

func appendString(b []byte, s string) []byte {
	b = append(b, byte(len(s)>>8), byte(len(s)))
	return append(b, s...)
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readRemainingLength(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errMalformedLength
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			return encoded
		}
	}
}

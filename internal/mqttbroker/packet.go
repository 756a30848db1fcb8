package mqttbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	packetConnect     = 1
	packetConnack     = 2
	packetPublish     = 3
	packetPuback      = 4
	packetSubscribe   = 8
	packetSuback      = 9
	packetUnsubscribe = 10
	packetUnsuback    = 11
	packetPingreq     = 12
	packetPingresp    = 13
	packetDisconnect  = 14

	connackAccepted        = 0x00
	connackRefusedProtocol = 0x01

	maxPacketSize = 256 << 10
)

var errShortPacket = errors.New("packet truncated")

// readPacket returns the fixed header byte and the packet body.
func readPacket(r *bufio.Reader) (byte, []byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	length, multiplier := 0, 1
	for i := 0; ; i++ {
		if i == 4 {
			return 0, nil, errors.New("malformed remaining length")
		}
		digit, err := r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		length += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			break
		}
		multiplier *= 128
	}
	if length > maxPacketSize {
		return 0, nil, fmt.Errorf("packet of %d bytes exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return header, body, nil
}

// fields walks a packet body.
type fields []byte

func (f *fields) readByte() (byte, error) {
	if len(*f) < 1 {
		return 0, errShortPacket
	}
	v := (*f)[0]
	*f = (*f)[1:]
	return v, nil
}

func (f *fields) readUint16() (uint16, error) {
	if len(*f) < 2 {
		return 0, errShortPacket
	}
	v := uint16((*f)[0])<<8 | uint16((*f)[1])
	*f = (*f)[2:]
	return v, nil
}

func (f *fields) readBytes() ([]byte, error) {
	n, err := f.readUint16()
	if err != nil {
		return nil, err
	}
	if len(*f) < int(n) {
		return nil, errShortPacket
	}
	v := (*f)[:n]
	*f = (*f)[n:]
	return v, nil
}

func (f *fields) readString() (string, error) {
	b, err := f.readBytes()
	return string(b), err
}

type connectPacket struct {
	clientID  string
	keepAlive time.Duration
}

// decodeConnect accepts MQTT 3.1.1 CONNECT packets. Credentials and the
// will message are read past and ignored.
func decodeConnect(body []byte) (connectPacket, error) {
	f := fields(body)

	proto, err := f.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol name: %w", err)
	}
	level, err := f.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol level: %w", err)
	}
	if proto != "MQTT" || level != 4 {
		return connectPacket{}, fmt.Errorf("unsupported protocol %s level %d", proto, level)
	}

	flags, err := f.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&0x01 != 0 {
		return connectPacket{}, errors.New("reserved connect flag set")
	}

	keepAlive, err := f.readUint16()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := f.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("reader-%d", time.Now().UnixNano())
	}

	if flags&0x04 != 0 {
		if _, err := f.readBytes(); err != nil {
			return connectPacket{}, fmt.Errorf("read will topic: %w", err)
		}
		if _, err := f.readBytes(); err != nil {
			return connectPacket{}, fmt.Errorf("read will message: %w", err)
		}
	}
	if flags&0x80 != 0 {
		if _, err := f.readBytes(); err != nil {
			return connectPacket{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&0x40 != 0 {
		if _, err := f.readBytes(); err != nil {
			return connectPacket{}, fmt.Errorf("read password: %w", err)
		}
	}

	return connectPacket{clientID: clientID, keepAlive: time.Duration(keepAlive) * time.Second}, nil
}

type publishPacket struct {
	topic    string
	qos      byte
	packetID uint16
	payload  []byte
}

func decodePublish(header byte, body []byte) (publishPacket, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return publishPacket{}, fmt.Errorf("unsupported qos %d", qos)
	}

	f := fields(body)
	topic, err := f.readString()
	if err != nil {
		return publishPacket{}, fmt.Errorf("read topic: %w", err)
	}
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return publishPacket{}, fmt.Errorf("invalid publish topic %q", topic)
	}

	p := publishPacket{topic: topic, qos: qos}
	if qos == 1 {
		if p.packetID, err = f.readUint16(); err != nil {
			return publishPacket{}, fmt.Errorf("read packet id: %w", err)
		}
	}
	p.payload = append([]byte(nil), f...)
	return p, nil
}

func decodeSubscribe(body []byte) (uint16, []string, error) {
	f := fields(body)
	id, err := f.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}

	var filters []string
	for len(f) > 0 {
		filter, err := f.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic filter: %w", err)
		}
		if _, err := f.readByte(); err != nil {
			return 0, nil, fmt.Errorf("read requested qos: %w", err)
		}
		if !ValidFilter(filter) {
			return 0, nil, fmt.Errorf("invalid topic filter %q", filter)
		}
		filters = append(filters, filter)
	}
	if len(filters) == 0 {
		return 0, nil, errors.New("subscribe without topic filters")
	}
	return id, filters, nil
}

func decodeUnsubscribe(body []byte) (uint16, []string, error) {
	f := fields(body)
	id, err := f.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}
	var filters []string
	for len(f) > 0 {
		filter, err := f.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic filter: %w", err)
		}
		filters = append(filters, filter)
	}
	return id, filters, nil
}

func connack(code byte) []byte {
	return []byte{packetConnack << 4, 0x02, 0x00, code}
}

func ack(kind byte, id uint16) []byte {
	return []byte{kind << 4, 0x02, byte(id >> 8), byte(id)}
}

// suback grants QoS 0 for every filter.
func suback(id uint16, n int) []byte {
	packet := append([]byte{packetSuback << 4}, remainingLength(2+n)...)
	packet = append(packet, byte(id>>8), byte(id))
	for i := 0; i < n; i++ {
		packet = append(packet, 0x00)
	}
	return packet
}

func encodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, errors.New("topic too long")
	}
	n := 2 + len(topic) + len(payload)
	packet := append([]byte{packetPublish << 4}, remainingLength(n)...)
	packet = append(packet, byte(len(topic)>>8), byte(len(topic)))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

func remainingLength(n int) []byte {
	var out []byte
	for {
		digit := byte(n % 128)
		n /= 128
		if n > 0 {
			digit |= 0x80
		}
		out = append(out, digit)
		if n == 0 {
			return out
		}
	}
}

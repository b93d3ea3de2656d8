package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ismaiel54/order-gateway/internal/ident"
	"github.com/ismaiel54/order-gateway/internal/msg"
)

// FrameType is the one-byte frame header
type FrameType byte

// Frame types. Login, CreateOrder and CancelOrder travel client to gateway,
// the rest gateway to client.
const (
	FrameLogin         FrameType = 0x01
	FrameCreateOrder   FrameType = 0x02
	FrameCancelOrder   FrameType = 0x03
	FrameOrderConfirm  FrameType = 0x04
	FrameCancelConfirm FrameType = 0x05
	FrameFill          FrameType = 0x06
)

const (
	// HeaderSize is the width of the type byte
	HeaderSize = 1
	// LengthSize is the width of the length field
	LengthSize = 4
	// MaxPayloadSize bounds every payload; a larger declared length is a protocol violation
	MaxPayloadSize = 64 << 10
	// MaxFrameSize is the largest frame on the wire
	MaxFrameSize = HeaderSize + LengthSize + MaxPayloadSize
	// MaxClientIDSize bounds the login payload
	MaxClientIDSize = 64
)

// ErrProtocolViolation marks errors that must close the connection
var ErrProtocolViolation = errors.New("protocol violation")

func (t FrameType) String() string {
	switch t {
	case FrameLogin:
		return "login"
	case FrameCreateOrder:
		return "create_order"
	case FrameCancelOrder:
		return "cancel_order"
	case FrameOrderConfirm:
		return "order_confirm"
	case FrameCancelConfirm:
		return "cancel_confirm"
	case FrameFill:
		return "fill"
	default:
		return fmt.Sprintf("frame(0x%02x)", byte(t))
	}
}

func (t FrameType) valid() bool {
	return t >= FrameLogin && t <= FrameFill
}

// ClientBound reports whether the type is only sent by the gateway
func (t FrameType) ClientBound() bool {
	return t == FrameOrderConfirm || t == FrameCancelConfirm || t == FrameFill
}

// Frame is one decoded frame
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Encode builds the wire bytes of a frame
func Encode(t FrameType, payload []byte) ([]byte, error) {
	if !t.valid() {
		return nil, fmt.Errorf("%w: invalid frame type 0x%02x", ErrProtocolViolation, byte(t))
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrProtocolViolation, len(payload), MaxPayloadSize)
	}
	buf := make([]byte, HeaderSize+LengthSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[HeaderSize:], uint32(len(payload)))
	copy(buf[HeaderSize+LengthSize:], payload)
	return buf, nil
}

// FrameTypeFor maps a message's queue class to its frame type
func FrameTypeFor(c msg.QueueClass) (FrameType, error) {
	switch c {
	case msg.QueueOrder:
		return FrameCreateOrder, nil
	case msg.QueueCancel:
		return FrameCancelOrder, nil
	case msg.QueueOrderConfirm:
		return FrameOrderConfirm, nil
	case msg.QueueCancelConfirm:
		return FrameCancelConfirm, nil
	case msg.QueueFill:
		return FrameFill, nil
	default:
		return 0, fmt.Errorf("no frame type for %s", c)
	}
}

// EncodeMessage serializes m and frames it
func EncodeMessage(m msg.Payload) ([]byte, error) {
	t, err := FrameTypeFor(m.Class())
	if err != nil {
		return nil, err
	}
	payload, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", m.Class(), err)
	}
	return Encode(t, payload)
}

// ValidateClientID checks a login name
func ValidateClientID(clientID string) error {
	switch {
	case clientID == "":
		return fmt.Errorf("%w: empty client id", ErrProtocolViolation)
	case len(clientID) > MaxClientIDSize:
		return fmt.Errorf("%w: client id of %d bytes exceeds %d", ErrProtocolViolation, len(clientID), MaxClientIDSize)
	case !utf8.ValidString(clientID):
		return fmt.Errorf("%w: client id is not valid UTF-8", ErrProtocolViolation)
	case strings.Contains(clientID, ident.Delimiter):
		return fmt.Errorf("%w: client id contains %q", ErrProtocolViolation, ident.Delimiter)
	}
	return nil
}

// EncodeLogin frames a login for clientID
func EncodeLogin(clientID string) ([]byte, error) {
	if err := ValidateClientID(clientID); err != nil {
		return nil, err
	}
	return Encode(FrameLogin, []byte(clientID))
}

// ParseLogin extracts the client id from a login frame
func ParseLogin(f Frame) (string, error) {
	if f.Type != FrameLogin {
		return "", fmt.Errorf("%w: expected login, got %s", ErrProtocolViolation, f.Type)
	}
	clientID := string(f.Payload)
	if err := ValidateClientID(clientID); err != nil {
		return "", err
	}
	return clientID, nil
}

// Decode decodes the payload of a non-login frame into its message type
func Decode(f Frame) (msg.Payload, error) {
	var (
		m   msg.Payload
		err error
	)
	switch f.Type {
	case FrameCreateOrder:
		m, err = msg.Unmarshal[msg.CreateOrder](f.Payload)
	case FrameCancelOrder:
		m, err = msg.Unmarshal[msg.CancelOrder](f.Payload)
	case FrameOrderConfirm:
		m, err = msg.Unmarshal[msg.OrderConfirm](f.Payload)
	case FrameCancelConfirm:
		m, err = msg.Unmarshal[msg.CancelConfirm](f.Payload)
	case FrameFill:
		m, err = msg.Unmarshal[msg.Fill](f.Payload)
	default:
		return nil, fmt.Errorf("%w: %s frame has no message body", ErrProtocolViolation, f.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return m, nil
}

type readState int

const (
	awaitingHeader readState = iota
	awaitingLength
	awaitingPayload
	dispatch
)

// Reader reads frames from a stream
type Reader struct {
	r       *bufio.Reader
	state   readState
	frame   Frame
	length  uint32
	scratch [LengthSize]byte
}

// NewReader wraps r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next frame. A clean close between frames returns
// io.EOF; every other failure wraps ErrProtocolViolation or the I/O error.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		switch r.state {
		case awaitingHeader:
			b, err := r.r.ReadByte()
			if err != nil {
				return Frame{}, err
			}
			t := FrameType(b)
			if !t.valid() {
				return Frame{}, fmt.Errorf("%w: invalid header byte 0x%02x", ErrProtocolViolation, b)
			}
			r.frame = Frame{Type: t}
			r.state = awaitingLength

		case awaitingLength:
			if _, err := io.ReadFull(r.r, r.scratch[:]); err != nil {
				return Frame{}, truncated(err, "length")
			}
			r.length = binary.BigEndian.Uint32(r.scratch[:])
			if r.length > MaxPayloadSize {
				return Frame{}, fmt.Errorf("%w: declared length %d exceeds %d", ErrProtocolViolation, r.length, MaxPayloadSize)
			}
			r.state = awaitingPayload

		case awaitingPayload:
			payload := make([]byte, r.length)
			if _, err := io.ReadFull(r.r, payload); err != nil {
				return Frame{}, truncated(err, "payload")
			}
			r.frame.Payload = payload
			r.state = dispatch

		case dispatch:
			f := r.frame
			r.frame = Frame{}
			r.state = awaitingHeader
			return f, nil
		}
	}
}

func truncated(err error, part string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrProtocolViolation, part)
	}
	return err
}

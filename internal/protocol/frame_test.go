package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/ismaiel54/order-gateway/internal/msg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrame_LoginThenOrder(t *testing.T) {
	login, err := EncodeLogin("alice")
	require.NoError(t, err)

	order := msg.CreateOrder{
		Action:        msg.ActionBuy,
		ClientOrderID: "1",
		Count:         5,
		Side:          msg.SideYes,
		Ticker:        "X",
		OrderType:     msg.OrderTypeMarket,
	}
	orderFrame, err := EncodeMessage(order)
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(append(login, orderFrame...)))

	f, err := r.ReadFrame()
	require.NoError(t, err)
	clientID, err := ParseLogin(f)
	require.NoError(t, err)
	assert.Equal(t, "alice", clientID)

	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameCreateOrder, f.Type)
	decoded, err := Decode(f)
	require.NoError(t, err)
	assert.Equal(t, order, decoded)

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEncode_Layout(t *testing.T) {
	frame, err := Encode(FrameOrderConfirm, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x00, 0x00, 0x00, 0x02, 0xAA, 0xBB}, frame)
}

func TestReadFrame_InvalidHeader(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x7F, 0, 0, 0, 0}))
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadFrame_TruncatedPayload(t *testing.T) {
	frame, err := Encode(FrameCancelOrder, []byte("0123456789"))
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(frame[:len(frame)-3]))
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, ErrProtocolViolation)

	r = NewReader(bytes.NewReader(frame[:3]))
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadFrame_OversizedLength(t *testing.T) {
	header := []byte{byte(FrameFill), 0, 0, 0, 0}
	binary.BigEndian.PutUint32(header[1:], MaxPayloadSize+1)

	r := NewReader(bytes.NewReader(header))
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = Encode(FrameFill, make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestMaxPayload_FitsLargeFill(t *testing.T) {
	// a single-byte length would cap payloads at 255 bytes
	fill := msg.Fill{
		TradeID:       strings.Repeat("t", 120),
		OrderID:       strings.Repeat("o", 120),
		MarketTicker:  strings.Repeat("m", 120),
		Side:          msg.SideYes,
		Action:        msg.ActionBuy,
		Count:         1,
		Ts:            1,
		ClientOrderID: msg.Ptr(strings.Repeat("c", 64) + "§" + strings.Repeat("1", 64)),
	}
	frame, err := EncodeMessage(fill)
	require.NoError(t, err)
	assert.Greater(t, len(frame), 255)

	f, err := NewReader(bytes.NewReader(frame)).ReadFrame()
	require.NoError(t, err)
	decoded, err := Decode(f)
	require.NoError(t, err)
	assert.Equal(t, fill, decoded)
}

func TestParseLogin_Rejects(t *testing.T) {
	cases := map[string][]byte{
		"empty":     {},
		"non-utf8":  {0xff, 0xfe},
		"too long":  bytes.Repeat([]byte("a"), MaxClientIDSize+1),
		"delimiter": []byte("al§ice"),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLogin(Frame{Type: FrameLogin, Payload: payload})
			assert.ErrorIs(t, err, ErrProtocolViolation)
		})
	}

	_, err := ParseLogin(Frame{Type: FrameCreateOrder, Payload: []byte("alice")})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDecode_BadPayload(t *testing.T) {
	_, err := Decode(Frame{Type: FrameCancelOrder, Payload: []byte{0xff}})
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = Decode(Frame{Type: FrameLogin, Payload: []byte("alice")})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

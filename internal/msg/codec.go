package msg

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payloads use the protobuf wire format with fixed field numbers per type.
// Strings are length-delimited, integers are zig-zag varints, optional
// fields are omitted when absent.

var (
	// ErrMissingField is returned when a required field is absent
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidField is returned for wrong wire types, out-of-range values and unknown enum values
	ErrInvalidField = errors.New("invalid field")
)

type unmarshaler interface {
	UnmarshalBinary([]byte) error
}

// Unmarshal decodes data into a new T
func Unmarshal[T Payload](data []byte) (T, error) {
	var out T
	u, ok := any(&out).(unmarshaler)
	if !ok {
		return out, fmt.Errorf("%T has no binary decoder", out)
	}
	if err := u.UnmarshalBinary(data); err != nil {
		return out, fmt.Errorf("decode %s: %w", out.Class(), err)
	}
	return out, nil
}

// ClassOf returns the queue class bound to T
func ClassOf[T Payload]() QueueClass {
	var zero T
	return zero.Class()
}

type encoder struct {
	buf []byte
}

func (e *encoder) str(num protowire.Number, v string) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

func (e *encoder) sint(num protowire.Number, v int64) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(v))
}

func (e *encoder) boolean(num protowire.Number, v bool) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeBool(v))
}

func (e *encoder) optStr(num protowire.Number, v *string) {
	if v != nil {
		e.str(num, *v)
	}
}

func (e *encoder) optSint(num protowire.Number, v *int64) {
	if v != nil {
		e.sint(num, *v)
	}
}

func (e *encoder) optSint32(num protowire.Number, v *int32) {
	if v != nil {
		e.sint(num, int64(*v))
	}
}

type decoder struct {
	buf  []byte
	num  protowire.Number
	typ  protowire.Type
	seen uint64
}

// next consumes the next tag; it reports false once the buffer is exhausted
func (d *decoder) next() (bool, error) {
	if len(d.buf) == 0 {
		return false, nil
	}
	num, typ, n := protowire.ConsumeTag(d.buf)
	if n < 0 {
		return false, protowire.ParseError(n)
	}
	d.buf = d.buf[n:]
	d.num, d.typ = num, typ
	if num < 64 {
		d.seen |= 1 << uint(num)
	}
	return true, nil
}

func (d *decoder) expect(typ protowire.Type) error {
	if d.typ != typ {
		return fmt.Errorf("%w: field %d has wire type %d, want %d", ErrInvalidField, d.num, d.typ, typ)
	}
	return nil
}

func (d *decoder) readString(dst *string) error {
	if err := d.expect(protowire.BytesType); err != nil {
		return err
	}
	v, n := protowire.ConsumeString(d.buf)
	if n < 0 {
		return protowire.ParseError(n)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: field %d is not valid UTF-8", ErrInvalidField, d.num)
	}
	d.buf = d.buf[n:]
	*dst = v
	return nil
}

func (d *decoder) readInt64(dst *int64) error {
	if err := d.expect(protowire.VarintType); err != nil {
		return err
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		return protowire.ParseError(n)
	}
	d.buf = d.buf[n:]
	*dst = protowire.DecodeZigZag(v)
	return nil
}

func (d *decoder) readInt32(dst *int32) error {
	var v int64
	if err := d.readInt64(&v); err != nil {
		return err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return fmt.Errorf("%w: field %d overflows int32", ErrInvalidField, d.num)
	}
	*dst = int32(v)
	return nil
}

func (d *decoder) readBool(dst *bool) error {
	if err := d.expect(protowire.VarintType); err != nil {
		return err
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		return protowire.ParseError(n)
	}
	d.buf = d.buf[n:]
	*dst = protowire.DecodeBool(v)
	return nil
}

func (d *decoder) readOptString(dst **string) error {
	var v string
	if err := d.readString(&v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func (d *decoder) readOptInt64(dst **int64) error {
	var v int64
	if err := d.readInt64(&v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func (d *decoder) readOptInt32(dst **int32) error {
	var v int32
	if err := d.readInt32(&v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

// skip discards an unknown field
func (d *decoder) skip() error {
	n := protowire.ConsumeFieldValue(d.num, d.typ, d.buf)
	if n < 0 {
		return protowire.ParseError(n)
	}
	d.buf = d.buf[n:]
	return nil
}

func (d *decoder) require(nums ...protowire.Number) error {
	for _, num := range nums {
		if d.seen&(1<<uint(num)) == 0 {
			return fmt.Errorf("%w: field %d", ErrMissingField, num)
		}
	}
	return nil
}

func invalidEnum(name string, v int32) error {
	return fmt.Errorf("%w: %s value %d", ErrInvalidField, name, v)
}

// MarshalBinary encodes the order
func (m CreateOrder) MarshalBinary() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	e := encoder{buf: make([]byte, 0, 64+len(m.ClientOrderID)+len(m.Ticker))}
	e.sint(1, int64(m.Action))
	e.str(2, m.ClientOrderID)
	e.sint(3, int64(m.Count))
	e.sint(4, int64(m.Side))
	e.str(5, m.Ticker)
	e.sint(6, int64(m.OrderType))
	e.optSint(7, m.BuyMaxCost)
	e.optSint(8, m.ExpirationTs)
	e.optSint(9, m.NoPrice)
	e.optSint32(10, m.SellPositionFloor)
	e.optSint(11, m.YesPrice)
	return e.buf, nil
}

// UnmarshalBinary decodes the order
func (m *CreateOrder) UnmarshalBinary(b []byte) error {
	*m = CreateOrder{}
	d := decoder{buf: b}
	for {
		ok, err := d.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		switch d.num {
		case 1:
			err = d.readInt32((*int32)(&m.Action))
		case 2:
			err = d.readString(&m.ClientOrderID)
		case 3:
			err = d.readInt32(&m.Count)
		case 4:
			err = d.readInt32((*int32)(&m.Side))
		case 5:
			err = d.readString(&m.Ticker)
		case 6:
			err = d.readInt32((*int32)(&m.OrderType))
		case 7:
			err = d.readOptInt64(&m.BuyMaxCost)
		case 8:
			err = d.readOptInt64(&m.ExpirationTs)
		case 9:
			err = d.readOptInt64(&m.NoPrice)
		case 10:
			err = d.readOptInt32(&m.SellPositionFloor)
		case 11:
			err = d.readOptInt64(&m.YesPrice)
		default:
			err = d.skip()
		}
		if err != nil {
			return err
		}
	}
	if err := d.require(1, 2, 3, 4, 5, 6); err != nil {
		return err
	}
	return m.validate()
}

func (m CreateOrder) validate() error {
	if !m.Action.valid() {
		return invalidEnum("action", int32(m.Action))
	}
	if !m.Side.valid() {
		return invalidEnum("side", int32(m.Side))
	}
	if !m.OrderType.valid() {
		return invalidEnum("order_type", int32(m.OrderType))
	}
	return nil
}

// MarshalBinary encodes the cancel
func (m CancelOrder) MarshalBinary() ([]byte, error) {
	e := encoder{buf: make([]byte, 0, 8+len(m.OrderID)+len(m.ClientOrderID))}
	e.str(1, m.OrderID)
	e.str(2, m.ClientOrderID)
	return e.buf, nil
}

// UnmarshalBinary decodes the cancel
func (m *CancelOrder) UnmarshalBinary(b []byte) error {
	*m = CancelOrder{}
	d := decoder{buf: b}
	for {
		ok, err := d.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		switch d.num {
		case 1:
			err = d.readString(&m.OrderID)
		case 2:
			err = d.readString(&m.ClientOrderID)
		default:
			err = d.skip()
		}
		if err != nil {
			return err
		}
	}
	return d.require(1, 2)
}

// MarshalBinary encodes the confirm
func (m OrderConfirm) MarshalBinary() ([]byte, error) {
	e := encoder{buf: make([]byte, 0, 32+len(m.OrderID))}
	e.str(1, m.OrderID)
	e.optStr(2, m.ClientOrderID)
	return e.buf, nil
}

// UnmarshalBinary decodes the confirm
func (m *OrderConfirm) UnmarshalBinary(b []byte) error {
	*m = OrderConfirm{}
	d := decoder{buf: b}
	for {
		ok, err := d.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		switch d.num {
		case 1:
			err = d.readString(&m.OrderID)
		case 2:
			err = d.readOptString(&m.ClientOrderID)
		default:
			err = d.skip()
		}
		if err != nil {
			return err
		}
	}
	return d.require(1)
}

// MarshalBinary encodes the cancel confirm
func (m CancelConfirm) MarshalBinary() ([]byte, error) {
	e := encoder{buf: make([]byte, 0, 8+len(m.OrderID)+len(m.ClientOrderID))}
	e.str(1, m.OrderID)
	e.str(2, m.ClientOrderID)
	return e.buf, nil
}

// UnmarshalBinary decodes the cancel confirm
func (m *CancelConfirm) UnmarshalBinary(b []byte) error {
	*m = CancelConfirm{}
	d := decoder{buf: b}
	for {
		ok, err := d.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		switch d.num {
		case 1:
			err = d.readString(&m.OrderID)
		case 2:
			err = d.readString(&m.ClientOrderID)
		default:
			err = d.skip()
		}
		if err != nil {
			return err
		}
	}
	return d.require(1, 2)
}

// MarshalBinary encodes the fill
func (m Fill) MarshalBinary() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	e := encoder{buf: make([]byte, 0, 64+len(m.TradeID)+len(m.OrderID)+len(m.MarketTicker))}
	e.str(1, m.TradeID)
	e.str(2, m.OrderID)
	e.str(3, m.MarketTicker)
	e.boolean(4, m.IsTaker)
	e.sint(5, int64(m.Side))
	e.sint(6, int64(m.YesPrice))
	e.sint(7, int64(m.NoPrice))
	e.sint(8, int64(m.Count))
	e.sint(9, int64(m.Action))
	e.sint(10, m.Ts)
	e.optStr(11, m.ClientOrderID)
	return e.buf, nil
}

// UnmarshalBinary decodes the fill
func (m *Fill) UnmarshalBinary(b []byte) error {
	*m = Fill{}
	d := decoder{buf: b}
	for {
		ok, err := d.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		switch d.num {
		case 1:
			err = d.readString(&m.TradeID)
		case 2:
			err = d.readString(&m.OrderID)
		case 3:
			err = d.readString(&m.MarketTicker)
		case 4:
			err = d.readBool(&m.IsTaker)
		case 5:
			err = d.readInt32((*int32)(&m.Side))
		case 6:
			err = d.readInt32(&m.YesPrice)
		case 7:
			err = d.readInt32(&m.NoPrice)
		case 8:
			err = d.readInt32(&m.Count)
		case 9:
			err = d.readInt32((*int32)(&m.Action))
		case 10:
			err = d.readInt64(&m.Ts)
		case 11:
			err = d.readOptString(&m.ClientOrderID)
		default:
			err = d.skip()
		}
		if err != nil {
			return err
		}
	}
	if err := d.require(1, 2, 3, 4, 5, 6, 7, 8, 9, 10); err != nil {
		return err
	}
	return m.validate()
}

func (m Fill) validate() error {
	if !m.Side.valid() {
		return invalidEnum("side", int32(m.Side))
	}
	if !m.Action.valid() {
		return invalidEnum("action", int32(m.Action))
	}
	return nil
}

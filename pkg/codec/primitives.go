package codec

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/inf.v0"

	"github.com/grafana/cqlkit/pkg/cqlproto"
)

const millisPerDay = 24 * 60 * 60 * 1000

// nativeCodec binds one native wire type to one Go type with closure-driven
// conversions.
type nativeCodec struct {
	typ    cqlproto.Type
	extra  []cqlproto.Type
	goType reflect.Type

	marshal   func(v interface{}) ([]byte, error)
	unmarshal func(p []byte) (interface{}, error)
	format    func(v interface{}) (string, error)
	parse     func(s string) (interface{}, error)
}

func (c *nativeCodec) WireType() cqlproto.TypeInfo {
	return cqlproto.NewNativeType(cqlproto.MaxVersion, c.typ)
}

func (c *nativeCodec) GoType() reflect.Type { return c.goType }

func (c *nativeCodec) AcceptsType(t cqlproto.TypeInfo) bool {
	if t == nil {
		return false
	}
	if t.Type() == c.typ {
		return true
	}
	for _, e := range c.extra {
		if t.Type() == e {
			return true
		}
	}
	return false
}

func (c *nativeCodec) AcceptsGoType(t reflect.Type) bool {
	return typeMatches(t, c.goType)
}

func (c *nativeCodec) AcceptsValue(v interface{}) bool {
	return v != nil && reflect.TypeOf(v) == c.goType
}

func (c *nativeCodec) Marshal(v interface{}, _ cqlproto.Version) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if !c.AcceptsValue(v) {
		return nil, errors.Errorf("can not marshal %T into %s", v, c.typ)
	}
	return c.marshal(v)
}

func (c *nativeCodec) Unmarshal(p []byte, _ cqlproto.Version) (interface{}, error) {
	if p == nil {
		return nil, nil
	}
	return c.unmarshal(p)
}

func (c *nativeCodec) Format(v interface{}) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	if !c.AcceptsValue(v) {
		return "", errors.Errorf("can not format %T as %s", v, c.typ)
	}
	return c.format(v)
}

func (c *nativeCodec) Parse(s string) (interface{}, error) {
	if isNullLiteral(s) {
		return nil, nil
	}
	return c.parse(s)
}

func isNullLiteral(s string) bool {
	return s == "" || strings.EqualFold(s, "null")
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func unquote(s string) (string, error) {
	if len(s) < 2 || !strings.HasPrefix(s, "'") || !strings.HasSuffix(s, "'") {
		return "", errors.Errorf("invalid string literal: %s", s)
	}
	return strings.ReplaceAll(s[1:len(s)-1], "''", "'"), nil
}

func marshalString(v interface{}) ([]byte, error)   { return []byte(v.(string)), nil }
func unmarshalString(p []byte) (interface{}, error) { return string(p), nil }

func stringCodec(typ cqlproto.Type, extra ...cqlproto.Type) *nativeCodec {
	return &nativeCodec{
		typ:       typ,
		extra:     extra,
		goType:    reflect.TypeOf(""),
		marshal:   marshalString,
		unmarshal: unmarshalString,
		format: func(v interface{}) (string, error) {
			return quote(v.(string)), nil
		},
		parse: func(s string) (interface{}, error) {
			u, err := unquote(s)
			if err != nil {
				return nil, err
			}
			return u, nil
		},
	}
}

func blobCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeBlob,
		goType: reflect.TypeOf([]byte(nil)),
		marshal: func(v interface{}) ([]byte, error) {
			return v.([]byte), nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			b := make([]byte, len(p))
			copy(b, p)
			return b, nil
		},
		format: func(v interface{}) (string, error) {
			return "0x" + hex.EncodeToString(v.([]byte)), nil
		},
		parse: func(s string) (interface{}, error) {
			if !strings.HasPrefix(s, "0x") {
				return nil, errors.Errorf("invalid blob literal: %s", s)
			}
			return hex.DecodeString(s[2:])
		},
	}
}

func booleanCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeBoolean,
		goType: reflect.TypeOf(false),
		marshal: func(v interface{}) ([]byte, error) {
			if v.(bool) {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			if len(p) != 1 {
				return nil, errors.Errorf("can not unmarshal boolean from %d bytes", len(p))
			}
			return p[0] != 0, nil
		},
		format: func(v interface{}) (string, error) {
			return strconv.FormatBool(v.(bool)), nil
		},
		parse: func(s string) (interface{}, error) {
			return strconv.ParseBool(strings.ToLower(s))
		},
	}
}

func tinyintCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeTinyInt,
		goType: reflect.TypeOf(int8(0)),
		marshal: func(v interface{}) ([]byte, error) {
			return []byte{byte(v.(int8))}, nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			if len(p) != 1 {
				return nil, errors.Errorf("can not unmarshal tinyint from %d bytes", len(p))
			}
			return int8(p[0]), nil
		},
		format: func(v interface{}) (string, error) {
			return strconv.FormatInt(int64(v.(int8)), 10), nil
		},
		parse: func(s string) (interface{}, error) {
			n, err := strconv.ParseInt(s, 10, 8)
			return int8(n), err
		},
	}
}

func smallintCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeSmallInt,
		goType: reflect.TypeOf(int16(0)),
		marshal: func(v interface{}) ([]byte, error) {
			b := make([]byte, 2)
			binary.BigEndian.PutUint16(b, uint16(v.(int16)))
			return b, nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			if len(p) != 2 {
				return nil, errors.Errorf("can not unmarshal smallint from %d bytes", len(p))
			}
			return int16(binary.BigEndian.Uint16(p)), nil
		},
		format: func(v interface{}) (string, error) {
			return strconv.FormatInt(int64(v.(int16)), 10), nil
		},
		parse: func(s string) (interface{}, error) {
			n, err := strconv.ParseInt(s, 10, 16)
			return int16(n), err
		},
	}
}

func intCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeInt,
		goType: reflect.TypeOf(int32(0)),
		marshal: func(v interface{}) ([]byte, error) {
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v.(int32)))
			return b, nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			if len(p) != 4 {
				return nil, errors.Errorf("can not unmarshal int from %d bytes", len(p))
			}
			return int32(binary.BigEndian.Uint32(p)), nil
		},
		format: func(v interface{}) (string, error) {
			return strconv.FormatInt(int64(v.(int32)), 10), nil
		},
		parse: func(s string) (interface{}, error) {
			n, err := strconv.ParseInt(s, 10, 32)
			return int32(n), err
		},
	}
}

func longCodec(typ cqlproto.Type) *nativeCodec {
	return &nativeCodec{
		typ:    typ,
		goType: reflect.TypeOf(int64(0)),
		marshal: func(v interface{}) ([]byte, error) {
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, uint64(v.(int64)))
			return b, nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			if len(p) != 8 {
				return nil, errors.Errorf("can not unmarshal %s from %d bytes", typ, len(p))
			}
			return int64(binary.BigEndian.Uint64(p)), nil
		},
		format: func(v interface{}) (string, error) {
			return strconv.FormatInt(v.(int64), 10), nil
		},
		parse: func(s string) (interface{}, error) {
			return strconv.ParseInt(s, 10, 64)
		},
	}
}

func floatCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeFloat,
		goType: reflect.TypeOf(float32(0)),
		marshal: func(v interface{}) ([]byte, error) {
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, math.Float32bits(v.(float32)))
			return b, nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			if len(p) != 4 {
				return nil, errors.Errorf("can not unmarshal float from %d bytes", len(p))
			}
			return math.Float32frombits(binary.BigEndian.Uint32(p)), nil
		},
		format: func(v interface{}) (string, error) {
			return strconv.FormatFloat(float64(v.(float32)), 'g', -1, 32), nil
		},
		parse: func(s string) (interface{}, error) {
			f, err := strconv.ParseFloat(s, 32)
			return float32(f), err
		},
	}
}

func doubleCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeDouble,
		goType: reflect.TypeOf(float64(0)),
		marshal: func(v interface{}) ([]byte, error) {
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, math.Float64bits(v.(float64)))
			return b, nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			if len(p) != 8 {
				return nil, errors.Errorf("can not unmarshal double from %d bytes", len(p))
			}
			return math.Float64frombits(binary.BigEndian.Uint64(p)), nil
		},
		format: func(v interface{}) (string, error) {
			return strconv.FormatFloat(v.(float64), 'g', -1, 64), nil
		},
		parse: func(s string) (interface{}, error) {
			return strconv.ParseFloat(s, 64)
		},
	}
}

var bigOne = big.NewInt(1)

// encBigInt2C encodes n as a big-endian two's complement byte string.
func encBigInt2C(n *big.Int) []byte {
	switch n.Sign() {
	case 0:
		return []byte{0}
	case 1:
		b := n.Bytes()
		if b[0]&0x80 > 0 {
			b = append([]byte{0}, b...)
		}
		return b
	case -1:
		length := uint(n.BitLen()/8+1) * 8
		b := new(big.Int).Add(n, new(big.Int).Lsh(bigOne, length)).Bytes()
		// a most significant bit on a byte boundary produces an extra
		// leading 0xff, strip it
		if len(b) >= 2 && b[0] == 0xff && b[1]&0x80 != 0 {
			b = b[1:]
		}
		return b
	}
	return nil
}

func decBigInt2C(data []byte) *big.Int {
	n := new(big.Int).SetBytes(data)
	if len(data) > 0 && data[0]&0x80 > 0 {
		n.Sub(n, new(big.Int).Lsh(bigOne, uint(len(data))*8))
	}
	return n
}

func varintCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeVarint,
		goType: reflect.TypeOf((*big.Int)(nil)),
		marshal: func(v interface{}) ([]byte, error) {
			return encBigInt2C(v.(*big.Int)), nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			return decBigInt2C(p), nil
		},
		format: func(v interface{}) (string, error) {
			return v.(*big.Int).String(), nil
		},
		parse: func(s string) (interface{}, error) {
			n, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return nil, errors.Errorf("invalid varint literal: %s", s)
			}
			return n, nil
		},
	}
}

func decimalCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeDecimal,
		goType: reflect.TypeOf((*inf.Dec)(nil)),
		marshal: func(v interface{}) ([]byte, error) {
			dec := v.(*inf.Dec)
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(dec.Scale()))
			return append(b, encBigInt2C(dec.UnscaledBig())...), nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			if len(p) < 4 {
				return nil, errors.Errorf("can not unmarshal decimal from %d bytes", len(p))
			}
			scale := int32(binary.BigEndian.Uint32(p))
			return inf.NewDecBig(decBigInt2C(p[4:]), inf.Scale(scale)), nil
		},
		format: func(v interface{}) (string, error) {
			return v.(*inf.Dec).String(), nil
		},
		parse: func(s string) (interface{}, error) {
			dec, ok := new(inf.Dec).SetString(s)
			if !ok {
				return nil, errors.Errorf("invalid decimal literal: %s", s)
			}
			return dec, nil
		},
	}
}

func timestampCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeTimestamp,
		goType: reflect.TypeOf(time.Time{}),
		marshal: func(v interface{}) ([]byte, error) {
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, uint64(v.(time.Time).UnixMilli()))
			return b, nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			if len(p) != 8 {
				return nil, errors.Errorf("can not unmarshal timestamp from %d bytes", len(p))
			}
			return time.UnixMilli(int64(binary.BigEndian.Uint64(p))).UTC(), nil
		},
		format: func(v interface{}) (string, error) {
			return quote(v.(time.Time).UTC().Format(time.RFC3339Nano)), nil
		},
		parse: func(s string) (interface{}, error) {
			u, err := unquote(s)
			if err != nil {
				return nil, err
			}
			t, err := time.Parse(time.RFC3339Nano, u)
			if err != nil {
				return nil, err
			}
			return t.UTC(), nil
		},
	}
}

func dateCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeDate,
		goType: reflect.TypeOf(time.Time{}),
		marshal: func(v interface{}) ([]byte, error) {
			t := v.(time.Time).UTC()
			days := t.UnixMilli() / millisPerDay
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(days+1<<31))
			return b, nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			if len(p) != 4 {
				return nil, errors.Errorf("can not unmarshal date from %d bytes", len(p))
			}
			days := int64(binary.BigEndian.Uint32(p)) - 1<<31
			return time.UnixMilli(days * millisPerDay).UTC(), nil
		},
		format: func(v interface{}) (string, error) {
			return quote(v.(time.Time).UTC().Format("2006-01-02")), nil
		},
		parse: func(s string) (interface{}, error) {
			u, err := unquote(s)
			if err != nil {
				return nil, err
			}
			t, err := time.Parse("2006-01-02", u)
			if err != nil {
				return nil, err
			}
			return t.UTC(), nil
		},
	}
}

func timeCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeTime,
		goType: reflect.TypeOf(time.Duration(0)),
		marshal: func(v interface{}) ([]byte, error) {
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, uint64(v.(time.Duration).Nanoseconds()))
			return b, nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			if len(p) != 8 {
				return nil, errors.Errorf("can not unmarshal time from %d bytes", len(p))
			}
			return time.Duration(binary.BigEndian.Uint64(p)), nil
		},
		format: func(v interface{}) (string, error) {
			d := v.(time.Duration)
			return quote(fmt.Sprintf("%02d:%02d:%02d.%09d",
				int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60, d.Nanoseconds()%int64(time.Second))), nil
		},
		parse: func(s string) (interface{}, error) {
			u, err := unquote(s)
			if err != nil {
				return nil, err
			}
			var h, m int
			var sec float64
			if _, err := fmt.Sscanf(u, "%d:%d:%f", &h, &m, &sec); err != nil {
				return nil, errors.Errorf("invalid time literal: %s", s)
			}
			return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second)), nil
		},
	}
}

func uuidCodec(typ cqlproto.Type) *nativeCodec {
	return &nativeCodec{
		typ:    typ,
		goType: reflect.TypeOf(uuid.UUID{}),
		marshal: func(v interface{}) ([]byte, error) {
			u := v.(uuid.UUID)
			return u[:], nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			return uuid.FromBytes(p)
		},
		format: func(v interface{}) (string, error) {
			return v.(uuid.UUID).String(), nil
		},
		parse: func(s string) (interface{}, error) {
			return uuid.Parse(s)
		},
	}
}

func inetCodec() *nativeCodec {
	return &nativeCodec{
		typ:    cqlproto.TypeInet,
		goType: reflect.TypeOf(net.IP(nil)),
		marshal: func(v interface{}) ([]byte, error) {
			ip := v.(net.IP)
			if v4 := ip.To4(); v4 != nil {
				return v4, nil
			}
			return ip.To16(), nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			if len(p) != 4 && len(p) != 16 {
				return nil, errors.Errorf("can not unmarshal inet from %d bytes", len(p))
			}
			ip := make(net.IP, len(p))
			copy(ip, p)
			return ip, nil
		},
		format: func(v interface{}) (string, error) {
			return quote(v.(net.IP).String()), nil
		},
		parse: func(s string) (interface{}, error) {
			u, err := unquote(s)
			if err != nil {
				return nil, err
			}
			ip := net.ParseIP(u)
			if ip == nil {
				return nil, errors.Errorf("invalid inet literal: %s", s)
			}
			if v4 := ip.To4(); v4 != nil {
				return v4, nil
			}
			return ip, nil
		},
	}
}

// defaultCodecs returns the primitive codecs, in the precedence order they
// are consulted: varchar ahead of ascii, uuid ahead of timeuuid.
func defaultCodecs() []Codec {
	return []Codec{
		stringCodec(cqlproto.TypeVarchar, cqlproto.TypeText),
		stringCodec(cqlproto.TypeAscii),
		blobCodec(),
		booleanCodec(),
		tinyintCodec(),
		smallintCodec(),
		intCodec(),
		longCodec(cqlproto.TypeBigInt),
		longCodec(cqlproto.TypeCounter),
		floatCodec(),
		doubleCodec(),
		varintCodec(),
		decimalCodec(),
		timestampCodec(),
		dateCodec(),
		timeCodec(),
		uuidCodec(cqlproto.TypeUUID),
		uuidCodec(cqlproto.TypeTimeUUID),
		inetCodec(),
	}
}

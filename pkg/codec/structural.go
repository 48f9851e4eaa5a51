package codec

import (
	"encoding/binary"
	"encoding/hex"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"github.com/grafana/cqlkit/pkg/cqlproto"
)

// Tuple and UDT payloads always use 4-byte length prefixes, negative for
// null, regardless of the collection widths of the outer protocol version.

func appendFieldBytes(p, field []byte) []byte {
	if field == nil {
		return append(p, 0xFF, 0xFF, 0xFF, 0xFF)
	}
	p = append(p,
		byte(len(field)>>24),
		byte(len(field)>>16),
		byte(len(field)>>8),
		byte(len(field)),
	)
	return append(p, field...)
}

func readFieldBytes(p []byte) (field, rest []byte, err error) {
	if len(p) < 4 {
		return nil, nil, errors.Errorf("can not read field size from %d bytes", len(p))
	}
	size := int(int32(binary.BigEndian.Uint32(p)))
	p = p[4:]
	if size < 0 {
		return nil, p, nil
	}
	if len(p) < size {
		return nil, nil, errors.Errorf("field of %d bytes truncated at %d", size, len(p))
	}
	return p[:size], p[size:], nil
}

// tupleCodec is a structural codec keyed by the tuple wire descriptor; the
// Go shape is a positional []interface{}.
type tupleCodec struct {
	wire  cqlproto.TupleTypeInfo
	elems []Codec
}

var ifaceSliceType = reflect.TypeOf([]interface{}(nil))
var ifaceMapType = reflect.TypeOf(map[string]interface{}(nil))

func newTupleCodec(wire cqlproto.TupleTypeInfo, elems []Codec) *tupleCodec {
	return &tupleCodec{wire: wire, elems: elems}
}

func (c *tupleCodec) WireType() cqlproto.TypeInfo { return c.wire }
func (c *tupleCodec) GoType() reflect.Type        { return ifaceSliceType }

func (c *tupleCodec) AcceptsType(t cqlproto.TypeInfo) bool {
	tup, ok := t.(cqlproto.TupleTypeInfo)
	if !ok || len(tup.Elems) != len(c.elems) {
		return false
	}
	for i, e := range c.elems {
		if !e.AcceptsType(tup.Elems[i]) {
			return false
		}
	}
	return true
}

func (c *tupleCodec) AcceptsGoType(t reflect.Type) bool {
	return typeMatches(t, ifaceSliceType)
}

func (c *tupleCodec) AcceptsValue(v interface{}) bool {
	vals, ok := v.([]interface{})
	return ok && len(vals) == len(c.elems)
}

func (c *tupleCodec) Marshal(v interface{}, proto cqlproto.Version) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	vals, ok := v.([]interface{})
	if !ok {
		return nil, errors.Errorf("can not marshal %T into %v", v, c.wire)
	}
	if len(vals) != len(c.elems) {
		return nil, errors.Errorf("tuple arity mismatch: have %d values, want %d", len(vals), len(c.elems))
	}

	var buf []byte
	for i, e := range c.elems {
		field, err := e.Marshal(vals[i], proto)
		if err != nil {
			return nil, err
		}
		buf = appendFieldBytes(buf, field)
	}
	return buf, nil
}

func (c *tupleCodec) Unmarshal(p []byte, proto cqlproto.Version) (interface{}, error) {
	if p == nil {
		return nil, nil
	}

	out := make([]interface{}, len(c.elems))
	var field []byte
	var err error
	for i, e := range c.elems {
		if field, p, err = readFieldBytes(p); err != nil {
			return nil, err
		}
		if out[i], err = e.Unmarshal(field, proto); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *tupleCodec) Format(v interface{}) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	vals, ok := v.([]interface{})
	if !ok || len(vals) != len(c.elems) {
		return "", errors.Errorf("can not format %T as %v", v, c.wire)
	}
	parts := make([]string, len(vals))
	for i, e := range c.elems {
		s, err := e.Format(vals[i])
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + strings.Join(parts, ", ") + ")", nil
}

func (c *tupleCodec) Parse(s string) (interface{}, error) {
	if isNullLiteral(s) {
		return nil, nil
	}
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, errors.Errorf("invalid tuple literal: %s", s)
	}
	items := splitLiteralList(s[1 : len(s)-1])
	if len(items) != len(c.elems) {
		return nil, errors.Errorf("tuple arity mismatch: have %d literals, want %d", len(items), len(c.elems))
	}
	out := make([]interface{}, len(items))
	var err error
	for i, e := range c.elems {
		if out[i], err = e.Parse(items[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// udtCodec is a structural codec keyed by the UDT wire descriptor; the Go
// shape is a map keyed by field name. Fields are serialized in declaration
// order.
type udtCodec struct {
	wire   cqlproto.UDTTypeInfo
	fields []Codec
}

func newUDTCodec(wire cqlproto.UDTTypeInfo, fields []Codec) *udtCodec {
	return &udtCodec{wire: wire, fields: fields}
}

func (c *udtCodec) WireType() cqlproto.TypeInfo { return c.wire }
func (c *udtCodec) GoType() reflect.Type        { return ifaceMapType }

func (c *udtCodec) AcceptsType(t cqlproto.TypeInfo) bool {
	udt, ok := t.(cqlproto.UDTTypeInfo)
	if !ok || udt.Keyspace != c.wire.Keyspace || udt.Name != c.wire.Name {
		return false
	}
	if len(udt.Elements) != len(c.wire.Elements) {
		return false
	}
	for i, f := range c.fields {
		if udt.Elements[i].Name != c.wire.Elements[i].Name || !f.AcceptsType(udt.Elements[i].Type) {
			return false
		}
	}
	return true
}

func (c *udtCodec) AcceptsGoType(t reflect.Type) bool {
	return typeMatches(t, ifaceMapType)
}

func (c *udtCodec) AcceptsValue(v interface{}) bool {
	_, ok := v.(map[string]interface{})
	return ok
}

func (c *udtCodec) Marshal(v interface{}, proto cqlproto.Version) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	vals, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("can not marshal %T into %v", v, c.wire)
	}

	var buf []byte
	for i, f := range c.fields {
		field, err := f.Marshal(vals[c.wire.Elements[i].Name], proto)
		if err != nil {
			return nil, err
		}
		buf = appendFieldBytes(buf, field)
	}
	return buf, nil
}

func (c *udtCodec) Unmarshal(p []byte, proto cqlproto.Version) (interface{}, error) {
	if p == nil {
		return nil, nil
	}

	out := make(map[string]interface{}, len(c.fields))
	var field []byte
	var err error
	for i, f := range c.fields {
		// trailing fields added by a later schema may be absent entirely
		if len(p) == 0 {
			break
		}
		if field, p, err = readFieldBytes(p); err != nil {
			return nil, err
		}
		if out[c.wire.Elements[i].Name], err = f.Unmarshal(field, proto); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *udtCodec) Format(v interface{}) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	vals, ok := v.(map[string]interface{})
	if !ok {
		return "", errors.Errorf("can not format %T as %v", v, c.wire)
	}
	parts := make([]string, len(c.fields))
	for i, f := range c.fields {
		name := c.wire.Elements[i].Name
		s, err := f.Format(vals[name])
		if err != nil {
			return "", err
		}
		parts[i] = name + ": " + s
	}
	return "{" + strings.Join(parts, ", ") + "}", nil
}

func (c *udtCodec) Parse(s string) (interface{}, error) {
	if isNullLiteral(s) {
		return nil, nil
	}
	inner, err := stripBrackets(s)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]Codec, len(c.fields))
	for i, f := range c.fields {
		byName[c.wire.Elements[i].Name] = f
	}

	out := make(map[string]interface{})
	for _, item := range splitLiteralList(inner) {
		kv := splitLiteralPair(item)
		if len(kv) != 2 {
			return nil, errors.Errorf("invalid udt field literal: %s", item)
		}
		name := strings.TrimSpace(kv[0])
		f, ok := byName[name]
		if !ok {
			return nil, errors.Errorf("unknown udt field: %s", name)
		}
		if out[name], err = f.Parse(strings.TrimSpace(kv[1])); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// customCodec passes the raw wire bytes of an opaque custom type through
// untouched.
type customCodec struct {
	wire cqlproto.TypeInfo
}

func newCustomCodec(wire cqlproto.TypeInfo) *customCodec {
	return &customCodec{wire: wire}
}

func (c *customCodec) WireType() cqlproto.TypeInfo { return c.wire }
func (c *customCodec) GoType() reflect.Type        { return reflect.TypeOf([]byte(nil)) }

func (c *customCodec) AcceptsType(t cqlproto.TypeInfo) bool {
	return t != nil && t.Type() == cqlproto.TypeCustom && t.Custom() == c.wire.Custom()
}

func (c *customCodec) AcceptsGoType(t reflect.Type) bool {
	return typeMatches(t, reflect.TypeOf([]byte(nil)))
}

func (c *customCodec) AcceptsValue(v interface{}) bool {
	_, ok := v.([]byte)
	return ok
}

func (c *customCodec) Marshal(v interface{}, _ cqlproto.Version) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, errors.Errorf("can not marshal %T into %v", v, c.wire)
	}
	return b, nil
}

func (c *customCodec) Unmarshal(p []byte, _ cqlproto.Version) (interface{}, error) {
	if p == nil {
		return nil, nil
	}
	b := make([]byte, len(p))
	copy(b, p)
	return b, nil
}

func (c *customCodec) Format(v interface{}) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	b, ok := v.([]byte)
	if !ok {
		return "", errors.Errorf("can not format %T as %v", v, c.wire)
	}
	return "0x" + hex.EncodeToString(b), nil
}

func (c *customCodec) Parse(s string) (interface{}, error) {
	if isNullLiteral(s) {
		return nil, nil
	}
	if !strings.HasPrefix(s, "0x") {
		return nil, errors.Errorf("invalid custom type literal: %s", s)
	}
	return hex.DecodeString(s[2:])
}

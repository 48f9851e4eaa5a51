package codec

import (
	"encoding/binary"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"github.com/grafana/cqlkit/pkg/cqlproto"
)

// Collection counts and element payloads use 2-byte prefixes up to protocol
// v2 and 4-byte prefixes from v3 on.

func appendCollSize(p []byte, n int, proto cqlproto.Version) ([]byte, error) {
	if proto > cqlproto.Version2 {
		return append(p,
			byte(n>>24),
			byte(n>>16),
			byte(n>>8),
			byte(n),
		), nil
	}
	if n > 0xFFFF {
		return nil, errors.Errorf("collection too large for protocol %s: %d elements", proto, n)
	}
	return append(p, byte(n>>8), byte(n)), nil
}

func readCollSize(p []byte, proto cqlproto.Version) (size, read int, err error) {
	if proto > cqlproto.Version2 {
		if len(p) < 4 {
			return 0, 0, errors.Errorf("can not read collection size from %d bytes", len(p))
		}
		return int(int32(binary.BigEndian.Uint32(p))), 4, nil
	}
	if len(p) < 2 {
		return 0, 0, errors.Errorf("can not read collection size from %d bytes", len(p))
	}
	return int(binary.BigEndian.Uint16(p)), 2, nil
}

func appendCollElement(p []byte, elem []byte, proto cqlproto.Version) ([]byte, error) {
	p, err := appendCollSize(p, len(elem), proto)
	if err != nil {
		return nil, err
	}
	return append(p, elem...), nil
}

func readCollElement(p []byte, proto cqlproto.Version) (elem, rest []byte, err error) {
	size, read, err := readCollSize(p, proto)
	if err != nil {
		return nil, nil, err
	}
	p = p[read:]
	if size < 0 {
		return nil, p, nil
	}
	if len(p) < size {
		return nil, nil, errors.Errorf("collection element of %d bytes truncated at %d", size, len(p))
	}
	return p[:size], p[size:], nil
}

// listCodec handles list and set wire types over a Go slice of the element
// codec's Go type.
type listCodec struct {
	wire cqlproto.CollectionType
	elem Codec

	goType reflect.Type
}

func newListCodec(wire cqlproto.CollectionType, elem Codec) *listCodec {
	return &listCodec{
		wire:   wire,
		elem:   elem,
		goType: reflect.SliceOf(elem.GoType()),
	}
}

func (c *listCodec) WireType() cqlproto.TypeInfo { return c.wire }
func (c *listCodec) GoType() reflect.Type        { return c.goType }

func (c *listCodec) AcceptsType(t cqlproto.TypeInfo) bool {
	coll, ok := t.(cqlproto.CollectionType)
	if !ok || coll.Type() != c.wire.Type() {
		return false
	}
	return c.elem.AcceptsType(coll.Elem)
}

func (c *listCodec) AcceptsGoType(t reflect.Type) bool {
	return typeMatches(t, c.goType)
}

func (c *listCodec) AcceptsValue(v interface{}) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	if t == c.goType {
		return true
	}
	// an empty slice carries no element type information
	return t.Kind() == reflect.Slice && reflect.ValueOf(v).Len() == 0
}

func (c *listCodec) Marshal(v interface{}, proto cqlproto.Version) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if !c.AcceptsValue(v) {
		return nil, errors.Errorf("can not marshal %T into %v", v, c.wire)
	}

	rv := reflect.ValueOf(v)
	buf, err := appendCollSize(nil, rv.Len(), proto)
	if err != nil {
		return nil, err
	}
	for i := 0; i < rv.Len(); i++ {
		elem, err := c.elem.Marshal(rv.Index(i).Interface(), proto)
		if err != nil {
			return nil, err
		}
		if buf, err = appendCollElement(buf, elem, proto); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (c *listCodec) Unmarshal(p []byte, proto cqlproto.Version) (interface{}, error) {
	if p == nil {
		return nil, nil
	}

	size, read, err := readCollSize(p, proto)
	if err != nil {
		return nil, err
	}
	p = p[read:]

	out := reflect.MakeSlice(c.goType, size, size)
	for i := 0; i < size; i++ {
		var elem []byte
		if elem, p, err = readCollElement(p, proto); err != nil {
			return nil, err
		}
		ev, err := c.elem.Unmarshal(elem, proto)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			out.Index(i).Set(reflect.ValueOf(ev))
		}
	}
	return out.Interface(), nil
}

func (c *listCodec) Format(v interface{}) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	open, close := "[", "]"
	if c.wire.Type() == cqlproto.TypeSet {
		open, close = "{", "}"
	}

	rv := reflect.ValueOf(v)
	parts := make([]string, rv.Len())
	for i := range parts {
		s, err := c.elem.Format(rv.Index(i).Interface())
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return open + strings.Join(parts, ", ") + close, nil
}

func (c *listCodec) Parse(s string) (interface{}, error) {
	if isNullLiteral(s) {
		return nil, nil
	}
	inner, err := stripBrackets(s)
	if err != nil {
		return nil, err
	}
	items := splitLiteralList(inner)
	out := reflect.MakeSlice(c.goType, len(items), len(items))
	for i, item := range items {
		ev, err := c.elem.Parse(item)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			out.Index(i).Set(reflect.ValueOf(ev))
		}
	}
	return out.Interface(), nil
}

// mapCodec handles map wire types over a Go map from the key codec's Go type
// to the value codec's.
type mapCodec struct {
	wire cqlproto.CollectionType
	key  Codec
	elem Codec

	goType reflect.Type
}

func newMapCodec(wire cqlproto.CollectionType, key, elem Codec) *mapCodec {
	return &mapCodec{
		wire:   wire,
		key:    key,
		elem:   elem,
		goType: reflect.MapOf(key.GoType(), elem.GoType()),
	}
}

func (c *mapCodec) WireType() cqlproto.TypeInfo { return c.wire }
func (c *mapCodec) GoType() reflect.Type        { return c.goType }

func (c *mapCodec) AcceptsType(t cqlproto.TypeInfo) bool {
	coll, ok := t.(cqlproto.CollectionType)
	if !ok || coll.Type() != cqlproto.TypeMap {
		return false
	}
	return c.key.AcceptsType(coll.Key) && c.elem.AcceptsType(coll.Elem)
}

func (c *mapCodec) AcceptsGoType(t reflect.Type) bool {
	return typeMatches(t, c.goType)
}

func (c *mapCodec) AcceptsValue(v interface{}) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	if t == c.goType {
		return true
	}
	return t.Kind() == reflect.Map && reflect.ValueOf(v).Len() == 0
}

func (c *mapCodec) Marshal(v interface{}, proto cqlproto.Version) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if !c.AcceptsValue(v) {
		return nil, errors.Errorf("can not marshal %T into %v", v, c.wire)
	}

	rv := reflect.ValueOf(v)
	buf, err := appendCollSize(nil, rv.Len(), proto)
	if err != nil {
		return nil, err
	}
	iter := rv.MapRange()
	for iter.Next() {
		kb, err := c.key.Marshal(iter.Key().Interface(), proto)
		if err != nil {
			return nil, err
		}
		if buf, err = appendCollElement(buf, kb, proto); err != nil {
			return nil, err
		}
		vb, err := c.elem.Marshal(iter.Value().Interface(), proto)
		if err != nil {
			return nil, err
		}
		if buf, err = appendCollElement(buf, vb, proto); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (c *mapCodec) Unmarshal(p []byte, proto cqlproto.Version) (interface{}, error) {
	if p == nil {
		return nil, nil
	}

	size, read, err := readCollSize(p, proto)
	if err != nil {
		return nil, err
	}
	p = p[read:]

	out := reflect.MakeMapWithSize(c.goType, size)
	for i := 0; i < size; i++ {
		var kb, vb []byte
		if kb, p, err = readCollElement(p, proto); err != nil {
			return nil, err
		}
		if vb, p, err = readCollElement(p, proto); err != nil {
			return nil, err
		}
		kv, err := c.key.Unmarshal(kb, proto)
		if err != nil {
			return nil, err
		}
		vv, err := c.elem.Unmarshal(vb, proto)
		if err != nil {
			return nil, err
		}
		if kv == nil {
			continue
		}
		val := reflect.Zero(c.elem.GoType())
		if vv != nil {
			val = reflect.ValueOf(vv)
		}
		out.SetMapIndex(reflect.ValueOf(kv), val)
	}
	return out.Interface(), nil
}

func (c *mapCodec) Format(v interface{}) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	rv := reflect.ValueOf(v)
	parts := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		ks, err := c.key.Format(iter.Key().Interface())
		if err != nil {
			return "", err
		}
		vs, err := c.elem.Format(iter.Value().Interface())
		if err != nil {
			return "", err
		}
		parts = append(parts, ks+": "+vs)
	}
	return "{" + strings.Join(parts, ", ") + "}", nil
}

func (c *mapCodec) Parse(s string) (interface{}, error) {
	if isNullLiteral(s) {
		return nil, nil
	}
	inner, err := stripBrackets(s)
	if err != nil {
		return nil, err
	}
	out := reflect.MakeMap(c.goType)
	for _, item := range splitLiteralList(inner) {
		kv := splitLiteralPair(item)
		if len(kv) != 2 {
			return nil, errors.Errorf("invalid map entry literal: %s", item)
		}
		k, err := c.key.Parse(strings.TrimSpace(kv[0]))
		if err != nil {
			return nil, err
		}
		v, err := c.elem.Parse(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, err
		}
		if k != nil && v != nil {
			out.SetMapIndex(reflect.ValueOf(k), reflect.ValueOf(v))
		}
	}
	return out.Interface(), nil
}

func stripBrackets(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return "", errors.Errorf("invalid collection literal: %s", s)
	}
	open, close := s[0], s[len(s)-1]
	if (open == '[' && close == ']') || (open == '{' && close == '}') {
		return s[1 : len(s)-1], nil
	}
	return "", errors.Errorf("invalid collection literal: %s", s)
}

// splitLiteralList splits on top-level commas, honoring nested brackets and
// single-quoted strings.
func splitLiteralList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var parts []string
	depth := 0
	quoted := false
	segment := strings.Builder{}
	for _, ch := range s {
		switch {
		case ch == '\'':
			quoted = !quoted
		case !quoted && (ch == '[' || ch == '{' || ch == '('):
			depth++
		case !quoted && (ch == ']' || ch == '}' || ch == ')'):
			depth--
		case !quoted && depth == 0 && ch == ',':
			parts = append(parts, strings.TrimSpace(segment.String()))
			segment.Reset()
			continue
		}
		segment.WriteRune(ch)
	}
	parts = append(parts, strings.TrimSpace(segment.String()))
	return parts
}

// splitLiteralPair splits "k: v" at the first top-level colon.
func splitLiteralPair(s string) []string {
	depth := 0
	quoted := false
	for i, ch := range s {
		switch {
		case ch == '\'':
			quoted = !quoted
		case !quoted && (ch == '[' || ch == '{' || ch == '('):
			depth++
		case !quoted && (ch == ']' || ch == '}' || ch == ')'):
			depth--
		case !quoted && depth == 0 && ch == ':':
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}

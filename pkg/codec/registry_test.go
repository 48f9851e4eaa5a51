package codec

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cqlkit/pkg/cqlproto"
)

func nativeType(typ cqlproto.Type) cqlproto.TypeInfo {
	return cqlproto.NewNativeType(cqlproto.Version4, typ)
}

func listOf(elem cqlproto.TypeInfo) cqlproto.CollectionType {
	return cqlproto.CollectionType{
		NativeType: cqlproto.NewNativeType(cqlproto.Version4, cqlproto.TypeList),
		Elem:       elem,
	}
}

func setOf(elem cqlproto.TypeInfo) cqlproto.CollectionType {
	return cqlproto.CollectionType{
		NativeType: cqlproto.NewNativeType(cqlproto.Version4, cqlproto.TypeSet),
		Elem:       elem,
	}
}

func mapOf(key, elem cqlproto.TypeInfo) cqlproto.CollectionType {
	return cqlproto.CollectionType{
		NativeType: cqlproto.NewNativeType(cqlproto.Version4, cqlproto.TypeMap),
		Key:        key,
		Elem:       elem,
	}
}

func TestLookupPrecedence(t *testing.T) {
	r := NewRegistry(nil)

	// varchar and text resolve to the same registered codec
	varchar, err := r.CodecForType(nativeType(cqlproto.TypeVarchar))
	require.NoError(t, err)
	text, err := r.CodecForType(nativeType(cqlproto.TypeText))
	require.NoError(t, err)
	require.Same(t, varchar, text)
	require.Equal(t, reflect.TypeOf(""), varchar.GoType())

	// ascii is served by its own codec, not the varchar one
	ascii, err := r.CodecForType(nativeType(cqlproto.TypeAscii))
	require.NoError(t, err)
	require.NotSame(t, varchar, ascii)

	// bigint and counter share a Go type but not a codec
	bigint, err := r.CodecForType(nativeType(cqlproto.TypeBigInt))
	require.NoError(t, err)
	counter, err := r.CodecForType(nativeType(cqlproto.TypeCounter))
	require.NoError(t, err)
	require.NotSame(t, bigint, counter)
	require.Equal(t, bigint.GoType(), counter.GoType())
}

func TestLookupCaching(t *testing.T) {
	r := NewRegistry(nil)
	wire := listOf(nativeType(cqlproto.TypeInt))

	first, err := r.CodecForType(wire)
	require.NoError(t, err)
	second, err := r.CodecForType(wire)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestRegisterCollision(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(log.NewLogfmtLogger(&buf))

	original, err := r.CodecForType(nativeType(cqlproto.TypeVarchar))
	require.NoError(t, err)

	// same wire type, same Go type: the first registration wins
	r.Register(stringCodec(cqlproto.TypeVarchar))
	require.Contains(t, buf.String(), "already registered")

	got, err := r.CodecForType(nativeType(cqlproto.TypeVarchar))
	require.NoError(t, err)
	require.Equal(t, original.GoType(), got.GoType())
}

func TestRegisterDistinctGoType(t *testing.T) {
	r := NewRegistry(nil)
	c := &nativeCodec{
		typ:    cqlproto.TypeVarchar,
		goType: reflect.TypeOf([]rune(nil)),
		marshal: func(v interface{}) ([]byte, error) {
			return []byte(string(v.([]rune))), nil
		},
		unmarshal: func(p []byte) (interface{}, error) {
			return []rune(string(p)), nil
		},
		format: func(v interface{}) (string, error) { return quote(string(v.([]rune))), nil },
		parse: func(s string) (interface{}, error) {
			u, err := unquote(s)
			if err != nil {
				return nil, err
			}
			return []rune(u), nil
		},
	}
	r.Register(c)

	got, err := r.CodecFor(nativeType(cqlproto.TypeVarchar), reflect.TypeOf([]rune(nil)))
	require.NoError(t, err)
	require.Same(t, Codec(c), got)

	// the default string codec still has precedence for plain lookups
	plain, err := r.CodecForType(nativeType(cqlproto.TypeVarchar))
	require.NoError(t, err)
	require.Equal(t, reflect.TypeOf(""), plain.GoType())
}

func TestSynthesizedListRoundTrip(t *testing.T) {
	r := NewRegistry(nil)

	c, err := r.CodecForType(listOf(nativeType(cqlproto.TypeInt)))
	require.NoError(t, err)
	require.Equal(t, reflect.TypeOf([]int32(nil)), c.GoType())

	value := []int32{3, -1, 70000}
	for _, proto := range []cqlproto.Version{cqlproto.Version2, cqlproto.Version4} {
		p, err := c.Marshal(value, proto)
		require.NoError(t, err)
		got, err := c.Unmarshal(p, proto)
		require.NoError(t, err)
		require.Equal(t, value, got)
	}
}

func TestCollectionSizeWidthByVersion(t *testing.T) {
	r := NewRegistry(nil)
	c, err := r.CodecForType(listOf(nativeType(cqlproto.TypeInt)))
	require.NoError(t, err)

	v2, err := c.Marshal([]int32{9}, cqlproto.Version2)
	require.NoError(t, err)
	// short count, short element size, 4 payload bytes
	require.Len(t, v2, 2+2+4)

	v4, err := c.Marshal([]int32{9}, cqlproto.Version4)
	require.NoError(t, err)
	require.Len(t, v4, 4+4+4)
}

func TestSynthesizedMapRoundTrip(t *testing.T) {
	r := NewRegistry(nil)

	c, err := r.CodecForType(mapOf(nativeType(cqlproto.TypeVarchar), nativeType(cqlproto.TypeBigInt)))
	require.NoError(t, err)
	require.Equal(t, reflect.TypeOf(map[string]int64(nil)), c.GoType())

	value := map[string]int64{"a": 1, "b": -2}
	p, err := c.Marshal(value, cqlproto.Version4)
	require.NoError(t, err)
	got, err := c.Unmarshal(p, cqlproto.Version4)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestSynthesizedTupleRoundTrip(t *testing.T) {
	wire := cqlproto.TupleTypeInfo{
		NativeType: cqlproto.NewNativeType(cqlproto.Version4, cqlproto.TypeTuple),
		Elems: []cqlproto.TypeInfo{
			nativeType(cqlproto.TypeVarchar),
			nativeType(cqlproto.TypeInt),
		},
	}

	c, err := NewRegistry(nil).CodecForType(wire)
	require.NoError(t, err)

	value := []interface{}{"id", int32(7)}
	p, err := c.Marshal(value, cqlproto.Version4)
	require.NoError(t, err)
	got, err := c.Unmarshal(p, cqlproto.Version4)
	require.NoError(t, err)
	require.Equal(t, value, got)

	// null elements survive the round trip
	withNull := []interface{}{nil, int32(1)}
	p, err = c.Marshal(withNull, cqlproto.Version4)
	require.NoError(t, err)
	got, err = c.Unmarshal(p, cqlproto.Version4)
	require.NoError(t, err)
	require.Equal(t, withNull, got)

	_, err = c.Marshal([]interface{}{"too", "many", "elems"}, cqlproto.Version4)
	require.Error(t, err)
}

func udtWire() cqlproto.UDTTypeInfo {
	return cqlproto.UDTTypeInfo{
		NativeType: cqlproto.NewNativeType(cqlproto.Version4, cqlproto.TypeUDT),
		Keyspace:   "store",
		Name:       "address",
		Elements: []cqlproto.UDTField{
			{Name: "street", Type: nativeType(cqlproto.TypeVarchar)},
			{Name: "zip", Type: nativeType(cqlproto.TypeInt)},
		},
	}
}

func TestSynthesizedUDTRoundTrip(t *testing.T) {
	c, err := NewRegistry(nil).CodecForType(udtWire())
	require.NoError(t, err)

	value := map[string]interface{}{"street": "main st", "zip": int32(12345)}
	p, err := c.Marshal(value, cqlproto.Version4)
	require.NoError(t, err)
	got, err := c.Unmarshal(p, cqlproto.Version4)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestUDTTrailingFieldsAbsent(t *testing.T) {
	c, err := NewRegistry(nil).CodecForType(udtWire())
	require.NoError(t, err)

	// a value written before the zip field existed ends after street
	old, err := NewRegistry(nil).CodecForType(cqlproto.UDTTypeInfo{
		NativeType: cqlproto.NewNativeType(cqlproto.Version4, cqlproto.TypeUDT),
		Keyspace:   "store",
		Name:       "address",
		Elements: []cqlproto.UDTField{
			{Name: "street", Type: nativeType(cqlproto.TypeVarchar)},
		},
	})
	require.NoError(t, err)

	p, err := old.Marshal(map[string]interface{}{"street": "main st"}, cqlproto.Version4)
	require.NoError(t, err)

	got, err := c.Unmarshal(p, cqlproto.Version4)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"street": "main st"}, got)
}

func TestCustomTypePassthrough(t *testing.T) {
	wire := cqlproto.NewCustomType(cqlproto.Version4, "com.example.Opaque")

	c, err := NewRegistry(nil).CodecForType(wire)
	require.NoError(t, err)

	raw := []byte{1, 2, 3}
	p, err := c.Marshal(raw, cqlproto.Version4)
	require.NoError(t, err)
	require.Equal(t, raw, p)

	got, err := c.Unmarshal(p, cqlproto.Version4)
	require.NoError(t, err)
	require.Equal(t, raw, got)
}

func TestCodecForValue(t *testing.T) {
	r := NewRegistry(nil)

	c, err := r.CodecForValue("hello")
	require.NoError(t, err)
	require.Equal(t, cqlproto.TypeVarchar, c.WireType().Type())

	c, err = r.CodecForValue([]int32{1, 2})
	require.NoError(t, err)
	require.Equal(t, cqlproto.TypeList, c.WireType().Type())
	p, err := c.Marshal([]int32{1, 2}, cqlproto.Version4)
	require.NoError(t, err)
	got, err := c.Unmarshal(p, cqlproto.Version4)
	require.NoError(t, err)
	require.Equal(t, []int32{1, 2}, got)

	// an empty untyped collection falls back to blob elements
	c, err = r.CodecForValue([]interface{}{})
	require.NoError(t, err)
	require.Equal(t, cqlproto.TypeList, c.WireType().Type())
	p, err = c.Marshal([]interface{}{}, cqlproto.Version4)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, p)

	_, err = r.CodecForValue(struct{ X int }{1})
	require.Error(t, err)
	require.IsType(t, NotFoundError{}, err)
}

func TestCodecForTypeValue(t *testing.T) {
	r := NewRegistry(nil)

	c, err := r.CodecForTypeValue(nativeType(cqlproto.TypeVarchar), "v")
	require.NoError(t, err)
	require.True(t, c.AcceptsValue("v"))

	_, err = r.CodecForTypeValue(nativeType(cqlproto.TypeVarchar), int32(1))
	require.Error(t, err)
}

func TestWeightMonotonicity(t *testing.T) {
	intType := nativeType(cqlproto.TypeInt)

	require.Equal(t, 0, weigh(intType, 1))
	require.Equal(t, 1, weigh(listOf(intType), 1))
	require.Equal(t, 3, weigh(listOf(setOf(intType)), 1))
	require.Equal(t, 6, weigh(listOf(setOf(listOf(intType))), 1))

	// maps weigh both sides
	require.Equal(t, 1, weigh(mapOf(intType, intType), 1))
	require.Equal(t, 3, weigh(mapOf(intType, listOf(intType)), 1))

	require.Equal(t, 1, weigh(cqlproto.NewCustomType(cqlproto.Version4, "c"), 1))
	require.Equal(t, 1, weigh(udtWire(), 1))
}

func TestCacheWeightEviction(t *testing.T) {
	r := NewRegistry(nil)
	r.maxWeight = 1

	_, err := r.CodecForType(listOf(nativeType(cqlproto.TypeInt)))
	require.NoError(t, err)
	require.Equal(t, 1, r.totalWeight)

	_, err = r.CodecForType(setOf(nativeType(cqlproto.TypeVarchar)))
	require.NoError(t, err)
	require.Equal(t, 1, r.totalWeight)

	// the older synthesized entry was evicted to stay under budget
	_, ok := r.cache.Peek(cacheKey(listOf(nativeType(cqlproto.TypeInt)), nil))
	require.False(t, ok)
}

func TestNotFound(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.CodecFor(nativeType(cqlproto.TypeInt), reflect.TypeOf(""))
	require.Error(t, err)
	var notFound NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, reflect.TypeOf(""), notFound.GoType)
}

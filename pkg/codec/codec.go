package codec

import (
	"fmt"
	"reflect"

	"github.com/grafana/cqlkit/pkg/cqlproto"
)

// A Codec converts between one wire type and one Go type in both directions.
// Codecs are immutable and safe for concurrent use once constructed.
type Codec interface {
	// WireType returns a representative descriptor of the wire types this
	// codec accepts.
	WireType() cqlproto.TypeInfo

	// GoType returns the Go type this codec produces and consumes.
	GoType() reflect.Type

	AcceptsType(t cqlproto.TypeInfo) bool
	AcceptsGoType(t reflect.Type) bool

	// AcceptsValue is a runtime shape test on a concrete value.
	AcceptsValue(v interface{}) bool

	// Marshal serializes v to its wire form. A nil v yields a nil buffer,
	// the wire form of null.
	Marshal(v interface{}, proto cqlproto.Version) ([]byte, error)

	// Unmarshal deserializes wire bytes. A nil buffer yields a nil value.
	Unmarshal(p []byte, proto cqlproto.Version) (interface{}, error)

	// Format renders v as a CQL literal string.
	Format(v interface{}) (string, error)

	// Parse reads a CQL literal string back into a value.
	Parse(s string) (interface{}, error)
}

// NotFoundError reports that no codec could be resolved or synthesized for a
// lookup.
type NotFoundError struct {
	Wire   cqlproto.TypeInfo
	GoType reflect.Type
}

func (e NotFoundError) Error() string {
	if e.GoType == nil {
		return fmt.Sprintf("codec not found for wire type %v", e.Wire)
	}
	return fmt.Sprintf("codec not found for wire type %v and Go type %v", e.Wire, e.GoType)
}

func typeMatches(a, b reflect.Type) bool {
	return a != nil && a == b
}

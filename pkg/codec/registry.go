package codec

import (
	"math/big"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/inf.v0"

	"github.com/grafana/cqlkit/pkg/cqlproto"
)

const (
	// defaultCacheEntries caps the number of synthesized codecs kept alive.
	defaultCacheEntries = 1024

	// defaultMaxWeight bounds the cumulative structural weight of cached
	// codecs. Deeply nested collection codecs weigh more and are evicted
	// sooner.
	defaultMaxWeight = 1000
)

// Registry resolves codecs for wire type and Go type combinations. Lookups
// first consult a bounded cache, then the registered codecs in registration
// order, and finally synthesize collection, tuple, UDT and custom codecs on
// demand from the registered primitives.
//
// A Registry is safe for concurrent use.
type Registry struct {
	logger log.Logger

	mu         sync.Mutex
	registered []Codec

	cache       *lru.Cache[string, Codec]
	weights     map[string]int
	totalWeight int
	maxWeight   int
}

// NewRegistry builds a registry pre-loaded with the codecs for every native
// wire type.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Registry{
		logger:    logger,
		weights:   make(map[string]int),
		maxWeight: defaultMaxWeight,
	}
	r.cache, _ = lru.NewWithEvict[string, Codec](defaultCacheEntries, r.onEvict)
	r.registered = defaultCodecs()
	return r
}

func (r *Registry) onEvict(key string, _ Codec) {
	r.totalWeight -= r.weights[key]
	delete(r.weights, key)
}

// Register adds codecs to the registry. A codec whose wire type and Go type
// are both already covered by a registered codec is ignored with a warning;
// the first registration wins. Returns the registry for chaining.
func (r *Registry) Register(codecs ...Codec) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range codecs {
		if existing := r.collidesLocked(c); existing != nil {
			level.Warn(r.logger).Log(
				"msg", "ignoring codec registration, an equivalent codec is already registered",
				"wire", c.WireType(),
				"go", c.GoType(),
				"existing", existing.WireType(),
			)
			continue
		}
		registered := make([]Codec, len(r.registered), len(r.registered)+1)
		copy(registered, r.registered)
		r.registered = append(registered, c)
	}
	return r
}

func (r *Registry) collidesLocked(c Codec) Codec {
	for _, existing := range r.registered {
		if existing.AcceptsType(c.WireType()) && existing.AcceptsGoType(c.GoType()) {
			return existing
		}
	}
	return nil
}

func (r *Registry) snapshot() []Codec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// CodecForType resolves a codec for a wire type, using each codec's preferred
// Go type. The result is cached.
func (r *Registry) CodecForType(wire cqlproto.TypeInfo) (Codec, error) {
	return r.lookup(wire, nil)
}

// CodecFor resolves a codec converting between a wire type and a specific Go
// type. The result is cached.
func (r *Registry) CodecFor(wire cqlproto.TypeInfo, goType reflect.Type) (Codec, error) {
	return r.lookup(wire, goType)
}

func (r *Registry) lookup(wire cqlproto.TypeInfo, goType reflect.Type) (Codec, error) {
	if wire == nil {
		return nil, NotFoundError{Wire: wire, GoType: goType}
	}
	key := cacheKey(wire, goType)
	if c, ok := r.cache.Get(key); ok {
		return c, nil
	}

	for _, c := range r.snapshot() {
		if !c.AcceptsType(wire) {
			continue
		}
		if goType != nil && !c.AcceptsGoType(goType) {
			continue
		}
		r.cacheAdd(key, c, 0)
		return c, nil
	}

	c, err := r.synthesize(wire)
	if err != nil {
		return nil, NotFoundError{Wire: wire, GoType: goType}
	}
	if !c.AcceptsType(wire) || (goType != nil && !c.AcceptsGoType(goType)) {
		return nil, NotFoundError{Wire: wire, GoType: goType}
	}
	r.cacheAdd(key, c, weigh(wire, 1))
	return c, nil
}

// CodecForValue resolves a codec from a Go value alone, inferring the wire
// type. Value lookups are never cached.
func (r *Registry) CodecForValue(v interface{}) (Codec, error) {
	if v == nil {
		return nil, NotFoundError{}
	}
	for _, c := range r.snapshot() {
		if c.AcceptsValue(v) {
			return c, nil
		}
	}
	wire, ok := inferWireType(reflect.TypeOf(v))
	if !ok {
		return nil, NotFoundError{GoType: reflect.TypeOf(v)}
	}
	c, err := r.synthesize(wire)
	if err != nil {
		return nil, err
	}
	if !c.AcceptsValue(v) {
		return nil, NotFoundError{Wire: wire, GoType: reflect.TypeOf(v)}
	}
	return c, nil
}

// CodecForTypeValue resolves a codec for a wire type that must also accept a
// concrete Go value. Value lookups are never cached.
func (r *Registry) CodecForTypeValue(wire cqlproto.TypeInfo, v interface{}) (Codec, error) {
	if wire == nil || v == nil {
		return nil, NotFoundError{Wire: wire}
	}
	for _, c := range r.snapshot() {
		if c.AcceptsType(wire) && c.AcceptsValue(v) {
			return c, nil
		}
	}
	c, err := r.synthesize(wire)
	if err != nil {
		return nil, err
	}
	if !c.AcceptsType(wire) || !c.AcceptsValue(v) {
		return nil, NotFoundError{Wire: wire, GoType: reflect.TypeOf(v)}
	}
	return c, nil
}

func (r *Registry) synthesize(wire cqlproto.TypeInfo) (Codec, error) {
	switch w := wire.(type) {
	case cqlproto.CollectionType:
		switch w.Type() {
		case cqlproto.TypeList, cqlproto.TypeSet:
			elem, err := r.CodecForType(w.Elem)
			if err != nil {
				return nil, err
			}
			return newListCodec(w, elem), nil
		case cqlproto.TypeMap:
			key, err := r.CodecForType(w.Key)
			if err != nil {
				return nil, err
			}
			elem, err := r.CodecForType(w.Elem)
			if err != nil {
				return nil, err
			}
			return newMapCodec(w, key, elem), nil
		}
	case cqlproto.TupleTypeInfo:
		elems := make([]Codec, len(w.Elems))
		for i, e := range w.Elems {
			c, err := r.CodecForType(e)
			if err != nil {
				return nil, err
			}
			elems[i] = c
		}
		return newTupleCodec(w, elems), nil
	case cqlproto.UDTTypeInfo:
		fields := make([]Codec, len(w.Elements))
		for i, f := range w.Elements {
			c, err := r.CodecForType(f.Type)
			if err != nil {
				return nil, err
			}
			fields[i] = c
		}
		return newUDTCodec(w, fields), nil
	}
	if wire.Type() == cqlproto.TypeCustom {
		return newCustomCodec(wire), nil
	}
	return nil, NotFoundError{Wire: wire}
}

func (r *Registry) cacheAdd(key string, c Codec, weight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache.Peek(key); ok {
		return
	}
	r.cache.Add(key, c)
	r.weights[key] = weight
	r.totalWeight += weight
	for r.totalWeight > r.maxWeight && r.cache.Len() > 0 {
		r.cache.RemoveOldest()
	}
}

func cacheKey(wire cqlproto.TypeInfo, goType reflect.Type) string {
	key := typeKey(wire)
	if goType != nil {
		key += "\x00" + goType.String()
	}
	return key
}

func typeKey(wire cqlproto.TypeInfo) string {
	if s, ok := wire.(interface{ String() string }); ok {
		return s.String()
	}
	return wire.Type().String()
}

// weigh scores the structural cost of a synthesized codec for cache
// accounting. Primitives weigh nothing, every level of nesting adds its
// depth, so list<int> weighs 1 and list<list<int>> weighs 3.
func weigh(wire cqlproto.TypeInfo, depth int) int {
	switch w := wire.(type) {
	case cqlproto.CollectionType:
		weight := weigh(w.Elem, depth+1) + depth
		if w.Type() == cqlproto.TypeMap {
			weight += weigh(w.Key, depth+1)
		}
		return weight
	case cqlproto.TupleTypeInfo:
		weight := depth
		for _, e := range w.Elems {
			weight += weigh(e, depth+1)
		}
		if weight < 1 {
			weight = 1
		}
		return weight
	case cqlproto.UDTTypeInfo:
		weight := depth
		for _, f := range w.Elements {
			weight += weigh(f.Type, depth+1)
		}
		if weight < 1 {
			weight = 1
		}
		return weight
	}
	if wire.Type() == cqlproto.TypeCustom {
		return 1
	}
	return 0
}

// inferWireType maps a Go type to the wire type its default codec would
// serve. Container element types that carry no usable static type, like
// interface{}, fall back to blob.
func inferWireType(t reflect.Type) (cqlproto.TypeInfo, bool) {
	if t == nil {
		return nil, false
	}
	if typ, ok := nativeWireTypes[t]; ok {
		return cqlproto.NewNativeType(cqlproto.MaxVersion, typ), true
	}
	switch t.Kind() {
	case reflect.Slice:
		elem, ok := inferElemWireType(t.Elem())
		if !ok {
			return nil, false
		}
		return cqlproto.CollectionType{
			NativeType: cqlproto.NewNativeType(cqlproto.MaxVersion, cqlproto.TypeList),
			Elem:       elem,
		}, true
	case reflect.Map:
		key, ok := inferElemWireType(t.Key())
		if !ok {
			return nil, false
		}
		elem, ok := inferElemWireType(t.Elem())
		if !ok {
			return nil, false
		}
		return cqlproto.CollectionType{
			NativeType: cqlproto.NewNativeType(cqlproto.MaxVersion, cqlproto.TypeMap),
			Key:        key,
			Elem:       elem,
		}, true
	}
	return nil, false
}

func inferElemWireType(t reflect.Type) (cqlproto.TypeInfo, bool) {
	if t.Kind() == reflect.Interface {
		return cqlproto.NewNativeType(cqlproto.MaxVersion, cqlproto.TypeBlob), true
	}
	return inferWireType(t)
}

var nativeWireTypes = map[reflect.Type]cqlproto.Type{
	reflect.TypeOf(""):               cqlproto.TypeVarchar,
	reflect.TypeOf([]byte(nil)):      cqlproto.TypeBlob,
	reflect.TypeOf(false):            cqlproto.TypeBoolean,
	reflect.TypeOf(int8(0)):          cqlproto.TypeTinyInt,
	reflect.TypeOf(int16(0)):         cqlproto.TypeSmallInt,
	reflect.TypeOf(int32(0)):         cqlproto.TypeInt,
	reflect.TypeOf(int64(0)):         cqlproto.TypeBigInt,
	reflect.TypeOf(float32(0)):       cqlproto.TypeFloat,
	reflect.TypeOf(float64(0)):       cqlproto.TypeDouble,
	reflect.TypeOf((*big.Int)(nil)):  cqlproto.TypeVarint,
	reflect.TypeOf((*inf.Dec)(nil)):  cqlproto.TypeDecimal,
	reflect.TypeOf(time.Time{}):      cqlproto.TypeTimestamp,
	reflect.TypeOf(time.Duration(0)): cqlproto.TypeTime,
	reflect.TypeOf(uuid.UUID{}):      cqlproto.TypeUUID,
	reflect.TypeOf(net.IP(nil)):      cqlproto.TypeInet,
}

package cqlproto

import (
	"fmt"
	"strings"
)

// Type is the wire identifier of a CQL data type.
type Type int

const (
	TypeCustom    Type = 0x0000
	TypeAscii     Type = 0x0001
	TypeBigInt    Type = 0x0002
	TypeBlob      Type = 0x0003
	TypeBoolean   Type = 0x0004
	TypeCounter   Type = 0x0005
	TypeDecimal   Type = 0x0006
	TypeDouble    Type = 0x0007
	TypeFloat     Type = 0x0008
	TypeInt       Type = 0x0009
	TypeText      Type = 0x000A
	TypeTimestamp Type = 0x000B
	TypeUUID      Type = 0x000C
	TypeVarchar   Type = 0x000D
	TypeVarint    Type = 0x000E
	TypeTimeUUID  Type = 0x000F
	TypeInet      Type = 0x0010
	TypeDate      Type = 0x0011
	TypeTime      Type = 0x0012
	TypeSmallInt  Type = 0x0013
	TypeTinyInt   Type = 0x0014
	TypeList      Type = 0x0020
	TypeMap       Type = 0x0021
	TypeSet       Type = 0x0022
	TypeUDT       Type = 0x0030
	TypeTuple     Type = 0x0031
)

func (t Type) String() string {
	switch t {
	case TypeCustom:
		return "custom"
	case TypeAscii:
		return "ascii"
	case TypeBigInt:
		return "bigint"
	case TypeBlob:
		return "blob"
	case TypeBoolean:
		return "boolean"
	case TypeCounter:
		return "counter"
	case TypeDecimal:
		return "decimal"
	case TypeDouble:
		return "double"
	case TypeFloat:
		return "float"
	case TypeInt:
		return "int"
	case TypeText:
		return "text"
	case TypeTimestamp:
		return "timestamp"
	case TypeUUID:
		return "uuid"
	case TypeVarchar:
		return "varchar"
	case TypeVarint:
		return "varint"
	case TypeTimeUUID:
		return "timeuuid"
	case TypeInet:
		return "inet"
	case TypeDate:
		return "date"
	case TypeTime:
		return "time"
	case TypeSmallInt:
		return "smallint"
	case TypeTinyInt:
		return "tinyint"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	case TypeSet:
		return "set"
	case TypeUDT:
		return "udt"
	case TypeTuple:
		return "tuple"
	default:
		return fmt.Sprintf("unknown_type_%d", int(t))
	}
}

// TypeInfo describes a column type as reported by the server, including any
// nested element types for collections, tuples and user-defined types.
type TypeInfo interface {
	Type() Type
	Version() Version
	Custom() string
}

// NativeType is a non-parameterized type. It doubles as the embedded base of
// the composite descriptors.
type NativeType struct {
	proto  Version
	typ    Type
	custom string
}

func NewNativeType(proto Version, typ Type) NativeType {
	return NativeType{proto: proto, typ: typ}
}

func NewCustomType(proto Version, custom string) NativeType {
	return NativeType{proto: proto, typ: TypeCustom, custom: custom}
}

func (t NativeType) Type() Type       { return t.typ }
func (t NativeType) Version() Version { return t.proto }
func (t NativeType) Custom() string   { return t.custom }

func (t NativeType) String() string {
	if t.typ == TypeCustom {
		return fmt.Sprintf("custom(%s)", t.custom)
	}
	return t.typ.String()
}

// CollectionType describes list, set and map types. Key is nil except for
// maps.
type CollectionType struct {
	NativeType
	Key  TypeInfo
	Elem TypeInfo
}

func (t CollectionType) String() string {
	switch t.typ {
	case TypeMap:
		return fmt.Sprintf("map<%v, %v>", t.Key, t.Elem)
	case TypeList:
		return fmt.Sprintf("list<%v>", t.Elem)
	case TypeSet:
		return fmt.Sprintf("set<%v>", t.Elem)
	default:
		return t.NativeType.String()
	}
}

// TupleTypeInfo describes a tuple with positional element types.
type TupleTypeInfo struct {
	NativeType
	Elems []TypeInfo
}

func (t TupleTypeInfo) String() string {
	parts := make([]string, len(t.Elems))
	for i, e := range t.Elems {
		parts[i] = fmt.Sprintf("%v", e)
	}
	return fmt.Sprintf("tuple<%s>", strings.Join(parts, ", "))
}

// UDTField is one named, typed field of a user-defined type.
type UDTField struct {
	Name string
	Type TypeInfo
}

// UDTTypeInfo describes a user-defined type with its ordered fields.
type UDTTypeInfo struct {
	NativeType
	Keyspace string
	Name     string
	Elements []UDTField
}

func (t UDTTypeInfo) String() string {
	parts := make([]string, len(t.Elements))
	for i, e := range t.Elements {
		parts[i] = fmt.Sprintf("%s:%v", e.Name, e.Type)
	}
	return fmt.Sprintf("%s.%s{%s}", t.Keyspace, t.Name, strings.Join(parts, " "))
}

// ParseType builds a TypeInfo from a CQL type string as found in the system
// catalog, e.g. "map<text, frozen<list<int>>>". frozen<> wrappers are
// transparent and stripped.
func ParseType(name string, proto Version) TypeInfo {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "frozen<") {
		return ParseType(strings.TrimSuffix(strings.TrimPrefix(name, "frozen<"), ">"), proto)
	}
	switch {
	case strings.HasPrefix(name, "list<"):
		return CollectionType{
			NativeType: NativeType{proto: proto, typ: TypeList},
			Elem:       ParseType(strings.TrimSuffix(strings.TrimPrefix(name, "list<"), ">"), proto),
		}
	case strings.HasPrefix(name, "set<"):
		return CollectionType{
			NativeType: NativeType{proto: proto, typ: TypeSet},
			Elem:       ParseType(strings.TrimSuffix(strings.TrimPrefix(name, "set<"), ">"), proto),
		}
	case strings.HasPrefix(name, "map<"):
		names := splitCompositeTypes(strings.TrimSuffix(strings.TrimPrefix(name, "map<"), ">"))
		if len(names) != 2 {
			return NativeType{proto: proto, typ: TypeCustom, custom: name}
		}
		return CollectionType{
			NativeType: NativeType{proto: proto, typ: TypeMap},
			Key:        ParseType(names[0], proto),
			Elem:       ParseType(names[1], proto),
		}
	case strings.HasPrefix(name, "tuple<"):
		names := splitCompositeTypes(strings.TrimSuffix(strings.TrimPrefix(name, "tuple<"), ">"))
		elems := make([]TypeInfo, len(names))
		for i, n := range names {
			elems[i] = ParseType(n, proto)
		}
		return TupleTypeInfo{
			NativeType: NativeType{proto: proto, typ: TypeTuple},
			Elems:      elems,
		}
	default:
		typ := parseNativeName(name)
		if typ == TypeCustom {
			return NativeType{proto: proto, typ: TypeCustom, custom: name}
		}
		return NativeType{proto: proto, typ: typ}
	}
}

// splitCompositeTypes splits "a, map<b, c>, d" at top-level commas only.
func splitCompositeTypes(name string) []string {
	if !strings.Contains(name, "<") {
		parts := strings.Split(name, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	var parts []string
	lessCount := 0
	segment := ""
	for _, char := range name {
		if char == ',' && lessCount == 0 {
			parts = append(parts, strings.TrimSpace(segment))
			segment = ""
			continue
		}
		segment += string(char)
		if char == '<' {
			lessCount++
		} else if char == '>' {
			lessCount--
		}
	}
	if segment != "" {
		parts = append(parts, strings.TrimSpace(segment))
	}
	return parts
}

const apacheTypePrefix = "org.apache.cassandra.db.marshal."

// apacheCassandraType maps a fully qualified marshal class name to the wire
// type it represents, TypeCustom when unrecognized.
func apacheCassandraType(class string) Type {
	switch strings.TrimPrefix(class, apacheTypePrefix) {
	case "AsciiType":
		return TypeAscii
	case "LongType":
		return TypeBigInt
	case "BytesType":
		return TypeBlob
	case "BooleanType":
		return TypeBoolean
	case "CounterColumnType":
		return TypeCounter
	case "DecimalType":
		return TypeDecimal
	case "DoubleType":
		return TypeDouble
	case "FloatType":
		return TypeFloat
	case "Int32Type":
		return TypeInt
	case "ShortType":
		return TypeSmallInt
	case "ByteType":
		return TypeTinyInt
	case "TimestampType", "DateType":
		return TypeTimestamp
	case "UUIDType", "LexicalUUIDType":
		return TypeUUID
	case "UTF8Type":
		return TypeVarchar
	case "IntegerType":
		return TypeVarint
	case "TimeUUIDType":
		return TypeTimeUUID
	case "InetAddressType":
		return TypeInet
	case "SimpleDateType":
		return TypeDate
	case "TimeType":
		return TypeTime
	default:
		return TypeCustom
	}
}

func parseNativeName(name string) Type {
	switch name {
	case "ascii":
		return TypeAscii
	case "bigint":
		return TypeBigInt
	case "blob":
		return TypeBlob
	case "boolean":
		return TypeBoolean
	case "counter":
		return TypeCounter
	case "decimal":
		return TypeDecimal
	case "double":
		return TypeDouble
	case "float":
		return TypeFloat
	case "int":
		return TypeInt
	case "text":
		return TypeText
	case "timestamp":
		return TypeTimestamp
	case "uuid":
		return TypeUUID
	case "varchar":
		return TypeVarchar
	case "varint":
		return TypeVarint
	case "timeuuid":
		return TypeTimeUUID
	case "inet":
		return TypeInet
	case "date":
		return TypeDate
	case "time":
		return TypeTime
	case "smallint":
		return TypeSmallInt
	case "tinyint":
		return TypeTinyInt
	default:
		return TypeCustom
	}
}

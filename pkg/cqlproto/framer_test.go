package cqlproto

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cqlkit/pkg/compress"
)

func wireString(p []byte, s string) []byte {
	p = appendShort(p, uint16(len(s)))
	return append(p, s...)
}

func wireStringList(p []byte, l []string) []byte {
	p = appendShort(p, uint16(len(l)))
	for _, s := range l {
		p = wireString(p, s)
	}
	return p
}

// respFrame frames body as a response and runs it through the read path.
func respFrame(t *testing.T, version Version, op Opcode, flags byte, body []byte, compressor Compressor) (Frame, error) {
	t.Helper()

	var buf []byte
	buf = append(buf, byte(version|directionMask), flags)
	if version > Version2 {
		buf = append(buf, 0, 1)
	} else {
		buf = append(buf, 1)
	}
	buf = append(buf, byte(op))
	buf = appendInt(buf, int32(len(body)))
	buf = append(buf, body...)

	r := bytes.NewReader(buf)

	head, err := ReadHeader(r, make([]byte, 9))
	require.NoError(t, err)
	require.Equal(t, op, head.Op)
	require.Equal(t, 1, head.Stream)

	f := NewFramer(compressor, version)
	require.NoError(t, f.ReadFrame(r, &head))
	return f.ParseFrame()
}

func TestReadHeaderSizes(t *testing.T) {
	// v2 packs the stream id into one byte, v4 into two
	v2 := []byte{byte(Version2 | directionMask), 0, 7, byte(OpReady), 0, 0, 0, 0}
	head, err := ReadHeader(bytes.NewReader(v2), make([]byte, 9))
	require.NoError(t, err)
	assert.Equal(t, 7, head.Stream)
	assert.Equal(t, OpReady, head.Op)

	v4 := []byte{byte(Version4 | directionMask), 0, 0x01, 0x02, byte(OpReady), 0, 0, 0, 0}
	head, err = ReadHeader(bytes.NewReader(v4), make([]byte, 9))
	require.NoError(t, err)
	assert.Equal(t, 0x0102, head.Stream)

	// negative stream ids carry server events
	ev := []byte{byte(Version4 | directionMask), 0, 0xFF, 0xFF, byte(OpEvent), 0, 0, 0, 0}
	head, err = ReadHeader(bytes.NewReader(ev), make([]byte, 9))
	require.NoError(t, err)
	assert.Equal(t, -1, head.Stream)
	assert.True(t, Version4.IsEventStream(head.Stream))
}

func TestReadHeaderRejectsUnknownVersion(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte{0x7F, 0, 0, 0, 0, 0, 0, 0, 0}), make([]byte, 9))
	require.Error(t, err)
}

func TestParseSchemaChangeFunctionV4(t *testing.T) {
	var body []byte
	body = wireString(body, "CREATED")
	body = wireString(body, "FUNCTION")
	body = wireString(body, "ks1")
	body = wireString(body, "my_func")
	body = wireStringList(body, []string{"int", "text"})

	frame, err := respFrame(t, Version4, OpResult, 0, append(appendInt(nil, resultKindSchemaChanged), body...), nil)
	require.NoError(t, err)

	sc, ok := frame.(*SchemaChangeFrame)
	require.True(t, ok)
	assert.Equal(t, "CREATED", sc.Change)
	assert.Equal(t, TargetFunction, sc.Target)
	assert.Equal(t, "ks1", sc.Keyspace)
	assert.Equal(t, "my_func", sc.Name)
	assert.Equal(t, []string{"int", "text"}, sc.Args)
}

func TestParseSchemaChangeKeyspaceV4(t *testing.T) {
	var body []byte
	body = wireString(body, "DROPPED")
	body = wireString(body, "KEYSPACE")
	body = wireString(body, "ks1")

	frame, err := respFrame(t, Version4, OpResult, 0, append(appendInt(nil, resultKindSchemaChanged), body...), nil)
	require.NoError(t, err)

	sc := frame.(*SchemaChangeFrame)
	assert.Equal(t, TargetKeyspace, sc.Target)
	assert.Equal(t, "ks1", sc.Keyspace)
	assert.Empty(t, sc.Name)
}

func TestParseSchemaChangeV2(t *testing.T) {
	// pre-v3 layout has no target string; an empty table name means the
	// change was keyspace-wide
	var body []byte
	body = wireString(body, "UPDATED")
	body = wireString(body, "ks1")
	body = wireString(body, "tbl")

	frame, err := respFrame(t, Version2, OpResult, 0, append(appendInt(nil, resultKindSchemaChanged), body...), nil)
	require.NoError(t, err)

	sc := frame.(*SchemaChangeFrame)
	assert.Equal(t, TargetTable, sc.Target)
	assert.Equal(t, "tbl", sc.Name)

	body = nil
	body = wireString(body, "UPDATED")
	body = wireString(body, "ks1")
	body = wireString(body, "")

	frame, err = respFrame(t, Version2, OpResult, 0, append(appendInt(nil, resultKindSchemaChanged), body...), nil)
	require.NoError(t, err)

	sc = frame.(*SchemaChangeFrame)
	assert.Equal(t, TargetKeyspace, sc.Target)
	assert.Empty(t, sc.Name)
}

func TestParseStatusChangeEvent(t *testing.T) {
	var body []byte
	body = wireString(body, EventStatusChange)
	body = wireString(body, "DOWN")
	body = append(body, 4, 10, 0, 0, 1)
	body = appendInt(body, 9042)

	frame, err := respFrame(t, Version4, OpEvent, 0, body, nil)
	require.NoError(t, err)

	ev, ok := frame.(*StatusChangeEventFrame)
	require.True(t, ok)
	assert.Equal(t, "DOWN", ev.Change)
	assert.True(t, ev.Host.Equal(net.IPv4(10, 0, 0, 1)))
	assert.Equal(t, 9042, ev.Port)
}

func TestParseTopologyChangeEvent(t *testing.T) {
	var body []byte
	body = wireString(body, EventTopologyChange)
	body = wireString(body, "NEW_NODE")
	body = append(body, 4, 10, 0, 0, 2)
	body = appendInt(body, 9042)

	frame, err := respFrame(t, Version3, OpEvent, 0, body, nil)
	require.NoError(t, err)

	ev, ok := frame.(*TopologyChangeEventFrame)
	require.True(t, ok)
	assert.Equal(t, "NEW_NODE", ev.Change)
	assert.Equal(t, 9042, ev.Port)
}

func TestParseErrorUnavailable(t *testing.T) {
	var body []byte
	body = appendInt(body, ErrCodeUnavailable)
	body = wireString(body, "not enough replicas")
	body = appendShort(body, uint16(Quorum))
	body = appendInt(body, 3)
	body = appendInt(body, 1)

	frame, err := respFrame(t, Version4, OpError, 0, body, nil)
	require.NoError(t, err)

	ue, ok := frame.(*RequestErrUnavailable)
	require.True(t, ok)
	assert.Equal(t, ErrCodeUnavailable, ue.Code())
	assert.Equal(t, Quorum, ue.Consistency)
	assert.Equal(t, 3, ue.Required)
	assert.Equal(t, 1, ue.Alive)
	assert.EqualError(t, ue, "not enough replicas")
}

func TestParseErrorUnprepared(t *testing.T) {
	var body []byte
	body = appendInt(body, ErrCodeUnprepared)
	body = wireString(body, "unknown statement")
	body = appendShort(body, 2)
	body = append(body, 0xAB, 0xCD)

	frame, err := respFrame(t, Version4, OpError, 0, body, nil)
	require.NoError(t, err)

	ue, ok := frame.(*RequestErrUnprepared)
	require.True(t, ok)
	assert.Equal(t, []byte{0xAB, 0xCD}, ue.StatementID)
}

func TestParseResultRows(t *testing.T) {
	var body []byte
	body = appendInt(body, resultKindRows)
	body = appendInt(body, int32(flagGlobalTableSpec))
	body = appendInt(body, 2) // columns
	body = wireString(body, "ks")
	body = wireString(body, "tbl")
	body = wireString(body, "id")
	body = appendShort(body, uint16(TypeInt))
	body = wireString(body, "name")
	body = appendShort(body, uint16(TypeVarchar))
	body = appendInt(body, 1) // rows
	body = appendBytes(body, []byte{0, 0, 0, 42})
	body = appendBytes(body, []byte("alice"))

	frame, err := respFrame(t, Version4, OpResult, 0, body, nil)
	require.NoError(t, err)

	rows, ok := frame.(*ResultRowsFrame)
	require.True(t, ok)
	require.Len(t, rows.Meta.Columns, 2)
	assert.Equal(t, "ks", rows.Meta.Columns[0].Keyspace)
	assert.Equal(t, "id", rows.Meta.Columns[0].Name)
	assert.Equal(t, TypeInt, rows.Meta.Columns[0].TypeInfo.Type())
	require.Len(t, rows.Rows, 1)
	assert.Equal(t, []byte{0, 0, 0, 42}, rows.Rows[0][0])
	assert.Equal(t, []byte("alice"), rows.Rows[0][1])
}

func TestParseSupportedCompressed(t *testing.T) {
	var body []byte
	body = appendShort(body, 1)
	body = wireString(body, "COMPRESSION")
	body = wireStringList(body, []string{"snappy", "lz4"})

	comp := compress.Snappy{}
	compressed, err := comp.Encode(body)
	require.NoError(t, err)

	frame, err := respFrame(t, Version4, OpSupported, FlagCompress, compressed, comp)
	require.NoError(t, err)

	sup, ok := frame.(*SupportedFrame)
	require.True(t, ok)
	assert.Equal(t, []string{"snappy", "lz4"}, sup.Supported["COMPRESSION"])
}

func TestParseWarnings(t *testing.T) {
	var body []byte
	body = wireStringList(body, []string{"aggregation without partition key"})

	frame, err := respFrame(t, Version4, OpReady, FlagWarning, body, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"aggregation without partition key"}, frame.Header().Warnings)
}

func TestParseRejectsRequestDirection(t *testing.T) {
	head := FrameHeader{Version: Version4, Op: OpReady}
	f := NewFramer(nil, Version4)
	require.NoError(t, f.ReadFrame(bytes.NewReader(nil), &head))
	_, err := f.ParseFrame()
	require.Error(t, err)
}

func TestBuildQueryFrame(t *testing.T) {
	f := NewFramer(nil, Version4)
	q := &QueryFrame{
		Statement: "SELECT * FROM ks.tbl WHERE id = ?",
		Params: QueryParams{
			Consistency: One,
			Values:      []QueryValue{{Value: []byte{0, 0, 0, 1}}},
			PageSize:    100,
		},
	}
	require.NoError(t, q.Build(f, 5))

	head, err := ReadHeader(bytes.NewReader(f.buf), make([]byte, 9))
	require.NoError(t, err)
	assert.Equal(t, OpQuery, head.Op)
	assert.Equal(t, 5, head.Stream)
	assert.Equal(t, len(f.buf)-Version4.HeaderSize(), head.Length)
	assert.True(t, head.Version.IsRequest())
}

func TestBuildExecuteFrameUnset(t *testing.T) {
	f := NewFramer(nil, Version4)
	e := &ExecuteFrame{
		PreparedID: []byte{1, 2},
		Params: QueryParams{
			Consistency: LocalQuorum,
			Values:      []QueryValue{{Unset: true}},
		},
	}
	require.NoError(t, e.Build(f, 1))

	// the unset marker is the int -2 with no trailing bytes
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFE}, f.buf[len(f.buf)-4:])
}

func TestBuildStartupNeverCompressed(t *testing.T) {
	f := NewFramer(compress.Snappy{}, Version4)
	s := &StartupFrame{Opts: map[string]string{"CQL_VERSION": "3.0.0", "COMPRESSION": "snappy"}}
	require.NoError(t, s.Build(f, 0))

	head, err := ReadHeader(bytes.NewReader(f.buf), make([]byte, 9))
	require.NoError(t, err)
	assert.Zero(t, head.Flags&FlagCompress)
}

func TestFrameTooBig(t *testing.T) {
	head := FrameHeader{Version: Version4 | directionMask, Op: OpResult, Length: MaxFrameSize + 1}
	f := NewFramer(nil, Version4)
	err := f.ReadFrame(bytes.NewReader(make([]byte, 16)), &head)
	require.Error(t, err)
}

package cqlproto

import (
	"fmt"
	"net"
)

// ReadyFrame signals a completed STARTUP or REGISTER exchange.
type ReadyFrame struct {
	FrameHeader
}

func (f *Framer) parseReadyFrame() Frame {
	return &ReadyFrame{FrameHeader: *f.header}
}

// SupportedFrame carries the server's STARTUP option space.
type SupportedFrame struct {
	FrameHeader

	Supported map[string][]string
}

func (f *Framer) parseSupportedFrame() Frame {
	return &SupportedFrame{
		FrameHeader: *f.header,

		Supported: f.readStringMultiMap(),
	}
}

// AuthenticateFrame asks the client to authenticate with the named class.
type AuthenticateFrame struct {
	FrameHeader

	Class string
}

func (a *AuthenticateFrame) String() string {
	return fmt.Sprintf("[authenticate class=%q]", a.Class)
}

func (f *Framer) parseAuthenticateFrame() Frame {
	return &AuthenticateFrame{
		FrameHeader: *f.header,
		Class:       f.readString(),
	}
}

// AuthChallengeFrame carries a SASL challenge token.
type AuthChallengeFrame struct {
	FrameHeader

	Data []byte
}

func (f *Framer) parseAuthChallengeFrame() Frame {
	return &AuthChallengeFrame{
		FrameHeader: *f.header,
		Data:        copyBytes(f.readBytes()),
	}
}

// AuthSuccessFrame ends the SASL exchange, optionally with a final token.
type AuthSuccessFrame struct {
	FrameHeader

	Data []byte
}

func (f *Framer) parseAuthSuccessFrame() Frame {
	return &AuthSuccessFrame{
		FrameHeader: *f.header,
		Data:        copyBytes(f.readBytes()),
	}
}

// ResultVoidFrame is the result of a statement returning nothing.
type ResultVoidFrame struct {
	FrameHeader
}

func (f *ResultVoidFrame) String() string { return "[result_void]" }

// ResultRowsFrame carries a decoded rows result. Cells hold the raw wire
// bytes of each column, nil for null.
type ResultRowsFrame struct {
	FrameHeader

	Meta ResultMetadata
	Rows [][][]byte
}

func (f *ResultRowsFrame) String() string {
	return fmt.Sprintf("[result_rows meta=%v rows=%d]", f.Meta, len(f.Rows))
}

// ResultKeyspaceFrame is the result of a USE statement.
type ResultKeyspaceFrame struct {
	FrameHeader

	Keyspace string
}

func (r *ResultKeyspaceFrame) String() string {
	return fmt.Sprintf("[result_keyspace keyspace=%s]", r.Keyspace)
}

// ResultPreparedFrame is the result of a PREPARE request.
type ResultPreparedFrame struct {
	FrameHeader

	PreparedID []byte
	ReqMeta    PreparedMetadata
	RespMeta   ResultMetadata
}

// SchemaChangeFrame is the common shape of all SCHEMA_CHANGE results and
// events. Name is empty for keyspace targets; Args is set only for FUNCTION
// and AGGREGATE targets.
type SchemaChangeFrame struct {
	FrameHeader

	Change   string
	Target   string
	Keyspace string
	Name     string
	Args     []string
}

func (s SchemaChangeFrame) String() string {
	return fmt.Sprintf("[schema_change change=%q target=%q keyspace=%q name=%q]", s.Change, s.Target, s.Keyspace, s.Name)
}

// Schema change targets.
const (
	TargetKeyspace  = "KEYSPACE"
	TargetTable     = "TABLE"
	TargetType      = "TYPE"
	TargetFunction  = "FUNCTION"
	TargetAggregate = "AGGREGATE"
)

func (f *Framer) parseResultFrame() (Frame, error) {
	kind := f.readInt()

	switch kind {
	case resultKindVoid:
		return &ResultVoidFrame{FrameHeader: *f.header}, nil
	case resultKindRows:
		return f.parseResultRows(), nil
	case resultKindSetKeyspace:
		return f.parseResultSetKeyspace(), nil
	case resultKindPrepared:
		return f.parseResultPrepared(), nil
	case resultKindSchemaChanged:
		return f.parseResultSchemaChange(), nil
	}

	return nil, NewErrProtocol("unknown result kind: %x", kind)
}

func (f *Framer) parseResultRows() Frame {
	result := &ResultRowsFrame{FrameHeader: *f.header}
	result.Meta = f.parseResultMetadata()

	numRows := f.readInt()
	if numRows < 0 {
		panic(fmt.Errorf("invalid row_count in result frame: %d", numRows))
	}

	result.Rows = make([][][]byte, numRows)
	for i := range result.Rows {
		row := make([][]byte, result.Meta.ColCount)
		for j := range row {
			row[j] = copyBytes(f.readBytes())
		}
		result.Rows[i] = row
	}

	return result
}

func (f *Framer) parseResultSetKeyspace() Frame {
	return &ResultKeyspaceFrame{
		FrameHeader: *f.header,
		Keyspace:    f.readString(),
	}
}

func (f *Framer) parseResultPrepared() Frame {
	frame := &ResultPreparedFrame{
		FrameHeader: *f.header,
		PreparedID:  copyBytes(f.readShortBytes()),
		ReqMeta:     f.parsePreparedMetadata(),
	}

	if f.proto < Version2 {
		return frame
	}

	frame.RespMeta = f.parseResultMetadata()

	return frame
}

func (f *Framer) parseResultSchemaChange() Frame {
	frame := &SchemaChangeFrame{FrameHeader: *f.header}

	if f.proto <= Version2 {
		frame.Change = f.readString()
		frame.Keyspace = f.readString()
		name := f.readString()

		// pre-v3 frames carry no explicit target
		if name != "" {
			frame.Target = TargetTable
			frame.Name = name
		} else {
			frame.Target = TargetKeyspace
		}
		return frame
	}

	frame.Change = f.readString()
	frame.Target = f.readString()
	frame.Keyspace = f.readString()

	switch frame.Target {
	case TargetKeyspace:
	case TargetTable, TargetType:
		frame.Name = f.readString()
	case TargetFunction, TargetAggregate:
		frame.Name = f.readString()
		frame.Args = f.readStringList()
	default:
		panic(fmt.Errorf("unknown SCHEMA_CHANGE target: %q change: %q", frame.Target, frame.Change))
	}
	return frame
}

// StatusChangeEventFrame is a server push for a node going UP or DOWN.
type StatusChangeEventFrame struct {
	FrameHeader

	Change string
	Host   net.IP
	Port   int
}

func (t StatusChangeEventFrame) String() string {
	return fmt.Sprintf("[status_change change=%s host=%v port=%v]", t.Change, t.Host, t.Port)
}

// TopologyChangeEventFrame is a server push for a node joining or leaving
// the ring.
type TopologyChangeEventFrame struct {
	FrameHeader

	Change string
	Host   net.IP
	Port   int
}

func (t TopologyChangeEventFrame) String() string {
	return fmt.Sprintf("[topology_change change=%s host=%v port=%v]", t.Change, t.Host, t.Port)
}

func (f *Framer) parseEventFrame() Frame {
	eventType := f.readString()

	switch eventType {
	case EventTopologyChange:
		frame := &TopologyChangeEventFrame{FrameHeader: *f.header}
		frame.Change = f.readString()
		frame.Host, frame.Port = f.readInet()
		return frame
	case EventStatusChange:
		frame := &StatusChangeEventFrame{FrameHeader: *f.header}
		frame.Change = f.readString()
		frame.Host, frame.Port = f.readInet()
		return frame
	case EventSchemaChange:
		return f.parseResultSchemaChange()
	default:
		panic(fmt.Errorf("unknown event type: %q", eventType))
	}
}

// StartupFrame opens the connection, optionally negotiating compression.
type StartupFrame struct {
	Opts map[string]string
}

func (w *StartupFrame) String() string {
	return fmt.Sprintf("[startup opts=%+v]", w.Opts)
}

func (w *StartupFrame) Build(f *Framer, stream int) error {
	// STARTUP itself is never compressed
	f.writeHeader(f.flags&^FlagCompress, OpStartup, stream)
	f.writeStringMap(w.Opts)

	return f.finish()
}

// OptionsFrame asks for the server's supported STARTUP options. Doubles as
// the idle heartbeat probe.
type OptionsFrame struct{}

func (w *OptionsFrame) Build(f *Framer, stream int) error {
	f.writeHeader(f.flags&^FlagCompress, OpOptions, stream)
	return f.finish()
}

// RegisterFrame subscribes the connection to the named event classes.
type RegisterFrame struct {
	Events []string
}

func (w *RegisterFrame) Build(f *Framer, stream int) error {
	f.writeHeader(f.flags, OpRegister, stream)
	f.writeStringList(w.Events)

	return f.finish()
}

// AuthResponseFrame carries one SASL response token.
type AuthResponseFrame struct {
	Data []byte
}

func (a *AuthResponseFrame) String() string {
	return fmt.Sprintf("[auth_response data=%q]", a.Data)
}

func (a *AuthResponseFrame) Build(f *Framer, stream int) error {
	f.writeHeader(f.flags, OpAuthResponse, stream)
	f.writeBytes(a.Data)
	return f.finish()
}

// PrepareFrame asks the server to prepare a statement.
type PrepareFrame struct {
	Statement string

	// v4+
	CustomPayload map[string][]byte
}

func (w *PrepareFrame) Build(f *Framer, stream int) error {
	flags := f.flags
	if len(w.CustomPayload) > 0 {
		flags |= FlagCustomPayload
	}
	f.writeHeader(flags, OpPrepare, stream)
	f.writeCustomPayload(w.CustomPayload)
	f.writeLongString(w.Statement)

	return f.finish()
}

// QueryValue is one bind value. Name is set only for named binds; Unset
// writes the v4 unset marker instead of the value.
type QueryValue struct {
	Value []byte

	Name  string
	Unset bool
}

// QueryParams is the parameter block shared by QUERY and EXECUTE frames.
type QueryParams struct {
	Consistency Consistency
	// v2+
	SkipMeta          bool
	Values            []QueryValue
	PageSize          int
	PagingState       []byte
	SerialConsistency SerialConsistency
	// v3+
	DefaultTimestamp      bool
	DefaultTimestampValue int64
}

func (q QueryParams) String() string {
	return fmt.Sprintf("[query_params consistency=%v skip_meta=%v page_size=%d paging_state=%q serial_consistency=%v default_timestamp=%v values=%d]",
		q.Consistency, q.SkipMeta, q.PageSize, q.PagingState, q.SerialConsistency, q.DefaultTimestamp, len(q.Values))
}

func (f *Framer) writeQueryParams(opts *QueryParams) {
	f.writeConsistency(opts.Consistency)

	if f.proto == Version1 {
		return
	}

	var flags byte
	if len(opts.Values) > 0 {
		flags |= flagValues
	}
	if opts.SkipMeta {
		flags |= flagSkipMetadata
	}
	if opts.PageSize > 0 {
		flags |= flagPageSize
	}
	if len(opts.PagingState) > 0 {
		flags |= flagWithPagingState
	}
	if opts.SerialConsistency > 0 {
		flags |= flagWithSerialConsistency
	}

	names := false

	if f.proto > Version2 {
		if opts.DefaultTimestamp {
			flags |= flagDefaultTimestamp
		}

		if len(opts.Values) > 0 && opts.Values[0].Name != "" {
			flags |= flagWithNameValues
			names = true
		}
	}

	f.writeByte(flags)

	if n := len(opts.Values); n > 0 {
		f.writeShort(uint16(n))

		for i := 0; i < n; i++ {
			if names {
				f.writeString(opts.Values[i].Name)
			}
			if opts.Values[i].Unset {
				f.writeUnset()
			} else {
				f.writeBytes(opts.Values[i].Value)
			}
		}
	}

	if opts.PageSize > 0 {
		f.writeInt(int32(opts.PageSize))
	}

	if len(opts.PagingState) > 0 {
		f.writeBytes(opts.PagingState)
	}

	if opts.SerialConsistency > 0 {
		f.writeConsistency(Consistency(opts.SerialConsistency))
	}

	if f.proto > Version2 && opts.DefaultTimestamp {
		// timestamp in microseconds
		f.writeLong(defaultTimestampMicros(opts.DefaultTimestampValue))
	}
}

// QueryFrame executes an unprepared statement.
type QueryFrame struct {
	Statement string
	Params    QueryParams

	// v4+
	CustomPayload map[string][]byte
}

func (w *QueryFrame) String() string {
	return fmt.Sprintf("[query statement=%q params=%v]", w.Statement, w.Params)
}

func (w *QueryFrame) Build(f *Framer, stream int) error {
	flags := f.flags
	if len(w.CustomPayload) > 0 {
		flags |= FlagCustomPayload
	}
	f.writeHeader(flags, OpQuery, stream)
	f.writeCustomPayload(w.CustomPayload)
	f.writeLongString(w.Statement)
	f.writeQueryParams(&w.Params)

	return f.finish()
}

// ExecuteFrame executes a prepared statement by id.
type ExecuteFrame struct {
	PreparedID []byte
	Params     QueryParams

	// v4+
	CustomPayload map[string][]byte
}

func (e *ExecuteFrame) String() string {
	return fmt.Sprintf("[execute id=% X params=%v]", e.PreparedID, e.Params)
}

func (e *ExecuteFrame) Build(f *Framer, stream int) error {
	flags := f.flags
	if len(e.CustomPayload) > 0 {
		flags |= FlagCustomPayload
	}
	f.writeHeader(flags, OpExecute, stream)
	f.writeCustomPayload(e.CustomPayload)
	f.writeShortBytes(e.PreparedID)
	if f.proto > Version1 {
		f.writeQueryParams(&e.Params)
	} else {
		n := len(e.Params.Values)
		f.writeShort(uint16(n))
		for i := 0; i < n; i++ {
			f.writeBytes(e.Params.Values[i].Value)
		}
		f.writeConsistency(e.Params.Consistency)
	}

	return f.finish()
}

// BatchType selects the batch semantics.
type BatchType byte

const (
	LoggedBatch   BatchType = 0
	UnloggedBatch BatchType = 1
	CounterBatch  BatchType = 2
)

// BatchStatement is one entry of a batch, either a raw statement or a
// prepared id.
type BatchStatement struct {
	PreparedID []byte
	Statement  string
	Values     []QueryValue
}

// BatchFrame executes a batch of statements atomically per the batch type.
type BatchFrame struct {
	Type        BatchType
	Statements  []BatchStatement
	Consistency Consistency

	// v3+
	SerialConsistency     SerialConsistency
	DefaultTimestamp      bool
	DefaultTimestampValue int64

	// v4+
	CustomPayload map[string][]byte
}

func (w *BatchFrame) Build(f *Framer, stream int) error {
	if f.proto == Version1 {
		return NewErrProtocol("batch requests require protocol v2 or newer")
	}

	flags := f.flags
	if len(w.CustomPayload) > 0 {
		flags |= FlagCustomPayload
	}
	f.writeHeader(flags, OpBatch, stream)
	f.writeCustomPayload(w.CustomPayload)
	f.writeByte(byte(w.Type))

	n := len(w.Statements)
	f.writeShort(uint16(n))

	for i := 0; i < n; i++ {
		b := &w.Statements[i]
		if len(b.PreparedID) == 0 {
			f.writeByte(0)
			f.writeLongString(b.Statement)
		} else {
			f.writeByte(1)
			f.writeShortBytes(b.PreparedID)
		}

		f.writeShort(uint16(len(b.Values)))
		for j := range b.Values {
			col := b.Values[j]
			if col.Name != "" {
				return fmt.Errorf("named query values are not supported in batches")
			}
			if col.Unset {
				f.writeUnset()
			} else {
				f.writeBytes(col.Value)
			}
		}
	}

	f.writeConsistency(w.Consistency)

	if f.proto > Version2 {
		var queryFlags byte
		if w.SerialConsistency > 0 {
			queryFlags |= flagWithSerialConsistency
		}
		if w.DefaultTimestamp {
			queryFlags |= flagDefaultTimestamp
		}

		f.writeByte(queryFlags)

		if w.SerialConsistency > 0 {
			f.writeConsistency(Consistency(w.SerialConsistency))
		}

		if w.DefaultTimestamp {
			f.writeLong(defaultTimestampMicros(w.DefaultTimestampValue))
		}
	}

	return f.finish()
}

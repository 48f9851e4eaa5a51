package cqlproto

import (
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"time"
)

// ErrFrameTooBig is returned when a frame body exceeds MaxFrameSize in
// either direction.
var ErrFrameTooBig = errors.New("frame length is bigger than the maximum allowed")

// NewErrProtocol builds a client-side protocol violation error.
func NewErrProtocol(format string, args ...interface{}) error {
	return &ProtocolError{errorFrame{
		code:    ErrCodeProtocol,
		message: fmt.Sprintf(format, args...),
	}}
}

// FrameHeader is the fixed-size prefix of every frame.
type FrameHeader struct {
	Version Version
	Flags   byte
	Stream  int
	Op      Opcode
	Length  int

	// v4 response envelope extras, populated during parse.
	Warnings      []string
	CustomPayload map[string][]byte
}

func (h FrameHeader) String() string {
	return fmt.Sprintf("[header version=%s flags=0x%x stream=%d op=%s length=%d]", h.Version, h.Flags, h.Stream, h.Op, h.Length)
}

func (h FrameHeader) Header() FrameHeader { return h }

// Frame is any parsed response frame.
type Frame interface {
	Header() FrameHeader
}

// FrameBuilder serializes one request frame onto a framer.
type FrameBuilder interface {
	Build(f *Framer, stream int) error
}

// Compressor compresses and decompresses frame bodies. Implementations are
// named after the STARTUP option value they negotiate.
type Compressor interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// A Framer reads, writes and parses frames on a single stream. It is not
// safe for concurrent use.
type Framer struct {
	proto    Version
	flags    byte
	compres  Compressor
	headSize int

	// set after ReadFrame
	header *FrameHeader

	// set when the tracing flag was present on a response
	traceID []byte

	// holds a ref to the whole byte slice for buf so that it can be reset
	// after a read
	readBuffer []byte

	buf []byte
}

func NewFramer(compressor Compressor, version Version) *Framer {
	buf := make([]byte, defaultBufSize)
	f := &Framer{
		buf:        buf[:0],
		readBuffer: buf,
	}

	var flags byte
	if compressor != nil {
		flags |= FlagCompress
	}

	version = version.Version()

	f.compres = compressor
	f.proto = version
	f.flags = flags
	f.headSize = version.HeaderSize()

	return f
}

// Trace enables tracing on the framer's outgoing requests.
func (f *Framer) Trace() {
	f.flags |= FlagTracing
}

// TraceID returns the tracing session id of the last parsed response, if any.
func (f *Framer) TraceID() []byte { return f.traceID }

// ReadHeader reads one frame header off r. p must be at least 9 bytes.
func ReadHeader(r io.Reader, p []byte) (head FrameHeader, err error) {
	_, err = io.ReadFull(r, p[:1])
	if err != nil {
		return FrameHeader{}, err
	}

	version := Version(p[0]).Version()
	if !version.IsSupported() {
		return FrameHeader{}, fmt.Errorf("unsupported protocol response version: %d", version)
	}

	headSize := version.HeaderSize()
	_, err = io.ReadFull(r, p[1:headSize])
	if err != nil {
		return FrameHeader{}, err
	}

	p = p[:headSize]

	head.Version = Version(p[0])
	head.Flags = p[1]

	if version > Version2 {
		head.Stream = int(int16(p[2])<<8 | int16(p[3]))
		head.Op = Opcode(p[4])
		head.Length = int(readInt(p[5:]))
	} else {
		head.Stream = int(int8(p[2]))
		head.Op = Opcode(p[3])
		head.Length = int(readInt(p[4:]))
	}

	return head, nil
}

// ReadFrame reads a frame body off r into the framer's buffer, decompressing
// it if the header says so.
func (f *Framer) ReadFrame(r io.Reader, head *FrameHeader) error {
	if head.Length < 0 {
		return fmt.Errorf("frame body length can not be less than 0: %d", head.Length)
	} else if head.Length > MaxFrameSize {
		// free up the connection to be used again
		if _, err := io.CopyN(io.Discard, r, int64(head.Length)); err != nil {
			return fmt.Errorf("error whilst trying to discard frame with invalid length: %v", err)
		}
		return ErrFrameTooBig
	}

	if cap(f.readBuffer) >= head.Length {
		f.buf = f.readBuffer[:head.Length]
	} else {
		f.readBuffer = make([]byte, head.Length)
		f.buf = f.readBuffer
	}

	// the underlying reader takes care of timeouts and retries
	n, err := io.ReadFull(r, f.buf)
	if err != nil {
		return fmt.Errorf("unable to read frame body: read %d/%d bytes: %v", n, head.Length, err)
	}

	if head.Flags&FlagCompress == FlagCompress {
		if f.compres == nil {
			return NewErrProtocol("no compressor available with compressed frame body")
		}

		f.buf, err = f.compres.Decode(f.buf)
		if err != nil {
			return err
		}
	}

	f.header = head
	return nil
}

// ParseFrame decodes the frame read by the last ReadFrame call.
func (f *Framer) ParseFrame() (frame Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(runtime.Error); ok {
				panic(r)
			}
			err = r.(error)
		}
	}()

	if f.header.Version.IsRequest() {
		return nil, NewErrProtocol("got a request frame from server: %v", f.header.Version)
	}

	if f.header.Flags&FlagTracing == FlagTracing {
		f.readTrace()
	}

	if f.header.Flags&FlagWarning == FlagWarning {
		f.header.Warnings = f.readStringList()
	}

	if f.header.Flags&FlagCustomPayload == FlagCustomPayload {
		f.header.CustomPayload = f.readBytesMap()
	}

	// assumes the frame body has been read into buf
	switch f.header.Op {
	case OpError:
		frame = f.parseErrorFrame()
	case OpReady:
		frame = f.parseReadyFrame()
	case OpResult:
		frame, err = f.parseResultFrame()
	case OpSupported:
		frame = f.parseSupportedFrame()
	case OpAuthenticate:
		frame = f.parseAuthenticateFrame()
	case OpAuthChallenge:
		frame = f.parseAuthChallengeFrame()
	case OpAuthSuccess:
		frame = f.parseAuthSuccessFrame()
	case OpEvent:
		frame = f.parseEventFrame()
	default:
		return nil, NewErrProtocol("unknown op in frame header: %s", f.header.Op)
	}

	return
}

func (f *Framer) parseErrorFrame() Frame {
	code := f.readInt()
	msg := f.readString()

	errD := errorFrame{
		FrameHeader: *f.header,
		code:        code,
		message:     msg,
	}

	switch code {
	case ErrCodeUnavailable:
		return &RequestErrUnavailable{
			errorFrame:  errD,
			Consistency: f.readConsistency(),
			Required:    f.readInt(),
			Alive:       f.readInt(),
		}
	case ErrCodeWriteTimeout:
		return &RequestErrWriteTimeout{
			errorFrame:  errD,
			Consistency: f.readConsistency(),
			Received:    f.readInt(),
			BlockFor:    f.readInt(),
			WriteType:   f.readString(),
		}
	case ErrCodeReadTimeout:
		return &RequestErrReadTimeout{
			errorFrame:  errD,
			Consistency: f.readConsistency(),
			Received:    f.readInt(),
			BlockFor:    f.readInt(),
			DataPresent: f.readByte(),
		}
	case ErrCodeAlreadyExists:
		return &RequestErrAlreadyExists{
			errorFrame: errD,
			Keyspace:   f.readString(),
			Table:      f.readString(),
		}
	case ErrCodeUnprepared:
		return &RequestErrUnprepared{
			errorFrame:  errD,
			StatementID: copyBytes(f.readShortBytes()),
		}
	case ErrCodeReadFailure:
		res := &RequestErrReadFailure{errorFrame: errD}
		res.Consistency = f.readConsistency()
		res.Received = f.readInt()
		res.BlockFor = f.readInt()
		res.NumFailures = f.readInt()
		res.DataPresent = f.readByte() != 0
		return res
	case ErrCodeWriteFailure:
		res := &RequestErrWriteFailure{errorFrame: errD}
		res.Consistency = f.readConsistency()
		res.Received = f.readInt()
		res.BlockFor = f.readInt()
		res.NumFailures = f.readInt()
		res.WriteType = f.readString()
		return res
	case ErrCodeFunctionFailure:
		return &RequestErrFunctionFailure{
			errorFrame: errD,
			Keyspace:   f.readString(),
			Function:   f.readString(),
			ArgTypes:   f.readStringList(),
		}
	case ErrCodeProtocol:
		return &ProtocolError{errorFrame: errD}
	case ErrCodeInvalid, ErrCodeBootstrapping, ErrCodeConfig, ErrCodeCredentials, ErrCodeOverloaded,
		ErrCodeServer, ErrCodeSyntax, ErrCodeTruncate, ErrCodeUnauthorized:
		return errD
	default:
		panic(fmt.Errorf("unknown error code: 0x%x", errD.code))
	}
}

func (f *Framer) writeHeader(flags byte, op Opcode, stream int) {
	f.buf = f.buf[:0]
	f.buf = append(f.buf,
		byte(f.proto),
		flags,
	)

	if f.proto > Version2 {
		f.buf = append(f.buf,
			byte(stream>>8),
			byte(stream),
		)
	} else {
		f.buf = append(f.buf,
			byte(stream),
		)
	}

	// pad out length
	f.buf = append(f.buf,
		byte(op),
		0,
		0,
		0,
		0,
	)
}

func (f *Framer) setLength(length int) {
	p := 4
	if f.proto > Version2 {
		p = 5
	}

	f.buf[p+0] = byte(length >> 24)
	f.buf[p+1] = byte(length >> 16)
	f.buf[p+2] = byte(length >> 8)
	f.buf[p+3] = byte(length)
}

func (f *Framer) finish() error {
	if len(f.buf) > MaxFrameSize {
		// huge app frame, replace the buffer so it doesn't bloat the heap
		f.buf = make([]byte, defaultBufSize)
		return ErrFrameTooBig
	}

	if f.buf[1]&FlagCompress == FlagCompress {
		if f.compres == nil {
			panic("compress flag set with no compressor")
		}

		compressed, err := f.compres.Encode(f.buf[f.headSize:])
		if err != nil {
			return err
		}

		f.buf = append(f.buf[:f.headSize], compressed...)
	}
	f.setLength(len(f.buf) - f.headSize)

	return nil
}

// WriteTo flushes the built frame onto w.
func (f *Framer) WriteTo(w io.Writer) error {
	_, err := w.Write(f.buf)
	return err
}

func (f *Framer) readTrace() {
	if len(f.buf) < 16 {
		panic(fmt.Errorf("not enough bytes in buffer to read trace uuid require 16 got: %d", len(f.buf)))
	}
	f.traceID = copyBytes(f.buf[:16])
	f.buf = f.buf[16:]
}

func (f *Framer) readTypeInfo() TypeInfo {
	id := f.readShort()

	simple := NativeType{
		proto: f.proto,
		typ:   Type(id),
	}

	if simple.typ == TypeCustom {
		simple.custom = f.readString()
		if cassType := apacheCassandraType(simple.custom); cassType != TypeCustom {
			simple.typ = cassType
		}
	}

	switch simple.typ {
	case TypeTuple:
		n := f.readShort()
		tuple := TupleTypeInfo{
			NativeType: simple,
			Elems:      make([]TypeInfo, n),
		}
		for i := 0; i < int(n); i++ {
			tuple.Elems[i] = f.readTypeInfo()
		}
		return tuple

	case TypeUDT:
		udt := UDTTypeInfo{NativeType: simple}
		udt.Keyspace = f.readString()
		udt.Name = f.readString()

		n := f.readShort()
		udt.Elements = make([]UDTField, n)
		for i := 0; i < int(n); i++ {
			field := &udt.Elements[i]
			field.Name = f.readString()
			field.Type = f.readTypeInfo()
		}
		return udt

	case TypeMap, TypeList, TypeSet:
		collection := CollectionType{NativeType: simple}
		if simple.typ == TypeMap {
			collection.Key = f.readTypeInfo()
		}
		collection.Elem = f.readTypeInfo()
		return collection
	}

	return simple
}

// ColumnInfo describes one column of a result set.
type ColumnInfo struct {
	Keyspace string
	Table    string
	Name     string
	TypeInfo TypeInfo
}

func (c ColumnInfo) String() string {
	return fmt.Sprintf("[column keyspace=%s table=%s name=%s type=%v]", c.Keyspace, c.Table, c.Name, c.TypeInfo)
}

// ResultMetadata is the column metadata block of a RESULT rows frame.
type ResultMetadata struct {
	Flags int

	// only if flagHasMorePages
	PagingState []byte

	Columns  []ColumnInfo
	ColCount int

	// the total number of columns which can be scanned, at minimum
	// len(Columns) but larger when a column is a tuple
	ActualColCount int
}

func (r *ResultMetadata) MorePages() bool {
	return r.Flags&flagHasMorePages == flagHasMorePages
}

func (r ResultMetadata) String() string {
	return fmt.Sprintf("[metadata flags=0x%x paging_state=% X columns=%v]", r.Flags, r.PagingState, r.Columns)
}

// PreparedMetadata is the bind-variable metadata block of a RESULT prepared
// frame.
type PreparedMetadata struct {
	ResultMetadata

	// proto v4+
	PKeyColumns []int

	Keyspace string
	Table    string
}

func (r PreparedMetadata) String() string {
	return fmt.Sprintf("[prepared flags=0x%x pkey=%v paging_state=% X columns=%v col_count=%d]", r.Flags, r.PKeyColumns, r.PagingState, r.Columns, r.ColCount)
}

func (f *Framer) parsePreparedMetadata() PreparedMetadata {
	meta := PreparedMetadata{}

	meta.Flags = f.readInt()
	meta.ColCount = f.readInt()
	if meta.ColCount < 0 {
		panic(fmt.Errorf("received negative column count: %d", meta.ColCount))
	}
	meta.ActualColCount = meta.ColCount

	if f.proto >= Version4 {
		pkeyCount := f.readInt()
		pkeys := make([]int, pkeyCount)
		for i := 0; i < pkeyCount; i++ {
			pkeys[i] = int(f.readShort())
		}
		meta.PKeyColumns = pkeys
	}

	if meta.Flags&flagHasMorePages == flagHasMorePages {
		meta.PagingState = copyBytes(f.readBytes())
	}

	if meta.Flags&flagNoMetadata == flagNoMetadata {
		return meta
	}

	globalSpec := meta.Flags&flagGlobalTableSpec == flagGlobalTableSpec
	if globalSpec {
		meta.Keyspace = f.readString()
		meta.Table = f.readString()
	}

	cols := make([]ColumnInfo, meta.ColCount)
	for i := 0; i < meta.ColCount; i++ {
		f.readCol(&cols[i], &meta.ResultMetadata, globalSpec, meta.Keyspace, meta.Table)
	}
	meta.Columns = cols

	return meta
}

func (f *Framer) readCol(col *ColumnInfo, meta *ResultMetadata, globalSpec bool, keyspace, table string) {
	if !globalSpec {
		col.Keyspace = f.readString()
		col.Table = f.readString()
	} else {
		col.Keyspace = keyspace
		col.Table = table
	}

	col.Name = f.readString()
	col.TypeInfo = f.readTypeInfo()
	if v, ok := col.TypeInfo.(TupleTypeInfo); ok {
		// -1 because the tuple column itself is already counted
		meta.ActualColCount += len(v.Elems) - 1
	}
}

func (f *Framer) parseResultMetadata() ResultMetadata {
	var meta ResultMetadata

	meta.Flags = f.readInt()
	meta.ColCount = f.readInt()
	if meta.ColCount < 0 {
		panic(fmt.Errorf("received negative column count: %d", meta.ColCount))
	}
	meta.ActualColCount = meta.ColCount

	if meta.Flags&flagHasMorePages == flagHasMorePages {
		meta.PagingState = copyBytes(f.readBytes())
	}

	if meta.Flags&flagNoMetadata == flagNoMetadata {
		return meta
	}

	var keyspace, table string
	globalSpec := meta.Flags&flagGlobalTableSpec == flagGlobalTableSpec
	if globalSpec {
		keyspace = f.readString()
		table = f.readString()
	}

	cols := make([]ColumnInfo, meta.ColCount)
	for i := 0; i < meta.ColCount; i++ {
		f.readCol(&cols[i], &meta, globalSpec, keyspace, table)
	}
	meta.Columns = cols

	return meta
}

func (f *Framer) readByte() byte {
	if len(f.buf) < 1 {
		panic(fmt.Errorf("not enough bytes in buffer to read byte require 1 got: %d", len(f.buf)))
	}

	b := f.buf[0]
	f.buf = f.buf[1:]
	return b
}

func (f *Framer) readInt() (n int) {
	if len(f.buf) < 4 {
		panic(fmt.Errorf("not enough bytes in buffer to read int require 4 got: %d", len(f.buf)))
	}

	n = int(int32(f.buf[0])<<24 | int32(f.buf[1])<<16 | int32(f.buf[2])<<8 | int32(f.buf[3]))
	f.buf = f.buf[4:]
	return
}

func (f *Framer) readShort() (n uint16) {
	if len(f.buf) < 2 {
		panic(fmt.Errorf("not enough bytes in buffer to read short require 2 got: %d", len(f.buf)))
	}
	n = uint16(f.buf[0])<<8 | uint16(f.buf[1])
	f.buf = f.buf[2:]
	return
}

func (f *Framer) readString() (s string) {
	size := f.readShort()

	if len(f.buf) < int(size) {
		panic(fmt.Errorf("not enough bytes in buffer to read string require %d got: %d", size, len(f.buf)))
	}

	s = string(f.buf[:size])
	f.buf = f.buf[size:]
	return
}

func (f *Framer) readLongString() (s string) {
	size := f.readInt()

	if len(f.buf) < size {
		panic(fmt.Errorf("not enough bytes in buffer to read long string require %d got: %d", size, len(f.buf)))
	}

	s = string(f.buf[:size])
	f.buf = f.buf[size:]
	return
}

func (f *Framer) readStringList() []string {
	size := f.readShort()

	l := make([]string, size)
	for i := 0; i < int(size); i++ {
		l[i] = f.readString()
	}

	return l
}

func (f *Framer) readBytes() []byte {
	size := f.readInt()
	if size < 0 {
		return nil
	}

	if len(f.buf) < size {
		panic(fmt.Errorf("not enough bytes in buffer to read bytes require %d got: %d", size, len(f.buf)))
	}

	l := f.buf[:size]
	f.buf = f.buf[size:]

	return l
}

func (f *Framer) readShortBytes() []byte {
	size := f.readShort()
	if len(f.buf) < int(size) {
		panic(fmt.Errorf("not enough bytes in buffer to read short bytes: require %d got %d", size, len(f.buf)))
	}

	l := f.buf[:size]
	f.buf = f.buf[size:]

	return l
}

func (f *Framer) readInetAddressOnly() net.IP {
	if len(f.buf) < 1 {
		panic(fmt.Errorf("not enough bytes in buffer to read inet size require 1 got: %d", len(f.buf)))
	}

	size := f.buf[0]
	f.buf = f.buf[1:]

	if !(size == 4 || size == 16) {
		panic(fmt.Errorf("invalid IP size: %d", size))
	}

	if len(f.buf) < int(size) {
		panic(fmt.Errorf("not enough bytes in buffer to read inet require %d got: %d", size, len(f.buf)))
	}

	ip := make([]byte, size)
	copy(ip, f.buf[:size])
	f.buf = f.buf[size:]
	return net.IP(ip)
}

func (f *Framer) readInet() (net.IP, int) {
	return f.readInetAddressOnly(), f.readInt()
}

func (f *Framer) readConsistency() Consistency {
	return Consistency(f.readShort())
}

func (f *Framer) readBytesMap() map[string][]byte {
	size := f.readShort()
	m := make(map[string][]byte, size)

	for i := 0; i < int(size); i++ {
		k := f.readString()
		v := f.readBytes()
		m[k] = copyBytes(v)
	}

	return m
}

func (f *Framer) readStringMultiMap() map[string][]string {
	size := f.readShort()
	m := make(map[string][]string, size)

	for i := 0; i < int(size); i++ {
		k := f.readString()
		v := f.readStringList()
		m[k] = v
	}

	return m
}

func (f *Framer) writeByte(b byte) {
	f.buf = append(f.buf, b)
}

func (f *Framer) writeInt(n int32) {
	f.buf = appendInt(f.buf, n)
}

func (f *Framer) writeShort(n uint16) {
	f.buf = appendShort(f.buf, n)
}

func (f *Framer) writeLong(n int64) {
	f.buf = appendLong(f.buf, n)
}

func (f *Framer) writeString(s string) {
	f.writeShort(uint16(len(s)))
	f.buf = append(f.buf, s...)
}

func (f *Framer) writeLongString(s string) {
	f.writeInt(int32(len(s)))
	f.buf = append(f.buf, s...)
}

func (f *Framer) writeStringList(l []string) {
	f.writeShort(uint16(len(l)))
	for _, s := range l {
		f.writeString(s)
	}
}

// writeUnset writes the v4 'unset' bind marker, the int value -2 with no
// bytes following.
func (f *Framer) writeUnset() {
	f.writeInt(-2)
}

func (f *Framer) writeBytes(p []byte) {
	// [bytes]: an [int] n, followed by n bytes if n >= 0. If n < 0 no
	// byte follows and the value represented is null.
	if p == nil {
		f.writeInt(-1)
	} else {
		f.writeInt(int32(len(p)))
		f.buf = append(f.buf, p...)
	}
}

func (f *Framer) writeShortBytes(p []byte) {
	f.writeShort(uint16(len(p)))
	f.buf = append(f.buf, p...)
}

func (f *Framer) writeConsistency(cons Consistency) {
	f.writeShort(uint16(cons))
}

func (f *Framer) writeStringMap(m map[string]string) {
	f.writeShort(uint16(len(m)))
	for k, v := range m {
		f.writeString(k)
		f.writeString(v)
	}
}

func (f *Framer) writeBytesMap(m map[string][]byte) {
	f.writeShort(uint16(len(m)))
	for k, v := range m {
		f.writeString(k)
		f.writeBytes(v)
	}
}

func (f *Framer) writeCustomPayload(customPayload map[string][]byte) {
	if len(customPayload) > 0 {
		if f.proto < Version4 {
			panic(fmt.Errorf("custom payloads require protocol v4, have %s", f.proto))
		}
		f.writeBytesMap(customPayload)
	}
}

// defaultTimestampMicros picks the microsecond timestamp written with the
// default-timestamp flag.
func defaultTimestampMicros(explicit int64) int64 {
	if explicit != 0 {
		return explicit
	}
	return time.Now().UnixNano() / 1000
}

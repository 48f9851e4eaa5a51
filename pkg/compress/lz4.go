package compress

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// LZ4 implements frame-body compression with the lz4 block format, the "lz4"
// STARTUP option. The wire form prepends the uncompressed length as a 4-byte
// big-endian integer, which the block format itself does not carry.
type LZ4 struct{}

func (s LZ4) Name() string {
	return "lz4"
}

func (s LZ4) Encode(data []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(data))+4)
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(data, buf[4:])
	if err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	return buf[:n+4], nil
}

func (s LZ4) Decode(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.Errorf("lz4 block should be at least 4 bytes, got %d", len(data))
	}
	uncompressedLength := binary.BigEndian.Uint32(data)
	if uncompressedLength == 0 {
		return nil, nil
	}
	buf := make([]byte, uncompressedLength)
	n, err := lz4.UncompressBlock(data[4:], buf)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 uncompress")
	}
	return buf[:n], nil
}

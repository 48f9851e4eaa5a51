package compress

import (
	"github.com/golang/snappy"
)

// Snappy implements frame-body compression with the snappy block format, the
// "snappy" STARTUP option.
type Snappy struct{}

func (s Snappy) Name() string {
	return "snappy"
}

func (s Snappy) Encode(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (s Snappy) Decode(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

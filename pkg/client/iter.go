package client

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/grafana/cqlkit/pkg/codec"
	"github.com/grafana/cqlkit/pkg/cqlproto"
)

// Iter walks the rows of one result page. It is not safe for concurrent use.
type Iter struct {
	meta   cqlproto.ResultMetadata
	rows   [][][]byte
	codecs *codec.Registry
	proto  cqlproto.Version

	idx int
	err error
}

func newIter(frame *cqlproto.ResultRowsFrame, codecs *codec.Registry, proto cqlproto.Version) *Iter {
	if frame == nil {
		return &Iter{}
	}
	return &Iter{
		meta:   frame.Meta,
		rows:   frame.Rows,
		codecs: codecs,
		proto:  proto,
	}
}

// Scan decodes the next row into dest, one pointer per column. It returns
// false when the page is exhausted or a decode fails; Err distinguishes the
// two.
func (it *Iter) Scan(dest ...interface{}) bool {
	if it.err != nil || it.idx >= len(it.rows) {
		return false
	}
	if len(dest) != len(it.meta.Columns) {
		it.err = errors.Errorf("row has %d columns, got %d scan targets", len(it.meta.Columns), len(dest))
		return false
	}

	cells := it.rows[it.idx]
	for i, col := range it.meta.Columns {
		if err := it.scanColumn(col, cells[i], dest[i]); err != nil {
			it.err = errors.Wrapf(err, "column %q", col.Name)
			return false
		}
	}
	it.idx++
	return true
}

func (it *Iter) scanColumn(col cqlproto.ColumnInfo, cell []byte, dest interface{}) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return errors.New("scan target must be a non-nil pointer")
	}
	elem := dv.Elem()

	cdc, err := it.codecs.CodecForType(col.TypeInfo)
	if err != nil {
		return err
	}
	v, err := cdc.Unmarshal(cell, it.proto)
	if err != nil {
		return err
	}
	if v == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}

	rv := reflect.ValueOf(v)
	switch {
	case rv.Type().AssignableTo(elem.Type()):
		elem.Set(rv)
	case rv.Type().ConvertibleTo(elem.Type()):
		elem.Set(rv.Convert(elem.Type()))
	default:
		return errors.Errorf("cannot scan %s into %s", rv.Type(), elem.Type())
	}
	return nil
}

// Columns describes the result set.
func (it *Iter) Columns() []cqlproto.ColumnInfo { return it.meta.Columns }

// NumRows is the number of rows in this page.
func (it *Iter) NumRows() int { return len(it.rows) }

// PageState returns the token to resume after this page, or nil on the last
// page.
func (it *Iter) PageState() []byte { return it.meta.PagingState }

// Err returns the first decode error hit by Scan.
func (it *Iter) Err() error { return it.err }

// Close reports any error seen while iterating.
func (it *Iter) Close() error { return it.err }

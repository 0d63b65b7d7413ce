// Package chunkio implements the wire format for chunks: one Arrow record
// per chunk, framed as a length-prefixed, optionally compressed Arrow IPC
// stream. The columnar layout of a chunk maps directly onto the record, so
// encoding copies no component data.
//
// Frame layout: 4-byte magic "MGC1", 1 compression byte, 8-byte big-endian
// payload length, payload. Frames are self-contained; a file or socket may
// carry any number of them back to back, each with its own schema.
package chunkio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/magnetar-io/magnetar/pkg/chunk"
	"github.com/magnetar-io/magnetar/pkg/magerrors"
	"github.com/magnetar-io/magnetar/pkg/model"
	"github.com/magnetar-io/magnetar/pkg/pool"
)

var frameMagic = [4]byte{'M', 'G', 'C', '1'}

// Schema/field metadata keys.
const (
	metaEntityPath  = "magnetar.entity_path"
	metaChunkID     = "magnetar.chunk_id"
	metaKind        = "magnetar.kind"
	metaTimeType    = "magnetar.time_type"
	metaIsSorted    = "magnetar.is_sorted"
	metaArchetype   = "magnetar.archetype"
	kindRowID       = "row_id"
	kindTime        = "time"
	kindComponent   = "component"
	fieldRowIDTime  = "row_id_time_ns"
	fieldRowIDInc   = "row_id_inc"
)

// ErrBadFrame indicates a corrupt or truncated frame.
var ErrBadFrame = errors.New("bad chunk frame")

// payloadBuffers recycles the IPC scratch buffers across Encode calls;
// encoding a recording touches one buffer per chunk.
var payloadBuffers = pool.New(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 64*1024)) },
	func(b *bytes.Buffer) { b.Reset() },
)

// Encoder writes chunks to an underlying stream.
type Encoder struct {
	w           io.Writer
	compression Compression
	mem         memory.Allocator
}

// NewEncoder creates an encoder writing to w with the given compression.
func NewEncoder(w io.Writer, compression Compression) *Encoder {
	return &Encoder{w: w, compression: compression, mem: memory.NewGoAllocator()}
}

// Encode writes one chunk as a self-contained frame.
func (e *Encoder) Encode(c *chunk.Chunk) error {
	record, err := chunkToRecord(e.mem, c)
	if err != nil {
		return err
	}
	defer record.Release()

	payload := payloadBuffers.Get()
	defer payloadBuffers.Put(payload)

	ipcWriter := ipc.NewWriter(payload,
		ipc.WithSchema(record.Schema()),
		ipc.WithAllocator(e.mem),
	)
	if err := ipcWriter.Write(record); err != nil {
		return magerrors.Wrap(err, magerrors.ErrorTypeData, "write chunk record").
			WithDetail("chunk_id", c.ID().String())
	}
	if err := ipcWriter.Close(); err != nil {
		return magerrors.Wrap(err, magerrors.ErrorTypeData, "close chunk record stream").
			WithDetail("chunk_id", c.ID().String())
	}

	compressed, err := compress(e.compression, payload.Bytes())
	if err != nil {
		return magerrors.Wrap(err, magerrors.ErrorTypeData, "compress chunk frame").
			WithDetail("chunk_id", c.ID().String())
	}

	header := make([]byte, 13)
	copy(header, frameMagic[:])
	header[4] = byte(e.compression)
	binary.BigEndian.PutUint64(header[5:], uint64(len(compressed)))

	if _, err := e.w.Write(header); err != nil {
		return err
	}
	_, err = e.w.Write(compressed)
	return err
}

// Decoder reads chunks from an underlying stream.
type Decoder struct {
	r        io.Reader
	mem      memory.Allocator
	interner *model.Interner
}

// NewDecoder creates a decoder reading from r. The interner may be nil, in
// which case entity paths are constructed without deduplication.
func NewDecoder(r io.Reader, interner *model.Interner) *Decoder {
	return &Decoder{r: r, mem: memory.NewGoAllocator(), interner: interner}
}

// Decode reads the next frame. It returns io.EOF at a clean end of stream.
func (d *Decoder) Decode() (*chunk.Chunk, error) {
	header := make([]byte, 13)
	if _, err := io.ReadFull(d.r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, magerrors.Wrap(ErrBadFrame, magerrors.ErrorTypeData, "truncated frame header")
	}
	if !bytes.Equal(header[:4], frameMagic[:]) {
		return nil, magerrors.Wrap(ErrBadFrame, magerrors.ErrorTypeData, "bad frame magic")
	}
	compression := Compression(header[4])
	size := binary.BigEndian.Uint64(header[5:])

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, magerrors.Wrap(ErrBadFrame, magerrors.ErrorTypeData, "truncated frame payload")
	}

	raw, err := decompress(compression, payload)
	if err != nil {
		return nil, magerrors.Wrap(err, magerrors.ErrorTypeData, "decompress chunk frame")
	}

	ipcReader, err := ipc.NewReader(bytes.NewReader(raw), ipc.WithAllocator(d.mem))
	if err != nil {
		return nil, magerrors.Wrap(err, magerrors.ErrorTypeData, "open chunk record stream")
	}
	defer ipcReader.Release()

	if !ipcReader.Next() {
		return nil, magerrors.Wrap(ErrBadFrame, magerrors.ErrorTypeData, "frame holds no record")
	}
	record := ipcReader.Record()
	return recordToChunk(record, d.interner)
}

// chunkToRecord lays the chunk out as one Arrow record: two uint64 row-id
// columns, one int64 column per timeline, and the component columns as-is.
func chunkToRecord(mem memory.Allocator, c *chunk.Chunk) (arrow.Record, error) {
	n := c.NumRows()
	fields := make([]arrow.Field, 0, 2+len(c.Timelines())+len(c.ComponentNames()))
	cols := make([]arrow.Array, 0, cap(fields))
	release := func() {
		for _, col := range cols {
			col.Release()
		}
	}

	rowIDKind := arrow.NewMetadata([]string{metaKind}, []string{kindRowID})

	timeBuilder := array.NewUint64Builder(mem)
	defer timeBuilder.Release()
	incBuilder := array.NewUint64Builder(mem)
	defer incBuilder.Release()
	timeBuilder.Reserve(n)
	incBuilder.Reserve(n)
	for _, rid := range c.RowIDs() {
		timeNs, inc := rowIDWords(rid)
		timeBuilder.Append(timeNs)
		incBuilder.Append(inc)
	}
	fields = append(fields,
		arrow.Field{Name: fieldRowIDTime, Type: arrow.PrimitiveTypes.Uint64, Metadata: rowIDKind},
		arrow.Field{Name: fieldRowIDInc, Type: arrow.PrimitiveTypes.Uint64, Metadata: rowIDKind},
	)
	cols = append(cols, timeBuilder.NewArray(), incBuilder.NewArray())

	for _, tl := range c.Timelines() {
		b := array.NewInt64Builder(mem)
		b.Reserve(n)
		for _, t := range c.Times(tl) {
			b.Append(int64(t))
		}
		fields = append(fields, arrow.Field{
			Name: tl.Name(),
			Type: arrow.PrimitiveTypes.Int64,
			Metadata: arrow.NewMetadata(
				[]string{metaKind, metaTimeType, metaIsSorted},
				[]string{kindTime, tl.Type().String(), strconv.FormatBool(c.IsSorted(tl))},
			),
		})
		cols = append(cols, b.NewArray())
		b.Release()
	}

	for _, name := range c.ComponentNames() {
		col, _ := c.Component(name)
		desc, _ := c.Descriptor(name)
		col.Retain()
		fields = append(fields, arrow.Field{
			Name:     name.String(),
			Type:     col.DataType(),
			Nullable: true,
			Metadata: arrow.NewMetadata(
				[]string{metaKind, metaArchetype},
				[]string{kindComponent, desc.Archetype},
			),
		})
		cols = append(cols, col)
	}

	schemaMeta := arrow.NewMetadata(
		[]string{metaEntityPath, metaChunkID},
		[]string{c.Entity().String(), c.ID().String()},
	)
	schema := arrow.NewSchema(fields, &schemaMeta)
	record := array.NewRecord(schema, cols, int64(n))
	release()
	return record, nil
}

func recordToChunk(record arrow.Record, interner *model.Interner) (*chunk.Chunk, error) {
	schema := record.Schema()
	meta := schema.Metadata()

	entityRaw, ok := metaValue(meta, metaEntityPath)
	if !ok {
		return nil, magerrors.Wrap(ErrBadFrame, magerrors.ErrorTypeData, "record missing entity path")
	}
	var entity model.EntityPath
	if interner != nil {
		entity = interner.Intern(entityRaw)
	} else {
		entity = model.NewEntityPath(entityRaw)
	}

	idRaw, ok := metaValue(meta, metaChunkID)
	if !ok {
		return nil, magerrors.Wrap(ErrBadFrame, magerrors.ErrorTypeData, "record missing chunk id")
	}
	chunkID, err := model.ParseChunkID(idRaw)
	if err != nil {
		return nil, magerrors.Wrap(err, magerrors.ErrorTypeData, "parse chunk id")
	}

	n := int(record.NumRows())
	var rowIDTimes, rowIDIncs *array.Uint64
	var timeColumns []chunk.TimeColumn
	var componentColumns []chunk.ComponentColumn

	for i := 0; i < int(record.NumCols()); i++ {
		field := schema.Field(i)
		col := record.Column(i)
		kind, _ := metaValue(field.Metadata, metaKind)

		switch kind {
		case kindRowID:
			u64, ok := col.(*array.Uint64)
			if !ok {
				return nil, magerrors.Wrap(ErrBadFrame, magerrors.ErrorTypeData, "row id column has wrong type")
			}
			if field.Name == fieldRowIDTime {
				rowIDTimes = u64
			} else {
				rowIDIncs = u64
			}

		case kindTime:
			i64, ok := col.(*array.Int64)
			if !ok {
				return nil, magerrors.Wrap(ErrBadFrame, magerrors.ErrorTypeData, "time column has wrong type").
					WithDetail("timeline", field.Name)
			}
			typeRaw, _ := metaValue(field.Metadata, metaTimeType)
			timeType, err := model.ParseTimeType(typeRaw)
			if err != nil {
				return nil, magerrors.Wrap(err, magerrors.ErrorTypeData, "parse time type").
					WithDetail("timeline", field.Name)
			}
			sortedRaw, _ := metaValue(field.Metadata, metaIsSorted)
			sorted, _ := strconv.ParseBool(sortedRaw)

			times := make([]model.TimeInt, n)
			for row := 0; row < n; row++ {
				times[row] = model.TimeInt(i64.Value(row))
			}
			timeColumns = append(timeColumns, chunk.TimeColumn{
				Timeline: model.NewTimeline(field.Name, timeType),
				Times:    times,
				IsSorted: sorted,
			})

		case kindComponent:
			archetype, _ := metaValue(field.Metadata, metaArchetype)
			componentColumns = append(componentColumns, chunk.ComponentColumn{
				Descriptor: model.ComponentDescriptor{
					Archetype: archetype,
					Name:      model.ComponentName(field.Name),
				},
				Data: col,
			})

		default:
			return nil, magerrors.Wrap(ErrBadFrame, magerrors.ErrorTypeData, "column missing kind metadata").
				WithDetail("column", field.Name)
		}
	}

	if rowIDTimes == nil || rowIDIncs == nil {
		return nil, magerrors.Wrap(ErrBadFrame, magerrors.ErrorTypeData, "record missing row id columns")
	}

	rowIDs := make([]model.RowID, n)
	for row := 0; row < n; row++ {
		rowIDs[row] = model.RowIDFromU128(rowIDTimes.Value(row), rowIDIncs.Value(row))
	}

	return chunk.NewChunk(chunkID, entity, rowIDs, timeColumns, componentColumns)
}

func rowIDWords(id model.RowID) (uint64, uint64) {
	return id.TimeNs, id.Inc
}

func metaValue(meta arrow.Metadata, key string) (string, bool) {
	idx := meta.FindKey(key)
	if idx < 0 {
		return "", false
	}
	return meta.Values()[idx], true
}

// EncodeAll writes all chunks to w, a convenience for tests and tooling.
func EncodeAll(w io.Writer, compression Compression, chunks []*chunk.Chunk) error {
	enc := NewEncoder(w, compression)
	for _, c := range chunks {
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("encode chunk %s: %w", c.ID(), err)
		}
	}
	return nil
}

// DecodeAll reads frames until EOF, a convenience for tests and tooling.
func DecodeAll(r io.Reader, interner *model.Interner) ([]*chunk.Chunk, error) {
	dec := NewDecoder(r, interner)
	var out []*chunk.Chunk
	for {
		c, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

package trace

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Schema returns the record layout for captured tensors: one row per
// capture with the decode step, layer index, tensor name, dimensions and
// the fp16-encoded payload.
func Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "step", Type: arrow.PrimitiveTypes.Int64},
		{Name: "layer", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "payload_f16", Type: arrow.BinaryTypes.Binary},
	}, nil)
}

// Recorder writes captured tensors to an Arrow IPC file, one record batch
// per capture. Payloads are stored as little-endian IEEE half floats;
// compute stays float32, the conversion happens only here.
type Recorder struct {
	mem    memory.Allocator
	schema *arrow.Schema
	file   *os.File
	w      *ipc.FileWriter
}

func NewRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("trace recorder: %w", err)
	}
	mem := memory.NewGoAllocator()
	schema := Schema()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("trace recorder: %w", err)
	}
	return &Recorder{mem: mem, schema: schema, file: f, w: w}, nil
}

// Record appends one capture.
func (r *Recorder) Record(step, layer int, name string, t *tensor.Tensor) error {
	rec := buildRecord(r.mem, r.schema, step, layer, name, t)
	defer rec.Release()
	if err := r.w.Write(rec); err != nil {
		return fmt.Errorf("trace recorder: %w", err)
	}
	return nil
}

func (r *Recorder) Close() error {
	if err := r.w.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("trace recorder: %w", err)
	}
	return r.file.Close()
}

func buildRecord(mem memory.Allocator, schema *arrow.Schema, step, layer int, name string, t *tensor.Tensor) arrow.Record {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	b.Field(0).(*array.Int64Builder).Append(int64(step))
	b.Field(1).(*array.Int64Builder).Append(int64(layer))
	b.Field(2).(*array.StringBuilder).Append(name)

	dims := b.Field(3).(*array.ListBuilder)
	dims.Append(true)
	dimVals := dims.ValueBuilder().(*array.Int64Builder)
	for _, d := range t.Dims() {
		dimVals.Append(int64(d))
	}

	b.Field(4).(*array.BinaryBuilder).Append(encodeF16(t.Data()))

	return b.NewRecord()
}

func encodeF16(data []float32) []byte {
	buf := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(v).Bits())
	}
	return buf
}

// DecodeF16 restores a payload written by a Recorder. Round-trip loses
// precision beyond half-float resolution.
func DecodeF16(buf []byte) []float32 {
	out := make([]float32, len(buf)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
	}
	return out
}

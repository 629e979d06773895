package trace

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// DefaultFlightTimeout bounds a single DoPut exchange.
const DefaultFlightTimeout = 30 * time.Second

// FlightSink publishes capture batches to an Arrow Flight collector over
// gRPC instead of (or in addition to) the local IPC file.
type FlightSink struct {
	client  flight.Client
	addr    string
	path    string
	timeout time.Duration
	mem     memory.Allocator
	log     *logger.Logger
}

func NewFlightSink(addr, path string) *FlightSink {
	return &FlightSink{
		addr:    addr,
		path:    path,
		timeout: DefaultFlightTimeout,
		mem:     memory.NewGoAllocator(),
		log:     logger.Log.Component("trace"),
	}
}

// Connect dials the collector with insecure transport credentials.
func (s *FlightSink) Connect() error {
	client, err := flight.NewClientWithMiddleware(s.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("flight sink: %w", err)
	}
	s.client = client
	s.log.Info("connected", "addr", s.addr)
	return nil
}

func (s *FlightSink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Publish sends one capture as a single-batch DoPut stream.
func (s *FlightSink) Publish(ctx context.Context, step, layer int, name string, t *tensor.Tensor) error {
	if s.client == nil {
		return fmt.Errorf("flight sink: not connected, call Connect() first")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight sink: %w", err)
	}

	schema := Schema()
	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(s.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{s.path},
	})

	rec := buildRecord(s.mem, schema, step, layer, name, t)
	defer rec.Release()
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("flight sink: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("flight sink: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("flight sink: %w", err)
	}
	return nil
}

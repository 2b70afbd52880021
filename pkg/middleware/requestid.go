package middleware

import (
	"sync"

	"github.com/Suhaibinator/SEngine/pkg/envelope"
	"github.com/Suhaibinator/SEngine/pkg/scontext"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// RequestIDKey is the request context key holding the request ID.
const RequestIDKey = "request_id"

// IDGenerator provides efficient generation of request IDs by precomputing UUIDs
// on a background goroutine.
type IDGenerator struct {
	idChan   chan string
	stop     chan struct{}
	stopOnce sync.Once
}

// NewIDGenerator creates a generator keeping up to bufferSize UUIDs ready.
func NewIDGenerator(bufferSize int) *IDGenerator {
	if bufferSize < 1 {
		bufferSize = 1
	}
	g := &IDGenerator{
		idChan: make(chan string, bufferSize),
		stop:   make(chan struct{}),
	}
	go g.fill()
	return g
}

func (g *IDGenerator) fill() {
	for {
		id := uuid.New().String()
		select {
		case g.idChan <- id:
		case <-g.stop:
			return
		}
	}
}

// GetID returns a precomputed UUID, or generates one inline when the buffer is empty.
func (g *IDGenerator) GetID() string {
	select {
	case id := <-g.idChan:
		return id
	default:
		return uuid.New().String()
	}
}

// Stop terminates the background goroutine. GetID keeps working afterwards.
func (g *IDGenerator) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// NewULID returns a new lexicographically sortable ID.
func NewULID() string {
	return ulid.Make().String()
}

// RequestIDConfig configures the request ID entry.
type RequestIDConfig struct {
	Header        string        // Header carrying the ID (default X-Request-ID)
	Generator     func() string // ID source (default uuid.NewString)
	TrustIncoming bool          // Reuse an ID supplied by the client or an upstream proxy
}

// RequestID returns an entry that assigns every request an ID, stores it under
// RequestIDKey and as the trace ID, and echoes it on the response.
func RequestID(cfg RequestIDConfig) Entry {
	if cfg.Header == "" {
		cfg.Header = "X-Request-ID"
	}
	if cfg.Generator == nil {
		cfg.Generator = uuid.NewString
	}
	return Entry{
		Name:     "request_id",
		Priority: PriorityRequestID,
		Before: func(req *envelope.Request) (*envelope.Response, error) {
			id := ""
			if cfg.TrustIncoming {
				id = req.Header(cfg.Header)
			}
			if id == "" || len(id) > 128 {
				id = cfg.Generator()
			}
			req.Set(RequestIDKey, id)
			req.SetContext(scontext.WithTraceID(req.Context(), id))
			return nil, nil
		},
		After: func(req *envelope.Request, resp *envelope.Response) error {
			if id, ok := envelope.Value[string](req, RequestIDKey); ok {
				resp.Header.Set(cfg.Header, id)
			}
			return nil
		},
	}
}

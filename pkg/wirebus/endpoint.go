package wirebus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wirebus/wirebus/internal/endpoint"
)

// DeserializerMode selects where received payloads are decoded.
type DeserializerMode string

const (
	// Synchronous decodes payloads on the caller's goroutine during
	// retrieval, keeping the reception path free of codec work.
	Synchronous DeserializerMode = "synchronous"

	// Asynchronous decodes payloads as they arrive, on the reception
	// goroutine, so retrievals return pre-decoded objects. This is the
	// default.
	Asynchronous DeserializerMode = "asynchronous"
)

// EndpointConfig describes an endpoint: which relay to join, as which
// groups, and how payloads are encoded.
type EndpointConfig struct {
	Addr     string // relay host:port
	Password string
	Groups   []string // groups to join; at least one

	HeaderSize int
	MaxBody    int
	ReadBuf    int

	Security string // TLS (default) or TCP
	KeysDir  string // pinned relay certificate directory
	Hostname string // expected relay certificate hostname

	Codec        Codec            // nil = CBOR
	Deserializer DeserializerMode // "" = Asynchronous

	// Reconnection backoff. Zero values take the loop defaults.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       float64

	Logger *slog.Logger
}

// Endpoint is a peer: it joins groups on a relay, exchanges objects with the
// other members and buffers whatever it receives until the embedder asks.
type Endpoint struct {
	codec Codec
	mode  DeserializerMode
	loop  *endpoint.Loop
	buf   *inbox
	log   *slog.Logger

	stopOnce   sync.Once
	readerDone chan struct{}
}

// rawItem marks a payload buffered undecoded (Synchronous mode).
type rawItem []byte

// NewEndpoint connects to the relay and joins cfg.Groups. The connection is
// maintained in the background; the endpoint is usable immediately, with
// commands issued before the link is up buffered and sent once it is.
func NewEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	if len(cfg.Groups) == 0 {
		return nil, ErrEmptyDestination
	}
	for _, g := range cfg.Groups {
		if g == "" {
			return nil, ErrEmptyDestination
		}
	}
	codec := cfg.Codec
	if codec == nil {
		codec = CBORCodec()
	}
	mode := cfg.Deserializer
	switch mode {
	case "":
		mode = Asynchronous
	case Synchronous, Asynchronous:
	default:
		return nil, fmt.Errorf("unsupported deserializer mode %q", mode)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	loop, err := endpoint.Start(endpoint.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		Groups:       cfg.Groups,
		HeaderSize:   cfg.HeaderSize,
		MaxBody:      cfg.MaxBody,
		ReadBuf:      cfg.ReadBuf,
		Security:     cfg.Security,
		KeysDir:      cfg.KeysDir,
		Hostname:     cfg.Hostname,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Factor:       cfg.Factor,
		Jitter:       cfg.Jitter,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		codec:      codec,
		mode:       mode,
		loop:       loop,
		buf:        newInbox(),
		log:        logger,
		readerDone: make(chan struct{}),
	}
	go e.receive()
	return e, nil
}

// receive drains the network loop's inbox into the retrieval buffer,
// decoding eagerly in Asynchronous mode.
func (e *Endpoint) receive() {
	defer close(e.readerDone)
	defer e.buf.close()
	for payload := range e.loop.Inbox() {
		if e.mode == Synchronous {
			e.buf.push(rawItem(payload))
			continue
		}
		var v any
		if err := e.codec.Unmarshal(payload, &v); err != nil {
			e.log.Error("dropping undecodable object", "error", err)
			continue
		}
		e.buf.push(v)
	}
}

// SendObject encodes obj and sends it to destination: a group name, a slice
// of group names, or a map of group name to count. Name-only shapes mean
// broadcast; in the map form a positive count makes the object consumable
// that many times and a negative count broadcasts.
func (e *Endpoint) SendObject(obj any, destination any) error {
	dest, err := normalizeCounts(destination, -1)
	if err != nil {
		return err
	}
	payload, err := e.codec.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode object: %w", err)
	}
	return e.loop.Send(dest, payload)
}

// Broadcast sends obj to every member of group, sender included.
func (e *Endpoint) Broadcast(obj any, group string) error {
	return e.SendObject(obj, map[string]int{group: -1})
}

// Produce appends obj to group's consumable queue, to be taken exactly once
// by one notifying member.
func (e *Endpoint) Produce(obj any, group string) error {
	return e.SendObject(obj, map[string]int{group: 1})
}

// Notify declares appetite for consumables: a group name or slice means one
// item per group; the map form asks for count items per group, and a
// negative count drains the group's whole queue to this endpoint.
func (e *Endpoint) Notify(groups any) error {
	dest, err := normalizeCounts(groups, 1)
	if err != nil {
		return err
	}
	return e.loop.Notify(dest)
}

// Ping sends a health probe through the full command path. It has no
// observable effect.
func (e *Endpoint) Ping() error { return e.loop.Ping() }

// ReceiveAll returns every buffered object in arrival order and clears the
// buffer. With blocking it waits for at least one object.
func (e *Endpoint) ReceiveAll(blocking bool) ([]any, error) {
	items, closed := e.buf.all(blocking)
	return e.materialize(items, closed)
}

// Pop removes and returns up to maxItems of the oldest buffered objects.
func (e *Endpoint) Pop(maxItems int, blocking bool) ([]any, error) {
	if maxItems < 1 {
		return nil, ErrBadMaxItems
	}
	items, closed := e.buf.pop(maxItems, blocking)
	return e.materialize(items, closed)
}

// GetLast returns up to maxItems of the newest buffered objects and discards
// the rest of the buffer.
func (e *Endpoint) GetLast(maxItems int, blocking bool) ([]any, error) {
	if maxItems < 1 {
		return nil, ErrBadMaxItems
	}
	items, closed := e.buf.last(maxItems, blocking)
	return e.materialize(items, closed)
}

func (e *Endpoint) materialize(items []any, closed bool) ([]any, error) {
	if len(items) == 0 && closed {
		return nil, ErrStopped
	}
	out := make([]any, 0, len(items))
	for _, it := range items {
		raw, ok := it.(rawItem)
		if !ok {
			out = append(out, it)
			continue
		}
		var v any
		if err := e.codec.Unmarshal(raw, &v); err != nil {
			return out, fmt.Errorf("decode received object: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// PendingAcks reports how many sent frames still await relay acknowledgement.
func (e *Endpoint) PendingAcks() int { return e.loop.PendingAcks() }

// Stop closes the endpoint, granting in-flight deliveries a bounded window
// to be acknowledged. Safe to call more than once.
func (e *Endpoint) Stop() {
	e.stopOnce.Do(func() {
		e.loop.Stop()
		<-e.readerDone
	})
}

// Package messenger is the only channel between isolated execution
// contexts (observed game, supervisor, presentation). Each context owns an
// Endpoint with its own inbox and dispatch goroutine, so contexts never
// share memory: messages cross as encoded bytes.
//
// Outbound posts name the recipient and the origin the sender expects it to
// have; the bus refuses delivery when they differ. Inbound messages are
// dropped before any handler runs unless they come from an accepted origin
// and carry the slotscope marker.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/shortontech/slotscope/internal/event"
)

var (
	ErrUnknownEndpoint = errors.New("messenger: unknown endpoint")
	ErrDuplicateName   = errors.New("messenger: endpoint name already registered")
	ErrOriginMismatch  = errors.New("messenger: target origin does not match recipient")
	ErrInboxFull       = errors.New("messenger: recipient inbox full")
	ErrClosed          = errors.New("messenger: endpoint closed")
)

// Discard reasons reported to the Recorder.
const (
	ReasonOrigin    = "origin"
	ReasonMarker    = "marker"
	ReasonMalformed = "malformed"
	ReasonKind      = "kind"
)

const defaultInboxSize = 256

// Address identifies a context: a name to route on and the origin it runs under.
type Address struct {
	Name   string
	Origin string
}

func (a Address) String() string { return a.Name + "@" + a.Origin }

// Recorder receives delivery accounting. Discards are otherwise silent.
type Recorder interface {
	MessageDelivered(kind string)
	MessageDiscarded(reason string)
}

type nopRecorder struct{}

func (nopRecorder) MessageDelivered(string) {}
func (nopRecorder) MessageDiscarded(string) {}

// Option configures a Bus.
type Option func(*Bus)

// WithInboxSize sets the per-endpoint inbox capacity.
func WithInboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.inboxSize = n
		}
	}
}

// WithRecorder installs delivery accounting.
func WithRecorder(r Recorder) Option {
	return func(b *Bus) {
		if r != nil {
			b.rec = r
		}
	}
}

// Bus routes messages between registered endpoints.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	inboxSize int
	rec       Recorder
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		endpoints: make(map[string]*Endpoint),
		inboxSize: defaultInboxSize,
		rec:       nopRecorder{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates the endpoint for one context.
func (b *Bus) Register(name, origin string) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.endpoints[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	ep := &Endpoint{
		bus:      b,
		addr:     Address{Name: name, Origin: origin},
		inbox:    make(chan envelope, b.inboxSize),
		accept:   make(map[string]struct{}),
		handlers: make(map[event.Kind]Handler),
		done:     make(chan struct{}),
	}
	b.endpoints[name] = ep
	return ep, nil
}

func (b *Bus) lookup(name string) (*Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.endpoints[name]
	return ep, ok
}

// envelope is what actually crosses between contexts. origin is stamped by
// the bus from the sender's registration, never taken from the payload.
type envelope struct {
	origin string
	data   []byte
}

// Handler processes one validated message on the receiving context.
type Handler func(event.Message)

// Endpoint is one context's view of the bus.
type Endpoint struct {
	bus   *Bus
	addr  Address
	inbox chan envelope

	mu       sync.RWMutex
	accept   map[string]struct{}
	handlers map[event.Kind]Handler

	closeOnce sync.Once
	done      chan struct{}
}

// Address returns the endpoint's own address.
func (e *Endpoint) Address() Address { return e.addr }

// Accept adds origins whose messages this endpoint will process.
func (e *Endpoint) Accept(origins ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range origins {
		e.accept[o] = struct{}{}
	}
}

// Handle registers fn for kind, replacing any earlier handler.
func (e *Endpoint) Handle(kind event.Kind, fn Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = fn
}

// Post delivers msg to the endpoint named by to, provided its actual origin
// equals to.Origin. Delivery is best-effort and never blocks.
func (e *Endpoint) Post(to Address, msg event.Message) error {
	recipient, ok := e.bus.lookup(to.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, to.Name)
	}
	if recipient.addr.Origin != to.Origin {
		return fmt.Errorf("%w: %s is not %s", ErrOriginMismatch, to.Name, to.Origin)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	data, err := event.Encode(msg)
	if err != nil {
		return fmt.Errorf("messenger: encode %s: %w", msg.Kind, err)
	}
	return recipient.deliver(envelope{origin: e.addr.Origin, data: data})
}

func (e *Endpoint) deliver(env envelope) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.inbox <- env:
		return nil
	default:
		return ErrInboxFull
	}
}

// Run dispatches inbound messages one at a time until ctx is cancelled or
// the endpoint is closed. A handler finishes before the next message starts.
func (e *Endpoint) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		case env := <-e.inbox:
			e.dispatch(env)
		}
	}
}

// Close stops Run and rejects further deliveries.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *Endpoint) dispatch(env envelope) {
	e.mu.RLock()
	_, trusted := e.accept[env.origin]
	e.mu.RUnlock()
	if !trusted {
		e.bus.rec.MessageDiscarded(ReasonOrigin)
		return
	}

	msg, err := event.Decode(env.data)
	if err != nil {
		e.bus.rec.MessageDiscarded(ReasonMalformed)
		return
	}
	if !msg.Marker {
		e.bus.rec.MessageDiscarded(ReasonMarker)
		return
	}

	e.mu.RLock()
	fn, ok := e.handlers[msg.Kind]
	e.mu.RUnlock()
	if !ok {
		e.bus.rec.MessageDiscarded(ReasonKind)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus: %s handler for %s panicked: %v", e.addr.Name, msg.Kind, r)
		}
	}()
	fn(msg)
	e.bus.rec.MessageDelivered(string(msg.Kind))
}

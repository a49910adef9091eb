// Package sse streams Server-Sent Events over a response body of unknown
// length.
package sse

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/searchktools/rawserve/core/http"
)

// ErrBrokerFull is returned by Subscribe when MaxClients are connected.
var ErrBrokerFull = errors.New("sse: max clients reached")

// Event represents a Server-Sent Event
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int // milliseconds
}

// Format encodes the event in the text/event-stream format. Multi-line
// data becomes one data field per line.
func (e Event) Format() []byte {
	var b strings.Builder
	if e.ID != "" {
		b.WriteString("id: " + e.ID + "\n")
	}
	if e.Event != "" {
		b.WriteString("event: " + e.Event + "\n")
	}
	if e.Retry > 0 {
		b.WriteString("retry: " + strconv.Itoa(e.Retry) + "\n")
	}
	if e.Data != "" {
		for _, line := range strings.Split(e.Data, "\n") {
			b.WriteString("data: " + line + "\n")
		}
	}
	b.WriteString("\n")
	return []byte(b.String())
}

// Client is one subscribed stream
type Client struct {
	ID string

	mu     sync.Mutex
	events chan Event
	closed bool
}

func newClient(id string, bufferSize int) *Client {
	return &Client{ID: id, events: make(chan Event, bufferSize)}
}

// Send queues event without blocking. It reports false when the queue is
// full or the client is closed.
func (c *Client) Send(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- event:
		return true
	default:
		return false
	}
}

// Events returns the queue; it is closed with the client.
func (c *Client) Events() <-chan Event { return c.events }

// Close closes the client
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// BrokerOptions configure a Broker
type BrokerOptions struct {
	// Namespace prefixes event IDs.
	Namespace  string
	MaxClients int
	// Buffer is the per-client queue length.
	Buffer int
	Logger *zap.Logger
}

// Broker fans events out to subscribed clients
type Broker struct {
	opts    BrokerOptions
	log     *zap.Logger
	clients *xsync.MapOf[string, *Client]

	eventID   atomic.Uint64
	total     atomic.Int64
	published atomic.Int64
	dropped   atomic.Int64
}

// NewBroker creates a new SSE broker
func NewBroker(opts BrokerOptions) *Broker {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 10000
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 100
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Broker{
		opts:    opts,
		log:     opts.Logger,
		clients: xsync.NewMapOf[string, *Client](),
	}
}

// Subscribe registers a client under id. A client already registered
// under id is closed and replaced.
func (b *Broker) Subscribe(id string) (*Client, error) {
	if _, exists := b.clients.Load(id); !exists && b.clients.Size() >= b.opts.MaxClients {
		return nil, errors.Wrapf(ErrBrokerFull, "%d clients", b.opts.MaxClients)
	}
	c := newClient(id, b.opts.Buffer)
	if old, loaded := b.clients.LoadAndStore(id, c); loaded {
		old.Close()
	}
	b.total.Add(1)
	b.log.Debug("sse client subscribed", zap.String("client", id))
	return c, nil
}

// Unsubscribe removes c and closes it
func (b *Broker) Unsubscribe(c *Client) {
	b.clients.Compute(c.ID, func(cur *Client, loaded bool) (*Client, bool) {
		return cur, loaded && cur == c
	})
	c.Close()
}

func (b *Broker) next(eventType, data string) Event {
	id := b.eventID.Add(1)
	ev := Event{Event: eventType, Data: data, ID: strconv.FormatUint(id, 10)}
	if b.opts.Namespace != "" {
		ev.ID = b.opts.Namespace + "-" + ev.ID
	}
	return ev
}

// Publish sends an event to every client and returns it. Clients with a
// full queue miss it.
func (b *Broker) Publish(eventType, data string) Event {
	ev := b.next(eventType, data)
	b.published.Add(1)
	b.clients.Range(func(_ string, c *Client) bool {
		if !c.Send(ev) {
			b.dropped.Add(1)
		}
		return true
	})
	return ev
}

// PublishTo sends an event to one client
func (b *Broker) PublishTo(clientID, eventType, data string) error {
	c, ok := b.clients.Load(clientID)
	if !ok {
		return errors.Mark(errors.Newf("sse client %q not found", clientID), http.ErrNotFound)
	}
	b.published.Add(1)
	if !c.Send(b.next(eventType, data)) {
		b.dropped.Add(1)
		return errors.Newf("sse client %q queue full", clientID)
	}
	return nil
}

// ClientCount returns the number of subscribed clients
func (b *Broker) ClientCount() int {
	return b.clients.Size()
}

// Stats returns broker counters
func (b *Broker) Stats() map[string]any {
	return map[string]any{
		"namespace":        b.opts.Namespace,
		"total_clients":    b.total.Load(),
		"current_clients":  b.ClientCount(),
		"messages_sent":    b.published.Load(),
		"messages_dropped": b.dropped.Load(),
		"event_id":         b.eventID.Load(),
	}
}

// Package sse streams session events to HTTP clients as Server-Sent Events.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/soddygo/kode-acp/internal/session"
)

const (
	// WriteTimeout is the timeout for writing to SSE clients.
	// Prevents blocking on stale connections.
	WriteTimeout = 2 * time.Second

	// QueueSize bounds the events waiting to be written.
	QueueSize = 256
)

var errDetached = errors.New("client detached")

// Client represents a connected SSE client.
type Client struct {
	Writer   http.ResponseWriter
	Flusher  http.Flusher
	Done     chan struct{}
	ID       string
	once     sync.Once
	wmu      sync.Mutex
	detached bool
}

func (c *Client) close() {
	c.once.Do(func() { close(c.Done) })
}

// write sends one frame. It refuses once the client is detached, so nothing
// touches the ResponseWriter after its handler has returned.
func (c *Client) write(message string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.detached {
		return errDetached
	}
	// Unsupported on some writers; the select in writeToClient still bounds the wait.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Now().Add(WriteTimeout))
	if _, err := io.WriteString(c.Writer, message); err != nil {
		return err
	}
	c.Flusher.Flush()
	return nil
}

// detach waits for an in-flight write and blocks later ones.
func (c *Client) detach() {
	c.wmu.Lock()
	c.detached = true
	c.wmu.Unlock()
	c.close()
}

type frame struct {
	name string
	data []byte
	seq  uint64
}

// Broadcaster fans session events out to SSE clients. Publish never blocks
// the caller; a single pump goroutine writes frames in publish order.
type Broadcaster struct {
	clients map[string]*Client
	queue   chan frame
	nextID  int
	seq     uint64
	dropped uint64
	mu      sync.RWMutex
}

// NewBroadcaster creates a new SSE broadcaster. Call Run to start delivery.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
		queue:   make(chan frame, QueueSize),
	}
}

// Attach subscribes the broadcaster to bus and returns the unsubscribe func.
func (b *Broadcaster) Attach(bus *session.Bus) func() {
	return bus.Subscribe(func(ev session.Event) {
		b.Publish(string(ev.Type), ev)
	})
}

// Publish queues data as an event named name. When the queue is full the
// event is dropped and counted.
func (b *Broadcaster) Publish(name string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("Failed to marshal SSE data")
		return
	}

	b.mu.Lock()
	b.seq++
	f := frame{name: name, data: payload, seq: b.seq}
	b.mu.Unlock()

	select {
	case b.queue <- f:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		log.Warn().Str("event", name).Msg("SSE queue full, event dropped")
	}
}

// Run writes queued frames until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case f := <-b.queue:
			b.broadcast(f)
		case <-ctx.Done():
			b.closeAll()
			return
		}
	}
}

func (b *Broadcaster) broadcast(f frame) {
	message := fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", f.seq, f.name, f.data)

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client)
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	deadClientsCh := make(chan string, len(clients))
	var wg sync.WaitGroup

	for _, client := range clients {
		select {
		case <-client.Done:
			continue
		default:
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				b.writeToClient(c, message, deadClientsCh)
			}(client)
		}
	}

	wg.Wait()
	close(deadClientsCh)

	for clientID := range deadClientsCh {
		b.removeClientByID(clientID)
	}
}

// writeToClient writes a message to a single client with timeout.
func (b *Broadcaster) writeToClient(client *Client, message string, deadCh chan<- string) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.write(message)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Debug().
				Str("clientId", client.ID).
				Err(err).
				Msg("Failed to write to SSE client, marking for removal")
			deadCh <- client.ID
		}
	case <-time.After(WriteTimeout):
		log.Warn().
			Str("clientId", client.ID).
			Dur("timeout", WriteTimeout).
			Msg("SSE write timed out, marking client for removal")
		deadCh <- client.ID
	case <-client.Done:
	}
}

// AddClient registers w as a client.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:      fmt.Sprintf("client-%d", b.nextID),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[client.ID] = client
	clientCount := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("totalClients", clientCount).Msg("SSE client connected")
	return client, nil
}

// RemoveClient removes a client connection. It returns once no write to the
// client's ResponseWriter is in progress, and none will start afterwards.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.removeClientByID(client.ID)
	client.detach()
}

func (b *Broadcaster) removeClientByID(id string) {
	b.mu.Lock()
	client, exists := b.clients[id]
	delete(b.clients, id)
	clientCount := len(b.clients)
	b.mu.Unlock()

	if exists {
		client.close()
		log.Debug().Str("clientId", id).Int("totalClients", clientCount).Msg("SSE client removed")
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[string]*Client)
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Dropped returns how many events were dropped on a full queue.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// HandleSSE serves one event stream until the request or the broadcaster ends.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	// The greeting is written before registration so the pump never writes
	// to w concurrently with this handler.
	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	w.(http.Flusher).Flush()

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	select {
	case <-r.Context().Done():
	case <-client.Done:
	}
}

package chainevents

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrServerShuttingDown is returned when the server is in the process of
// shutting down.
var ErrServerShuttingDown = errors.New("chain event server shutting down")

// defaultQueueSize is the initial buffer of a client's unbounded queue.
const defaultQueueSize = 20

// Client receives the chain events it subscribed to. Events are queued
// without bound, so a slow client never stalls the chain.
type Client struct {
	// cancel should be called in case the client no longer wants to
	// receive events.
	cancel func()

	queue  *queue.ConcurrentQueue
	events chan Event
	quit   chan struct{}
	wg     sync.WaitGroup
}

// Updates returns the channel events are delivered on, in the order they
// happened. It is closed once the subscription ends.
func (c *Client) Updates() <-chan Event {
	return c.events
}

// Quit is a channel that will be closed in case the server decides to no
// longer deliver events to this client.
func (c *Client) Quit() <-chan struct{} {
	return c.quit
}

// Cancel ends the subscription.
func (c *Client) Cancel() {
	c.cancel()
}

// forward moves events from the queue onto the typed channel.
//
// NOTE: MUST be run as a goroutine.
func (c *Client) forward() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		select {
		case item, ok := <-c.queue.ChanOut():
			if !ok {
				return
			}

			select {
			case c.events <- item.(Event):
			case <-c.quit:
				return
			}

		case <-c.quit:
			return
		}
	}
}

// stop tears the client down. It must only be called by the server's handler.
func (c *Client) stop() {
	close(c.quit)
	c.queue.Stop()
	c.wg.Wait()
}

// Server fans chain events out to every active client. A newly subscribed
// client first receives the latest tip, if one is known.
type Server struct {
	clientCounter uint64 // To be used atomically.

	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	clients       map[uint64]*Client
	clientUpdates chan *clientUpdate
	updates       chan Event

	// latest is the last event sent, replayed to new clients. It is only
	// accessed by the handler.
	latest Event

	quit chan struct{}
	wg   sync.WaitGroup
}

// clientUpdate registers or cancels a client.
type clientUpdate struct {
	cancel   bool
	clientID uint64
	client   *Client
}

// NewServer returns a new Server.
func NewServer() *Server {
	return &Server{
		clients:       make(map[uint64]*Client),
		clientUpdates: make(chan *clientUpdate),
		updates:       make(chan Event),
		quit:          make(chan struct{}),
	}
}

// Start starts the Server, making it ready to accept subscriptions and
// events.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return nil
	}

	log.Debugf("Chain event server starting")

	s.wg.Add(1)
	go s.handler()

	return nil
}

// Stop stops the server and ends all subscriptions.
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return nil
	}

	log.Debugf("Chain event server shutting down")

	close(s.quit)
	s.wg.Wait()

	return nil
}

// Subscribe returns a Client that receives every subsequent chain event.
func (s *Server) Subscribe() (*Client, error) {
	clientID := atomic.AddUint64(&s.clientCounter, 1)

	client := &Client{
		queue:  queue.NewConcurrentQueue(defaultQueueSize),
		events: make(chan Event),
		quit:   make(chan struct{}),
	}
	client.cancel = func() {
		select {
		case s.clientUpdates <- &clientUpdate{
			cancel:   true,
			clientID: clientID,
		}:
		case <-s.quit:
		}
	}

	select {
	case s.clientUpdates <- &clientUpdate{
		clientID: clientID,
		client:   client,
	}:
	case <-s.quit:
		return nil, ErrServerShuttingDown
	}

	return client, nil
}

// SendUpdate delivers event to all active clients.
func (s *Server) SendUpdate(event Event) error {
	select {
	case s.updates <- event:
		return nil
	case <-s.quit:
		return ErrServerShuttingDown
	}
}

// handler owns the client set and forwards events.
//
// NOTE: MUST be run as a goroutine.
func (s *Server) handler() {
	defer s.wg.Done()

	for {
		select {
		case update := <-s.clientUpdates:
			if update.cancel {
				client, ok := s.clients[update.clientID]
				if ok {
					client.stop()
					delete(s.clients, update.clientID)
				}

				continue
			}

			client := update.client
			client.queue.Start()
			client.wg.Add(1)
			go client.forward()

			if s.latest != nil {
				client.queue.ChanIn() <- s.latest
			}
			s.clients[update.clientID] = client

		case event := <-s.updates:
			s.latest = event
			log.Debugf("Dispatching %v to %d clients", event,
				len(s.clients))

			for _, client := range s.clients {
				select {
				case client.queue.ChanIn() <- event:
				case <-client.quit:
				case <-s.quit:
					return
				}
			}

		case <-s.quit:
			for _, client := range s.clients {
				client.stop()
			}

			return
		}
	}
}

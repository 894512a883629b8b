package replicator

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/litecore-db/litecore/pkg/actor"
	"github.com/litecore-db/litecore/pkg/status"
)

// MessageStream is the byte transport a Conn runs over: one frame per
// message, delivered in order. The websocket implementation lives in
// websocket.go; tests use an in-memory pair.
type MessageStream interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// receiveWindow bounds how many incoming requests may be dispatched but not
// yet acknowledged via CompletedReceive. The read loop stalls when the
// window is exhausted, pushing backpressure onto the transport.
const receiveWindow = 64

// RequestHandler handles one incoming request. respond must be called
// exactly once unless the request is NoReply.
type RequestHandler func(req *Message, respond func(*Message))

// Conn is the framed bidirectional message channel. Outbound sends are
// serialized through a sender actor; incoming frames are matched to pending
// request futures or dispatched to profile handlers.
type Conn struct {
	stream MessageStream
	sender *actor.Actor
	log    *logrus.Logger

	mu       sync.Mutex
	nextNo   uint64
	pending  map[uint64]*actor.Future[*Message]
	handlers map[string]RequestHandler
	closed   bool
	closeErr error
	onClose  []func(error)

	credits chan struct{}
	done    chan struct{}
}

// NewConn wraps a message stream and starts its read loop.
func NewConn(stream MessageStream, log *logrus.Logger) *Conn {
	if log == nil {
		log = logrus.New()
	}
	c := &Conn{
		stream:   stream,
		sender:   actor.New("connection-sender"),
		log:      log,
		pending:  map[uint64]*actor.Future[*Message]{},
		handlers: map[string]RequestHandler{},
		credits:  make(chan struct{}, receiveWindow),
		done:     make(chan struct{}),
	}
	for i := 0; i < receiveWindow; i++ {
		c.credits <- struct{}{}
	}
	go c.readLoop()
	return c
}

// SetHandler registers the handler for a request profile. Must be done
// before traffic for that profile arrives.
func (c *Conn) SetHandler(profile string, h RequestHandler) {
	c.mu.Lock()
	c.handlers[profile] = h
	c.mu.Unlock()
}

// OnClose registers a callback fired once when the connection dies.
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// SendRequest transmits a request and returns the future reply.
func (c *Conn) SendRequest(msg *Message) *actor.Future[*Message] {
	fut := actor.NewFuture[*Message]()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fut.Complete(nil, status.Disconnected("connection is closed"))
		return fut
	}
	c.nextNo++
	msg.Number = c.nextNo
	msg.Type = TypeRequest
	c.pending[msg.Number] = fut
	c.mu.Unlock()

	c.write(msg)
	return fut
}

// SendNoReply transmits a request that expects no reply.
func (c *Conn) SendNoReply(msg *Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return status.Disconnected("connection is closed")
	}
	c.nextNo++
	msg.Number = c.nextNo
	msg.Type = TypeRequest
	msg.NoReply = true
	c.mu.Unlock()

	c.write(msg)
	return nil
}

func (c *Conn) write(msg *Message) {
	data := msg.Encode()
	err := c.sender.Enqueue(func() {
		if err := c.stream.WriteMessage(data); err != nil {
			c.teardown(status.Wrap(err, status.DomainNetwork, status.CodeIOError,
				"writing frame"))
		}
	})
	if err != nil && msg.Type == TypeRequest && !msg.NoReply {
		c.failPending(msg.Number)
	}
}

func (c *Conn) failPending(number uint64) {
	c.mu.Lock()
	fut := c.pending[number]
	delete(c.pending, number)
	c.mu.Unlock()
	if fut != nil {
		fut.Complete(nil, status.Disconnected("connection is closed"))
	}
}

// Close tears the connection down; outstanding futures complete with
// Disconnected.
func (c *Conn) Close() error {
	c.teardown(status.Disconnected("connection closed locally"))
	return nil
}

// Done is closed when the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = map[uint64]*actor.Future[*Message]{}
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	c.stream.Close()
	// the sender actor may be the one tearing us down after a failed
	// write, so it cannot wait for itself
	go c.sender.Close()
	for _, fut := range pending {
		fut.Complete(nil, status.Disconnected("connection closed"))
	}
	for _, fn := range callbacks {
		fn(cause)
	}
	close(c.done)
}

// CompletedReceive returns one unit of receive credit. Handlers call it (via
// their respond func) when they are done with a request's body, letting the
// read loop accept more traffic.
func (c *Conn) CompletedReceive() {
	select {
	case c.credits <- struct{}{}:
	default:
	}
}

func (c *Conn) readLoop() {
	for {
		data, err := c.stream.ReadMessage()
		if err != nil {
			c.teardown(status.Wrap(err, status.DomainNetwork, status.CodeDisconnected,
				"reading frame"))
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			// protocol violation: close with a structured status
			c.log.Errorf("closing connection on malformed frame: %v", err)
			c.teardown(err)
			return
		}

		switch msg.Type {
		case TypeRequest:
			c.dispatchRequest(msg)
		case TypeResponse, TypeError:
			c.mu.Lock()
			fut := c.pending[msg.Number]
			delete(c.pending, msg.Number)
			c.mu.Unlock()
			if fut != nil {
				fut.Complete(msg, nil)
			} else {
				c.log.Debugf("dropping reply to unknown request %d", msg.Number)
			}
		}
	}
}

func (c *Conn) dispatchRequest(req *Message) {
	// backpressure: wait for a receive slot, unless we shut down first
	select {
	case <-c.credits:
	case <-c.done:
		return
	}

	c.mu.Lock()
	h := c.handlers[req.Profile]
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if h == nil {
		c.log.Warnf("no handler for profile %q", req.Profile)
		if !req.NoReply {
			c.write(NewErrorResponse(req, status.DomainNetwork, status.CodeRemoteError,
				"unknown profile "+req.Profile))
		}
		c.CompletedReceive()
		return
	}

	var once sync.Once
	respond := func(resp *Message) {
		once.Do(func() {
			if !req.NoReply {
				if resp != nil {
					resp.Number = req.Number
					c.write(resp)
				}
				c.CompletedReceive()
			}
		})
	}
	h(req, respond)
	if req.NoReply {
		c.CompletedReceive()
	}
}

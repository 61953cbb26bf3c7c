package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/relaylink/internal/protocol"
	"github.com/danmuck/relaylink/internal/protocol/frame"
	"github.com/danmuck/relaylink/internal/protocol/session"
)

var (
	ErrClientGone        = errors.New("relay: client disconnected")
	ErrUnexpectedControl = fmt.Errorf("%w: control message after handshake", protocol.ErrProtocolViolation)
)

// Response is one data message received from a client.
type Response struct {
	Packets int
	Payload []byte
}

// Client is an admitted link connection.
type Client struct {
	UUID    string
	Version string

	conn         net.Conn
	limits       frame.Limits
	writeTimeout time.Duration

	writeMu   sync.Mutex
	requestMu sync.Mutex
	inbox     chan Response
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(a session.Announce, conn net.Conn, limits frame.Limits, writeTimeout time.Duration) *Client {
	return &Client{
		UUID:         a.UUID,
		Version:      a.Version,
		conn:         conn,
		limits:       limits,
		writeTimeout: writeTimeout,
		inbox:        make(chan Response, 16),
		done:         make(chan struct{}),
	}
}

// Done is closed when the client connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send pushes one request without waiting for a response.
func (c *Client) Send(payload []byte) error {
	chunks, err := frame.EncodeData(payload, c.limits)
	if err != nil {
		return err
	}
	return c.SendChunks(chunks)
}

// SendChunks writes pre-encoded chunks verbatim.
func (c *Client) SendChunks(chunks [][]byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClientGone
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	if err := frame.WriteChunks(c.conn, chunks); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTransport, err)
	}
	return nil
}

// Receive waits for the next response from the client.
func (c *Client) Receive(ctx context.Context) (Response, error) {
	select {
	case resp := <-c.inbox:
		return resp, nil
	case <-c.done:
		select {
		case resp := <-c.inbox:
			return resp, nil
		default:
		}
		return Response{}, ErrClientGone
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Request sends payload and waits for the next response. Concurrent requests
// are serialized.
func (c *Client) Request(ctx context.Context, payload []byte) (Response, error) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()
	if err := c.Send(payload); err != nil {
		return Response{}, err
	}
	return c.Receive(ctx)
}

// Close drops the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readLoop(ctx context.Context) error {
	defer c.Close()
	for {
		msg, err := frame.ReadMessage(c.conn, c.limits)
		if err != nil {
			return err
		}
		if msg.Control {
			return fmt.Errorf("%w: id=%d", ErrUnexpectedControl, msg.ID)
		}
		body, err := msg.Payload(c.limits)
		if err != nil {
			return err
		}
		select {
		case c.inbox <- Response{Packets: msg.Packets, Payload: body}:
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

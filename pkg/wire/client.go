package wire

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

const defaultDialTimeout = 2 * time.Second

// Client speaks the wire protocol over a single reused connection. Requests are
// serialized; a failed request drops the connection and the next one redials.
type Client struct {
	addr   string
	dialer net.Dialer

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewClient creates a client for addr (host:port). No connection is made yet.
func NewClient(addr string) *Client {
	return &Client{addr: addr, dialer: net.Dialer{Timeout: defaultDialTimeout}}
}

// Put stores value under key.
func (c *Client) Put(ctx context.Context, key, value []byte) error {
	err := checkFrame(key)
	if err == nil {
		err = checkFrame(value)
	}

	if err != nil {
		return err
	}

	return c.roundTrip(ctx, func(w *bufio.Writer, r *bufio.Reader) error {
		_, err := w.Write(TagPut[:])
		if err != nil {
			return err
		}

		err = writeLen(w, len(key))
		if err != nil {
			return err
		}

		err = writeLen(w, len(value))
		if err != nil {
			return err
		}

		_, err = w.Write(key)
		if err != nil {
			return err
		}

		_, err = w.Write(value)
		if err != nil {
			return err
		}

		return readAck(w, r, "put")
	})
}

// Get returns the value of key, or nil and false when absent. An empty value is
// indistinguishable from an absent key on this protocol.
func (c *Client) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	err := checkFrame(key)
	if err != nil {
		return nil, false, err
	}

	var value []byte

	err = c.roundTrip(ctx, func(w *bufio.Writer, r *bufio.Reader) error {
		err := writeKeyed(w, TagGet, key)
		if err != nil {
			return err
		}

		err = w.Flush()
		if err != nil {
			return err
		}

		n, err := readLen(r)
		if err != nil {
			return err
		}

		value, err = readBytes(r, n)

		return err
	})
	if err != nil {
		return nil, false, err
	}

	return value, len(value) > 0, nil
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key []byte) error {
	err := checkFrame(key)
	if err != nil {
		return err
	}

	return c.roundTrip(ctx, func(w *bufio.Writer, r *bufio.Reader) error {
		err := writeKeyed(w, TagDel, key)
		if err != nil {
			return err
		}

		return readAck(w, r, "delete")
	})
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reset()
}

func (c *Client) roundTrip(ctx context.Context, fn func(*bufio.Writer, *bufio.Reader) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return sentinel.Classify(sentinel.ErrCommunication, err, "dial "+c.addr)
		}

		c.conn = conn
		c.r = bufio.NewReader(conn)
		c.w = bufio.NewWriter(conn)
	}

	conn := c.conn
	deadline, _ := ctx.Deadline()

	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	err := fn(c.w, c.r)
	if err != nil {
		_ = c.reset()

		if ctx.Err() != nil {
			return sentinel.Classify(sentinel.ErrTimeoutOrCanceled, ctx.Err(), c.addr)
		}

		if errors.Is(err, sentinel.ErrCommunication) {
			return err
		}

		return sentinel.Classify(sentinel.ErrCommunication, err, c.addr)
	}

	return nil
}

func (c *Client) reset() error {
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn, c.r, c.w = nil, nil, nil

	return err
}

func writeKeyed(w io.Writer, tag [4]byte, key []byte) error {
	_, err := w.Write(tag[:])
	if err != nil {
		return err
	}

	err = writeLen(w, len(key))
	if err != nil {
		return err
	}

	_, err = w.Write(key)

	return err
}

func readAck(w *bufio.Writer, r io.Reader, op string) error {
	err := w.Flush()
	if err != nil {
		return err
	}

	var ack [2]byte

	_, err = io.ReadFull(r, ack[:])
	if err != nil {
		return err
	}

	if ack != AckOK {
		return ewrap.Wrapf(sentinel.ErrCommunication, "%s rejected by server", op)
	}

	return nil
}

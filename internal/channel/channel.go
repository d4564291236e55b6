// Package channel speaks the kernel messaging protocol over a gateway
// WebSocket: it sends execute requests and reads the replies that belong to
// them.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"docforge/internal/logging"
)

// ErrTimeout is returned when a context deadline or cancellation ends a
// channel operation. The connection is closed when it happens.
var ErrTimeout = errors.New("channel: deadline exceeded")

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("channel: closed")

// TransportError reports a dial, read or write failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "channel: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// Options configures Dial.
type Options struct {
	Token            string
	HandshakeTimeout time.Duration
	// Session is the client session token sent in every header. Empty means
	// a fresh one per channel.
	Session string
}

// Channel is a duplex connection to one kernel.
type Channel struct {
	conn     *websocket.Conn
	session  string
	kernelID string

	writeMu sync.Mutex
	closed  atomic.Bool
}

// URL derives the channel URL for a kernel from the gateway base URL:
// http maps to ws and https to wss.
func URL(baseURL, kernelID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("channel: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("channel: unsupported scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/api/kernels/" + url.PathEscape(kernelID) + "/channels"
	u.RawPath = ""
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the channel for kernelID.
func Dial(ctx context.Context, baseURL, kernelID string, opts Options) (*Channel, error) {
	wsURL, err := URL(baseURL, kernelID, opts.Token)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshake,
	}
	hdr := http.Header{}
	if opts.Token != "" {
		hdr.Set("Authorization", "token "+opts.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: dial: %v", ErrTimeout, err)
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}

	session := opts.Session
	if session == "" {
		session = NewID()
	}
	logging.ChannelDebug("channel open for kernel %s", kernelID)
	return &Channel{conn: conn, session: session, kernelID: kernelID}, nil
}

// Session returns the client session token.
func (c *Channel) Session() string { return c.session }

// Send writes an execute request.
func (c *Channel) Send(ctx context.Context, req Request) error {
	if c.closed.Load() {
		return &TransportError{Op: "send", Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return c.expire("send", err)
	}

	// Cancellation without a deadline does not interrupt a write in progress.
	deadline, _ := ctx.Deadline()
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(deadline)
	err := c.conn.WriteJSON(req.envelope(c.session))
	c.writeMu.Unlock()

	if err != nil {
		if ctx.Err() != nil || isNetTimeout(err) {
			return c.expire("send", err)
		}
		_ = c.Close()
		return &TransportError{Op: "send", Err: err}
	}
	logging.ChannelDebug("sent %s %s to kernel %s (%d bytes of code)", MsgTypeExecute, req.MsgID, c.kernelID, len(req.Code))
	return nil
}

// Next reads the next text frame. Frames that do not decode come back as
// KindOther with no parent id.
func (c *Channel) Next(ctx context.Context) (Message, error) {
	if c.closed.Load() {
		return Message{}, &TransportError{Op: "read", Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return Message{}, c.expire("read", err)
	}

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || isNetTimeout(err) {
				return Message{}, c.expire("read", err)
			}
			_ = c.Close()
			return Message{}, &TransportError{Op: "read", Err: err}
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := ParseMessage(data)
		if err != nil {
			logging.ChannelDebug("undecodable frame: %v", err)
		}
		return msg, nil
	}
}

// Collected is what Collect gathered for one request.
type Collected struct {
	// Stdout is every stdout stream chunk, concatenated in arrival order.
	Stdout string
	// Failure is set when the request ended with an error message.
	Failure *ErrorContent
	// Idle reports that the kernel went idle for the request.
	Idle bool
	// Discarded counts messages that belonged to other requests.
	Discarded int
}

// Collect reads until the message stream for msgID terminates: at the first
// error message, or at an idle status. Messages with another parent id are
// discarded. On error the partial result is returned alongside.
func (c *Channel) Collect(ctx context.Context, msgID string) (Collected, error) {
	var (
		out    Collected
		stdout strings.Builder
	)
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			out.Stdout = stdout.String()
			return out, err
		}
		if msg.ParentID != msgID {
			out.Discarded++
			continue
		}

		switch msg.Kind {
		case KindOutput:
			s, err := msg.Stream()
			if err != nil {
				logging.ChannelWarn("bad stream content: %v", err)
				continue
			}
			if s.Name == "stdout" {
				stdout.WriteString(s.Text)
			} else {
				logging.ChannelDebug("%s: %s", s.Name, strings.TrimSpace(s.Text))
			}
		case KindError:
			f, err := msg.Failure()
			if err != nil {
				f = ErrorContent{EName: "Error", EValue: err.Error()}
			}
			out.Failure = &f
			out.Stdout = stdout.String()
			return out, nil
		case KindStatus:
			s, err := msg.Status()
			if err == nil && s.ExecutionState == "idle" {
				out.Idle = true
				out.Stdout = stdout.String()
				return out, nil
			}
		}
	}
}

// Close sends a close frame and closes the connection. It is safe to call
// more than once.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Channel) expire(op string, cause error) error {
	_ = c.Close()
	logging.ChannelWarn("%s on kernel %s expired: %v", op, c.kernelID, cause)
	return fmt.Errorf("%w: %s: %v", ErrTimeout, op, cause)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Package transport implements the client side of a multiplexed connection.
//
// A ClientTransport carries many concurrent calls over a single connection.
// Each request gets a sequence number, and a background reader routes every
// response frame to the caller waiting on that number.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single conn ──→ server
//	goroutine-3 ──Call(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
//
// A caller whose context ends before the response arrives sends a cancel
// frame for its sequence number and returns immediately.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"

	"unary-rpc/codec"
	"unary-rpc/message"
	"unary-rpc/protocol"
	"unary-rpc/status"
)

// DefaultHeartbeat is the interval between heartbeat frames.
const DefaultHeartbeat = 30 * time.Second

// ErrClosed is reported for calls on a transport that has been closed.
var ErrClosed = errors.New("transport is closed")

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn      net.Conn
	codec     codec.Codec
	log       *zap.Logger
	heartbeat time.Duration

	seq     atomic.Uint32
	pending sync.Map   // uint32 → chan *message.RPCMessage
	sending sync.Mutex // serializes frame writes

	tasks *taskgroup.Group
	done  chan struct{}
	once  sync.Once
	err   error // why the transport stopped; valid once done is closed
}

// An Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithLogger sets the logger for connection-level events.
func WithLogger(log *zap.Logger) Option {
	return func(t *ClientTransport) {
		if log != nil {
			t.log = log
		}
	}
}

// WithHeartbeat sets the heartbeat interval. A value ≤ 0 disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = d }
}

// New starts a transport over conn using the given envelope codec. It takes
// ownership of conn.
func New(conn net.Conn, ct codec.CodecType, opts ...Option) (*ClientTransport, error) {
	cdc, err := codec.GetCodec(ct)
	if err != nil {
		return nil, err
	}
	t := &ClientTransport{
		conn:      conn,
		codec:     cdc,
		log:       zap.NewNop(),
		heartbeat: DefaultHeartbeat,
		tasks:     taskgroup.New(nil),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(zap.Stringer("remote", conn.RemoteAddr()))

	t.tasks.Go(t.recvLoop)
	if t.heartbeat > 0 {
		t.tasks.Go(t.heartbeatLoop)
	}
	return t, nil
}

// Dial connects to addr and starts a transport over the connection.
func Dial(ctx context.Context, addr string, ct codec.CodecType, opts ...Option) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	t, err := New(conn, ct, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// Call sends a request for serviceMethod and waits for its response.
//
// A non-nil error means the call did not complete at the transport level:
// the context ended, or the connection failed. A response carrying an error
// status is returned with a nil error; see message.RPCMessage.Failed.
func (t *ClientTransport) Call(ctx context.Context, serviceMethod string, md map[string]string, payload []byte) (*message.RPCMessage, error) {
	select {
	case <-t.done:
		return nil, t.err
	default:
	}
	body, err := t.codec.Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Metadata:      md,
		Payload:       payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	seq := t.seq.Add(1)
	ch := make(chan *message.RPCMessage, 1) // recvLoop never blocks on delivery
	t.pending.Store(seq, ch)

	if err := t.write(protocol.MsgTypeRequest, seq, body); err != nil {
		t.pending.Delete(seq)
		t.fail(err)
		return nil, err
	}

	select {
	case rsp := <-ch:
		return rsp, nil
	case <-ctx.Done():
		if _, waiting := t.pending.LoadAndDelete(seq); waiting {
			if err := t.write(protocol.MsgTypeCancel, seq, nil); err != nil {
				t.log.Debug("sending cancel failed", zap.Uint32("seq", seq), zap.Error(err))
			}
		}
		return nil, ctx.Err()
	case <-t.done:
		// A response may have been routed just before the connection failed.
		select {
		case rsp := <-ch:
			return rsp, nil
		default:
		}
		t.pending.Delete(seq)
		return nil, t.err
	}
}

// Done returns a channel that is closed when the transport stops.
func (t *ClientTransport) Done() <-chan struct{} { return t.done }

// Err reports why the transport stopped, or nil if it is still running.
func (t *ClientTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Close shuts down the transport and waits for its goroutines to exit.
// Calls in flight report ErrClosed.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	t.tasks.Wait()
	return nil
}

func (t *ClientTransport) write(mt protocol.MsgType, seq uint32, body []byte) error {
	h := &protocol.Header{CodecType: byte(t.codec.Type()), MsgType: mt, Seq: seq}
	t.sending.Lock()
	defer t.sending.Unlock()
	return protocol.Encode(t.conn, h, body)
}

// fail stops the transport with err. Only the first call has any effect.
func (t *ClientTransport) fail(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
		t.conn.Close()
		if err != ErrClosed {
			t.log.Warn("transport stopped", zap.Error(err))
		}
	})
}

// recvLoop reads response frames and routes each to its caller. It is the
// only reader of the connection.
func (t *ClientTransport) recvLoop() error {
	for {
		h, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(fmt.Errorf("connection lost: %w", err))
			return nil
		}
		if h.MsgType != protocol.MsgTypeResponse {
			continue
		}
		cdc, err := codec.GetCodec(codec.CodecType(h.CodecType))
		if err != nil {
			t.fail(err)
			return nil
		}
		var rsp message.RPCMessage
		if err := cdc.Decode(body, &rsp); err != nil {
			t.log.Warn("dropping undecodable response", zap.Uint32("seq", h.Seq), zap.Error(err))
			if ch, ok := t.pending.LoadAndDelete(h.Seq); ok {
				ch.(chan *message.RPCMessage) <- &message.RPCMessage{
					Code:  uint32(status.Internal),
					Error: "decoding response: " + err.Error(),
				}
			}
			continue
		}
		if ch, ok := t.pending.LoadAndDelete(h.Seq); ok {
			ch.(chan *message.RPCMessage) <- &rsp
		}
	}
}

// heartbeatLoop sends an empty heartbeat frame every interval until the
// transport stops.
func (t *ClientTransport) heartbeatLoop() error {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return nil
		case <-ticker.C:
			if err := t.write(protocol.MsgTypeHeartbeat, 0, nil); err != nil {
				t.fail(err)
				return nil
			}
		}
	}
}

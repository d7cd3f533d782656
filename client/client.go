// Package client implements an RPC client that discovers servers through a
// registry and spreads calls over them with a load balancer.
//
// Call flow:
//
//	Call → Registry.Discover → Balancer.Pick → pooled transport → response
//
// A call that fails with Unavailable, for example because the picked server
// is unreachable or shutting down, is retried on a freshly picked instance.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"unary-rpc/codec"
	"unary-rpc/lifecycle"
	"unary-rpc/loadbalance"
	"unary-rpc/message"
	"unary-rpc/registry"
	"unary-rpc/status"
	"unary-rpc/transport"
)

// ErrClosed is reported for calls on a closed client.
var ErrClosed = errors.New("client is closed")

// Client calls services located through a registry. It is safe for
// concurrent use.
type Client struct {
	reg       registry.Registry
	bal       loadbalance.Balancer
	codec     codec.CodecType
	poolSize  int
	backoff   lifecycle.Backoff
	heartbeat time.Duration
	log       *zap.Logger

	mu     sync.Mutex
	pools  map[string]*pool // addr → transports
	closed bool
}

// An Option configures a Client.
type Option func(*Client)

// WithBalancer sets the load balancer. The default is round robin.
func WithBalancer(b loadbalance.Balancer) Option { return func(c *Client) { c.bal = b } }

// WithCodec sets the envelope codec. The default is JSON.
func WithCodec(ct codec.CodecType) Option { return func(c *Client) { c.codec = ct } }

// WithPoolSize sets the number of connections kept per server address.
func WithPoolSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.poolSize = n
		}
	}
}

// WithRetry sets the schedule for retrying Unavailable calls. A schedule
// with MaxAttempts 1 disables retries.
func WithRetry(b lifecycle.Backoff) Option { return func(c *Client) { c.backoff = b } }

// WithHeartbeat sets the heartbeat interval of pooled connections.
func WithHeartbeat(d time.Duration) Option { return func(c *Client) { c.heartbeat = d } }

// WithLogger sets the logger for the client.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log.Named("client")
		}
	}
}

// NewClient constructs a client that discovers servers in reg.
func NewClient(reg registry.Registry, opts ...Option) *Client {
	c := &Client{
		reg:       reg,
		bal:       &loadbalance.RoundRobin{},
		codec:     codec.CodecTypeJSON,
		poolSize:  1,
		backoff:   lifecycle.DefaultBackoff,
		heartbeat: transport.DefaultHeartbeat,
		log:       zap.NewNop(),
		pools:     make(map[string]*pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallOption adjusts a single call.
type CallOption func(*callOpts)

type callOpts struct {
	md       map[string]string
	key      string
	response *map[string]string
}

// WithMetadata attaches md to the request.
func WithMetadata(md map[string]string) CallOption {
	return func(o *callOpts) { o.md = md }
}

// WithKey sets the key used by key-aware balancers such as consistent hash.
func WithKey(key string) CallOption {
	return func(o *callOpts) { o.key = key }
}

// ResponseMetadata stores the metadata returned with the response in *md.
func ResponseMetadata(md *map[string]string) CallOption {
	return func(o *callOpts) { o.response = md }
}

// Call invokes serviceMethod with args and decodes the result into reply,
// which must be a pointer or nil. A failure reported by the server is
// returned as a *status.Error; one that never reached a server is reported
// as Unavailable.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any, opts ...CallOption) error {
	var o callOpts
	for _, opt := range opts {
		opt(&o)
	}
	service, _, err := message.SplitServiceMethod(serviceMethod)
	if err != nil {
		return status.Wrap(status.InvalidArgument, err)
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return status.Newf(status.InvalidArgument, "encoding request: %v", err)
	}

	var rsp *message.RPCMessage
	err = lifecycle.Retry(ctx, c.backoff, unavailable, func(ctx context.Context) error {
		var err error
		rsp, err = c.attempt(ctx, service, serviceMethod, payload, &o)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		c.log.Warn("call failed, retrying",
			zap.String("method", serviceMethod), zap.Int("attempt", attempt),
			zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return status.Convert(err)
	}
	if o.response != nil {
		*o.response = rsp.Metadata
	}
	if reply != nil && len(rsp.Payload) != 0 {
		if err := json.Unmarshal(rsp.Payload, reply); err != nil {
			return status.Newf(status.Internal, "decoding response: %v", err)
		}
	}
	return nil
}

// unavailable classifies the errors worth retrying on another instance.
func unavailable(err error) bool { return status.CodeOf(err) == status.Unavailable }

func (c *Client) attempt(ctx context.Context, service, serviceMethod string, payload []byte, o *callOpts) (*message.RPCMessage, error) {
	insts, err := c.reg.Discover(ctx, service)
	if err != nil {
		return nil, status.Wrap(status.Unavailable, err)
	}
	inst, err := c.bal.Pick(insts, o.key)
	if err != nil {
		return nil, status.Newf(status.Unavailable, "service %q: %v", service, err)
	}
	tr, err := c.transport(ctx, inst.Addr)
	if err != nil {
		return nil, err
	}
	rsp, err := tr.Call(ctx, serviceMethod, o.md, payload)
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.Convert(ctx.Err())
		}
		return nil, status.Wrap(status.Unavailable, err)
	}
	if rsp.Failed() {
		serr := &status.Error{Code: status.Code(rsp.Code), Message: rsp.Error}
		if len(rsp.Details) != 0 {
			serr.Details = json.RawMessage(rsp.Details)
		}
		return rsp, serr
	}
	return rsp, nil
}

// Close closes every pooled connection. Calls in flight fail.
func (c *Client) Close() error {
	c.mu.Lock()
	pools := c.pools
	c.pools, c.closed = nil, true
	c.mu.Unlock()
	for _, p := range pools {
		p.close()
	}
	return nil
}

// pool holds the connections to one server address.
type pool struct {
	mu   sync.Mutex
	next atomic.Uint32
	ts   []*transport.ClientTransport
}

// transport returns a live connection to addr, dialing if needed.
func (c *Client) transport(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, status.Wrap(status.Unavailable, ErrClosed)
	}
	p, ok := c.pools[addr]
	if !ok {
		p = &pool{ts: make([]*transport.ClientTransport, c.poolSize)}
		c.pools[addr] = p
	}
	c.mu.Unlock()

	i := int(p.next.Add(1)-1) % len(p.ts)
	p.mu.Lock()
	defer p.mu.Unlock()
	if tr := p.ts[i]; tr != nil && tr.Err() == nil {
		return tr, nil
	} else if tr != nil {
		tr.Close()
	}
	tr, err := transport.Dial(ctx, addr, c.codec,
		transport.WithLogger(c.log), transport.WithHeartbeat(c.heartbeat))
	if err != nil {
		p.ts[i] = nil
		return nil, status.Wrap(status.Unavailable, err)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		tr.Close()
		return nil, status.Wrap(status.Unavailable, ErrClosed)
	}
	c.log.Debug("connected", zap.String("addr", addr), zap.Int("slot", i))
	p.ts[i] = tr
	return tr, nil
}

func (p *pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, tr := range p.ts {
		if tr != nil {
			tr.Close()
			p.ts[i] = nil
		}
	}
}

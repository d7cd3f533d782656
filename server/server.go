// Package server serves assembled dispatch services over the frame protocol.
//
// Request processing pipeline:
//
//	Accept conn → serveConn (single goroutine reads frames)
//	  → for each request: a task runs the call (parallel processing)
//	    → Codec.Decode → dispatch entry point → Codec.Encode → write response
//
// A cancel frame for a call in flight, or the loss of its connection, marks
// the call cancelled and cancels its context.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"

	"unary-rpc/codec"
	"unary-rpc/dispatch"
	"unary-rpc/message"
	"unary-rpc/protocol"
	"unary-rpc/registry"
	"unary-rpc/status"
)

// DefaultTTL is the registry lease used when WithRegistry is given no TTL.
const DefaultTTL = 10 * time.Second

// ErrServerClosed is reported by Serve after Shutdown has begun.
var ErrServerClosed = errors.New("server: closed")

// Server serves a set of services to connected clients.
type Server struct {
	log         *zap.Logger
	reg         registry.Registry
	advertise   string
	ttl         time.Duration
	callTimeout time.Duration

	services map[string]*dispatch.Service

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	draining bool
	readers  *taskgroup.Group // one per connection
	calls    *taskgroup.Group // one per call in flight
}

// An Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log.Named("server")
		}
	}
}

// WithRegistry makes the server announce each of its services in reg under
// the advertise address while it is serving. If advertise is empty, the
// listener address is used. A ttl ≤ 0 means DefaultTTL.
func WithRegistry(reg registry.Registry, advertise string, ttl time.Duration) Option {
	return func(s *Server) {
		s.reg, s.advertise, s.ttl = reg, advertise, ttl
		if s.ttl <= 0 {
			s.ttl = DefaultTTL
		}
	}
}

// WithCallTimeout bounds the context of every call. Zero means no bound.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Server) { s.callTimeout = d }
}

// NewServer creates a server with no services.
func NewServer(opts ...Option) *Server {
	s := &Server{
		log:      zap.NewNop(),
		services: make(map[string]*dispatch.Service),
		conns:    make(map[*conn]struct{}),
		readers:  taskgroup.New(nil),
		calls:    taskgroup.New(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds assembled services to the server. It is an error to register
// two services with the same name. Register must not be called once Serve has
// started.
func (s *Server) Register(svcs ...*dispatch.Service) error {
	for _, svc := range svcs {
		if _, dup := s.services[svc.Name()]; dup {
			return fmt.Errorf("server: service %q already registered", svc.Name())
		}
		s.services[svc.Name()] = svc
		s.log.Info("service registered", zap.String("service", svc.Name()), zap.Strings("methods", svc.Names()))
	}
	return nil
}

// RegisterReceiver wraps rcvr in a Receiver, assembles it with the given
// router options, and registers the resulting service.
func (s *Server) RegisterReceiver(rcvr any, opts ...dispatch.Option) error {
	rc, err := NewReceiver(rcvr)
	if err != nil {
		return err
	}
	svc, err := dispatch.NewRouter(rc.Name(), opts...).Mount(rc).Assemble()
	if err != nil {
		return err
	}
	return s.Register(svc)
}

// Services returns the names of the registered services in sorted order.
func (s *Server) Services() []string { return slices.Sorted(maps.Keys(s.services)) }

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lst)
}

// Serve accepts connections on lst until Shutdown is called, then returns
// nil. Serve takes ownership of lst.
func (s *Server) Serve(lst net.Listener) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		lst.Close()
		return ErrServerClosed
	}
	s.listener = lst
	if s.advertise == "" {
		s.advertise = lst.Addr().String()
	}
	s.mu.Unlock()

	s.log.Info("listening", zap.Stringer("addr", lst.Addr()), zap.Strings("services", s.Services()))
	if err := s.announce(); err != nil {
		lst.Close()
		return err
	}

	for {
		nc, err := lst.Accept()
		if err != nil {
			s.mu.Lock()
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return nil
			}
			return err
		}
		if !s.track(nc) {
			nc.Close()
		}
	}
}

// Shutdown stops the server gracefully:
//  1. Withdraw the services from the registry, so clients stop routing here.
//  2. Close the listener and reject new calls with Unavailable.
//  3. Wait up to timeout for calls in flight to finish.
//  4. Close every connection.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	lst := s.listener
	s.mu.Unlock()

	s.withdraw()
	if lst != nil {
		lst.Close()
	}

	var err error
	done := make(chan struct{})
	go func() { s.calls.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("server: timeout waiting for calls in flight after %v", timeout)
	}

	s.mu.Lock()
	for c := range s.conns {
		c.nc.Close()
	}
	s.mu.Unlock()
	if err == nil {
		s.readers.Wait()
	}
	s.log.Info("server stopped", zap.Error(err))
	return err
}

func (s *Server) announce() error {
	if s.reg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, name := range s.Services() {
		inst := registry.Instance{Addr: s.advertise, Weight: 1}
		if err := s.reg.Register(ctx, name, inst, s.ttl); err != nil {
			return fmt.Errorf("server: announce %q: %w", name, err)
		}
		s.log.Info("service announced", zap.String("service", name), zap.String("addr", s.advertise))
	}
	return nil
}

func (s *Server) withdraw() {
	if s.reg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, name := range s.Services() {
		if err := s.reg.Deregister(ctx, name, s.advertise); err != nil {
			s.log.Warn("withdraw failed", zap.String("service", name), zap.Error(err))
		}
	}
}

// startCall runs fn as a call in flight, unless the server is draining.
func (s *Server) startCall(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.calls.Go(func() error { fn(); return nil })
	return true
}

// conn is the server side of one client connection.
type conn struct {
	srv *Server
	nc  net.Conn
	log *zap.Logger

	wmu sync.Mutex // serializes frame writes

	mu    sync.Mutex
	calls map[uint32]*inboundCall
}

// track starts serving nc, unless the server is draining.
func (s *Server) track(nc net.Conn) bool {
	c := &conn{
		srv:   s,
		nc:    nc,
		log:   s.log.With(zap.Stringer("remote", nc.RemoteAddr())),
		calls: make(map[uint32]*inboundCall),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.conns[c] = struct{}{}
	s.readers.Go(func() error { c.serve(); return nil })
	return true
}

// serve reads frames from the connection until it fails. Reads are
// sequential, but each request runs in its own task.
func (c *conn) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.cancelAll()
		c.nc.Close()
		c.srv.mu.Lock()
		delete(c.srv.conns, c)
		c.srv.mu.Unlock()
	}()
	c.log.Debug("connection opened")

	for {
		h, body, err := protocol.Decode(c.nc)
		if err != nil {
			c.log.Debug("connection closed", zap.Error(err))
			return
		}
		switch h.MsgType {
		case protocol.MsgTypeHeartbeat, protocol.MsgTypeResponse:
			continue
		case protocol.MsgTypeCancel:
			c.cancel(h.Seq)
			continue
		}

		cdc, err := codec.GetCodec(codec.CodecType(h.CodecType))
		if err != nil {
			c.log.Warn("unsupported codec", zap.Error(err))
			return
		}
		var req message.RPCMessage
		if err := cdc.Decode(body, &req); err != nil {
			c.reply(cdc, h.Seq, errorResponse(&req, status.Newf(status.InvalidArgument, "decoding request: %v", err)))
			continue
		}

		call, ok := c.newCall(ctx, h.Seq, &req)
		if !ok {
			c.reply(cdc, h.Seq, errorResponse(&req, status.Newf(status.InvalidArgument, "call %d is already in flight", h.Seq)))
			continue
		}
		if !c.srv.startCall(func() { c.handle(cdc, call) }) {
			c.drop(call)
			call.cancel()
			c.reply(cdc, h.Seq, errorResponse(&req, status.New(status.Unavailable, "server is shutting down")))
		}
	}
}

// newCall records a call for seq. It reports false, and records nothing, if
// a call with the same seq is still in flight.
func (c *conn) newCall(ctx context.Context, seq uint32, req *message.RPCMessage) (*inboundCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.calls[seq]; busy {
		return nil, false
	}
	call := &inboundCall{seq: seq, req: req}
	if d := c.srv.callTimeout; d > 0 {
		call.ctx, call.cancelCtx = context.WithTimeout(ctx, d)
	} else {
		call.ctx, call.cancelCtx = context.WithCancel(ctx)
	}
	c.calls[seq] = call
	return call, true
}

func (c *conn) drop(call *inboundCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[call.seq] == call {
		delete(c.calls, call.seq)
	}
}

// cancel marks the call with sequence seq as abandoned by the client.
func (c *conn) cancel(seq uint32) {
	c.mu.Lock()
	call, ok := c.calls[seq]
	c.mu.Unlock()
	if ok {
		c.log.Debug("call cancelled by client", zap.Uint32("seq", seq), zap.String("method", call.req.ServiceMethod))
		call.abandon()
	}
}

func (c *conn) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		call.abandon()
	}
}

// handle runs one call and writes its response, unless the client has
// abandoned it.
func (c *conn) handle(cdc codec.Codec, call *inboundCall) {
	defer c.drop(call)
	defer call.cancel()

	rsp := c.srv.dispatch(call)
	if call.Cancelled() {
		return
	}
	c.reply(cdc, call.seq, rsp)
}

func (c *conn) reply(cdc codec.Codec, seq uint32, rsp *message.RPCMessage) {
	body, err := cdc.Encode(rsp)
	if err != nil {
		c.log.Error("encoding response failed", zap.Uint32("seq", seq), zap.Error(err))
		return
	}
	h := &protocol.Header{CodecType: byte(cdc.Type()), MsgType: protocol.MsgTypeResponse, Seq: seq}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := protocol.Encode(c.nc, h, body); err != nil {
		c.log.Warn("writing response failed", zap.Uint32("seq", seq), zap.Error(err))
	}
}

// dispatch routes call to its service and converts the outcome into a
// response envelope.
func (s *Server) dispatch(call *inboundCall) *message.RPCMessage {
	req := call.req
	svcName, method, err := message.SplitServiceMethod(req.ServiceMethod)
	if err != nil {
		return errorResponse(req, status.Wrap(status.InvalidArgument, err))
	}
	svc, ok := s.services[svcName]
	if !ok {
		return errorResponse(req, status.Newf(status.Unimplemented, "unknown service %q", svcName))
	}

	res, err := svc.Invoke(call.ctx, method, call)
	var rsp *message.RPCMessage
	if err != nil {
		rsp = errorResponse(req, status.Convert(err))
	} else if payload, err := json.Marshal(res); err != nil {
		rsp = errorResponse(req, status.Newf(status.Internal, "encoding result: %v", err))
	} else {
		rsp = &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: payload}
	}
	rsp.Metadata = call.outboundMetadata()
	return rsp
}

func errorResponse(req *message.RPCMessage, serr *status.Error) *message.RPCMessage {
	rsp := &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Code:          uint32(serr.Code),
		Error:         serr.Message,
	}
	if serr.Details != nil {
		if d, err := json.Marshal(serr.Details); err == nil {
			rsp.Details = d
		}
	}
	return rsp
}

// inboundCall is the dispatch.Call for one request read from a connection.
type inboundCall struct {
	seq       uint32
	req       *message.RPCMessage
	ctx       context.Context
	cancelCtx context.CancelFunc
	abandoned atomic.Bool
	out       *dispatch.Outbound
}

func (c *inboundCall) Request() any { return json.RawMessage(c.req.Payload) }

func (c *inboundCall) Metadata() dispatch.Metadata { return dispatch.Metadata(c.req.Metadata) }

func (c *inboundCall) Cancelled() bool { return c.abandoned.Load() }

func (c *inboundCall) SetOutbound(o *dispatch.Outbound) { c.out = o }

func (c *inboundCall) abandon() {
	c.abandoned.Store(true)
	c.cancelCtx()
}

func (c *inboundCall) cancel() { c.cancelCtx() }

// outboundMetadata merges the outbound headers and trailers of the call.
// A trailer replaces a header with the same key.
func (c *inboundCall) outboundMetadata() map[string]string {
	if c.out == nil || len(c.out.Header)+len(c.out.Trailer) == 0 {
		return nil
	}
	md := make(map[string]string, len(c.out.Header)+len(c.out.Trailer))
	maps.Copy(md, c.out.Header)
	maps.Copy(md, c.out.Trailer)
	return md
}

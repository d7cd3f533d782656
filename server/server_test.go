package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"unary-rpc/codec"
	"unary-rpc/dispatch"
	"unary-rpc/message"
	"unary-rpc/protocol"
	"unary-rpc/registry"
	"unary-rpc/server"
	"unary-rpc/status"
	"unary-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (*Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (*Arith) Divide(_ context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return status.New(status.InvalidArgument, "division by zero").WithDetails(map[string]int{"a": args.A})
	}
	reply.Result = args.A / args.B
	return nil
}

// Not exposed: wrong shapes.
func (*Arith) Describe() string          { return "arith" }
func (*Arith) Negate(args Args) error    { return nil }
func (*Arith) Scale(n int, r *int) error { return nil }

// probe is a service whose handlers let tests observe the call lifecycle.
type probe struct {
	started   chan struct{}
	release   chan struct{}
	cancelled chan error
}

func newProbe() *probe {
	return &probe{
		started:   make(chan struct{}, 1),
		release:   make(chan struct{}),
		cancelled: make(chan error, 1),
	}
}

func (p *probe) service(t *testing.T) *dispatch.Service {
	t.Helper()
	r := dispatch.NewRouter("test.Probe", dispatch.WithLogger(zaptest.NewLogger(t)))
	r.Before(dispatch.MiddlewareFunc(func(c *dispatch.Context, next dispatch.Next) error {
		c.Outbound().Header["server"] = "probe"
		c.Outbound().Header["dup"] = "header"
		return next()
	}))
	r.Handle("meta", func(c *dispatch.Context) (any, error) {
		c.Outbound().Trailer["dup"] = "trailer"
		return c.Metadata().Get("user"), nil
	})
	r.Handle("wait", func(c *dispatch.Context) (any, error) {
		p.started <- struct{}{}
		<-c.Context().Done()
		p.cancelled <- c.Context().Err()
		return nil, c.Context().Err()
	})
	r.Handle("fail", func(c *dispatch.Context) (any, error) {
		return nil, status.New(status.OK, "handler failed")
	})
	r.Handle("slow", func(c *dispatch.Context) (any, error) {
		p.started <- struct{}{}
		<-p.release
		return "done", nil
	})
	return r.MustAssemble()
}

// startServer serves srv on a loopback port until the test ends.
func startServer(t *testing.T, srv *server.Server) string {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	serving := taskgroup.Go(func() error { return srv.Serve(lst) })
	t.Cleanup(func() {
		if err := srv.Shutdown(time.Second); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		if err := serving.Wait(); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return lst.Addr().String()
}

func dial(t *testing.T, addr string) *transport.ClientTransport {
	t.Helper()
	tr, err := transport.Dial(t.Context(), addr, codec.CodecTypeBinary)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func call(t *testing.T, tr *transport.ClientTransport, method string, md map[string]string, req any) *message.RPCMessage {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	rsp, err := tr.Call(t.Context(), method, md, payload)
	if err != nil {
		t.Fatalf("Call %s: %v", method, err)
	}
	return rsp
}

func TestReceiver(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	rc, err := server.NewReceiver(&Arith{})
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	if diff := cmp.Diff([]string{"Add", "Divide"}, rc.Methods()); diff != "" {
		t.Errorf("Methods (-want, +got):\n%s", diff)
	}

	srv := server.NewServer(server.WithLogger(zaptest.NewLogger(t)))
	if err := srv.RegisterReceiver(&Arith{}); err != nil {
		t.Fatalf("RegisterReceiver: %v", err)
	}
	tr := dial(t, startServer(t, srv))

	t.Run("Add", func(t *testing.T) {
		rsp := call(t, tr, "Arith.Add", nil, Args{A: 3, B: 4})
		var reply Reply
		if err := json.Unmarshal(rsp.Payload, &reply); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if reply.Result != 7 {
			t.Errorf("Add: got %d, want 7", reply.Result)
		}
	})
	t.Run("Divide", func(t *testing.T) {
		rsp := call(t, tr, "Arith.Divide", nil, Args{A: 9, B: 3})
		if rsp.Failed() || string(rsp.Payload) != `{"Result":3}` {
			t.Errorf("Divide: got %+v", rsp)
		}
	})
	t.Run("Error", func(t *testing.T) {
		rsp := call(t, tr, "Arith.Divide", nil, Args{A: 7})
		want := &message.RPCMessage{
			ServiceMethod: "Arith.Divide",
			Code:          uint32(status.InvalidArgument),
			Error:         "division by zero",
			Details:       []byte(`{"a":7}`),
		}
		if diff := cmp.Diff(want, rsp); diff != "" {
			t.Errorf("Response (-want, +got):\n%s", diff)
		}
	})
	t.Run("BadPayload", func(t *testing.T) {
		rsp, err := tr.Call(t.Context(), "Arith.Add", nil, []byte(`{"A":"x"}`))
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		if rsp.Code != uint32(status.InvalidArgument) {
			t.Errorf("Code: got %d, want %d", rsp.Code, status.InvalidArgument)
		}
	})
}

func TestNewReceiverErrors(t *testing.T) {
	type empty struct{}
	n := 0
	for _, rcvr := range []any{nil, Arith{}, &n, &empty{}} {
		if _, err := server.NewReceiver(rcvr); err == nil {
			t.Errorf("NewReceiver(%T): got nil error", rcvr)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	srv := server.NewServer()
	if err := srv.RegisterReceiver(&Arith{}); err != nil {
		t.Fatalf("RegisterReceiver: %v", err)
	}
	if err := srv.RegisterReceiver(&Arith{}); err == nil {
		t.Error("Second RegisterReceiver: got nil error")
	}
}

func TestRouting(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	srv := server.NewServer()
	if err := srv.Register(newProbe().service(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tr := dial(t, startServer(t, srv))

	tests := []struct {
		method string
		want   status.Code
	}{
		{"nodot", status.InvalidArgument},
		{"test.Probe.", status.InvalidArgument},
		{"test.Nonesuch.meta", status.Unimplemented},
		{"test.Probe.nonesuch", status.Unimplemented},
		{"test.Probe.meta", status.OK},
		{"test.Probe.fail", status.Unknown},
	}
	for _, tc := range tests {
		rsp := call(t, tr, tc.method, nil, nil)
		if got := status.Code(rsp.Code); got != tc.want {
			t.Errorf("Call %q: got code %v (%s), want %v", tc.method, got, rsp.Error, tc.want)
		}
	}
}

func TestMetadata(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	srv := server.NewServer()
	if err := srv.Register(newProbe().service(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tr := dial(t, startServer(t, srv))

	rsp := call(t, tr, "test.Probe.meta", map[string]string{"user": "alice"}, nil)
	if got := string(rsp.Payload); got != `"alice"` {
		t.Errorf("Payload: got %s, want %q", got, "alice")
	}
	want := map[string]string{"server": "probe", "dup": "trailer"}
	if diff := cmp.Diff(want, rsp.Metadata); diff != "" {
		t.Errorf("Metadata (-want, +got):\n%s", diff)
	}
}

func TestCancelFrame(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	p := newProbe()
	srv := server.NewServer()
	if err := srv.Register(p.service(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tr := dial(t, startServer(t, srv))

	ctx, cancel := context.WithCancel(t.Context())
	pending := taskgroup.Go(func() error {
		_, err := tr.Call(ctx, "test.Probe.wait", nil, nil)
		return err
	})
	<-p.started
	cancel()
	if err := pending.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("Call: got %v, want %v", err, context.Canceled)
	}
	if err := <-p.cancelled; !errors.Is(err, context.Canceled) {
		t.Errorf("Handler context: got %v, want %v", err, context.Canceled)
	}
}

func TestDuplicateSeq(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	p := newProbe()
	srv := server.NewServer()
	if err := srv.Register(p.service(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	nc, err := net.Dial("tcp", startServer(t, srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })

	var cdc codec.JSONCodec
	send := func(mt protocol.MsgType, method string) {
		t.Helper()
		var body []byte
		if method != "" {
			body, err = cdc.Encode(&message.RPCMessage{ServiceMethod: method})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
		}
		h := &protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: mt, Seq: 1}
		if err := protocol.Encode(nc, h, body); err != nil {
			t.Fatalf("Write %v: %v", mt, err)
		}
	}

	send(protocol.MsgTypeRequest, "test.Probe.wait")
	<-p.started

	// A second request reusing seq 1 is rejected, and the first call stays
	// reachable by a cancel frame.
	send(protocol.MsgTypeRequest, "test.Probe.meta")
	h, body, err := protocol.Decode(nc)
	if err != nil {
		t.Fatalf("Read response: %v", err)
	}
	var rsp message.RPCMessage
	if err := cdc.Decode(body, &rsp); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.Seq != 1 || status.Code(rsp.Code) != status.InvalidArgument {
		t.Errorf("Response: got seq %d code %v (%s), want seq 1 %v", h.Seq, status.Code(rsp.Code), rsp.Error, status.InvalidArgument)
	}

	send(protocol.MsgTypeCancel, "")
	if err := <-p.cancelled; !errors.Is(err, context.Canceled) {
		t.Errorf("Handler context: got %v, want %v", err, context.Canceled)
	}
}

func TestCallTimeout(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	srv := server.NewServer(server.WithCallTimeout(20 * time.Millisecond))
	if err := srv.Register(newProbe().service(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tr := dial(t, startServer(t, srv))

	rsp := call(t, tr, "test.Probe.wait", nil, nil)
	if got := status.Code(rsp.Code); got != status.DeadlineExceeded {
		t.Errorf("Code: got %v, want %v", got, status.DeadlineExceeded)
	}
}

func TestShutdown(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	reg := registry.NewMemory()
	defer reg.Close()

	p := newProbe()
	srv := server.NewServer(server.WithRegistry(reg, "", 0))
	if err := srv.Register(p.service(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	serving := taskgroup.Go(func() error { return srv.Serve(lst) })
	tr := dial(t, lst.Addr().String())

	pending := taskgroup.Go(func() error {
		rsp, err := tr.Call(context.Background(), "test.Probe.slow", nil, nil)
		if err == nil && string(rsp.Payload) != `"done"` {
			err = errors.New("unexpected payload " + string(rsp.Payload))
		}
		return err
	})
	<-p.started

	insts, err := reg.Discover(t.Context(), "test.Probe")
	if err != nil || len(insts) != 1 || insts[0].Addr != lst.Addr().String() {
		t.Errorf("Discover while serving: got %v, %v", insts, err)
	}

	stopped := taskgroup.Go(func() error { return srv.Shutdown(time.Second) })
	close(p.release)

	if err := pending.Wait(); err != nil {
		t.Errorf("Call in flight: %v", err)
	}
	if err := stopped.Wait(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := serving.Wait(); err != nil {
		t.Errorf("Serve: %v", err)
	}
	if insts, _ := reg.Discover(t.Context(), "test.Probe"); len(insts) != 0 {
		t.Errorf("Discover after shutdown: got %v, want none", insts)
	}
	if err := srv.Serve(lst); !errors.Is(err, server.ErrServerClosed) {
		t.Errorf("Serve after shutdown: got %v, want %v", err, server.ErrServerClosed)
	}
}

package transport_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"

	"unary-rpc/codec"
	"unary-rpc/message"
	"unary-rpc/protocol"
	"unary-rpc/transport"
)

// fakeServer answers requests on one end of a pipe. Requests for "slow.Wait"
// are never answered; "drop.Now" closes the connection.
type fakeServer struct {
	conn    net.Conn
	wmu     sync.Mutex
	cancels chan uint32
	wait    func() error
}

// startServer connects a transport to a fake server. Both are stopped by a
// test cleanup, so leak checks must be registered as cleanups too.
func startServer(t *testing.T, ct codec.CodecType, opts ...transport.Option) (*transport.ClientTransport, *fakeServer) {
	t.Helper()
	cli, srv := net.Pipe()
	s := &fakeServer{conn: srv, cancels: make(chan uint32, 8)}
	s.wait = taskgroup.Go(s.serve).Wait

	tr, err := transport.New(cli, ct, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		tr.Close()
		s.conn.Close()
		s.wait()
	})
	return tr, s
}

func (s *fakeServer) serve() error {
	g := taskgroup.New(nil)
	defer g.Wait()
	for {
		h, body, err := protocol.Decode(s.conn)
		if err != nil {
			return nil
		}
		switch h.MsgType {
		case protocol.MsgTypeCancel:
			s.cancels <- h.Seq
			continue
		case protocol.MsgTypeRequest:
		default:
			continue
		}
		cdc, err := codec.GetCodec(codec.CodecType(h.CodecType))
		if err != nil {
			return err
		}
		var req message.RPCMessage
		if err := cdc.Decode(body, &req); err != nil {
			return err
		}
		switch req.ServiceMethod {
		case "slow.Wait":
			continue
		case "drop.Now":
			return s.conn.Close()
		}
		g.Go(func() error {
			rsp, _ := cdc.Encode(&message.RPCMessage{
				ServiceMethod: req.ServiceMethod,
				Metadata:      req.Metadata,
				Payload:       req.Payload,
			})
			s.wmu.Lock()
			defer s.wmu.Unlock()
			protocol.Encode(s.conn, &protocol.Header{
				CodecType: h.CodecType,
				MsgType:   protocol.MsgTypeResponse,
				Seq:       h.Seq,
			}, rsp)
			return nil
		})
	}
}

func TestCallSerial(t *testing.T) {
	defer leaktest.Check(t)()

	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			tr, _ := startServer(t, ct)
			for i := range 3 {
				payload := []byte(fmt.Sprintf(`{"n":%d}`, i))
				md := map[string]string{"request-id": fmt.Sprint(i)}
				rsp, err := tr.Call(t.Context(), "echo.Echo", md, payload)
				if err != nil {
					t.Fatalf("Call %d: %v", i, err)
				}
				want := &message.RPCMessage{ServiceMethod: "echo.Echo", Metadata: md, Payload: payload}
				if diff := cmp.Diff(want, rsp); diff != "" {
					t.Errorf("Response %d (-want, +got):\n%s", i, diff)
				}
			}
		})
	}
}

func TestCallConcurrent(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	tr, _ := startServer(t, codec.CodecTypeBinary)

	g := taskgroup.New(func(err error) { t.Error(err) })
	for i := range 50 {
		g.Go(func() error {
			want := fmt.Sprintf("call-%d", i)
			rsp, err := tr.Call(t.Context(), "echo.Echo", nil, []byte(want))
			if err != nil {
				return fmt.Errorf("call %d: %w", i, err)
			}
			if got := string(rsp.Payload); got != want {
				return fmt.Errorf("call %d: got payload %q, want %q", i, got, want)
			}
			return nil
		})
	}
	g.Wait()
}

func TestCallCancel(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	tr, srv := startServer(t, codec.CodecTypeJSON)

	// Seq 1 is consumed by the warm-up call.
	if _, err := tr.Call(t.Context(), "echo.Echo", nil, nil); err != nil {
		t.Fatalf("Warm-up call: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := taskgroup.Go(func() error {
		_, err := tr.Call(ctx, "slow.Wait", nil, nil)
		return err
	})
	cancel()
	if err := done.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("Call: got %v, want %v", err, context.Canceled)
	}
	if seq := <-srv.cancels; seq != 2 {
		t.Errorf("Cancel frame: got seq %d, want 2", seq)
	}

	// The transport is still usable.
	if _, err := tr.Call(t.Context(), "echo.Echo", nil, nil); err != nil {
		t.Errorf("Call after cancel: %v", err)
	}
}

func TestConnectionLost(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	tr, _ := startServer(t, codec.CodecTypeJSON)

	_, err := tr.Call(t.Context(), "drop.Now", nil, nil)
	if !errors.Is(err, io.EOF) {
		t.Errorf("Call: got %v, want %v", err, io.EOF)
	}
	<-tr.Done()
	if !errors.Is(tr.Err(), io.EOF) {
		t.Errorf("Err: got %v, want %v", tr.Err(), io.EOF)
	}
	if _, err := tr.Call(t.Context(), "echo.Echo", nil, nil); !errors.Is(err, io.EOF) {
		t.Errorf("Call after failure: got %v, want %v", err, io.EOF)
	}
}

func TestClose(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	tr, _ := startServer(t, codec.CodecTypeJSON)

	if tr.Err() != nil {
		t.Errorf("Err before Close: got %v, want nil", tr.Err())
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := tr.Call(t.Context(), "echo.Echo", nil, nil); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Call after Close: got %v, want %v", err, transport.ErrClosed)
	}
}

func TestNewUnknownCodec(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()
	if tr, err := transport.New(cli, codec.CodecType(9)); err == nil {
		tr.Close()
		t.Fatal("New with unknown codec: got nil error")
	}
}

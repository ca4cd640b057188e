package transport

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/wire"
)

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    Addr
		wantErr bool
	}{
		{in: "127.0.0.1:5555", want: Addr{Scheme: SchemeTCP, Host: "127.0.0.1:5555"}},
		{in: "tcp://0.0.0.0:1", want: Addr{Scheme: SchemeTCP, Host: "0.0.0.0:1"}},
		{in: "unix:///tmp/forge.sock", want: Addr{Scheme: SchemeUnix, Host: "/tmp/forge.sock"}},
		{in: "vsock://5000", want: Addr{Scheme: SchemeVsock, Port: 5000}},
		{in: "vsock://3:5000", want: Addr{Scheme: SchemeVsock, CID: 3, Port: 5000}},
		{in: "tcp://nohost", wantErr: true},
		{in: "vsock://port", wantErr: true},
		{in: "udp://127.0.0.1:1", wantErr: true},
		{in: "unix://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddr(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAddr(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddr(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseAddr(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestConnSendReceive(t *testing.T) {
	a, b := net.Pipe()
	ca, cb := NewConn(a), NewConn(b)
	defer ca.Close()
	defer cb.Close()

	sent := &wire.Message{
		Header:  wire.Header{MsgID: "m1", MsgType: "apply_request"},
		Buffers: [][]byte{[]byte("payload")},
	}
	go func() {
		ca.Send(sent)
	}()

	got, err := cb.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.Header.MsgID != "m1" || string(got.Buffers[0]) != "payload" {
		t.Errorf("received %+v", got)
	}
}

type received struct {
	ch  model.Channel
	msg *wire.Message
}

// echoServer starts a server that records messages and sends each one back.
func echoServer(t *testing.T, ch model.Channel, addr string) (string, <-chan received) {
	t.Helper()
	l, err := Listen(addr)
	if err != nil {
		t.Fatalf("Listen(%q): %v", addr, err)
	}

	got := make(chan received, 8)
	srv := NewServer(func(_ context.Context, ch model.Channel, c *Conn, msg *wire.Message) {
		got <- received{ch: ch, msg: msg}
		c.Send(msg)
	}, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ch, l) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
		srv.Close()
	})

	return l.Addr().Network() + "://" + l.Addr().String(), got
}

func roundTrip(t *testing.T, addr string, got <-chan received, wantCh model.Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial(%q): %v", addr, err)
	}
	defer c.Close()

	msg := &wire.Message{Header: wire.Header{MsgID: model.NewID(), MsgType: "clear_request"}}
	if err := c.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case r := <-got:
		if r.ch != wantCh {
			t.Errorf("channel = %s, want %s", r.ch, wantCh)
		}
		if r.msg.Header.MsgID != msg.Header.MsgID {
			t.Errorf("msg_id = %q, want %q", r.msg.Header.MsgID, msg.Header.MsgID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}

	echo, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if echo.Header.MsgID != msg.Header.MsgID {
		t.Errorf("echo msg_id = %q, want %q", echo.Header.MsgID, msg.Header.MsgID)
	}
}

func TestServerTCP(t *testing.T) {
	addr, got := echoServer(t, model.ChannelControl, "tcp://127.0.0.1:0")
	roundTrip(t, addr, got, model.ChannelControl)
}

func TestServerUnix(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "shell.sock")
	addr, got := echoServer(t, model.ChannelShell, "unix://"+sock)
	roundTrip(t, addr, got, model.ChannelShell)
}

func TestServerSkipsMalformedFrame(t *testing.T) {
	addr, got := echoServer(t, model.ChannelShell, "tcp://127.0.0.1:0")

	a, err := ParseAddr(addr)
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	nc, err := net.Dial("tcp", a.Host)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer nc.Close()

	bad := []byte("nope")
	if _, err := nc.Write(append([]byte{0, 0, 0, byte(len(bad))}, bad...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wire.WriteFrame(nc, &wire.Message{Header: wire.Header{MsgID: "after"}}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case r := <-got:
		if r.msg.Header.MsgID != "after" {
			t.Errorf("msg_id = %q, want after", r.msg.Header.MsgID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not survive malformed frame")
	}
}

func TestServerCloseStopsServe(t *testing.T) {
	l, err := Listen("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := NewServer(func(context.Context, model.Channel, *Conn, *wire.Message) {},
		slog.New(slog.NewJSONHandler(io.Discard, nil)))

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), model.ChannelShell, l) }()

	// Let Serve register its listener.
	time.Sleep(20 * time.Millisecond)
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func randomBytes(seed uint64, n int) []byte {
	r := rand.New(rand.NewPCG(seed, uint64(n)))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

func TestRelayRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 1500, relayBufferSize, relayBufferSize + 17, 1 << 20}
	pool := NewBufferPool(relayBufferSize)

	for i, size := range sizes {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			t.Parallel()

			client, in := tcpPair(t)
			out, upstream := tcpPair(t)
			up := randomBytes(uint64(i), size)
			down := randomBytes(uint64(i)+100, size/3)

			var sent, received atomic.Uint64
			relayErr := make(chan error, 1)
			go func() {
				relayErr <- Relay(context.Background(), in, out, RelayOptions{Pool: pool, Sent: &sent, Received: &received})
			}()

			gotUp := make(chan []byte, 1)
			go func() {
				b, _ := io.ReadAll(upstream)
				gotUp <- b
				_, _ = upstream.Write(down)
				_ = upstream.CloseWrite()
			}()

			if _, err := client.Write(up); err != nil {
				t.Fatal(err)
			}
			if err := client.CloseWrite(); err != nil {
				t.Fatal(err)
			}
			gotDown, err := io.ReadAll(client)
			if err != nil {
				t.Fatal(err)
			}

			if b := <-gotUp; !bytes.Equal(b, up) {
				t.Fatalf("upstream got %d bytes, want %d identical bytes", len(b), len(up))
			}
			if !bytes.Equal(gotDown, down) {
				t.Fatalf("client got %d bytes, want %d identical bytes", len(gotDown), len(down))
			}
			if err := <-relayErr; err != nil {
				t.Fatalf("Relay: %v", err)
			}
			if sent.Load() != uint64(len(up)) || received.Load() != uint64(len(down)) {
				t.Fatalf("counted %d/%d bytes, want %d/%d", sent.Load(), received.Load(), len(up), len(down))
			}
		})
	}
}

func TestRelayHalfClose(t *testing.T) {
	client, in := tcpPair(t)
	out, upstream := tcpPair(t)

	relayErr := make(chan error, 1)
	go func() { relayErr <- Relay(context.Background(), in, out, RelayOptions{}) }()

	if _, err := client.Write([]byte("request")); err != nil {
		t.Fatal(err)
	}
	if err := client.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	// The upstream sees EOF after the request but can still answer.
	req, err := io.ReadAll(upstream)
	if err != nil {
		t.Fatal(err)
	}
	if string(req) != "request" {
		t.Fatalf("upstream got %q", req)
	}
	for _, chunk := range []string{"late ", "reply"} {
		time.Sleep(10 * time.Millisecond)
		if _, err := upstream.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	_ = upstream.CloseWrite()

	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "late reply" {
		t.Fatalf("client got %q", resp)
	}
	if err := <-relayErr; err != nil {
		t.Fatal(err)
	}
}

func TestRelayWithoutHalfClose(t *testing.T) {
	client, in := net.Pipe()
	out, upstream := net.Pipe()

	relayErr := make(chan error, 1)
	go func() { relayErr <- Relay(context.Background(), in, out, RelayOptions{}) }()

	go func() {
		_, _ = client.Write([]byte("x"))
		_ = client.Close()
	}()
	buf := make([]byte, 1)
	if _, err := io.ReadFull(upstream, buf); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-relayErr:
		if err != nil {
			t.Fatalf("got %v, want clean finish", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish")
	}
	if _, err := upstream.Read(buf); err == nil {
		t.Fatal("upstream still open")
	}
}

func TestRelayIdleTimeout(t *testing.T) {
	const idle = 100 * time.Millisecond

	t.Run("silent", func(t *testing.T) {
		_, in := tcpPair(t)
		out, _ := tcpPair(t)

		start := time.Now()
		err := Relay(context.Background(), in, out, RelayOptions{IdleTimeout: idle})
		elapsed := time.Since(start)
		if !errors.Is(err, ErrIdleTimeout) {
			t.Fatalf("got %v, want ErrIdleTimeout", err)
		}
		if elapsed < idle || elapsed > idle+500*time.Millisecond {
			t.Fatalf("ended after %v, want about %v", elapsed, idle)
		}
	})

	t.Run("traffic_resets_timer", func(t *testing.T) {
		client, in := tcpPair(t)
		out, upstream := tcpPair(t)
		go func() { _, _ = io.Copy(io.Discard, upstream) }()

		start := time.Now()
		relayErr := make(chan error, 1)
		go func() { relayErr <- Relay(context.Background(), in, out, RelayOptions{IdleTimeout: idle}) }()

		for range 6 {
			time.Sleep(idle / 3)
			if _, err := client.Write([]byte{1}); err != nil {
				t.Fatalf("write after %v: %v", time.Since(start), err)
			}
		}
		err := <-relayErr
		if !errors.Is(err, ErrIdleTimeout) {
			t.Fatalf("got %v, want ErrIdleTimeout", err)
		}
		if elapsed := time.Since(start); elapsed < 2*idle {
			t.Fatalf("timed out after %v despite traffic", elapsed)
		}
	})
}

func TestRelayCancelCause(t *testing.T) {
	_, in := tcpPair(t)
	out, _ := tcpPair(t)

	ctx, cancel := context.WithCancelCause(context.Background())
	relayErr := make(chan error, 1)
	go func() { relayErr <- Relay(ctx, in, out, RelayOptions{}) }()

	time.Sleep(10 * time.Millisecond)
	cancel(ErrForceClosed)

	select {
	case err := <-relayErr:
		if !errors.Is(err, ErrForceClosed) {
			t.Fatalf("got %v, want ErrForceClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay ignored cancellation")
	}
}

func TestRelayIOError(t *testing.T) {
	client, in := tcpPair(t)
	out, upstream := tcpPair(t)

	relayErr := make(chan error, 1)
	go func() { relayErr <- Relay(context.Background(), in, out, RelayOptions{}) }()

	// An RST from the client fails the upstream direction.
	_ = client.SetLinger(0)
	_ = client.Close()

	err := <-relayErr
	var re *RelayIOError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want *RelayIOError", err)
	}
	if Reason(err) != "relay_io" {
		t.Fatalf("Reason = %q", Reason(err))
	}
	_ = upstream.Close()
}

// framedConn carries typed messages over a stream as a one-byte type and a
// four-byte length before each payload.
type framedConn struct {
	net.Conn
}

func (c framedConn) ReadMessage() (int, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(c.Conn, hdr[:]); err != nil {
		return 0, nil, err
	}
	p := make([]byte, binary.BigEndian.Uint32(hdr[1:]))
	if _, err := io.ReadFull(c.Conn, p); err != nil {
		return 0, nil, err
	}
	return int(hdr[0]), p, nil
}

func (c framedConn) WriteMessage(typ int, p []byte) error {
	b := make([]byte, 5, 5+len(p))
	b[0] = byte(typ)
	binary.BigEndian.PutUint32(b[1:], uint32(len(p)))
	_, err := c.Conn.Write(append(b, p...))
	return err
}

func TestRelayMessages(t *testing.T) {
	client, in := net.Pipe()
	out, upstream := net.Pipe()
	cc, uc := framedConn{client}, framedConn{upstream}

	var sent, received atomic.Uint64
	relayErr := make(chan error, 1)
	go func() {
		relayErr <- Relay(t.Context(), framedConn{in}, framedConn{out}, RelayOptions{Sent: &sent, Received: &received})
	}()

	msgs := []struct {
		typ int
		p   []byte
	}{
		{1, []byte(`{"event":"PING"}`)},
		{2, []byte{0, 1, 2}},
		{1, nil},
	}
	go func() {
		for _, m := range msgs {
			if err := cc.WriteMessage(m.typ, m.p); err != nil {
				return
			}
		}
	}()
	for _, m := range msgs {
		typ, p, err := uc.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if typ != m.typ || !bytes.Equal(p, m.p) {
			t.Fatalf("upstream got type %d %q, want type %d %q", typ, p, m.typ, m.p)
		}
	}

	go func() { _ = uc.WriteMessage(1, []byte("PONG")) }()
	if typ, p, err := cc.ReadMessage(); err != nil || typ != 1 || string(p) != "PONG" {
		t.Fatalf("client got type %d %q, %v", typ, p, err)
	}

	_ = client.Close()
	select {
	case err := <-relayErr:
		if err != nil {
			t.Fatalf("relay: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish after the client closed")
	}
	if sent.Load() != 19 || received.Load() != 4 {
		t.Fatalf("counted %d/%d bytes", sent.Load(), received.Load())
	}
}

package socket

import (
	"errors"
	"testing"
	"time"
)

func loopback(t *testing.T, port uint16) Address {
	t.Helper()
	addr, err := Resolve("127.0.0.1", port)
	if err != nil {
		t.Fatalf("resolve loopback: %v", err)
	}
	return addr
}

func TestResolve_Failure(t *testing.T) {
	_, err := Resolve("name-that-does-not-resolve.invalid", 1)
	if err == nil {
		t.Fatal("expected resolve failure")
	}
	if !errors.Is(err, ErrResolveFailure) {
		t.Errorf("error %v is not ErrResolveFailure", err)
	}
}

func TestResolveHostPort(t *testing.T) {
	addr, err := ResolveHostPort("127.0.0.1:20000")
	if err != nil {
		t.Fatal(err)
	}
	if addr.Port != 20000 {
		t.Errorf("port %d, want 20000", addr.Port)
	}

	for _, bad := range []string{"no-port", "127.0.0.1:notaport", "127.0.0.1:99999"} {
		if _, err := ResolveHostPort(bad); err == nil {
			t.Errorf("ResolveHostPort(%q) should fail", bad)
		}
	}
}

func TestAccept_NothingPending(t *testing.T) {
	l, err := ListenTCP(loopback(t, 0))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	st, err := l.Accept()
	if err != nil {
		t.Fatalf("accept errored: %v", err)
	}
	if st != nil {
		t.Fatal("accept returned a stream with nothing pending")
	}
}

func TestStream_ReadWouldBlock(t *testing.T) {
	l, err := ListenTCP(loopback(t, 0))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	client, err := TCPConnect(l.LocalAddr(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	buf := make([]byte, 64)
	n, closed, err := client.Read(buf)
	if err != nil || closed || n != 0 {
		t.Fatalf("idle read: n=%d closed=%v err=%v", n, closed, err)
	}
}

func TestStream_RoundTripAndClose(t *testing.T) {
	l, err := ListenTCP(loopback(t, 0))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	client, err := TCPConnect(l.LocalAddr(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var server *TCPStream
	deadline := time.Now().Add(2 * time.Second)
	for server == nil && time.Now().Before(deadline) {
		server, err = l.Accept()
		if err != nil {
			t.Fatal(err)
		}
		if server == nil {
			time.Sleep(time.Millisecond)
		}
	}
	if server == nil {
		t.Fatal("accept never saw the pending connection")
	}
	defer server.Close()

	msg := []byte("frame bytes")
	if n, err := client.Write(msg); err != nil || n != len(msg) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	buf := make([]byte, 64)
	var got []byte
	deadline = time.Now().Add(2 * time.Second)
	for len(got) < len(msg) && time.Now().Before(deadline) {
		n, closed, err := server.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		if closed {
			t.Fatal("stream closed early")
		}
		got = append(got, buf[:n]...)
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if string(got) != string(msg) {
		t.Fatalf("read %q, want %q", got, msg)
	}

	client.Close()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, closed, _ := server.Read(buf)
		if closed {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("close never observed")
}

func TestUDP_RoundTrip(t *testing.T) {
	a, err := ListenUDP(loopback(t, 0))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := ListenUDP(loopback(t, 0))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	buf := make([]byte, 128)
	if _, _, ok, err := a.RecvFrom(buf); ok || err != nil {
		t.Fatalf("idle recv: ok=%v err=%v", ok, err)
	}

	if err := a.SendTo([]byte("datagram"), b.LocalAddr()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, from, ok, err := b.RecvFrom(buf)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			if string(buf[:n]) != "datagram" {
				t.Fatalf("got %q", buf[:n])
			}
			if !from.SameIP(a.LocalAddr()) || from.Port != a.LocalAddr().Port {
				t.Fatalf("from %s, want %s", from, a.LocalAddr())
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("datagram never arrived")
}

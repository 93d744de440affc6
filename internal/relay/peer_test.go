package relay

import (
	"strings"
	"testing"
)

func TestPingRingBuffer(t *testing.T) {
	p := &Peer{}

	if _, ok := p.Ping(); ok {
		t.Error("mean available before any pong")
	}

	samples := []uint32{10, 20, 30, 40, 50, 60, 70}
	for i, s := range samples {
		p.recordPing(s)
		want := i + 1
		if want > maxPingSamples {
			want = maxPingSamples
		}
		if p.pingCount != want {
			t.Errorf("after %d pongs: count %d, want %d", i+1, p.pingCount, want)
		}
	}

	// The ring now holds the last five samples: 30..70, mean 50.
	mean, ok := p.Ping()
	if !ok {
		t.Fatal("mean unavailable")
	}
	if mean != 50 {
		t.Errorf("mean %d, want 50", mean)
	}
}

func TestPingMean_IntegerDivision(t *testing.T) {
	p := &Peer{}
	p.recordPing(3)
	p.recordPing(4)
	mean, _ := p.Ping()
	if mean != 3 {
		t.Errorf("mean %d, want 3 (integer mean of 3 and 4)", mean)
	}
}

func TestResolveName(t *testing.T) {
	s := &Server{}
	taken := func(names ...string) {
		s.peers = nil
		for _, n := range names {
			s.peers = append(s.peers, &Peer{name: n, state: stateSteady})
		}
	}

	taken()
	if name, ok := s.resolveName("fresh"); !ok || name != "fresh" {
		t.Errorf("got %q/%v", name, ok)
	}

	taken()
	if name, ok := s.resolveName(""); !ok || name != DefaultPeerName {
		t.Errorf("empty name gave %q/%v", name, ok)
	}

	taken("dave")
	if name, ok := s.resolveName("dave"); !ok || name != "dave_2" {
		t.Errorf("first collision gave %q/%v", name, ok)
	}

	taken("dave", "dave_2")
	if name, ok := s.resolveName("dave"); !ok || name != "dave_3" {
		t.Errorf("second collision gave %q/%v", name, ok)
	}

	// A 32-byte name collides; the base is truncated to fit the suffix.
	long := strings.Repeat("x", 32)
	taken(long)
	name, ok := s.resolveName(long)
	if !ok {
		t.Fatal("disambiguation failed")
	}
	if len(name) > 32 || !strings.HasSuffix(name, "_2") {
		t.Errorf("got %q", name)
	}
}

func TestClampSlot(t *testing.T) {
	if got := clampSlot("short", 32); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := clampSlot(strings.Repeat("a", 40), 32); len(got) != 32 {
		t.Errorf("got %d bytes", len(got))
	}
	// Truncation never splits a rune.
	s := strings.Repeat("é", 20) // 2 bytes each
	got := clampSlot(s, 31)
	if len(got) != 30 {
		t.Errorf("got %d bytes, want 30", len(got))
	}
}

package systemlink

import "testing"

func TestBroadcast(t *testing.T) {
	b := Broadcast()
	for i, v := range b {
		if v != 0xFF {
			t.Errorf("byte %d is 0x%02X, want 0xFF", i, v)
		}
	}
	if !b.IsBroadcast() {
		t.Error("broadcast address not recognized")
	}
	if (MACAddress{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFE}).IsBroadcast() {
		t.Error("almost-broadcast address misrecognized")
	}
}

func TestCanSendTo(t *testing.T) {
	a := MACAddress{1, 2, 3, 4, 5, 6}
	b := MACAddress{6, 5, 4, 3, 2, 1}

	if !a.CanSendTo(a) {
		t.Error("an address must reach itself")
	}
	if a.CanSendTo(b) {
		t.Error("a unicast destination must not reach another address")
	}
	if !Broadcast().CanSendTo(a) || !Broadcast().CanSendTo(b) {
		t.Error("a broadcast destination must reach every address")
	}
}

func TestParseMAC(t *testing.T) {
	want := MACAddress{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	for _, s := range []string{"AA:BB:CC:DD:EE:FF", "aa-bb-cc-dd-ee-ff"} {
		got, err := ParseMAC(s)
		if err != nil {
			t.Fatalf("ParseMAC(%q): %v", s, err)
		}
		if got != want {
			t.Errorf("ParseMAC(%q) = %s", s, got)
		}
	}

	for _, s := range []string{"", "nonsense", "AA:BB:CC:DD:EE", "01:23:45:67:89:ab:cd:ef"} {
		if _, err := ParseMAC(s); err == nil {
			t.Errorf("ParseMAC(%q) should fail", s)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	m := MACAddress{0x00, 0x50, 0xF2, 0x12, 0x34, 0x56}
	got, err := ParseMAC(m.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Errorf("round trip gave %s", got)
	}
}

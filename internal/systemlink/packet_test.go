package systemlink

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	srcMAC = MACAddress{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	dstMAC = MACAddress{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
)

// buildFrame hand-assembles an Ethernet + IPv4 + UDP frame. mutate, if
// non-nil, runs before the frame is returned so tests can break exactly
// one field.
func buildFrame(src, dst MACAddress, payload []byte, mutate func([]byte)) []byte {
	frame := make([]byte, 14+20+8+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	frame[12] = 0x08
	frame[13] = 0x00

	frame[14] = 0x45
	binary.BigEndian.PutUint16(frame[16:18], uint16(20+8+len(payload)))
	frame[22] = 0x40
	frame[23] = 0x11
	binary.BigEndian.PutUint32(frame[26:30], 0x00000001)
	if dst.IsBroadcast() {
		binary.BigEndian.PutUint32(frame[30:34], 0xFFFFFFFF)
	} else {
		binary.BigEndian.PutUint32(frame[30:34], 0x00000001)
	}

	binary.BigEndian.PutUint16(frame[34:36], Port)
	binary.BigEndian.PutUint16(frame[36:38], Port)
	binary.BigEndian.PutUint16(frame[38:40], uint16(8+len(payload)))
	copy(frame[42:], payload)

	if mutate != nil {
		mutate(frame)
	}
	return frame
}

func TestAccept_Unicast(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 18)
	frame := buildFrame(srcMAC, dstMAC, payload, nil)
	if len(frame) != 60 {
		t.Fatalf("frame is %d bytes, want 60", len(frame))
	}

	pkt, err := New(frame)
	if err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
	if pkt.SourceMAC() != srcMAC {
		t.Errorf("source MAC %s, want %s", pkt.SourceMAC(), srcMAC)
	}
	if pkt.DestinationMAC() != dstMAC {
		t.Errorf("destination MAC %s, want %s", pkt.DestinationMAC(), dstMAC)
	}
	if len(pkt.UDPPayload()) != 18 {
		t.Errorf("payload is %d bytes, want 18", len(pkt.UDPPayload()))
	}
	if !bytes.Equal(pkt.Raw(), frame) {
		t.Error("raw frame mismatch")
	}
}

func TestAccept_Broadcast(t *testing.T) {
	frame := buildFrame(srcMAC, Broadcast(), []byte("discovery"), nil)
	pkt, err := New(frame)
	if err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
	if !pkt.DestinationMAC().IsBroadcast() {
		t.Error("destination should be broadcast")
	}
}

func TestReject_BroadcastMACWithUnicastIP(t *testing.T) {
	// Destination MAC broadcast but destination IP left at 0.0.0.1.
	frame := buildFrame(srcMAC, Broadcast(), nil, func(f []byte) {
		binary.BigEndian.PutUint32(f[30:34], 0x00000001)
	})
	err := Validate(frame)
	if err == nil {
		t.Fatal("expected reject")
	}
	if !strings.Contains(err.Error(), "255.255.255.255") || !strings.Contains(err.Error(), "broadcast") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestReject_EachPredicate(t *testing.T) {
	cases := []struct {
		name   string
		frame  []byte
		substr string
	}{
		{"too_small", make([]byte, 33), "too small"},
		{"wrong_ethertype", buildFrame(srcMAC, dstMAC, nil, func(f []byte) {
			f[12], f[13] = 0x86, 0xDD
		}), "not IPv4"},
		{"wrong_ip_version", buildFrame(srcMAC, dstMAC, nil, func(f []byte) {
			f[14] = 0x65
		}), "not 4"},
		{"ihl_too_small", buildFrame(srcMAC, dstMAC, nil, func(f []byte) {
			f[14] = 0x44
		}), "IHL"},
		{"not_udp", buildFrame(srcMAC, dstMAC, nil, func(f []byte) {
			f[23] = 0x06
		}), "not UDP"},
		{"bad_ipv4_length", buildFrame(srcMAC, dstMAC, nil, func(f []byte) {
			binary.BigEndian.PutUint16(f[16:18], 99)
		}), "total length"},
		{"ihl_past_end", buildFrame(srcMAC, dstMAC, nil, func(f []byte) {
			f[14] = 0x4F
		}), "UDP header"},
		{"wrong_source_ip", buildFrame(srcMAC, dstMAC, nil, func(f []byte) {
			binary.BigEndian.PutUint32(f[26:30], 0x0A000001)
		}), "source IP"},
		{"broadcast_source_mac", buildFrame(Broadcast(), dstMAC, nil, nil), "source MAC"},
		{"unicast_mac_broadcast_ip", buildFrame(srcMAC, dstMAC, nil, func(f []byte) {
			binary.BigEndian.PutUint32(f[30:34], 0xFFFFFFFF)
		}), "destination IP"},
		{"wrong_source_port", buildFrame(srcMAC, dstMAC, nil, func(f []byte) {
			binary.BigEndian.PutUint16(f[34:36], 3075)
		}), "source port"},
		{"wrong_destination_port", buildFrame(srcMAC, dstMAC, nil, func(f []byte) {
			binary.BigEndian.PutUint16(f[36:38], 53)
		}), "destination port"},
		{"bad_udp_length", buildFrame(srcMAC, dstMAC, []byte{1, 2, 3}, func(f []byte) {
			binary.BigEndian.PutUint16(f[38:40], 8)
		}), "UDP length"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.frame)
			if err == nil {
				t.Fatal("expected reject")
			}
			if !strings.Contains(err.Error(), tc.substr) {
				t.Errorf("error %q does not mention %q", err, tc.substr)
			}
		})
	}
}

func TestIHLWords_NonMinimalHeader(t *testing.T) {
	// IHL 6 means four bytes of IP options between the IP and UDP headers.
	payload := []byte("opts")
	frame := make([]byte, 14+24+8+len(payload))
	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], srcMAC[:])
	frame[12], frame[13] = 0x08, 0x00
	frame[14] = 0x46
	binary.BigEndian.PutUint16(frame[16:18], uint16(24+8+len(payload)))
	frame[22] = 0x40
	frame[23] = 0x11
	binary.BigEndian.PutUint32(frame[26:30], 0x00000001)
	binary.BigEndian.PutUint32(frame[30:34], 0x00000001)
	udp := 14 + 24
	binary.BigEndian.PutUint16(frame[udp:udp+2], Port)
	binary.BigEndian.PutUint16(frame[udp+2:udp+4], Port)
	binary.BigEndian.PutUint16(frame[udp+4:udp+6], uint16(8+len(payload)))
	copy(frame[udp+8:], payload)

	pkt, err := New(frame)
	if err != nil {
		t.Fatalf("expected accept with IHL 6, got %v", err)
	}
	if string(pkt.UDPPayload()) != "opts" {
		t.Errorf("payload %q, want opts", pkt.UDPPayload())
	}
}

// TestGopacketAgreement cross-checks the hand-rolled layout against
// gopacket's decoder.
func TestGopacketAgreement(t *testing.T) {
	frame := buildFrame(srcMAC, dstMAC, []byte("agree"), nil)
	decoded := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)

	eth, _ := decoded.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if eth == nil {
		t.Fatal("gopacket did not find an Ethernet layer")
	}
	if !bytes.Equal(eth.SrcMAC, srcMAC[:]) || !bytes.Equal(eth.DstMAC, dstMAC[:]) {
		t.Errorf("gopacket MACs %s -> %s disagree", eth.SrcMAC, eth.DstMAC)
	}

	ip, _ := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip == nil {
		t.Fatal("gopacket did not find an IPv4 layer")
	}
	if ip.Protocol != layers.IPProtocolUDP {
		t.Errorf("gopacket protocol %v", ip.Protocol)
	}

	udp, _ := decoded.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp == nil {
		t.Fatal("gopacket did not find a UDP layer")
	}
	if udp.SrcPort != Port || udp.DstPort != Port {
		t.Errorf("gopacket ports %d -> %d", udp.SrcPort, udp.DstPort)
	}

	pkt, err := New(frame)
	if err != nil {
		t.Fatalf("validator rejected the frame: %v", err)
	}
	if !bytes.Equal(pkt.UDPPayload(), udp.Payload) {
		t.Errorf("payload disagreement: % X vs % X", pkt.UDPPayload(), udp.Payload)
	}
}

func TestNewCopiesFrame(t *testing.T) {
	frame := buildFrame(srcMAC, dstMAC, []byte{1, 2, 3}, nil)
	pkt, err := New(frame)
	if err != nil {
		t.Fatal(err)
	}
	frame[42] = 0xEE
	if pkt.UDPPayload()[0] != 1 {
		t.Error("packet shares storage with the caller's buffer")
	}
}

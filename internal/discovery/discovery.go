// Package discovery finds the local console by watching the segment for
// traffic the relay would actually carry. A sender only counts once its
// frames pass full system-link validation, so chatty neighbors on UDP
// 3074 and spoofed garbage never get reported.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket/pcap"

	"github.com/SnowyMouse/xlan/internal/capture"
	"github.com/SnowyMouse/xlan/internal/logging"
	"github.com/SnowyMouse/xlan/internal/systemlink"
)

// SnapLen must cover whole frames: the validator checks the IPv4 and UDP
// length fields against the capture size, so a truncated frame rejects.
const SnapLen = 65536

// ReadTimeout is the pcap read timeout between context checks.
const ReadTimeout = 100 * time.Millisecond

// ConfirmFrames is how many valid frames a sender must produce before it
// is reported as the console. One frame could be a replay; a console in a
// system-link session beacons continuously.
const ConfirmFrames = 2

// ErrDiscoveryCancelled reports that the context ended the watch.
var ErrDiscoveryCancelled = errors.New("discovery cancelled")

// Result is a confirmed console.
type Result struct {
	MAC      systemlink.MACAddress
	Frames   int // valid frames seen from this sender
	LastSeen time.Time
}

// Config holds discovery configuration.
type Config struct {
	Interface string
	Logger    *logging.Logger // optional
}

// Filter returns the kernel filter for the traffic class the relay
// carries: both UDP ports 3074 with the system-link source address. The
// remaining predicates need full frame bytes and run in the validator.
func Filter() string {
	return fmt.Sprintf("udp src port %d and udp dst port %d and src host 0.0.0.1",
		systemlink.Port, systemlink.Port)
}

// watcher accumulates valid-frame counts per sender.
type watcher struct {
	seen map[systemlink.MACAddress]int
}

func newWatcher() *watcher {
	return &watcher{seen: make(map[systemlink.MACAddress]int)}
}

// observe feeds one captured frame through the validator. found is true
// once the sender has produced ConfirmFrames valid frames.
func (w *watcher) observe(data []byte) (mac systemlink.MACAddress, count int, found bool) {
	pkt, err := systemlink.New(data)
	if err != nil {
		return mac, 0, false
	}
	mac = pkt.SourceMAC()
	w.seen[mac]++
	return mac, w.seen[mac], w.seen[mac] >= ConfirmFrames
}

// Discover watches the interface until a console is confirmed or the
// context is cancelled.
func Discover(ctx context.Context, cfg Config) (*Result, error) {
	iface, err := capture.FindInterface(cfg.Interface)
	if err != nil {
		return nil, err
	}

	handle, err := open(iface.Name)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	if cfg.Logger != nil {
		cfg.Logger.Debug("Watching %s for system-link traffic (%s)", iface.Name, Filter())
	}

	w := newWatcher()
	for {
		select {
		case <-ctx.Done():
			return nil, ErrDiscoveryCancelled
		default:
		}

		data, _, err := handle.ZeroCopyReadPacketData()
		if err != nil {
			// Timeouts and transient faults both mean "try again".
			continue
		}

		mac, count, found := w.observe(data)
		if count == 0 {
			if cfg.Logger != nil {
				cfg.Logger.Trace("Ignored %d-byte non-system-link frame", len(data))
			}
			continue
		}
		if !found {
			if cfg.Logger != nil {
				cfg.Logger.Debug("Candidate console %s (%d/%d frames)", mac, count, ConfirmFrames)
			}
			continue
		}

		return &Result{
			MAC:      mac,
			Frames:   count,
			LastSeen: time.Now(),
		}, nil
	}
}

// open activates a capture on device with the system-link filter.
func open(device string) (*pcap.Handle, error) {
	inactive, err := pcap.NewInactiveHandle(device)
	if err != nil {
		return nil, fmt.Errorf("create handle for %s: %w", device, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(SnapLen); err != nil {
		return nil, fmt.Errorf("configure capture on %s: %w", device, err)
	}
	if err := inactive.SetPromisc(true); err != nil {
		return nil, fmt.Errorf("configure capture on %s: %w", device, err)
	}
	if err := inactive.SetTimeout(ReadTimeout); err != nil {
		return nil, fmt.Errorf("configure capture on %s: %w", device, err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("activate capture on %s: %w", device, err)
	}
	if err := handle.SetBPFFilter(Filter()); err != nil {
		handle.Close()
		return nil, fmt.Errorf("set filter %q: %w", Filter(), err)
	}
	return handle, nil
}

package discovery

import (
	"strings"
	"testing"

	"github.com/SnowyMouse/xlan/internal/systemlink"
	"github.com/SnowyMouse/xlan/test/testutil"
)

func TestWatcher_ConfirmsAfterThreshold(t *testing.T) {
	console := testutil.RandomMAC()
	frame := testutil.ValidFrame(console, testutil.BroadcastMAC(), []byte("beacon"))

	w := newWatcher()
	for i := 1; i < ConfirmFrames; i++ {
		mac, count, found := w.observe(frame)
		if found {
			t.Fatalf("confirmed after %d frame(s), threshold is %d", i, ConfirmFrames)
		}
		if mac != console || count != i {
			t.Fatalf("observe gave %s/%d, want %s/%d", mac, count, console, i)
		}
	}

	mac, count, found := w.observe(frame)
	if !found {
		t.Fatalf("not confirmed after %d frames", ConfirmFrames)
	}
	if mac != console || count != ConfirmFrames {
		t.Errorf("confirmed %s/%d, want %s/%d", mac, count, console, ConfirmFrames)
	}
}

func TestWatcher_CountsSendersSeparately(t *testing.T) {
	a := testutil.RandomMAC()
	b := testutil.RandomMAC()

	w := newWatcher()
	if _, _, found := w.observe(testutil.ValidFrame(a, testutil.BroadcastMAC(), nil)); found {
		t.Fatal("confirmed sender a on one frame")
	}
	if _, _, found := w.observe(testutil.ValidFrame(b, testutil.BroadcastMAC(), nil)); found {
		t.Fatal("one frame each must not confirm anyone")
	}
	mac, _, found := w.observe(testutil.ValidFrame(a, testutil.BroadcastMAC(), nil))
	if !found || mac != a {
		t.Errorf("sender a not confirmed on its second frame (%s/%v)", mac, found)
	}
}

func TestWatcher_IgnoresInvalidFrames(t *testing.T) {
	w := newWatcher()

	junk := [][]byte{
		nil,
		make([]byte, 20),
		testutil.BuildFrame(testutil.BroadcastMAC(), testutil.RandomMAC(), nil, testutil.FrameOptions{}), // broadcast source
		testutil.BuildFrame(testutil.RandomMAC(), testutil.RandomMAC(), nil, testutil.FrameOptions{SourcePort: 53, DestPort: 53}),
	}
	for i, frame := range junk {
		for range [ConfirmFrames + 1]struct{}{} {
			if _, count, found := w.observe(frame); count != 0 || found {
				t.Errorf("junk frame %d was counted", i)
			}
		}
	}
}

func TestFilter_MatchesCarriedTraffic(t *testing.T) {
	f := Filter()
	if strings.Count(f, "3074") != 2 {
		t.Errorf("filter %q should pin both ports", f)
	}
	if !strings.Contains(f, "0.0.0.1") {
		t.Errorf("filter %q should pin the source address", f)
	}
}

func TestSnapLenCoversWholeFrames(t *testing.T) {
	// Validation compares length fields against the captured size, so the
	// snap length must exceed the largest Ethernet frame.
	if SnapLen < 1514 {
		t.Errorf("SnapLen = %d truncates full frames", SnapLen)
	}
	if SnapLen < systemlink.MinFrameLength+systemlink.UDPHeaderLength {
		t.Errorf("SnapLen = %d cannot hold the headers", SnapLen)
	}
}

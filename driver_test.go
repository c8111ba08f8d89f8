package voicedriver

import (
	"io"
	"testing"
	"time"

	"github.com/rustyguts/voicedriver/internal/crypto"
	"github.com/rustyguts/voicedriver/internal/netio"
	"github.com/rustyguts/voicedriver/tracks"
)

type silentSource struct{}

func (silentSource) ReadPCM([]int16) (int, error)    { return 0, io.EOF }
func (silentSource) ReadOpus() ([]byte, bool, error) { return nil, false, nil }
func (silentSource) Seekable() bool                  { return false }
func (silentSource) Seek(time.Duration) error        { return nil }

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	d := New(DefaultConfig().WithHandshakeTimeout(time.Second))
	t.Cleanup(d.Close)
	return d
}

func TestToCryptoModeMapsAllThreeModes(t *testing.T) {
	cases := map[CryptoMode]crypto.Mode{
		CryptoModeNormal: crypto.Normal,
		CryptoModeSuffix: crypto.Suffix,
		CryptoModeLite:   crypto.Lite,
	}
	for in, want := range cases {
		if got := toCryptoMode(in); got != want {
			t.Fatalf("toCryptoMode(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestToNetioDecodeModeMapsAllThreeModes(t *testing.T) {
	cases := map[DecodeMode]netio.DecodeMode{
		DecodeModePass:    netio.DecodeModePass,
		DecodeModeDecrypt: netio.DecodeModeDecrypt,
		DecodeModeDecode:  netio.DecodeModeDecode,
	}
	for in, want := range cases {
		if got := toNetioDecodeMode(in); got != want {
			t.Fatalf("toNetioDecodeMode(%v) = %v, want %v", in, got, want)
		}
	}
}

// TestAddTrackReachesMixer exercises the Driver -> supervisor -> mixer path
// end to end: the track the mixer hands back should start paused, matching
// tracks.NewTrack's documented initial state.
func TestAddTrackReachesMixer(t *testing.T) {
	d := newTestDriver(t)

	handle := d.AddTrack(silentSource{})
	reply, err := handle.Request()
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	select {
	case state := <-reply:
		if state.Mode != tracks.ModePause {
			t.Fatalf("expected a newly added track to start paused, got %v", state.Mode)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for track state from mixer")
	}
}

// TestUpdateConfigFreezesCryptoModeWhileConnected confirms makeSafe is wired
// up: once connected is recorded true, a caller cannot slip a new
// CryptoMode past UpdateConfig until Disconnect clears it.
func TestUpdateConfigFreezesCryptoModeWhileConnected(t *testing.T) {
	d := newTestDriver(t)
	d.mu.Lock()
	d.connected = true
	d.cfg = d.cfg.WithCryptoMode(CryptoModeLite)
	d.mu.Unlock()

	d.UpdateConfig(DefaultConfig().WithCryptoMode(CryptoModeSuffix))

	d.mu.Lock()
	got := d.cfg.CryptoMode
	d.mu.Unlock()
	if got != CryptoModeLite {
		t.Fatalf("expected CryptoMode frozen at Lite while connected, got %v", got)
	}

	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	d.UpdateConfig(DefaultConfig().WithCryptoMode(CryptoModeSuffix))

	d.mu.Lock()
	got = d.cfg.CryptoMode
	d.mu.Unlock()
	if got != CryptoModeSuffix {
		t.Fatalf("expected CryptoMode change to take effect once disconnected, got %v", got)
	}
}

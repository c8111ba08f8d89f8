package voicedriver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rustyguts/voicedriver/events"
	"github.com/rustyguts/voicedriver/internal/crypto"
	"github.com/rustyguts/voicedriver/internal/dlog"
	"github.com/rustyguts/voicedriver/internal/handshake"
	"github.com/rustyguts/voicedriver/internal/netio"
	"github.com/rustyguts/voicedriver/internal/supervisor"
	"github.com/rustyguts/voicedriver/tracks"
)

// Driver is the public handle to one voice connection's worth of machinery:
// the supervisor goroutine and, once connected, the mixer/event/WS/UDP tasks
// it owns. The zero value is not usable; construct with New.
type Driver struct {
	sup *supervisor.Supervisor

	mu        sync.Mutex
	cfg       Config
	connected bool
}

// New constructs a Driver and starts its supervisor goroutine. No network
// activity happens until Connect is called.
func New(cfg Config) *Driver {
	sup := supervisor.New(cfg.toSupervisorOptions(), dlog.New("driver"))
	go sup.Run()
	return &Driver{sup: sup, cfg: cfg}
}

// toSupervisorOptions converts a Config into the supervisor.Options the
// handshake and lazily-spawned subsystems read at connect time.
func (c Config) toSupervisorOptions() supervisor.Options {
	return supervisor.Options{
		DecodeMode:          toNetioDecodeMode(c.DecodeMode),
		PreallocatedTracks:  c.PreallocatedTracks,
		SilentFrames:        c.SilentFrames,
		HandshakeTimeout:    c.HandshakeTimeout,
		PreferredCryptoMode: toCryptoMode(c.CryptoMode),
	}
}

func toCryptoMode(m CryptoMode) crypto.Mode {
	switch m {
	case CryptoModeSuffix:
		return crypto.Suffix
	case CryptoModeLite:
		return crypto.Lite
	default:
		return crypto.Normal
	}
}

func toNetioDecodeMode(m DecodeMode) netio.DecodeMode {
	switch m {
	case DecodeModePass:
		return netio.DecodeModePass
	case DecodeModeDecode:
		return netio.DecodeModeDecode
	default:
		return netio.DecodeModeDecrypt
	}
}

// toDriverError maps a *handshake.Error's Kind onto this package's exported
// sentinels, so callers can errors.Is against ErrCryptoModeUnavailable/
// ErrCryptoModeInvalid without reaching into internal/handshake. Every other
// Kind (and any non-handshake dial error) is returned unwrapped, still
// inspectable via the handshake package for callers that need the detail.
func toDriverError(err error) error {
	if err == nil {
		return nil
	}
	var hsErr *handshake.Error
	if !errors.As(err, &hsErr) {
		return err
	}
	switch hsErr.Kind {
	case handshake.KindCryptoModeUnavailable:
		return fmt.Errorf("%w: %v", ErrCryptoModeUnavailable, hsErr)
	case handshake.KindCryptoModeInvalid:
		return fmt.Errorf("%w: %v", ErrCryptoModeInvalid, hsErr)
	default:
		return err
	}
}

func (info ConnectionInfo) toSupervisor() supervisor.ConnectionInfo {
	return supervisor.ConnectionInfo{
		Endpoint:  info.Endpoint,
		GuildID:   info.GuildID,
		SessionID: info.SessionID,
		Token:     info.Token,
		UserID:    info.UserID,
	}
}

// Connect performs a fresh handshake against info and blocks until it
// completes or fails. On success the driver is ready to accept tracks.
//
// The supervisor's Options are refreshed from the driver's current Config
// on every call, so a CryptoMode/DecodeMode/etc change applied via
// UpdateConfig since the last Connect takes effect here, per that method's
// doc comment.
func (d *Driver) Connect(info ConnectionInfo) error {
	d.mu.Lock()
	opts := d.cfg.toSupervisorOptions()
	d.mu.Unlock()

	reply := make(chan error, 1)
	d.sup.Commands() <- supervisor.Command{
		Kind:    supervisor.CmdConnectWithResult,
		Info:    info.toSupervisor(),
		Options: &opts,
		Reply:   reply,
	}
	err := toDriverError(<-reply)

	d.mu.Lock()
	d.connected = err == nil
	d.mu.Unlock()
	return err
}

// Disconnect tears down the connection half of the interconnect. Tracks
// already added survive and resume playback on the next Connect, per
// spec.md §5's preservation table.
func (d *Driver) Disconnect() {
	d.sup.Commands() <- supervisor.Command{Kind: supervisor.CmdDisconnect}

	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
}

// AddTrack wraps source in a new Track, hands it to the mixer, and returns
// the Handle used to control it.
func (d *Driver) AddTrack(source tracks.Source) *tracks.Handle {
	track, handle := tracks.NewTrack(source)
	d.sup.Commands() <- supervisor.Command{Kind: supervisor.CmdAddTrack, Track: track, Handle: handle}
	return handle
}

// SetTrack replaces whatever the mixer is currently playing with a single
// new track built from source, dropping the previous one. Passing a nil
// source clears the mixer's track list instead.
func (d *Driver) SetTrack(source tracks.Source) *tracks.Handle {
	if source == nil {
		d.sup.Commands() <- supervisor.Command{Kind: supervisor.CmdSetTrack}
		return nil
	}
	track, handle := tracks.NewTrack(source)
	d.sup.Commands() <- supervisor.Command{Kind: supervisor.CmdSetTrack, Track: track, Handle: handle}
	return handle
}

// SetBitrate changes the shared Opus encoder's target bitrate in bits per
// second, affecting every track mixed from PCM.
func (d *Driver) SetBitrate(bitsPerSecond int) {
	d.sup.Commands() <- supervisor.Command{Kind: supervisor.CmdSetBitrate, Bitrate: bitsPerSecond}
}

// AddEvent registers a global subscription: trigger decides which core or
// periodic events invoke handler, independent of any particular track.
func (d *Driver) AddEvent(trigger events.Trigger, handler events.Handler) {
	d.sup.Commands() <- supervisor.Command{Kind: supervisor.CmdAddEvent, Event: events.NewEventData(trigger, handler)}
}

// Mute silences outbound audio without pausing tracks: positions keep
// advancing and track-local events keep firing, but the mixer reports
// speaking=false, sends Config.SilentFrames silent frames, and then sends
// nothing until unmuted.
func (d *Driver) Mute(muted bool) {
	d.sup.Commands() <- supervisor.Command{Kind: supervisor.CmdMute, Muted: muted}
}

// Reconnect recovers from a dropped connection: resume is tried first, then
// rebuilding the interconnect and resuming again, then a full fresh
// handshake, per spec.md §4.1's fallback ladder. Tracks survive every rung;
// events survive only when the first resume succeeds, since the second rung
// rebuilds the interconnect and discards them.
func (d *Driver) Reconnect() {
	d.sup.Commands() <- supervisor.Command{Kind: supervisor.CmdReconnect}
}

// FullReconnect discards the websocket and UDP socket and performs a fresh
// handshake unconditionally, skipping the resume attempts Reconnect makes
// first. Tracks and events both survive.
func (d *Driver) FullReconnect() {
	d.sup.Commands() <- supervisor.Command{Kind: supervisor.CmdFullReconnect}
}

// RebuildInterconnect replaces the event task and, if connected, the WS task,
// without touching the mixer's track list or the UDP socket. Registered
// events are lost; tracks are not.
func (d *Driver) RebuildInterconnect() {
	d.sup.Commands() <- supervisor.Command{Kind: supervisor.CmdRebuildInterconnect}
}

// UpdateConfig stores cfg for use by a future Connect, after passing it
// through Config.makeSafe against the driver's current connected state so a
// caller cannot change CryptoMode mid-session (songbird's make_safe).
//
// Connect reads the driver's Config fresh on every call, so the new settings
// take effect starting with the next Connect; they do not retroactively
// affect a connection already established, nor a bare Reconnect/
// FullReconnect, which reuse whatever Options the last Connect installed.
func (d *Driver) UpdateConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg.makeSafe(d.cfg, d.connected)
}

// Close poisons the supervisor and every subsystem it spawned. The driver
// must not be used afterward.
func (d *Driver) Close() {
	d.sup.Commands() <- supervisor.Command{Kind: supervisor.CmdPoison}
}

package events

import "time"

// TrackView exposes the observable subset of a Track's state to event
// handlers without events importing the tracks package (which itself depends
// on events.Store for each track's local subscriptions).
type TrackView interface {
	Playing() bool
	Volume() float32
	Position() time.Duration
}

// TrackRef pairs a track's observable state with its handle, passed to
// handlers so they can act on it. Handle is typed any and type-asserted back
// to *tracks.Handle by callers that need to issue further commands;
// event handlers that only inspect state need not import tracks at all.
type TrackRef struct {
	State  TrackView
	Handle any
}

// Context is the data handed to a Handler when its trigger fires. Exactly
// one of the non-Tracks fields is meaningful for a core event, selected by
// the CoreEvent passed to Store.ProcessCoreEvent; Tracks is always populated for track-scoped
// firings (nil/empty for a purely global timed tick).
type Context struct {
	Tracks []TrackRef

	SpeakingStateUpdate *SpeakingStateUpdate
	SpeakingUpdate       *SpeakingUpdate
	VoicePacket          *VoicePacket
	RtcpPacket           *RtcpPacket
	ClientConnect        *ClientConnect
	ClientDisconnect     *ClientDisconnect
}

// SpeakingStateUpdate announces that a remote SSRC/user pairing is now known.
type SpeakingStateUpdate struct {
	SSRC     uint32
	UserID   string
	Speaking bool
}

// SpeakingUpdate fires on a silent-to-speaking (or reverse) transition for a
// given SSRC, independent of whether the user mapping is known yet.
type SpeakingUpdate struct {
	SSRC     uint32
	Speaking bool
}

// VoicePacket carries a decoded (or pass-through) inbound audio frame.
// Audio is nil when the packet arrived out of order and was not decoded.
type VoicePacket struct {
	SSRC           uint32
	Audio          []int16
	PayloadOffset  int
	SequenceNumber uint16
	Timestamp      uint32
}

// RtcpPacket carries an inbound RTCP packet's classification.
type RtcpPacket struct {
	SSRC          uint32
	PayloadOffset int
}

// ClientConnect announces a new SSRC/user-ID pairing.
type ClientConnect struct {
	UserID string
	SSRCs  []uint32
}

// ClientDisconnect announces a user has left the call.
type ClientDisconnect struct {
	UserID string
}

// CoreEventOf reports which CoreEvent, if any, this Context corresponds to,
// mirroring EventContext::to_core_event.
func (c Context) CoreEventOf() (CoreEvent, bool) {
	switch {
	case c.SpeakingStateUpdate != nil:
		return CoreSpeakingStateUpdate, true
	case c.SpeakingUpdate != nil:
		return CoreSpeakingUpdate, true
	case c.VoicePacket != nil:
		return CoreVoicePacket, true
	case c.RtcpPacket != nil:
		return CoreRtcpPacket, true
	case c.ClientConnect != nil:
		return CoreClientConnect, true
	case c.ClientDisconnect != nil:
		return CoreClientDisconnect, true
	default:
		return 0, false
	}
}

package voicedriver

import "errors"

// Sentinel errors returned by Driver.Connect. Callers should compare with
// errors.Is; toDriverError maps the underlying *handshake.Error's Kind onto
// these. Track-level errors (send-failed, not-seekable) live on
// tracks.ErrGone and tracks.ErrNotSeekable instead, since the tracks package
// does not import this one.
var (
	// ErrCryptoModeUnavailable is returned during handshake when the
	// intersection of locally supported and server-offered crypto modes is
	// empty.
	ErrCryptoModeUnavailable = errors.New("voicedriver: no mutually supported crypto mode")

	// ErrCryptoModeInvalid is returned when the server's session description
	// confirms a crypto mode different from the one selected.
	ErrCryptoModeInvalid = errors.New("voicedriver: server confirmed an unexpected crypto mode")
)

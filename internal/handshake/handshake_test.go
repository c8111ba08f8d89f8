package handshake

import (
	"errors"
	"testing"

	"github.com/rustyguts/voicedriver/internal/crypto"
)

func TestNegotiateModePrefersLite(t *testing.T) {
	mode, ok := negotiateMode([]string{"xsalsa20_poly1305", "xsalsa20_poly1305_lite", "xsalsa20_poly1305_suffix"}, crypto.Lite)
	if !ok || mode != crypto.Lite {
		t.Fatalf("expected Lite preferred, got %v ok=%v", mode, ok)
	}
}

func TestNegotiateModeFallsBackToOffered(t *testing.T) {
	mode, ok := negotiateMode([]string{"xsalsa20_poly1305"}, crypto.Lite)
	if !ok || mode != crypto.Normal {
		t.Fatalf("expected Normal fallback, got %v ok=%v", mode, ok)
	}
}

func TestNegotiateModeHonorsCallerPreferenceWhenOffered(t *testing.T) {
	mode, ok := negotiateMode([]string{"xsalsa20_poly1305", "xsalsa20_poly1305_suffix", "xsalsa20_poly1305_lite"}, crypto.Suffix)
	if !ok || mode != crypto.Suffix {
		t.Fatalf("expected caller's preferred Suffix mode to win over the default Lite-first order, got %v ok=%v", mode, ok)
	}
}

func TestNegotiateModeUnavailableWhenNoOverlap(t *testing.T) {
	_, ok := negotiateMode([]string{"some_future_mode"}, crypto.Lite)
	if ok {
		t.Fatal("expected no mutually supported mode")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := wrap(KindIO, cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
}

func TestInterconnectFailureMessage(t *testing.T) {
	err := InterconnectFailure(RecipientMixer)
	if err.Kind != KindInterconnectFailure {
		t.Fatalf("expected KindInterconnectFailure, got %v", err.Kind)
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}

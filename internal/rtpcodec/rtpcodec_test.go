package rtpcodec

import (
	"testing"

	"github.com/rustyguts/voicedriver/internal/crypto"
)

func TestSequencerAdvancesEveryCall(t *testing.T) {
	seq := NewSequencer(0xCAFEBABE, 960)

	h1 := seq.Next()
	h2 := seq.Next()

	if h1.Sequence != 0 || h2.Sequence != 1 {
		t.Fatalf("expected sequence 0,1 got %d,%d", h1.Sequence, h2.Sequence)
	}
	if h1.Timestamp != 0 || h2.Timestamp != 960 {
		t.Fatalf("expected timestamp 0,960 got %d,%d", h1.Timestamp, h2.Timestamp)
	}
	if h1.SSRC != 0xCAFEBABE {
		t.Fatalf("SSRC mismatch: %x", h1.SSRC)
	}
}

func TestHeaderWriteInto(t *testing.T) {
	h := Header{Sequence: 1, Timestamp: 960, SSRC: 42}
	buf := make([]byte, HeaderSize)
	h.WriteInto(buf)

	if buf[0] != rtpVersion || buf[1] != PayloadType {
		t.Fatalf("unexpected version/payload-type bytes: %x %x", buf[0], buf[1])
	}
	if buf[2] != 0 || buf[3] != 1 {
		t.Fatalf("unexpected sequence bytes: %x %x", buf[2], buf[3])
	}
}

func TestBuildAndParseRoundTripNormalMode(t *testing.T) {
	var key [crypto.KeySize]byte
	cipher := crypto.NewCipher(key)
	state, err := crypto.NewState(crypto.Normal)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	seq := NewSequencer(7, 960)
	header := seq.Next()

	plaintext := []byte{0xF8, 0xFF, 0xFE}
	dst := make([]byte, HeaderSize+crypto.TagSize+len(plaintext)+crypto.NonceSize)
	total, err := BuildPacket(dst, header, cipher, &state, plaintext)
	if err != nil {
		t.Fatalf("BuildPacket: %v", err)
	}
	packet := dst[:total]

	if Classify(packet, false) != KindRTP {
		t.Fatalf("expected KindRTP classification")
	}

	parsed, err := ParseRTP(packet)
	if err != nil {
		t.Fatalf("ParseRTP: %v", err)
	}
	if parsed.SSRC != 7 || parsed.SequenceNumber != 0 {
		t.Fatalf("unexpected parsed header: %+v", parsed)
	}

	sealed, suffix := SplitNonceSuffix(crypto.Normal, parsed.Payload)
	if suffix != nil {
		t.Fatalf("normal mode should have no nonce suffix, got %v", suffix)
	}

	got, err := cipher.Open(crypto.Normal, parsed.Header, suffix, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %v want %v", got, plaintext)
	}
}

func TestClassifyIPDiscoveryEcho(t *testing.T) {
	data := make([]byte, 74)
	if Classify(data, true) != KindIPDiscoveryEcho {
		t.Fatal("expected IP discovery echo classification")
	}
	if Classify(data, false) == KindIPDiscoveryEcho {
		t.Fatal("should not classify as discovery echo when not expecting one")
	}
}

func TestClassifyRTCP(t *testing.T) {
	data := make([]byte, 12)
	data[1] = 200 // RTCP sender report
	if Classify(data, false) != KindRTCP {
		t.Fatal("expected RTCP classification")
	}
}

func TestClassifyUnknownTooShort(t *testing.T) {
	if Classify([]byte{1, 2, 3}, false) != KindUnknown {
		t.Fatal("expected KindUnknown for undersized datagram")
	}
}

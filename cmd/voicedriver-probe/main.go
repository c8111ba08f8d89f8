// Command voicedriver-probe exercises a Driver end to end against an
// in-process stub voice gateway: it connects, plays a synthetic tone
// through a track, lets the mixer run for a few seconds, and reports the
// packets the stub's UDP listener observed. It is a debugging aid, not a
// conformance test; see the package tests under internal/ and tracks/ for
// the properties spec.md §8 actually requires.
package main

import (
	"flag"
	"log"
	"math"
	"time"

	voicedriver "github.com/rustyguts/voicedriver"
	"github.com/rustyguts/voicedriver/events"
	"github.com/rustyguts/voicedriver/tracks"
)

func main() {
	duration := flag.Duration("duration", 3*time.Second, "how long to let the mixer run before reporting")
	freq := flag.Float64("freq", 440, "tone frequency in Hz")
	cryptoMode := flag.String("crypto-mode", "normal", "normal|suffix|lite: preferred crypto mode to request")
	flag.Parse()

	stub, err := newStubEndpoint(1234, []string{
		"xsalsa20_poly1305",
		"xsalsa20_poly1305_suffix",
		"xsalsa20_poly1305_lite",
	})
	if err != nil {
		log.Fatalf("[probe] starting stub endpoint: %v", err)
	}
	defer stub.close()

	cfg := voicedriver.DefaultConfig().WithCryptoMode(parseCryptoMode(*cryptoMode))
	driver := voicedriver.New(cfg)
	defer driver.Close()

	log.Printf("[probe] connecting to %s", stub.wsURL())
	if err := driver.Connect(voicedriver.ConnectionInfo{
		Endpoint:  stub.wsURL(),
		GuildID:   "probe-guild",
		SessionID: voicedriver.NewSessionID(),
		Token:     "probe-token",
		UserID:    "probe-user",
	}); err != nil {
		log.Fatalf("[probe] connect failed: %v", err)
	}
	log.Printf("[probe] handshake complete")

	var fired int
	driver.AddEvent(events.Periodic(time.Second, nil), events.HandlerFunc(func(events.Context) (events.Trigger, bool) {
		fired++
		log.Printf("[probe] periodic tick %d", fired)
		return events.Trigger{}, false
	}))

	handle := driver.AddTrack(newToneSource(*freq))
	if err := handle.Play(); err != nil {
		log.Fatalf("[probe] play: %v", err)
	}

	time.Sleep(*duration)

	reply, err := handle.Request()
	if err == nil {
		select {
		case state := <-reply:
			log.Printf("[probe] track state at exit: mode=%s volume=%.2f position=%s", state.Mode, state.Volume, state.Position)
		case <-time.After(time.Second):
		}
	}

	log.Printf("[probe] stub endpoint observed %d inbound packets", stub.packetsSeen.Load())
}

func parseCryptoMode(s string) voicedriver.CryptoMode {
	switch s {
	case "suffix":
		return voicedriver.CryptoModeSuffix
	case "lite":
		return voicedriver.CryptoModeLite
	default:
		return voicedriver.CryptoModeNormal
	}
}

// toneSource is a Source (tracks.Source) producing an endless 48kHz stereo
// sine wave at unity volume, never offering an Opus frame (so the mixer
// always takes the encode path rather than passthrough) and never seekable.
type toneSource struct {
	freq   float64
	sample int
}

func newToneSource(freq float64) *toneSource { return &toneSource{freq: freq} }

const (
	probeSampleRate = 48000
	probeChannels   = 2
)

func (t *toneSource) ReadPCM(buf []int16) (int, error) {
	frames := len(buf) / probeChannels
	for i := 0; i < frames; i++ {
		v := int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*t.freq*float64(t.sample)/probeSampleRate))
		buf[i*probeChannels] = v
		buf[i*probeChannels+1] = v
		t.sample++
	}
	return frames, nil
}

func (t *toneSource) ReadOpus() ([]byte, bool, error) { return nil, false, nil }
func (t *toneSource) Seekable() bool                  { return false }
func (t *toneSource) Seek(time.Duration) error         { return nil }

var _ tracks.Source = (*toneSource)(nil)

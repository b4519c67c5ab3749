// Package capture models the local screen capture feeding the broadcaster
// role. Real capture/encoding lives behind the Source interface; the
// package ships a synthetic test-pattern source so the full sharing path
// runs without a display server.
//
// Ownership rule: the live stream belongs exclusively to one Broadcast.
// Every outgoing negotiation attaches the same local track — the stream is
// shared by reference, never copied — and stopping the broadcast must close
// every attached negotiation (the owner's OnStop hook does that).
package capture

import (
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var log = logging.Logger("capture")

// ErrNotStarted is returned when Track is requested before Start.
var ErrNotStarted = errors.New("capture: broadcast not started")

// Source produces encoded media samples. Start begins production, Samples
// yields frames until Stop, after which the channel is closed.
type Source interface {
	Start() error
	Samples() <-chan media.Sample
	Stop()
}

// Broadcast owns the running capture and the single local track attached to
// every per-viewer negotiation.
type Broadcast struct {
	mu     sync.Mutex
	src    Source
	track  *webrtc.TrackLocalStaticSample
	done   chan struct{}
	onStop func()
}

// OnStop registers fn to run once when the broadcast stops, before Stop
// returns. The broadcaster endpoint uses it to close every attached
// negotiation.
func (b *Broadcast) OnStop(fn func()) {
	b.mu.Lock()
	b.onStop = fn
	b.mu.Unlock()
}

// Start takes ownership of src and begins pumping samples into the shared
// track. Starting while already running is an error: there is exactly one
// live capture per employee.
func (b *Broadcast) Start(src Source) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.src != nil {
		return errors.New("capture: already broadcasting")
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen", "vigil-screen",
	)
	if err != nil {
		return err
	}
	if err := src.Start(); err != nil {
		return err
	}
	b.src = src
	b.track = track
	b.done = make(chan struct{})
	go b.pump(src, track, b.done)
	log.Infof("broadcast started")
	return nil
}

// Track returns the shared local track for attaching to a negotiation.
func (b *Broadcast) Track() (*webrtc.TrackLocalStaticSample, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.track == nil {
		return nil, ErrNotStarted
	}
	return b.track, nil
}

// Active reports whether a capture is running.
func (b *Broadcast) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.src != nil
}

// Stop tears down the capture synchronously and fires the OnStop hook.
// Idempotent.
func (b *Broadcast) Stop() {
	b.mu.Lock()
	src := b.src
	done := b.done
	onStop := b.onStop
	b.src = nil
	b.track = nil
	b.done = nil
	b.mu.Unlock()
	if src == nil {
		return
	}
	close(done)
	src.Stop()
	if onStop != nil {
		onStop()
	}
	log.Infof("broadcast stopped")
}

func (b *Broadcast) pump(src Source, track *webrtc.TrackLocalStaticSample, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sample, ok := <-src.Samples():
			if !ok {
				return
			}
			if err := track.WriteSample(sample); err != nil {
				log.Debugf("write sample: %v", err)
			}
		}
	}
}

// TestPattern is a synthetic Source emitting a moving-bar frame payload at a
// fixed interval. The payload is not real VP8 — it exercises the plumbing,
// not a decoder.
type TestPattern struct {
	Interval time.Duration // frame interval; default 100ms

	mu   sync.Mutex
	out  chan media.Sample
	stop chan struct{}
}

// Start begins frame production.
func (p *TestPattern) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out != nil {
		return errors.New("capture: test pattern already started")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	p.out = make(chan media.Sample)
	p.stop = make(chan struct{})
	go p.run(interval, p.out, p.stop)
	return nil
}

// Samples returns the frame channel.
func (p *TestPattern) Samples() <-chan media.Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}

// Stop halts production and closes the sample channel.
func (p *TestPattern) Stop() {
	p.mu.Lock()
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (p *TestPattern) run(interval time.Duration, out chan media.Sample, stop chan struct{}) {
	defer close(out)
	t := time.NewTicker(interval)
	defer t.Stop()
	frame := make([]byte, 256)
	pos := 0
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			for i := range frame {
				frame[i] = 0
			}
			frame[pos%len(frame)] = 0xFF
			pos++
			sample := media.Sample{Data: append([]byte(nil), frame...), Duration: interval}
			select {
			case out <- sample:
			case <-stop:
				return
			}
		}
	}
}

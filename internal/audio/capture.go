// Package audio produces the local microphone track and meters remote ones.
// Audio is narrowband PCMU: 8 kHz mono in 20ms frames.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
	"github.com/zaf/g711"
)

const (
	SampleRate    = 8000
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = SampleRate / 50

	DefaultThresholdDB = -45.0
	// frames the speaking flag holds after the level drops
	DefaultHangover        = 15
	DefaultSmoothIntervals = 3
)

// PCMCapture reads signed 16-bit little endian mono PCM, encodes it to
// µ-law and writes it to a local track at real-time pace. A seekable source
// loops at EOF; a nil source produces silence.
type PCMCapture struct {
	track    *webrtc.TrackLocalStaticSample
	src      io.Reader
	closer   io.Closer
	detector *Detector
	loud     atomic.Bool

	raw       []byte
	pcm       []int16
	ulaw      []byte
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewPCMCapture(ctx context.Context, src io.Reader, thresholdDB float64) (*PCMCapture, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: SampleRate, Channels: 1},
		"audio",
		"voicemesh-"+uuid.NewString(),
	)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &PCMCapture{
		track:    track,
		src:      src,
		detector: NewDetector(thresholdDB, DefaultHangover, DefaultSmoothIntervals),
		raw:      make([]byte, FrameSamples*2),
		pcm:      make([]int16, FrameSamples),
		ulaw:     make([]byte, FrameSamples),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if cl, ok := src.(io.Closer); ok {
		c.closer = cl
	}
	go c.run(ctx)
	return c, nil
}

func (c *PCMCapture) LocalTrack() webrtc.TrackLocal { return c.track }

func (c *PCMCapture) Loud() bool { return c.loud.Load() }

// Close stops the writer and closes the source if it is an io.Closer.
func (c *PCMCapture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

func (c *PCMCapture) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.step(); err != nil {
				log.Error().Err(err).Str("module", "audio").Msg("capture stopped")
				c.loud.Store(false)
				return
			}
		}
	}
}

// step reads, meters and writes one frame.
func (c *PCMCapture) step() error {
	if err := c.readFrame(); err != nil {
		return err
	}
	c.loud.Store(c.detector.Observe(c.pcm))
	c.encodeFrame()
	if err := c.track.WriteSample(media.Sample{Data: c.ulaw, Duration: FrameDuration}); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	return nil
}

func (c *PCMCapture) encodeFrame() {
	for i, v := range c.pcm {
		c.ulaw[i] = g711.EncodeUlawFrame(v)
	}
}

func (c *PCMCapture) readFrame() error {
	if c.src == nil {
		clear(c.pcm)
		return nil
	}
	_, err := io.ReadFull(c.src, c.raw)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		s, ok := c.src.(io.Seeker)
		if !ok {
			// a one-shot source falls silent once drained
			c.src = nil
			clear(c.pcm)
			return nil
		}
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind: %w", err)
		}
		if _, err = io.ReadFull(c.src, c.raw); err != nil {
			return fmt.Errorf("read after rewind: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	for i := range c.pcm {
		c.pcm[i] = int16(binary.LittleEndian.Uint16(c.raw[2*i:]))
	}
	return nil
}

package audio

import "math"

// SilentDB is the floor reported for digital silence.
const SilentDB = -127.0

// DBFS is the RMS level of a 16-bit PCM frame relative to full scale.
func DBFS(samples []int16) float64 {
	if len(samples) == 0 {
		return SilentDB
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return SilentDB
	}
	return max(20*math.Log10(rms), SilentDB)
}

// Detector turns frame levels into a speaking flag. The level is smoothed
// with an exponential moving average, and once active the flag holds for
// hangover frames after the level drops.
type Detector struct {
	threshold    float64
	hangover     int
	smoothFactor float64

	smoothed  float64
	remaining int
	primed    bool
}

func NewDetector(thresholdDB float64, hangover, smoothIntervals int) *Detector {
	d := &Detector{
		threshold:    thresholdDB,
		hangover:     hangover,
		smoothFactor: 1,
		smoothed:     SilentDB,
	}
	if smoothIntervals > 0 {
		// same center of mass as a simple moving average over smoothIntervals
		d.smoothFactor = 2 / float64(smoothIntervals+1)
	}
	return d
}

// Observe feeds one frame and reports whether the source counts as speaking.
// Must be called from one goroutine.
func (d *Detector) Observe(samples []int16) bool {
	level := DBFS(samples)
	if !d.primed {
		d.smoothed, d.primed = level, true
	} else {
		d.smoothed += (level - d.smoothed) * d.smoothFactor
	}
	if d.smoothed >= d.threshold {
		d.remaining = d.hangover
		return true
	}
	if d.remaining > 0 {
		d.remaining--
		return true
	}
	return false
}

func (d *Detector) Level() float64 { return d.smoothed }

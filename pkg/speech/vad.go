package speech

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Voice activity thresholds for PCM16 clips.
const (
	FrameMS        = 20
	HopMS          = 10
	VADOnThreshold = -35.0 // dBFS
	VADAttackMS    = 40
)

var vadAttackFrames = max(1, VADAttackMS/HopMS)

// HasSpeech reports whether a LINEAR16 clip has at least VADAttackMS of
// audio louder than VADOnThreshold. Compressed clips cannot be inspected
// and always report true.
func HasSpeech(clip Clip) bool {
	if clip.Encoding != EncodingLinear16 {
		return true
	}
	rate := clip.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return detectVoice(pcmSamples(clip.Data), rate)
}

func detectVoice(samples []float64, sampleRate int) bool {
	frame := sampleRate * FrameMS / 1000
	hop := sampleRate * HopMS / 1000
	if frame <= 0 || hop <= 0 || len(samples) < frame {
		return false
	}

	above := 0
	for start := 0; start+frame <= len(samples); start += hop {
		if rmsDBFS(samples[start:start+frame]) >= VADOnThreshold {
			above++
			if above >= vadAttackFrames {
				return true
			}
		} else {
			above = 0
		}
	}
	return false
}

// pcmSamples decodes little-endian PCM16 into [-1, 1], skipping a RIFF
// header when present.
func pcmSamples(data []byte) []float64 {
	data = stripWAVHeader(data)
	n := len(data) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[2*i:]))
		out[i] = float64(v) / 32768.0
	}
	return out
}

func stripWAVHeader(data []byte) []byte {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return data
	}
	// Walk chunks until "data".
	pos := 12
	for pos+8 <= len(data) {
		id := data[pos : pos+4]
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		pos += 8
		if bytes.Equal(id, []byte("data")) {
			end := pos + size
			if end > len(data) || size < 0 {
				end = len(data)
			}
			return data[pos:end]
		}
		pos += size + size%2
	}
	return nil
}

func rmsDBFS(samples []float64) float64 {
	if len(samples) == 0 {
		return -100.0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(len(samples)) + 1e-12)
	return 20.0 * math.Log10(rms+1e-12)
}

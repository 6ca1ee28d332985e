// Package call implements the live voice/video call engine: microphone
// capture, outbound encoding, gapless playback scheduling, push-to-talk,
// ringing, the proactive-speech heartbeat, and camera frame capture.
package call

import (
	"math"
	"math/rand"
	"time"
)

// Wire and playback formats. Input to the live session is 16kHz mono
// s16le; model output arrives at 24kHz.
const (
	MicSampleRate      = 16000
	PlaybackSampleRate = 24000

	bytesPerSample = 2

	// micGain is the fixed sensitivity boost applied to every capture
	// block before conversion.
	micGain = 6.0

	// blockSamples is the capture block size at the wire rate.
	blockSamples = 1024

	micMIMEType = "audio/pcm;rate=16000"
)

// pcmDuration returns the playback duration of a 16-bit mono PCM buffer.
func pcmDuration(pcm []byte, sampleRate int) time.Duration {
	samples := len(pcm) / bytesPerSample
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

// rmsEnergy computes the root-mean-square energy of 16-bit signed
// little-endian PCM, normalized to [0, 1].
func rmsEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// peakAmplitude returns the maximum absolute amplitude in the PCM data,
// normalized to [0, 1].
func peakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}

// resampleNearest converts 16-bit mono PCM between sample rates by
// nearest-index decimation: output index i reads input index floor(i*ratio).
// No anti-aliasing; a deliberate simplicity tradeoff acceptable for
// voice-band content.
func resampleNearest(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	inSamples := len(pcm) / 2
	ratio := float64(fromRate) / float64(toRate)
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, outSamples*2)
	for i := 0; i < outSamples; i++ {
		src := int(float64(i) * ratio)
		if src >= inSamples {
			src = inSamples - 1
		}
		out[i*2] = pcm[src*2]
		out[i*2+1] = pcm[src*2+1]
	}
	return out
}

// applyGain multiplies every sample by gain, clipping to the valid signed
// range. Returns a new buffer.
func applyGain(pcm []byte, gain float64) []byte {
	out := make([]byte, len(pcm))
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		boosted := sample * gain
		if boosted > 32767 {
			boosted = 32767
		} else if boosted < -32768 {
			boosted = -32768
		}
		v := int16(boosted)
		out[i] = byte(v)
		out[i+1] = byte(v >> 8)
	}
	return out
}

// scaleGain multiplies every sample by a [0,1] factor without clipping
// concerns. Used for the speaker volume toggle on the playback path.
func scaleGain(pcm []byte, gain float64) []byte {
	if gain >= 1.0 {
		return pcm
	}
	out := make([]byte, len(pcm))
	if gain <= 0 {
		return out
	}
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		v := int16(sample * gain)
		out[i] = byte(v)
		out[i+1] = byte(v >> 8)
	}
	return out
}

// silenceBlock returns an explicitly zeroed capture block. Push-to-talk
// release sends a run of these so the backend's voice-activity detector
// sees end of utterance instead of an abrupt stream cut.
func silenceBlock() []byte {
	return make([]byte, blockSamples*bytesPerSample)
}

// dualTonePCM synthesizes the sum of two sine tones as 16-bit mono PCM.
// The 440+480Hz pair is the North American ringback tone.
func dualTonePCM(freqA, freqB, sampleRate int, d time.Duration, amp float64) []byte {
	samples := int(float64(sampleRate) * d.Seconds())
	if samples <= 0 {
		return nil
	}
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRate)
		v := amp * 0.5 * (math.Sin(2*math.Pi*float64(freqA)*t) + math.Sin(2*math.Pi*float64(freqB)*t))
		s := int16(v * 32767.0)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// noiseBurstPCM synthesizes a low-amplitude white-noise burst. The
// heartbeat sends these to nudge the backend's turn detector into speaking
// during user silence.
func noiseBurstPCM(samples int, amp float64) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := (rand.Float64()*2 - 1) * amp
		s := int16(v * 32767.0)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

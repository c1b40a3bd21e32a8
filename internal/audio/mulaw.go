// Package audio converts between the telephony audio format (G.711 µ-law,
// 8 kHz mono) and 16-bit little-endian PCM used by models that cannot take
// µ-law directly.
package audio

import (
	"encoding/binary"
	"math"

	"github.com/zaf/g711"
)

// TelephonySampleRate is the sample rate of Twilio media streams.
const TelephonySampleRate = 8000

// MulawToPCM decodes µ-law 8 kHz and resamples it to PCM16 at sampleRate.
func MulawToPCM(mulaw []byte, sampleRate int) []byte {
	return Resample(DecodeMulaw(mulaw), TelephonySampleRate, sampleRate)
}

// PCMToMulaw resamples PCM16 at sampleRate down to 8 kHz and encodes µ-law.
func PCMToMulaw(pcm []byte, sampleRate int) []byte {
	return EncodeMulaw(Resample(pcm, sampleRate, TelephonySampleRate))
}

// DecodeMulaw expands µ-law bytes into PCM16 little-endian samples.
func DecodeMulaw(mulaw []byte) []byte {
	return g711.DecodeUlaw(mulaw)
}

// EncodeMulaw compresses PCM16 little-endian samples into µ-law. A trailing
// odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// Resample converts PCM16 little-endian audio between sample rates using
// linear interpolation, which is enough for narrowband speech.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		out := make([]byte, len(pcm)-len(pcm)%2)
		copy(out, pcm)
		return out
	}

	numInput := len(pcm) / 2
	if numInput == 0 {
		return []byte{}
	}
	numOutput := numInput * toRate / fromRate
	out := make([]byte, numOutput*2)
	ratio := float64(fromRate) / float64(toRate)

	for i := 0; i < numOutput; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		a := sampleAt(pcm, idx)
		b := a
		if idx+1 < numInput {
			b = sampleAt(pcm, idx+1)
		}

		v := math.Round(float64(a) + (float64(b)-float64(a))*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}

	return out
}

func sampleAt(pcm []byte, idx int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
}

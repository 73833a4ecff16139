package audio

import (
	"encoding/base64"
	"fmt"
	"math"
	"strings"
)

// RealtimeSampleRate is the sample rate the upstream realtime provider
// expects for both directions of the audio stream.
const RealtimeSampleRate = 24000

// Resample converts samples between sample rates using linear interpolation.
// When fromRate == toRate the input slice is returned unchanged.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Round(float64(len(samples)) / ratio))
	if outLen <= 0 {
		return nil
	}

	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		i0 := int(pos)
		if i0 >= len(samples) {
			i0 = len(samples) - 1
		}
		i1 := i0 + 1
		if i1 >= len(samples) {
			i1 = len(samples) - 1
		}
		frac := float32(pos - float64(i0))
		out[i] = samples[i0]*(1-frac) + samples[i1]*frac
	}
	return out
}

// PCM16Bytes clamps float samples to [-1, 1] and scales them to signed
// 16-bit little-endian PCM (negative by 0x8000, positive by 0x7fff).
func PCM16Bytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7fff)
		}
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(uint16(v) >> 8)
	}
	return buf
}

// EncodePCM16Base64 returns the PCM16 bytes of samples base64 encoded.
func EncodePCM16Base64(samples []float32) string {
	if len(samples) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(PCM16Bytes(samples))
}

// DecodePCM16Base64 is the inverse of EncodePCM16Base64. Each 16-bit sample
// is divided by 32768, so values land in [-1, 1).
func DecodePCM16Base64(encoded string) ([]float32, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode pcm16 base64: %w", err)
	}
	out := make([]float32, len(raw)/2)
	for i := range out {
		v := int16(uint16(raw[i*2]) | uint16(raw[i*2+1])<<8)
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// EstimateDurationMS estimates the playback duration of a base64-encoded
// PCM16 payload at the realtime sample rate without decoding it. Malformed
// or empty input yields 0; it never panics.
func EstimateDurationMS(encoded string) float64 {
	encoded = strings.TrimSpace(encoded)
	if len(encoded) < 4 {
		return 0
	}

	var byteLen int
	if len(encoded)%4 == 0 {
		padding := 0
		if encoded[len(encoded)-1] == '=' {
			padding++
			if encoded[len(encoded)-2] == '=' {
				padding++
			}
		}
		byteLen = len(encoded)/4*3 - padding
	} else {
		// Truncated input: approximate from the raw length.
		byteLen = len(encoded) * 3 / 4
	}
	if byteLen <= 0 {
		return 0
	}

	samples := byteLen / 2
	return float64(samples) / float64(RealtimeSampleRate) * 1000
}

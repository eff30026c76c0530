package audio

import (
	"fmt"
	"time"
)

// DecodePCM16 converts 16-bit signed little-endian PCM bytes to mono float
// samples in [-1, 1).
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		s := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float32(s) / 32768.0
	}

	return samples, nil
}

// EncodePCM16 converts mono float samples back to 16-bit signed
// little-endian PCM bytes, clamping out-of-range values.
func EncodePCM16(samples []float32) []byte {
	data := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1.0 {
			f = 1.0
		} else if f < -1.0 {
			f = -1.0
		}
		s := int16(f * 32767.0)
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// Resample converts samples from inputRate to outputRate by linear
// interpolation. When the rates match the input is returned unchanged.
// The second interpolation tap clamps to the last valid input index.
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]float32, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := float32(srcPos - float64(idx0))
		output[i] = samples[idx0]*(1.0-fraction) + samples[idx1]*fraction
	}

	return output
}

// Silence returns a zero-valued buffer of the given duration at rate Hz.
func Silence(rate int, d time.Duration) []float32 {
	frames := int(d.Seconds() * float64(rate))
	if frames < 1 {
		frames = 1
	}
	return make([]float32, frames)
}

// Duration returns the playback duration of frames samples at rate Hz.
func Duration(frames, rate int) time.Duration {
	return time.Duration(float64(frames) / float64(rate) * float64(time.Second))
}

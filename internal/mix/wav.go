package mix

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// mixChunkFrames bounds how much PCM sits in memory at once; stems are
// decoded, scaled, and re-encoded in fixed-size passes.
const mixChunkFrames = 8192

type stemReader struct {
	name string
	file *os.File
	dec  *wav.Decoder
	gain float64
	buf  *audio.IntBuffer
	// scale converts the source bit depth into the 16-bit output domain.
	scale float64
}

// Mixdown decodes the given stems, applies per-stem linear gains, sums them
// aligned to the shortest stem, and writes a 16-bit PCM WAV to outPath.
// Returns the sample rate of the mix. progress, when non-nil, receives
// 0-100.
func Mixdown(stems map[string]string, gains map[string]float64, outPath string, progress func(percent int)) (int, error) {
	readers := make([]*stemReader, 0, len(stems))
	defer func() {
		for _, r := range readers {
			r.file.Close()
		}
	}()

	for name, path := range stems {
		f, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("failed to open %s stem: %w", name, err)
		}
		dec := wav.NewDecoder(f)
		if err := dec.FwdToPCM(); err != nil {
			f.Close()
			return 0, fmt.Errorf("failed to read %s stem header: %w", name, err)
		}
		scale := 1.0
		if dec.BitDepth > 16 {
			scale = float64(int64(1)<<15) / float64(int64(1)<<(dec.BitDepth-1))
		}
		readers = append(readers, &stemReader{
			name:  name,
			file:  f,
			dec:   dec,
			gain:  gains[name],
			scale: scale,
			buf: &audio.IntBuffer{
				Format: &audio.Format{NumChannels: int(dec.NumChans), SampleRate: int(dec.SampleRate)},
				Data:   make([]int, mixChunkFrames*int(dec.NumChans)),
			},
		})
	}
	if len(readers) == 0 {
		return 0, fmt.Errorf("no stems to mix")
	}

	ref := readers[0]
	sampleRate := int(ref.dec.SampleRate)
	numChans := int(ref.dec.NumChans)
	totalFrames := ref.frames()
	for _, r := range readers[1:] {
		if int(r.dec.SampleRate) != sampleRate || int(r.dec.NumChans) != numChans {
			return 0, fmt.Errorf("stem %s format mismatch: %d Hz %d ch vs %d Hz %d ch",
				r.name, r.dec.SampleRate, r.dec.NumChans, sampleRate, numChans)
		}
		if f := r.frames(); f < totalFrames {
			totalFrames = f
		}
	}

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create mix output: %w", err)
	}
	enc := wav.NewEncoder(out, sampleRate, 16, numChans, 1)

	mixData := make([]int, mixChunkFrames*numChans)
	framesDone := int64(0)
	for {
		n := len(mixData)
		for _, r := range readers {
			read, err := r.dec.PCMBuffer(r.buf)
			if err != nil {
				enc.Close()
				out.Close()
				os.Remove(outPath)
				return 0, fmt.Errorf("failed to decode %s stem: %w", r.name, err)
			}
			if read < n {
				n = read
			}
		}
		if n == 0 {
			break
		}

		for i := 0; i < n; i++ {
			sum := 0.0
			for _, r := range readers {
				sum += float64(r.buf.Data[i]) * r.scale * r.gain
			}
			mixData[i] = clipInt16(sum)
		}
		chunk := &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: numChans, SampleRate: sampleRate},
			Data:           mixData[:n],
			SourceBitDepth: 16,
		}
		if err := enc.Write(chunk); err != nil {
			enc.Close()
			out.Close()
			os.Remove(outPath)
			return 0, fmt.Errorf("failed to write mix output: %w", err)
		}

		framesDone += int64(n / numChans)
		if progress != nil && totalFrames > 0 {
			progress(int(framesDone * 100 / totalFrames))
		}
	}

	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(outPath)
		return 0, fmt.Errorf("failed to finalize mix output: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to close mix output: %w", err)
	}
	return sampleRate, nil
}

// frames returns the stem's frame count from its data chunk size.
func (r *stemReader) frames() int64 {
	bytesPerFrame := int64(r.dec.NumChans) * int64(r.dec.BitDepth/8)
	if bytesPerFrame == 0 {
		return 0
	}
	return int64(r.dec.PCMSize) / bytesPerFrame
}

func clipInt16(v float64) int {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int(v)
}

// WavInfo reads the sample rate and duration of a WAV file without decoding
// its payload.
func WavInfo(path string) (sampleRate int, seconds float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	d, err := dec.Duration()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read wav header: %w", err)
	}
	return int(dec.SampleRate), d.Seconds(), nil
}

// Package mix renders custom stem mixes for completed jobs: per-stem gains,
// optional pitch shift, and a choice of output container, cached on disk
// under a deterministic key.
package mix

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"stemstudio/internal/apperr"
)

// OutputFormat is the remix container choice.
type OutputFormat string

const (
	FormatMP4 OutputFormat = "mp4"
	FormatMP3 OutputFormat = "mp3"
	FormatM4A OutputFormat = "m4a"
	FormatWAV OutputFormat = "wav"
)

// Formats lists every container in probe order for on-disk lookups.
var Formats = []OutputFormat{FormatMP4, FormatMP3, FormatM4A, FormatWAV}

// ParseFormat validates a container name.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case FormatMP4, FormatMP3, FormatM4A, FormatWAV:
		return OutputFormat(s), nil
	}
	return "", apperr.New(apperr.CodeInvalidFormat, fmt.Sprintf("unsupported output format: %s", s))
}

// Extension returns the file extension without the dot.
func (f OutputFormat) Extension() string {
	return string(f)
}

// MIME returns the response content type for this container.
func (f OutputFormat) MIME() string {
	switch f {
	case FormatMP4:
		return "video/mp4"
	case FormatMP3:
		return "audio/mpeg"
	case FormatM4A:
		return "audio/mp4"
	case FormatWAV:
		return "audio/wav"
	}
	return "application/octet-stream"
}

const (
	minGain  = 0.0
	maxGain  = 2.0
	maxPitch = 12
)

// Settings are the caller-controlled mix parameters. Vocals default to 0 so
// an empty request produces the instrumental.
type Settings struct {
	DrumsVolume  float64      `json:"drums_volume"`
	BassVolume   float64      `json:"bass_volume"`
	OtherVolume  float64      `json:"other_volume"`
	VocalsVolume float64      `json:"vocals_volume"`
	PitchShift   int          `json:"pitch_shift"`
	OutputFormat OutputFormat `json:"output_format"`
}

// DefaultSettings is the instrumental mix in a video container.
func DefaultSettings() Settings {
	return Settings{
		DrumsVolume:  1.0,
		BassVolume:   1.0,
		OtherVolume:  1.0,
		VocalsVolume: 0.0,
		OutputFormat: FormatMP4,
	}
}

// Validate checks gain, pitch, and container bounds.
func (s Settings) Validate() error {
	for name, g := range s.Gains() {
		if g < minGain || g > maxGain {
			return apperr.New(apperr.CodeInvalidFormat,
				fmt.Sprintf("%s volume %.2f out of range [%.0f, %.0f]", name, g, minGain, maxGain))
		}
	}
	if s.PitchShift < -maxPitch || s.PitchShift > maxPitch {
		return apperr.New(apperr.CodeInvalidFormat,
			fmt.Sprintf("pitch shift %d out of range [-%d, %d]", s.PitchShift, maxPitch, maxPitch))
	}
	_, err := ParseFormat(string(s.OutputFormat))
	return err
}

// Gains maps stem names onto their linear gains.
func (s Settings) Gains() map[string]float64 {
	return map[string]float64{
		"drums":  s.DrumsVolume,
		"bass":   s.BassVolume,
		"other":  s.OtherVolume,
		"vocals": s.VocalsVolume,
	}
}

// CacheKey derives the deterministic remix identity for a job and settings.
// Gains are rounded to two decimals first so UI rounding jitter cannot
// multiply cache entries.
func CacheKey(jobID string, s Settings) string {
	canonical := fmt.Sprintf("%s|d=%.2f|b=%.2f|o=%.2f|v=%.2f|p=%d|f=%s",
		jobID, s.DrumsVolume, s.BassVolume, s.OtherVolume, s.VocalsVolume,
		s.PitchShift, s.OutputFormat)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:16])
}

// OutputName returns the cache filename for a mix key.
func OutputName(key string, format OutputFormat) string {
	return fmt.Sprintf("mix_%s.%s", key, format.Extension())
}

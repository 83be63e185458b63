// Package hwid derives and validates hardware fingerprints.
package hwid

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

const (
	DefaultMinLength = 10
	DefaultMaxLength = 255
	DefaultCharset   = `^[A-Za-z0-9_-]+$`
)

var ErrInvalidFormat = errors.New("invalid hardware id format")

// Signals are the client-reported device characteristics a fingerprint is
// derived from.
type Signals struct {
	ScreenWidth  int     `json:"screen_width"`
	ScreenHeight int     `json:"screen_height"`
	ColorDepth   int     `json:"color_depth"`
	PixelRatio   float64 `json:"pixel_ratio"`
	Timezone     string  `json:"timezone"`
	Locale       string  `json:"locale"`
	Platform     string  `json:"platform"`
	GPUVendor    string  `json:"gpu_vendor"`
	GPURenderer  string  `json:"gpu_renderer"`
	AudioStack   string  `json:"audio_stack"`
}

// fields returns the signals in a fixed order.
func (s Signals) fields() []string {
	return []string{
		strconv.Itoa(s.ScreenWidth),
		strconv.Itoa(s.ScreenHeight),
		strconv.Itoa(s.ColorDepth),
		strconv.FormatFloat(s.PixelRatio, 'g', -1, 64),
		s.Timezone,
		s.Locale,
		s.Platform,
		s.GPUVendor,
		s.GPURenderer,
		s.AudioStack,
	}
}

// Format bounds what a fingerprint may look like.
type Format struct {
	MinLength int
	MaxLength int
	charset   *regexp.Regexp
}

// NewFormat compiles charset, which must be an anchored regular expression.
func NewFormat(minLen, maxLen int, charset string) (*Format, error) {
	if minLen < 1 || maxLen < minLen {
		return nil, fmt.Errorf("hwid: invalid length bounds %d..%d", minLen, maxLen)
	}
	if minLen > sha256.Size*2 {
		return nil, fmt.Errorf("hwid: min length %d exceeds derived fingerprint length", minLen)
	}
	re, err := regexp.Compile(charset)
	if err != nil {
		return nil, fmt.Errorf("hwid: invalid charset: %w", err)
	}
	return &Format{MinLength: minLen, MaxLength: maxLen, charset: re}, nil
}

// DefaultFormat allows 10-255 characters from [A-Za-z0-9_-].
func DefaultFormat() *Format {
	f, _ := NewFormat(DefaultMinLength, DefaultMaxLength, DefaultCharset)
	return f
}

// Validate returns ErrInvalidFormat when fp is out of bounds or contains a
// character outside the charset.
func (f *Format) Validate(fp string) error {
	if len(fp) < f.MinLength || len(fp) > f.MaxLength {
		return ErrInvalidFormat
	}
	if !f.charset.MatchString(fp) {
		return ErrInvalidFormat
	}
	return nil
}

// Derive hashes the signals into a fingerprint that satisfies f. Each field
// is length-prefixed so adjacent values cannot run together.
func (f *Format) Derive(s Signals) string {
	h := sha256.New()
	var prefix [4]byte
	for _, field := range s.fields() {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(field)))
		h.Write(prefix[:])
		h.Write([]byte(field))
	}
	fp := hex.EncodeToString(h.Sum(nil))
	if len(fp) > f.MaxLength {
		fp = fp[:f.MaxLength]
	}
	return fp
}

package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/sirupsen/logrus"
)

// BPE ranks ship with the binary, so every process splits a document at the
// same token edges whether or not it can reach the network.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

const (
	UnitToken       = "token"
	UnitChar        = "char"
	UnitApproxToken = "approx_token"

	defaultEncoding = "cl100k_base"
	runesPerToken   = 4
)

// RuneSegmenter measures text in Unicode code points.
type RuneSegmenter struct{}

func (RuneSegmenter) Unit() string { return UnitChar }

func (RuneSegmenter) Boundaries(text string) []int {
	if text == "" {
		return []int{0}
	}
	out := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		out = append(out, i)
	}
	return append(out, len(text))
}

func (RuneSegmenter) Count(text string) int { return utf8.RuneCountInString(text) }

// ApproxTokenSegmenter groups runesPerToken code points into one unit. It
// stands in for TokenSegmenter when no BPE encoding is available.
type ApproxTokenSegmenter struct{}

func (ApproxTokenSegmenter) Unit() string { return UnitApproxToken }

func (ApproxTokenSegmenter) Boundaries(text string) []int {
	if text == "" {
		return []int{0}
	}
	out := make([]int, 0, utf8.RuneCountInString(text)/runesPerToken+2)
	n := 0
	for i := range text {
		if n%runesPerToken == 0 {
			out = append(out, i)
		}
		n++
	}
	return append(out, len(text))
}

func (ApproxTokenSegmenter) Count(text string) int {
	return (utf8.RuneCountInString(text) + runesPerToken - 1) / runesPerToken
}

// TokenSegmenter measures text in BPE tokens of the given tiktoken encoding.
// Token edges that fall inside a multi-byte rune are moved to the next rune
// start, so chunks are always valid UTF-8.
type TokenSegmenter struct {
	enc *tiktoken.Tiktoken
}

func NewTokenSegmenter(encoding string) (*TokenSegmenter, error) {
	if strings.TrimSpace(encoding) == "" {
		encoding = defaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &TokenSegmenter{enc: enc}, nil
}

func (t *TokenSegmenter) Unit() string { return UnitToken }

func (t *TokenSegmenter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TokenSegmenter) Boundaries(text string) []int {
	if text == "" {
		return []int{0}
	}
	tokens := t.enc.Encode(text, nil, nil)
	out := make([]int, 0, len(tokens)+1)
	out = append(out, 0)
	off := 0
	for _, tok := range tokens[:len(tokens)-1] {
		off += len(t.enc.Decode([]int{tok}))
		b := off
		for b < len(text) && !utf8.RuneStart(text[b]) {
			b++
		}
		if b > out[len(out)-1] && b < len(text) {
			out = append(out, b)
		}
	}
	return append(out, len(text))
}

// NewSegmenter returns the segmenter for unit. When the token encoding cannot
// be loaded, tokens are approximated from character counts.
func NewSegmenter(unit string, log logrus.FieldLogger) (Segmenter, error) {
	switch unit {
	case UnitChar:
		return RuneSegmenter{}, nil
	case UnitApproxToken:
		return ApproxTokenSegmenter{}, nil
	case UnitToken, "":
		seg, err := NewTokenSegmenter(defaultEncoding)
		if err != nil {
			if log != nil {
				log.WithError(err).Warn("token encoding unavailable, approximating tokens from characters")
			}
			return ApproxTokenSegmenter{}, nil
		}
		return seg, nil
	default:
		return nil, fmt.Errorf("unknown chunk unit %q", unit)
	}
}

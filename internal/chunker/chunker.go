package chunker

import (
	"fmt"

	"ragengine/internal/models"
	"ragengine/internal/ragerr"
)

// Segmenter cuts text into the units chunk sizes are measured in.
type Segmenter interface {
	// Unit names the measuring unit, e.g. "token" or "char".
	Unit() string
	// Boundaries returns strictly increasing byte offsets starting at 0 and
	// ending at len(text). Unit i spans [b[i], b[i+1]).
	Boundaries(text string) []int
	// Count returns the number of units in text.
	Count(text string) int
}

// Chunker is a sequential sliding window over Segmenter units. Chunk i
// starts at unit i*(size-overlap). The output depends only on the text,
// size, overlap and unit, which keeps chunk ids stable across re-ingestion.
type Chunker struct {
	size    int
	overlap int
	seg     Segmenter
}

func New(size, overlap int, seg Segmenter) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ragerr.ErrInvalidInput, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", ragerr.ErrInvalidInput, overlap, size)
	}
	if seg == nil {
		seg = RuneSegmenter{}
	}
	return &Chunker{size: size, overlap: overlap, seg: seg}, nil
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }
func (c *Chunker) Unit() string { return c.seg.Unit() }

// Count measures text in the chunker's unit.
func (c *Chunker) Count(text string) int { return c.seg.Count(text) }

// Truncate returns the longest prefix of text that fits in max units.
func (c *Chunker) Truncate(text string, max int) string {
	if max <= 0 {
		return ""
	}
	b := c.seg.Boundaries(text)
	if len(b)-1 <= max {
		return text
	}
	return text[:b[max]]
}

// Split produces the ordered chunks for a document. Empty text yields no
// chunks; otherwise every chunk is non-empty and text shorter than the
// window yields exactly one chunk.
func (c *Chunker) Split(documentID, text string) []models.Chunk {
	b := c.seg.Boundaries(text)
	units := len(b) - 1
	if units <= 0 {
		return nil
	}
	step := c.size - c.overlap
	out := make([]models.Chunk, 0, units/step+1)
	for seq := 0; ; seq++ {
		first := seq * step
		last := first + c.size
		if last > units {
			last = units
		}
		start, end := b[first], b[last]
		out = append(out, models.Chunk{
			ChunkID:    models.ChunkID(documentID, seq),
			DocumentID: documentID,
			Seq:        seq,
			Text:       text[start:end],
			Start:      start,
			End:        end,
		})
		if last == units {
			break
		}
	}
	return out
}

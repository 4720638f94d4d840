package loader

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"ragengine/internal/ragerr"
	"ragengine/internal/util"
)

const (
	FormatText     = "txt"
	FormatMarkdown = "md"
	FormatPDF      = "pdf"
	FormatDOCX     = "docx"
	FormatHTML     = "html"
)

// Segment records where a page or paragraph of the source landed in the
// normalized text. Start and End are byte offsets.
type Segment struct {
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

type Result struct {
	Format   string    `json:"format"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// SegmentAt returns the segment containing byte offset off.
func (r Result) SegmentAt(off int) (Segment, bool) {
	for _, s := range r.Segments {
		if off >= s.Start && off < s.End {
			return s, true
		}
	}
	return Segment{}, false
}

type block struct {
	label string
	text  string
}

type extractor func(data []byte) ([]block, error)

var extractors = map[string]extractor{
	FormatText:     extractPlain,
	FormatMarkdown: extractPlain,
	FormatPDF:      extractPDF,
	FormatDOCX:     extractDOCX,
	FormatHTML:     extractHTML,
}

// Load turns raw document bytes into normalized plain text. It has no side
// effects.
func Load(data []byte, format string) (Result, error) {
	f := NormalizeFormat(format)
	ex, ok := extractors[f]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ragerr.ErrUnsupportedFormat, format)
	}
	blocks, err := ex(data)
	if err != nil {
		return Result{}, err
	}
	res := assemble(blocks)
	res.Format = f
	if strings.TrimSpace(res.Text) == "" {
		return Result{}, fmt.Errorf("%w: no extractable text", ragerr.ErrCorruptDocument)
	}
	return res, nil
}

// NormalizeFormat maps extensions and aliases onto the supported format names.
func NormalizeFormat(format string) string {
	f := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
	switch f {
	case "text", "txt", "log", "csv":
		return FormatText
	case "markdown", "md":
		return FormatMarkdown
	case "htm", "html", "xhtml":
		return FormatHTML
	}
	return f
}

// Supported reports whether format has an extractor.
func Supported(format string) bool {
	_, ok := extractors[NormalizeFormat(format)]
	return ok
}

// DetectFormat uses the filename extension when it names a supported format
// and falls back to content sniffing.
func DetectFormat(filename string, data []byte) string {
	if ext := NormalizeFormat(util.FileExt(filename)); ext != "" {
		if _, ok := extractors[ext]; ok {
			return ext
		}
	}
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/pdf"):
		return FormatPDF
	case mt.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document"):
		return FormatDOCX
	case mt.Is("text/html"):
		return FormatHTML
	case isText(mt):
		return FormatText
	}
	return NormalizeFormat(strings.TrimPrefix(mt.Extension(), "."))
}

func isText(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func assemble(blocks []block) Result {
	var b strings.Builder
	segs := make([]Segment, 0, len(blocks))
	for _, blk := range blocks {
		text := normalize(blk.text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		start := b.Len()
		b.WriteString(text)
		segs = append(segs, Segment{Label: blk.label, Start: start, End: b.Len()})
	}
	return Result{Text: b.String(), Segments: segs}
}

// normalize collapses whitespace inside paragraphs and keeps a single blank
// line between them.
func normalize(s string) string {
	s = util.SanitizeText(strings.ReplaceAll(s, "\r\n", "\n"))
	paras := splitParagraphs(s)
	out := make([]string, 0, len(paras))
	for _, p := range paras {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

func splitParagraphs(s string) []string {
	var paras []string
	var cur []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				paras = append(paras, strings.Join(cur, "\n"))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		paras = append(paras, strings.Join(cur, "\n"))
	}
	return paras
}

func paragraphBlocks(s string) []block {
	paras := splitParagraphs(strings.ReplaceAll(s, "\r\n", "\n"))
	out := make([]block, 0, len(paras))
	for i, p := range paras {
		out = append(out, block{label: fmt.Sprintf("paragraph %d", i+1), text: p})
	}
	return out
}

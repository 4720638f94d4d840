package loader

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"

	"ragengine/internal/ragerr"
)

func extractPlain(data []byte) ([]block, error) {
	if len(data) > 0 && !isText(mimetype.Detect(data)) {
		return nil, fmt.Errorf("%w: binary content declared as text", ragerr.ErrCorruptDocument)
	}
	s := string(data)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return paragraphBlocks(s), nil
}

func extractHTML(data []byte) ([]block, error) {
	md, err := htmltomarkdown.ConvertString(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: html: %v", ragerr.ErrCorruptDocument, err)
	}
	return paragraphBlocks(md), nil
}

// extractPDF yields one block per page. The pdf reader panics on some
// malformed inputs, so the panic is converted into a corrupt-document error.
func extractPDF(data []byte) (blocks []block, err error) {
	defer func() {
		if r := recover(); r != nil {
			blocks = nil
			err = fmt.Errorf("%w: pdf: %v", ragerr.ErrCorruptDocument, r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: pdf: %v", ragerr.ErrCorruptDocument, err)
	}
	n := reader.NumPage()
	blocks = make([]block, 0, n)
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		blocks = append(blocks, block{label: fmt.Sprintf("page %d", i), text: text})
	}
	return blocks, nil
}

type docxBody struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
	} `xml:"body"`
}

type docxParagraph struct {
	Runs []struct {
		Text []struct {
			Content string `xml:",chardata"`
		} `xml:"t"`
	} `xml:"r"`
}

func extractDOCX(data []byte) ([]block, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: docx: %v", ragerr.ErrCorruptDocument, err)
	}
	var raw []byte
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: docx: %v", ragerr.ErrCorruptDocument, err)
		}
		raw, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: docx: %v", ragerr.ErrCorruptDocument, err)
		}
		break
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: docx: missing word/document.xml", ragerr.ErrCorruptDocument)
	}
	var doc docxBody
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: docx: %v", ragerr.ErrCorruptDocument, err)
	}
	blocks := make([]block, 0, len(doc.Body.Paragraphs))
	for i, p := range doc.Body.Paragraphs {
		var b strings.Builder
		for _, r := range p.Runs {
			for _, t := range r.Text {
				b.WriteString(t.Content)
			}
		}
		blocks = append(blocks, block{label: fmt.Sprintf("paragraph %d", i+1), text: b.String()})
	}
	return blocks, nil
}

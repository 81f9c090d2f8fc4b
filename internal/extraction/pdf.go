package extraction

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/ahrav/go-grader/internal/domain"
)

// PDFExtractor extracts plain text from a digitally produced PDF referenced
// by the submission's SourceRef, then delegates segmentation to the text
// segmenter. Scanned papers go through a real OCR collaborator instead;
// this adapter covers the digital-submission path.
type PDFExtractor struct {
	segmenter *TextSegmenter
}

// NewPDFExtractor returns a PDF-backed extractor.
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{segmenter: NewTextSegmenter()}
}

// Extract reads the PDF at sub.SourceRef and segments its text content.
func (p *PDFExtractor) Extract(ctx context.Context, sub domain.Submission) ([]domain.ExtractedAnswer, error) {
	if sub.SourceRef == "" {
		return nil, &ExtractionError{SubmissionID: sub.ID, Err: fmt.Errorf("submission has no source reference")}
	}

	f, reader, err := pdf.Open(sub.SourceRef)
	if err != nil {
		return nil, &ExtractionError{SubmissionID: sub.ID, Err: fmt.Errorf("open pdf: %w", err)}
	}
	defer f.Close()

	var buf bytes.Buffer
	content, err := reader.GetPlainText()
	if err != nil {
		return nil, &ExtractionError{SubmissionID: sub.ID, Err: fmt.Errorf("read pdf text: %w", err)}
	}
	if _, err := buf.ReadFrom(content); err != nil {
		return nil, &ExtractionError{SubmissionID: sub.ID, Err: fmt.Errorf("buffer pdf text: %w", err)}
	}

	textSub := sub
	textSub.Text = buf.String()
	return p.segmenter.Extract(ctx, textSub)
}

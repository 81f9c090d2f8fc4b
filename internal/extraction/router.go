package extraction

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/ahrav/go-grader/internal/domain"
)

// Router dispatches each submission to the adapter matching its shape:
// inline text goes to the segmenter, a .pdf source reference to the PDF
// extractor. Inline text wins when both are present since it is already
// the product of an upstream OCR pass.
type Router struct {
	text *TextSegmenter
	pdf  *PDFExtractor
}

// NewRouter builds the default adapter router.
func NewRouter() *Router {
	return &Router{text: NewTextSegmenter(), pdf: NewPDFExtractor()}
}

// Extract routes the submission to the matching adapter.
func (r *Router) Extract(ctx context.Context, sub domain.Submission) ([]domain.ExtractedAnswer, error) {
	if sub.Text != "" {
		return r.text.Extract(ctx, sub)
	}
	if strings.EqualFold(filepath.Ext(sub.SourceRef), ".pdf") {
		return r.pdf.Extract(ctx, sub)
	}
	return r.text.Extract(ctx, sub)
}

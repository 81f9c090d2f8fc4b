package domain

import "time"

// Submission identifies one student's exam paper together with a reference
// to its extracted text. The raw uploaded binary is owned by a storage
// collaborator; the pipeline only ever sees text.
// A submission is immutable once ingested.
type Submission struct {
	ID      string `json:"id" validate:"required"`
	GuideID string `json:"guide_id" validate:"required"`

	// Text is the full extracted text of the submission when extraction has
	// already happened upstream. When empty, the pipeline's extractor is
	// expected to produce segments from SourceRef instead.
	Text string `json:"text,omitempty"`

	// SourceRef points at the stored source document (e.g. a PDF path or
	// object key) for extractors that read the original document.
	SourceRef string `json:"source_ref,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// Validate checks structural constraints on the submission.
func (s *Submission) Validate() error { return validate.Struct(s) }

// ExtractedAnswer is a contiguous text segment produced by extraction.
// Segments are owned exclusively by the job that produced them.
type ExtractedAnswer struct {
	// ID uniquely identifies the segment within its job.
	ID string `json:"id" validate:"required"`

	// Text is the segment content as extracted, whitespace preserved.
	Text string `json:"text" validate:"required"`

	// Offset is the segment's byte position in the source text. Lower
	// offsets win mapping tie-breaks, so extraction must assign offsets in
	// document order.
	Offset int `json:"offset" validate:"min=0"`

	// Hint is an optional detected question-number label ("1", "2a", ...)
	// found at the start of the segment. Empty when no structural marker
	// was detected.
	Hint string `json:"hint,omitempty"`
}

// HasHint reports whether the segment carries a structural question hint.
func (a *ExtractedAnswer) HasHint() bool { return a.Hint != "" }

package extraction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-grader/internal/domain"
)

func extract(t *testing.T, text string) []domain.ExtractedAnswer {
	t.Helper()
	segments, err := NewTextSegmenter().Extract(context.Background(), domain.Submission{
		ID:   "sub-1",
		Text: text,
	})
	require.NoError(t, err)
	return segments
}

func TestTextSegmenterQuestionMarkers(t *testing.T) {
	text := "1. Big-O is an asymptotic upper bound.\n" +
		"2a) Partitioning splits around a pivot.\n" +
		"Q3: The pigeonhole principle.\n"

	segments := extract(t, text)

	require.Len(t, segments, 3)
	assert.Equal(t, "1", segments[0].Hint)
	assert.Equal(t, "2a", segments[1].Hint)
	assert.Equal(t, "3", segments[2].Hint)
	assert.Contains(t, segments[0].Text, "asymptotic upper bound")
	assert.Contains(t, segments[2].Text, "pigeonhole")
}

func TestTextSegmenterOffsetsAreOrdered(t *testing.T) {
	text := "1. First answer here.\n2. Second answer here.\n3. Third answer here.\n"

	segments := extract(t, text)

	require.Len(t, segments, 3)
	for i := 1; i < len(segments); i++ {
		assert.Greater(t, segments[i].Offset, segments[i-1].Offset)
	}
}

func TestTextSegmenterPreamble(t *testing.T) {
	text := "Name: Ada Lovelace\n\n1. My first answer.\n2. My second answer.\n"

	segments := extract(t, text)

	require.Len(t, segments, 3)
	assert.Empty(t, segments[0].Hint, "preamble carries no hint")
	assert.Contains(t, segments[0].Text, "Ada Lovelace")
	assert.Zero(t, segments[0].Offset)
	assert.Equal(t, "1", segments[1].Hint)
}

func TestTextSegmenterParagraphFallback(t *testing.T) {
	text := "The first paragraph talks about sorting.\n\nThe second paragraph talks about counting.\n"

	segments := extract(t, text)

	require.Len(t, segments, 2)
	for _, seg := range segments {
		assert.Empty(t, seg.Hint)
	}
	assert.Contains(t, segments[0].Text, "sorting")
	assert.Contains(t, segments[1].Text, "counting")
}

func TestTextSegmenterEmptyInput(t *testing.T) {
	assert.Empty(t, extract(t, ""))
	assert.Empty(t, extract(t, "   \n\t  "))
}

func TestTextSegmenterDeterministicIDs(t *testing.T) {
	text := "1. Answer one.\n2. Answer two.\n"

	first := extract(t, text)
	second := extract(t, text)

	assert.Equal(t, first, second, "repeated extraction of the same submission must be identical")
	assert.Equal(t, "sub-1-seg-000", first[0].ID)
	assert.Equal(t, "sub-1-seg-001", first[1].ID)
}

func TestPDFExtractorMissingSource(t *testing.T) {
	_, err := NewPDFExtractor().Extract(context.Background(), domain.Submission{ID: "sub-2"})

	require.Error(t, err)
	var extractionErr *ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	assert.Equal(t, "sub-2", extractionErr.SubmissionID)
}

func TestRouterDispatch(t *testing.T) {
	router := NewRouter()

	t.Run("inline text wins", func(t *testing.T) {
		segments, err := router.Extract(context.Background(), domain.Submission{
			ID:        "sub-3",
			Text:      "1. Inline answer.",
			SourceRef: "paper.pdf",
		})
		require.NoError(t, err)
		require.Len(t, segments, 1)
		assert.Equal(t, "1", segments[0].Hint)
	})

	t.Run("pdf source routes to pdf adapter", func(t *testing.T) {
		_, err := router.Extract(context.Background(), domain.Submission{
			ID:        "sub-4",
			SourceRef: "missing.pdf",
		})
		require.Error(t, err, "nonexistent pdf surfaces an extraction error")
	})

	t.Run("no content yields no segments", func(t *testing.T) {
		segments, err := router.Extract(context.Background(), domain.Submission{ID: "sub-5"})
		require.NoError(t, err)
		assert.Empty(t, segments)
	})
}

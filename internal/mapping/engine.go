// Package mapping matches extracted answer segments to marking-guide
// questions. The engine runs a hint pass, a similarity pass, and a greedy
// threshold-gated resolution that never double-assigns a segment or a
// question and is fully deterministic for identical inputs.
package mapping

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ahrav/go-grader/internal/domain"
)

// Configuration validation errors.
var (
	errThresholdInvalid = errors.New("accept threshold must be within [0,1]")
	errWeightsInvalid   = errors.New("similarity weights must be non-negative and sum to > 0")
)

// Config tunes the mapping engine. The similarity metric and acceptance
// threshold are deliberately configuration, not constants: different exam
// formats need different strictness.
type Config struct {
	// AcceptThreshold is the minimum confidence an accepted mapping needs.
	// Proposals below it are rejected and leave the question unmapped.
	AcceptThreshold float64 `koanf:"accept_threshold"`

	// TokenWeight weights the Jaccard token-overlap component.
	TokenWeight float64 `koanf:"token_weight"`

	// EditWeight weights the normalized Levenshtein component.
	EditWeight float64 `koanf:"edit_weight"`
}

// DefaultConfig returns the documented defaults: threshold 0.35 with a
// 0.7/0.3 token-overlap/edit-distance blend.
func DefaultConfig() Config {
	return Config{
		AcceptThreshold: 0.35,
		TokenWeight:     0.7,
		EditWeight:      0.3,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.AcceptThreshold < 0 || c.AcceptThreshold > 1 {
		return fmt.Errorf("%w, got %f", errThresholdInvalid, c.AcceptThreshold)
	}
	if c.TokenWeight < 0 || c.EditWeight < 0 || c.TokenWeight+c.EditWeight <= 0 {
		return fmt.Errorf("%w, got token=%f edit=%f", errWeightsInvalid, c.TokenWeight, c.EditWeight)
	}
	return nil
}

// Engine maps answer segments to guide questions. It is stateless and safe
// for concurrent use by multiple jobs.
type Engine struct {
	config Config
}

// NewEngine builds an engine from a validated configuration.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{config: cfg}, nil
}

// Result is the outcome of one mapping run.
type Result struct {
	// Accepted holds at most one mapping per question and per segment,
	// ordered by guide question order.
	Accepted []domain.Mapping

	// UnmappedQuestions lists question IDs left unclaimed, in guide order.
	// These become needs_review results downstream.
	UnmappedQuestions []string

	// UnclaimedSegments lists segment IDs no question claimed, in offset
	// order. Recorded for audit; they do not block grading.
	UnclaimedSegments []string
}

// proposal is one candidate (segment, question) pairing under resolution.
type proposal struct {
	mapping  domain.Mapping
	segIndex int // index into the input segment slice, offset-ordered
	qIndex   int // index into the guide question slice
}

// Map runs the matching algorithm over all segments and all questions.
//
// Passes:
//  1. Hint pass: a segment with a detected question label proposes a
//     confidence-1.0 mapping to the labeled question.
//  2. Similarity pass: every remaining (segment, question) pair proposes a
//     mapping with the blended similarity score as confidence.
//  3. Resolution: proposals are processed in descending confidence; ties
//     prefer hint over similarity, then the lower segment offset, then the
//     lower question index. A proposal is accepted only when its segment
//     and question are both unclaimed and confidence clears the threshold.
func (e *Engine) Map(segments []domain.ExtractedAnswer, guide *domain.MarkingGuide) Result {
	qIndexByID := make(map[string]int, len(guide.Questions))
	for i, q := range guide.Questions {
		qIndexByID[q.ID] = i
	}

	proposals := make([]proposal, 0, len(segments)*len(guide.Questions))

	// Hint pass.
	hinted := make(map[int]int, len(segments)) // segIndex -> qIndex of its hint
	for si, seg := range segments {
		if !seg.HasHint() {
			continue
		}
		q, ok := guide.QuestionByLabel(seg.Hint)
		if !ok {
			continue // stale or misread hint, fall through to similarity
		}
		qi := qIndexByID[q.ID]
		hinted[si] = qi
		proposals = append(proposals, proposal{
			mapping: domain.Mapping{
				AnswerID:   seg.ID,
				QuestionID: q.ID,
				Confidence: 1.0,
				Method:     domain.MethodHint,
			},
			segIndex: si,
			qIndex:   qi,
		})
	}

	// Similarity pass over every pair that is not already hint-proposed.
	for si, seg := range segments {
		for qi, q := range guide.Questions {
			if hq, ok := hinted[si]; ok && hq == qi {
				continue
			}
			target := q.Criteria
			if target == "" {
				target = q.Text
			}
			score := e.similarity(seg.Text, target)
			if score <= 0 {
				continue
			}
			proposals = append(proposals, proposal{
				mapping: domain.Mapping{
					AnswerID:   seg.ID,
					QuestionID: q.ID,
					Confidence: score,
					Method:     domain.MethodSimilarity,
				},
				segIndex: si,
				qIndex:   qi,
			})
		}
	}

	// Resolution: stable greedy assignment.
	sort.SliceStable(proposals, func(i, j int) bool {
		a, b := proposals[i], proposals[j]
		if a.mapping.Confidence != b.mapping.Confidence {
			return a.mapping.Confidence > b.mapping.Confidence
		}
		if a.mapping.Method != b.mapping.Method {
			return a.mapping.Method == domain.MethodHint
		}
		if segments[a.segIndex].Offset != segments[b.segIndex].Offset {
			return segments[a.segIndex].Offset < segments[b.segIndex].Offset
		}
		return a.qIndex < b.qIndex
	})

	claimedSeg := make(map[int]struct{}, len(segments))
	claimedQ := make(map[int]struct{}, len(guide.Questions))
	acceptedByQ := make(map[int]domain.Mapping, len(guide.Questions))

	for _, p := range proposals {
		if p.mapping.Confidence < e.config.AcceptThreshold {
			break // sorted descending, nothing later can clear the gate
		}
		if _, taken := claimedSeg[p.segIndex]; taken {
			continue
		}
		if _, taken := claimedQ[p.qIndex]; taken {
			continue
		}
		claimedSeg[p.segIndex] = struct{}{}
		claimedQ[p.qIndex] = struct{}{}
		acceptedByQ[p.qIndex] = p.mapping
	}

	var res Result
	for qi, q := range guide.Questions {
		if m, ok := acceptedByQ[qi]; ok {
			res.Accepted = append(res.Accepted, m)
		} else {
			res.UnmappedQuestions = append(res.UnmappedQuestions, q.ID)
		}
	}
	for si, seg := range segments {
		if _, ok := claimedSeg[si]; !ok {
			res.UnclaimedSegments = append(res.UnclaimedSegments, seg.ID)
		}
	}
	return res
}

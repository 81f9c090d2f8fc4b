package domain

// MappingMethod records how an answer segment was associated with a question.
type MappingMethod string

const (
	// MethodHint marks a mapping produced from a detected question-number
	// label on the segment. Hint mappings carry confidence 1.0.
	MethodHint MappingMethod = "hint"

	// MethodSimilarity marks a mapping produced by text similarity between
	// the segment and the question's criteria.
	MethodSimilarity MappingMethod = "similarity"

	// MethodManual marks a mapping supplied by a human reviewer.
	MethodManual MappingMethod = "manual"
)

// Mapping associates one extracted answer segment with one guide question.
// A question may attract many candidate mappings during matching, but the
// orchestrator commits at most one accepted mapping per question per job.
type Mapping struct {
	AnswerID   string        `json:"answer_id" validate:"required"`
	QuestionID string        `json:"question_id" validate:"required"`
	Confidence float64       `json:"confidence" validate:"min=0,max=1"`
	Method     MappingMethod `json:"method" validate:"required,oneof=hint similarity manual"`
}

// Validate checks structural constraints on the mapping.
func (m *Mapping) Validate() error { return validate.Struct(m) }

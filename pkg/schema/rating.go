package schema

import "time"

// PlanRating is the persisted, aggregated quality score for a plan artifact.
// It is written only after at least one provider responds; passed holds
// overall_score >= minimum_required AND no component below the blocking
// threshold.
type PlanRating struct {
	PlanID          string             `json:"plan_id"`
	RunID           string             `json:"run_id"`
	OverallScore    float64            `json:"overall_score"`
	ComponentScores map[string]float64 `json:"component_scores"`
	ProvidersUsed   []string           `json:"providers_used"`
	ProvidersFailed []string           `json:"providers_failed"`
	MinimumRequired float64            `json:"minimum_required"`
	Passed          bool               `json:"passed"`
	RatedAt         time.Time          `json:"rated_at"`
	RatedBy         string             `json:"rated_by,omitempty"`
	Feedback        *RatingFeedback    `json:"feedback,omitempty"`
}

// RatingFeedback is the structured guidance generated when a rating fails.
type RatingFeedback struct {
	Gap             float64          `json:"gap"`
	WeakDimensions  []WeakDimension  `json:"weak_dimensions,omitempty"`
	TopImprovements []string         `json:"top_improvements,omitempty"`
}

// WeakDimension names a dimension scoring below the attention threshold,
// with a templated suggestion.
type WeakDimension struct {
	Dimension  string  `json:"dimension"`
	Score      float64 `json:"score"`
	Suggestion string  `json:"suggestion"`
}

// RatingResponse is one provider's answer: per-dimension numeric scores
// plus optional free-text improvement notes.
type RatingResponse struct {
	Provider string             `json:"provider"`
	Scores   map[string]float64 `json:"scores"`
	Notes    []string           `json:"notes,omitempty"`
}

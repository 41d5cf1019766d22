package models

import "time"

// Result is the canonical scoring output stored on a completed Job.
type Result struct {
	Score    float64          `json:"score"`
	MaxScore float64          `json:"max_score"`
	Feedback string           `json:"feedback"`
	Criteria []CriterionScore `json:"criteria,omitempty"`
	Engine   string           `json:"engine"`
	Model    string           `json:"model,omitempty"`
	ScoredAt time.Time        `json:"scored_at"`
}

// CriterionScore is one rubric line of a Result.
type CriterionScore struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score"`
	Comment  string  `json:"comment,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	c := *r
	if r.Criteria != nil {
		c.Criteria = append([]CriterionScore(nil), r.Criteria...)
	}
	return &c
}

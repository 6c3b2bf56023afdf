package dto

import (
	"time"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// KeywordStatResponse serializes a keyword accuracy. Accuracy is null when
// the keyword was never answered.
type KeywordStatResponse struct {
	Keyword      string   `json:"keyword"`
	CorrectCount int      `json:"correct_count"`
	TotalCount   int      `json:"total_count"`
	Accuracy     *float64 `json:"accuracy"`
}

// AccuracyPointResponse is one point of the accuracy curve.
type AccuracyPointResponse struct {
	SessionID      uint      `json:"session_id"`
	ExamID         uint      `json:"exam_id"`
	ExamTitle      string    `json:"exam_title"`
	ExamKind       string    `json:"exam_kind"`
	PointsEarned   float64   `json:"points_earned"`
	PointsPossible int       `json:"points_possible"`
	Ratio          float64   `json:"ratio"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// AnalyticsOverviewResponse is the student's mastery dashboard.
type AnalyticsOverviewResponse struct {
	StudentID   uint                    `json:"student_id"`
	Curve       []AccuracyPointResponse `json:"curve"`
	Keywords    []KeywordStatResponse   `json:"keywords"`
	Weak        []KeywordStatResponse   `json:"weak"`
	GeneratedAt time.Time               `json:"generated_at"`
	CacheHit    bool                    `json:"cache_hit"`
}

// ExamKeywordAccuracyResponse is the per-keyword accuracy of one attempt.
type ExamKeywordAccuracyResponse struct {
	ExamID    uint                  `json:"exam_id"`
	SessionID uint                  `json:"session_id"`
	Keywords  []KeywordStatResponse `json:"keywords"`
}

// NewKeywordStatResponse converts a keyword stat.
func NewKeywordStatResponse(model models.KeywordStat) KeywordStatResponse {
	response := KeywordStatResponse{
		Keyword:      model.Keyword,
		CorrectCount: model.CorrectCount,
		TotalCount:   model.TotalCount,
	}
	if accuracy, ok := model.Accuracy(); ok {
		response.Accuracy = &accuracy
	}
	return response
}

// NewKeywordStatResponseSlice converts keyword stats.
func NewKeywordStatResponseSlice(stats []models.KeywordStat) []KeywordStatResponse {
	responses := make([]KeywordStatResponse, 0, len(stats))
	for _, stat := range stats {
		responses = append(responses, NewKeywordStatResponse(stat))
	}
	return responses
}

// NewAccuracyPointResponse converts an accuracy point.
func NewAccuracyPointResponse(model models.AccuracyPoint) AccuracyPointResponse {
	return AccuracyPointResponse{
		SessionID:      model.SessionID,
		ExamID:         model.ExamID,
		ExamTitle:      model.ExamTitle,
		ExamKind:       model.ExamKind,
		PointsEarned:   model.PointsEarned,
		PointsPossible: model.PointsPossible,
		Ratio:          model.Ratio,
		RecordedAt:     model.RecordedAt,
	}
}

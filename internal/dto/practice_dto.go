package dto

// PracticeGenerateRequest asks for a reinforcement practice set.
type PracticeGenerateRequest struct {
	Keyword    string `json:"keyword" validate:"required,max=200"`
	Count      int    `json:"count" validate:"required,gte=1,lte=50"`
	Difficulty string `json:"difficulty" validate:"omitempty,oneof=easy medium hard"`
}

// PracticeHistoryRequest filters practice attempts by keyword.
type PracticeHistoryRequest struct {
	Keyword string `query:"keyword" validate:"omitempty,max=200"`
}

// PracticeResponse is a generated practice exam with its running session.
type PracticeResponse struct {
	Exam    ExamResponse    `json:"exam"`
	Session SessionResponse `json:"session"`
}

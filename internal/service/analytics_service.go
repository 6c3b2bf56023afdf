package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/events"
	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/repository"
)

// DefaultWeakThreshold is the accuracy below which a keyword counts as weak.
const DefaultWeakThreshold = 0.8

// AnalyticsConfig tunes mastery analytics.
type AnalyticsConfig struct {
	WeakThreshold     float64
	CacheTTL          time.Duration
	TransitionRetries int
}

// AnalyticsService aggregates graded sessions into mastery analytics.
type AnalyticsService interface {
	Process(ctx context.Context, event events.SessionGraded) error
	WeakKeywords(ctx context.Context, studentID uint, threshold float64) ([]dto.KeywordStatResponse, error)
	Overview(ctx context.Context, studentID uint) (dto.AnalyticsOverviewResponse, error)
	ExamKeywordAccuracy(ctx context.Context, studentID, examID uint) (dto.ExamKeywordAccuracyResponse, error)
}

type analyticsService struct {
	analytics repository.AnalyticsRepository
	sessions  repository.SessionRepository
	cache     *redis.Client
	config    AnalyticsConfig
	retry     retrier
	tracer    trace.Tracer
	logger    zerolog.Logger
	now       func() time.Time
}

// NewAnalyticsService constructs the aggregator. cache may be nil.
func NewAnalyticsService(analytics repository.AnalyticsRepository, sessions repository.SessionRepository, cache *redis.Client, config AnalyticsConfig, logger zerolog.Logger) AnalyticsService {
	if config.WeakThreshold <= 0 {
		config.WeakThreshold = DefaultWeakThreshold
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}

	log := logger.With().Str("component", "analytics_service").Logger()
	return &analyticsService{
		analytics: analytics,
		sessions:  sessions,
		cache:     cache,
		config:    config,
		retry:     newRetrier(config.TransitionRetries, log),
		tracer:    otel.Tracer("github.com/noah-isme/gema-exam-api/internal/service/analytics"),
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func overviewCacheKey(studentID uint) string {
	return fmt.Sprintf("exam:analytics:overview:%d", studentID)
}

// Process folds a graded session into the student's analytics. Each session
// is applied at most once; redelivered events are detected and ignored.
func (s *analyticsService) Process(ctx context.Context, event events.SessionGraded) error {
	ctx, span := s.tracer.Start(ctx, "analytics.process", trace.WithAttributes(
		attribute.Int64("session.id", int64(event.SessionID)),
		attribute.Int64("session.student_id", int64(event.StudentID)),
	))
	defer span.End()

	session, err := s.sessions.GetByID(ctx, event.SessionID)
	if err != nil {
		observability.AnalyticsEvents().WithLabelValues("failed").Inc()
		return notFound(err)
	}
	if session.CurrentState() != exam.StateGraded {
		s.logger.Warn().Uint("session_id", session.ID).Str("state", session.State).Msg("skipping analytics for session that is not graded")
		observability.AnalyticsEvents().WithLabelValues("skipped").Inc()
		return nil
	}

	batch, err := s.buildBatch(session)
	if err != nil {
		observability.AnalyticsEvents().WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Uint("session_id", session.ID).Msg("failed to build analytics batch")
		span.RecordError(err)
		span.SetStatus(codes.Error, "analytics_batch_invalid")
		return err
	}

	applied := false
	err = s.retry.do(ctx, "analytics", func() error {
		var err error
		applied, err = s.analytics.Apply(ctx, batch)
		return err
	})
	if err != nil {
		observability.AnalyticsEvents().WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "analytics_apply_failed")
		return err
	}

	if !applied {
		observability.AnalyticsEvents().WithLabelValues("duplicate").Inc()
		s.logger.Debug().Uint("session_id", session.ID).Msg("analytics already applied")
		return nil
	}

	observability.AnalyticsEvents().WithLabelValues("applied").Inc()
	s.invalidate(ctx, session.StudentID)
	s.logger.Info().
		Uint("session_id", session.ID).
		Uint("student_id", session.StudentID).
		Int("keywords", len(batch.Keywords)).
		Int("wrong", len(batch.Wrong)).
		Int("resolved", len(batch.Resolved)).
		Msg("analytics applied")
	return nil
}

func (s *analyticsService) buildBatch(session models.ExamSession) (repository.AnalyticsBatch, error) {
	index, err := session.Exam.Index()
	if err != nil {
		return repository.AnalyticsBatch{}, err
	}

	at := s.now()
	recordedAt := at
	if session.GradedAt != nil {
		recordedAt = *session.GradedAt
	}

	answeredAt := recordedAt
	if session.SubmittedAt != nil {
		answeredAt = *session.SubmittedAt
	}
	answeredAt = answeredAt.UTC()

	score := dto.SessionScore(session)
	batch := repository.AnalyticsBatch{
		SessionID:  session.ID,
		StudentID:  session.StudentID,
		At:         at,
		AnsweredAt: answeredAt,
		Point: models.AccuracyPoint{
			StudentID:      session.StudentID,
			ExamID:         session.ExamID,
			SessionID:      session.ID,
			ExamTitle:      session.Exam.Title,
			ExamKind:       session.Exam.Kind,
			PointsEarned:   score.Earned,
			PointsPossible: score.Possible,
			Ratio:          score.Ratio(),
			RecordedAt:     recordedAt,
		},
	}

	deltas := make(map[string]*repository.KeywordDelta)
	for _, record := range session.Records {
		question, ok := index.ByID[record.QuestionID]
		if !ok {
			return repository.AnalyticsBatch{}, exam.NewInvariantViolation("session", session.ID, "record for question %d outside the exam", record.QuestionID)
		}
		if record.Pending() {
			return repository.AnalyticsBatch{}, exam.NewInvariantViolation("session", session.ID, "graded session has pending record for question %d", record.QuestionID)
		}

		correct := *record.IsCorrect
		for _, keyword := range question.KnowledgePoints {
			delta, ok := deltas[keyword]
			if !ok {
				delta = &repository.KeywordDelta{Keyword: keyword}
				deltas[keyword] = delta
			}
			delta.Total++
			if correct {
				delta.Correct++
			}
		}

		if correct {
			batch.Resolved = append(batch.Resolved, question.ID)
			continue
		}

		var value exam.Value
		if answer, ok := session.AnswerFor(question.ID); ok {
			value = answer.Value.Data()
		}
		batch.Wrong = append(batch.Wrong, models.WrongbookEntry{
			StudentID:  session.StudentID,
			QuestionID: question.ID,
			ExamID:     session.ExamID,
			SessionID:  session.ID,
			Snapshot:   datatypes.NewJSONType(models.NewQuestionSnapshot(question)),
			Keywords:   datatypes.NewJSONSlice(append([]string{}, question.KnowledgePoints...)),
			Answer:     datatypes.NewJSONType(value),
			IsCorrect:  false,
			AnsweredAt: answeredAt,
			CreatedAt:  at,
			UpdatedAt:  at,
		})
	}

	keywords := make([]string, 0, len(deltas))
	for keyword := range deltas {
		keywords = append(keywords, keyword)
	}
	sort.Strings(keywords)
	for _, keyword := range keywords {
		batch.Keywords = append(batch.Keywords, *deltas[keyword])
	}
	return batch, nil
}

func (s *analyticsService) invalidate(ctx context.Context, studentID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, overviewCacheKey(studentID)).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("student_id", studentID).Msg("failed to invalidate analytics cache")
	}
}

// weakKeywords orders keywords below the threshold by accuracy, then by
// fewest attempts, then by name. Keywords never answered are left out.
func weakKeywords(stats []models.KeywordStat, threshold float64) []models.KeywordStat {
	weak := make([]models.KeywordStat, 0)
	for _, stat := range stats {
		if accuracy, ok := stat.Accuracy(); ok && accuracy < threshold {
			weak = append(weak, stat)
		}
	}

	sort.SliceStable(weak, func(i, j int) bool {
		ai, _ := weak[i].Accuracy()
		aj, _ := weak[j].Accuracy()
		if ai != aj {
			return ai < aj
		}
		if weak[i].TotalCount != weak[j].TotalCount {
			return weak[i].TotalCount < weak[j].TotalCount
		}
		return weak[i].Keyword < weak[j].Keyword
	})
	return weak
}

func (s *analyticsService) WeakKeywords(ctx context.Context, studentID uint, threshold float64) ([]dto.KeywordStatResponse, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = s.config.WeakThreshold
	}

	stats, err := s.analytics.ListKeywordStats(ctx, studentID)
	if err != nil {
		return nil, err
	}
	return dto.NewKeywordStatResponseSlice(weakKeywords(stats, threshold)), nil
}

func (s *analyticsService) Overview(ctx context.Context, studentID uint) (dto.AnalyticsOverviewResponse, error) {
	cacheKey := overviewCacheKey(studentID)

	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var response dto.AnalyticsOverviewResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &response); unmarshalErr == nil {
				response.CacheHit = true
				return response, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn().Err(err).Msg("failed to read analytics cache")
		}
	}

	stats, err := s.analytics.ListKeywordStats(ctx, studentID)
	if err != nil {
		return dto.AnalyticsOverviewResponse{}, err
	}
	points, err := s.analytics.ListAccuracyPoints(ctx, studentID)
	if err != nil {
		return dto.AnalyticsOverviewResponse{}, err
	}

	response := dto.AnalyticsOverviewResponse{
		StudentID:   studentID,
		Curve:       make([]dto.AccuracyPointResponse, 0, len(points)),
		Keywords:    dto.NewKeywordStatResponseSlice(stats),
		Weak:        dto.NewKeywordStatResponseSlice(weakKeywords(stats, s.config.WeakThreshold)),
		GeneratedAt: s.now(),
	}
	for _, point := range points {
		response.Curve = append(response.Curve, dto.NewAccuracyPointResponse(point))
	}

	if s.cache != nil {
		if payload, err := json.Marshal(response); err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.config.CacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store analytics cache")
			}
		}
	}

	return response, nil
}

// ExamKeywordAccuracy breaks the student's latest graded attempt at an exam
// down by knowledge point.
func (s *analyticsService) ExamKeywordAccuracy(ctx context.Context, studentID, examID uint) (dto.ExamKeywordAccuracyResponse, error) {
	sessions, err := s.sessions.List(ctx, repository.SessionFilter{
		StudentID: uintPtr(studentID),
		ExamID:    uintPtr(examID),
		States:    []string{string(exam.StateGraded)},
	})
	if err != nil {
		return dto.ExamKeywordAccuracyResponse{}, err
	}
	if len(sessions) == 0 {
		return dto.ExamKeywordAccuracyResponse{}, exam.ErrNotFound
	}
	session := sessions[0]

	index, err := session.Exam.Index()
	if err != nil {
		return dto.ExamKeywordAccuracyResponse{}, err
	}

	stats := make(map[string]*models.KeywordStat)
	for _, record := range session.Records {
		question, ok := index.ByID[record.QuestionID]
		if !ok || record.Pending() {
			continue
		}
		for _, keyword := range question.KnowledgePoints {
			stat, ok := stats[keyword]
			if !ok {
				stat = &models.KeywordStat{StudentID: studentID, Keyword: keyword}
				stats[keyword] = stat
			}
			stat.TotalCount++
			if *record.IsCorrect {
				stat.CorrectCount++
			}
		}
	}

	ordered := make([]models.KeywordStat, 0, len(stats))
	for _, stat := range stats {
		ordered = append(ordered, *stat)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Keyword < ordered[j].Keyword })

	return dto.ExamKeywordAccuracyResponse{
		ExamID:    examID,
		SessionID: session.ID,
		Keywords:  dto.NewKeywordStatResponseSlice(ordered),
	}, nil
}

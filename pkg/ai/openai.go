package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "exam",
		Subsystem: "ai",
		Name:      "generation_duration_seconds",
		Help:      "Duration of practice question generation requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exam",
		Subsystem: "ai",
		Name:      "generation_failures_total",
		Help:      "Number of practice question generation failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI generator.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIGenerator implements QuestionGenerator against the chat completion API.
type OpenAIGenerator struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIGenerator builds a generator using the provided configuration.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-exam-api/pkg/ai/openai"),
		logger: cfg.Logger.With().Str("component", "openai_generator").Logger(),
	}, nil
}

// Generate asks the model for questions in JSON mode and decodes them.
func (g *OpenAIGenerator) Generate(parent context.Context, req GenerateRequest) ([]GeneratedQuestion, error) {
	ctx, span := g.tracer.Start(parent, "openai.generate_practice", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.String("practice.keyword", req.Keyword),
		attribute.Int("practice.count", req.Count),
	))
	defer span.End()

	fail := func(err error) ([]GeneratedQuestion, error) {
		aiFailures.WithLabelValues(g.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: generatorSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	aiDuration.WithLabelValues(g.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return fail(fmt.Errorf("openai generate: %w", err))
	}

	if len(resp.Choices) == 0 {
		return fail(fmt.Errorf("no choices returned from openai"))
	}

	questions, err := parseGenerationResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return fail(err)
	}

	g.logger.Debug().
		Str("keyword", req.Keyword).
		Int("requested", req.Count).
		Int("returned", len(questions)).
		Int("total_tokens", resp.Usage.TotalTokens).
		Msg("practice questions generated")

	return questions, nil
}

func generatorSystemPrompt() string {
	return "You write short practice questions for students. Respond with a JSON object {\"questions\": [...]}. " +
		"Each question has type, prompt, options (list of {label, text}, only for choice and multi), answer (list of strings), " +
		"points (integer), knowledge_points (list of strings) and explanation. " +
		"Mark each blank in fill_blank prompts with _____ and give one answer per blank in order."
}

func buildUserPrompt(req GenerateRequest) string {
	builder := strings.Builder{}
	builder.WriteString("# Knowledge point\n")
	builder.WriteString(req.Keyword)
	builder.WriteString(fmt.Sprintf("\n\n## Count\n%d", req.Count))
	if req.Difficulty != "" {
		builder.WriteString("\n\n## Difficulty\n")
		builder.WriteString(req.Difficulty)
	}
	if len(req.Types) > 0 {
		builder.WriteString("\n\n## Allowed types\n")
		builder.WriteString(strings.Join(req.Types, ", "))
	}
	if len(req.Examples) > 0 {
		builder.WriteString("\n\n## Questions the student missed\n")
		for _, example := range req.Examples {
			builder.WriteString("- ")
			builder.WriteString(example)
			builder.WriteString("\n")
		}
	}
	builder.WriteString("\nEvery question must list the knowledge point above. Return JSON.")
	return builder.String()
}

func parseGenerationResponse(content string) ([]GeneratedQuestion, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var payload struct {
		Questions []GeneratedQuestion `json:"questions"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &payload); err != nil {
		return nil, fmt.Errorf("decode generated questions: %w", err)
	}
	if len(payload.Questions) == 0 {
		return nil, fmt.Errorf("model returned no questions")
	}
	return payload.Questions, nil
}

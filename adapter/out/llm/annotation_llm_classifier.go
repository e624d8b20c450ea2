// Package llm implements the classifier capability against an OpenAI
// compatible chat completion API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"annotation_server/core/domain"
	"annotation_server/pkg/apperr"
)

// promptRevision tags annotations and cache entries. Bump it whenever the
// prompt changes in a way that invalidates earlier verdicts.
const promptRevision = "v2"

const defaultModel = "gpt-4o-mini"

const systemPrompt = `You are a search result classifier. Given a search result (title, snippet, URL) and the query that produced it, classify the result's source domain and estimate how factual the content is.

Domain types: news, government, academic, blog, commercial, social, reference, other.

Respond with JSON only:
{"domain_type": "<one of the domain types>", "factual_score": <0.0-1.0>, "confidence_score": <0.0-1.0>, "reasoning": "<one sentence>"}`

const batchSystemPrompt = `You are a search result classifier. You will receive a numbered list of search results. Classify each result's source domain and estimate how factual the content is.

Domain types: news, government, academic, blog, commercial, social, reference, other.

Respond with JSON only, one entry per input in the same order:
{"responses": [{"index": <n>, "domain_type": "<type>", "factual_score": <0.0-1.0>, "confidence_score": <0.0-1.0>, "reasoning": "<one sentence>"}]}`

// Config holds classifier connection settings.
type Config struct {
	APIKey      string
	BaseURL     string // optional, for OpenAI-compatible gateways
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	if c.Temperature == 0 {
		// The client treats 0 as unset, so pin a near-zero value.
		c.Temperature = 0.1
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Classifier calls the chat completion API behind a circuit breaker. While
// the breaker is open every call fails fast with a CLASSIFIER_UNAVAILABLE
// error, sparing the queue from hammering a dead upstream.
type Classifier struct {
	client  *openai.Client
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	log     zerolog.Logger
}

// NewClassifier builds a classifier. The API key is required.
func NewClassifier(cfg Config, log zerolog.Logger) (*Classifier, error) {
	if cfg.APIKey == "" {
		return nil, apperr.ConfigError("classifier api key is required")
	}
	cfg.applyDefaults()

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	logger := log.With().Str("component", "llm_classifier").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-classifier",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures*2 >= counts.Requests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("classifier breaker state changed")
		},
	})

	return &Classifier{
		client:  openai.NewClientWithConfig(clientCfg),
		breaker: breaker,
		cfg:     cfg,
		log:     logger,
	}, nil
}

// ModelVersion identifies the model and prompt revision producing verdicts.
func (c *Classifier) ModelVersion() string {
	return c.cfg.Model + "/" + promptRevision
}

// BreakerState reports the circuit breaker state for health checks.
func (c *Classifier) BreakerState() string {
	return c.breaker.State().String()
}

// Classify labels one search result.
func (c *Classifier) Classify(ctx context.Context, req *domain.ClassifyRequest) (*domain.Classification, error) {
	content, err := c.complete(ctx, systemPrompt, formatRequest(req))
	if err != nil {
		return nil, err
	}

	var raw rawClassification
	if err := json.Unmarshal(extractJSON(content), &raw); err != nil {
		return nil, apperr.ClassificationFailed(fmt.Errorf("malformed classifier output: %w", err))
	}
	return raw.toDomain(), nil
}

// ClassifyBatch labels several results in one completion. Missing or
// out-of-range indices in the reply leave nil gaps in Responses, which the
// pipeline treats as per-item failures.
func (c *Classifier) ClassifyBatch(ctx context.Context, reqs []*domain.ClassifyRequest, batchID string) (*domain.BatchClassification, error) {
	if len(reqs) == 0 {
		return &domain.BatchClassification{BatchID: batchID}, nil
	}

	var sb strings.Builder
	for i, r := range reqs {
		fmt.Fprintf(&sb, "Result %d:\n%s\n\n", i, formatRequest(r))
	}

	content, err := c.complete(ctx, batchSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var raw struct {
		Responses []struct {
			Index int `json:"index"`
			rawClassification
		} `json:"responses"`
	}
	if err := json.Unmarshal(extractJSON(content), &raw); err != nil {
		return nil, apperr.ClassificationFailed(fmt.Errorf("malformed batch output: %w", err))
	}

	out := &domain.BatchClassification{
		BatchID:   batchID,
		Responses: make([]*domain.Classification, len(reqs)),
		Errors:    make([]string, len(reqs)),
	}
	for _, r := range raw.Responses {
		if r.Index < 0 || r.Index >= len(reqs) {
			c.log.Warn().Int("index", r.Index).Str("batch_id", batchID).
				Msg("batch reply index out of range")
			continue
		}
		out.Responses[r.Index] = r.rawClassification.toDomain()
	}
	for i, resp := range out.Responses {
		if resp == nil {
			out.Errors[i] = "no classification returned"
		}
	}
	return out, nil
}

// complete runs one chat completion through the breaker and returns the
// message content.
func (c *Classifier) complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.cfg.Model,
			MaxTokens:   c.cfg.MaxTokens,
			Temperature: c.cfg.Temperature,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("empty completion response")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", apperr.ClassifierUnavailable(err)
		}
		return "", apperr.ClassificationFailed(err)
	}
	return result.(string), nil
}

// rawClassification is the wire shape of one verdict.
type rawClassification struct {
	DomainType      string  `json:"domain_type"`
	FactualScore    float64 `json:"factual_score"`
	ConfidenceScore float64 `json:"confidence_score"`
	Reasoning       string  `json:"reasoning"`
}

func (r rawClassification) toDomain() *domain.Classification {
	return &domain.Classification{
		DomainType:      domain.NormalizeDomainType(strings.ToLower(strings.TrimSpace(r.DomainType))),
		FactualScore:    clamp01(r.FactualScore),
		ConfidenceScore: clamp01(r.ConfidenceScore),
		Reasoning:       r.Reasoning,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func formatRequest(r *domain.ClassifyRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n", r.QueryText)
	fmt.Fprintf(&sb, "Title: %s\n", r.Title)
	fmt.Fprintf(&sb, "Snippet: %s\n", r.Snippet)
	fmt.Fprintf(&sb, "URL: %s", r.URL)
	return sb.String()
}

// extractJSON pulls the outermost JSON object out of a completion. Models
// occasionally wrap their reply in markdown fences or prose despite the JSON
// response format.
func extractJSON(content string) []byte {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return []byte(s)
}

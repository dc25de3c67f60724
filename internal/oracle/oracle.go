// Package oracle asks a language model to classify inbox items in one batch.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
)

// ErrMalformedResponse means the model answered but not with the expected JSON.
var ErrMalformedResponse = errors.New("malformed oracle response")

// Request is one classification batch.
type Request struct {
	Items   []domain.InboxItem
	Context string
	// History maps a sender to short lines describing past decisions.
	History map[string][]string
}

// Classification is the model's verdict for one item.
type Classification struct {
	ID         string
	Action     domain.Action
	Reasoning  string
	Confidence float64
}

// Classifier is the opaque text-in, JSON-out oracle.
type Classifier interface {
	Classify(ctx context.Context, req Request) ([]Classification, error)
}

// Completer is the part of an agentsdk model the classifier needs.
type Completer interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
}

// ModelClassifier classifies through an agentsdk-go model provider.
type ModelClassifier struct {
	model     func(ctx context.Context) (Completer, error)
	maxTokens int
	timeout   time.Duration
}

// NewProvider builds the model provider selected by cfg.
func NewProvider(cfg *config.Config) model.Provider {
	switch cfg.Provider.Type {
	case "openai":
		return &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Oracle.Model,
			MaxTokens: cfg.Oracle.MaxTokens,
		}
	default:
		return &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Oracle.Model,
			MaxTokens: cfg.Oracle.MaxTokens,
		}
	}
}

func NewModelClassifier(provider model.Provider, maxTokens int, timeout time.Duration) *ModelClassifier {
	return NewClassifierFunc(func(ctx context.Context) (Completer, error) {
		mdl, err := provider.Model(ctx)
		if err != nil {
			return nil, err
		}
		return mdl, nil
	}, maxTokens, timeout)
}

// NewClassifierFunc builds a classifier over an arbitrary model source.
func NewClassifierFunc(source func(ctx context.Context) (Completer, error), maxTokens int, timeout time.Duration) *ModelClassifier {
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	if timeout <= 0 {
		timeout, _ = time.ParseDuration(config.DefaultOracleTimeout)
	}
	return &ModelClassifier{model: source, maxTokens: maxTokens, timeout: timeout}
}

// Classify sends the whole batch in a single call bounded by the timeout.
func (c *ModelClassifier) Classify(ctx context.Context, req Request) ([]Classification, error) {
	if len(req.Items) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	mdl, err := c.model(ctx)
	if err != nil {
		return nil, &domain.CollaboratorError{Op: "load model", Err: err}
	}

	resp, err := mdl.Complete(ctx, model.Request{
		System:    systemPrompt,
		Messages:  []model.Message{{Role: "user", Content: BuildPrompt(req)}},
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return nil, &domain.CollaboratorError{Op: "classify", Err: err}
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	return ParseResponse(resp.Message.Content)
}

type wireResponse struct {
	Proposals *[]wireProposal `json:"proposals"`
}

type wireProposal struct {
	ID         string  `json:"id"`
	Action     string  `json:"action"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

// ParseResponse decodes the model's JSON answer. Surrounding prose and
// markdown code fences are tolerated; entries with unknown actions are
// dropped. A missing proposals array is malformed, an empty one is not.
func ParseResponse(text string) ([]Classification, error) {
	body := extractJSON(text)
	if body == "" {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}

	var wire wireResponse
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if wire.Proposals == nil {
		return nil, fmt.Errorf("%w: missing proposals", ErrMalformedResponse)
	}

	result := make([]Classification, 0, len(*wire.Proposals))
	for _, p := range *wire.Proposals {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			continue
		}
		action, err := domain.ParseAction(p.Action)
		if err != nil {
			continue
		}
		conf := p.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		result = append(result, Classification{
			ID:         id,
			Action:     action,
			Reasoning:  strings.TrimSpace(p.Reasoning),
			Confidence: conf,
		})
	}
	return result, nil
}

func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.Index(rest, "\n"); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		s = strings.TrimSpace(rest)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

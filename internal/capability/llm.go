package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"agentledger/internal/domain"
	"agentledger/internal/routing"
)

var ErrInvalidLLMConfig = errors.New("invalid llm configuration")

// LLMConfig selects an OpenAI-compatible chat endpoint.
type LLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

func (c LLMConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidLLMConfig)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: rate limit must be >= 0", ErrInvalidLLMConfig)
	}
	return nil
}

// LLMSuggester asks a language model for the expense account and its
// confidence. The entry itself is built locally so amounts never come from
// the model.
type LLMSuggester struct {
	model   llms.Model
	limiter *rate.Limiter
	timeout time.Duration
}

// NewLLMSuggester builds a suggester over an OpenAI-compatible API.
func NewLLMSuggester(cfg LLMConfig) (*LLMSuggester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	token := cfg.APIKey
	if token == "" {
		// Local OpenAI-compatible servers ignore the token but langchaingo requires one.
		token = "placeholder"
	}
	opts = append(opts, openai.WithToken(token))
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return NewLLMSuggesterWithModel(llm, cfg), nil
}

// NewLLMSuggesterWithModel wraps an existing model.
func NewLLMSuggesterWithModel(model llms.Model, cfg LLMConfig) *LLMSuggester {
	s := &LLMSuggester{model: model, timeout: cfg.Timeout}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

type llmAnswer struct {
	Account    string `json:"account"`
	Confidence int    `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

func (s *LLMSuggester) Suggest(ctx context.Context, req SuggestRequest) (Suggestion, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Suggestion{}, fmt.Errorf("rate limit: %w", err)
		}
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	prompt, err := buildPrompt(req)
	if err != nil {
		return Suggestion{}, err
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt, llms.WithTemperature(0))
	if err != nil {
		return Suggestion{}, fmt.Errorf("generate suggestion: %w", err)
	}
	ans, err := parseAnswer(out)
	if err != nil {
		return Suggestion{}, err
	}
	return Suggestion{
		Entry:      BuildEntry(req.Invoice, ans.Account),
		Confidence: routing.Clamp(ans.Confidence),
		Reasoning:  ans.Reasoning,
	}, nil
}

const promptHeader = `You are a Norwegian bookkeeper using the NS 4102 chart of accounts.
Pick the expense account for the supplier invoice below. Input VAT (2710) and
accounts payable (2400) are handled separately; answer only the expense account.
Reply with a single JSON object: {"account": "<4-digit account>", "confidence": <0-100>, "reasoning": "<one sentence>"}.
`

func buildPrompt(req SuggestRequest) (string, error) {
	inv := struct {
		VendorID    string               `json:"vendor_id,omitempty"`
		VendorName  string               `json:"vendor_name,omitempty"`
		Description string               `json:"description,omitempty"`
		Currency    string               `json:"currency,omitempty"`
		Lines       []domain.InvoiceLine `json:"lines,omitempty"`
		NetAmount   int64                `json:"net_amount_ore"`
	}{req.Invoice.VendorID, req.Invoice.VendorName, req.Invoice.Description, req.Invoice.Currency, req.Invoice.Lines, req.Invoice.NetAmount}
	data, err := json.Marshal(inv)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString("\nInvoice:\n")
	b.Write(data)
	b.WriteString("\n")
	if len(req.Patterns) > 0 {
		b.WriteString("\nAccounts this company has confirmed before:\n")
		for _, p := range req.Patterns {
			fmt.Fprintf(&b, "- %s %q -> %s (success rate %.2f)\n", p.Type, p.Key, p.SuggestedAccount, p.SuccessRate)
		}
	}
	return b.String(), nil
}

// parseAnswer pulls the JSON object out of a model reply, tolerating code
// fences and surrounding prose.
func parseAnswer(out string) (llmAnswer, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return llmAnswer{}, fmt.Errorf("model reply has no JSON object: %q", truncate(out, 200))
	}
	var ans llmAnswer
	if err := json.Unmarshal([]byte(out[start:end+1]), &ans); err != nil {
		return llmAnswer{}, fmt.Errorf("decode model reply: %w", err)
	}
	ans.Account = strings.TrimSpace(ans.Account)
	if ans.Account == "" {
		return llmAnswer{}, errors.New("model reply has no account")
	}
	return ans, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package stages

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/dealflow/internal/extract"
	"github.com/sells-group/dealflow/internal/model"
	"github.com/sells-group/dealflow/internal/resilience"
	"github.com/sells-group/dealflow/pkg/anthropic"
)

// Analyst makes paced, retried calls to the analysis service. One Analyst is
// shared by every stage of a run.
type Analyst struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	limiter     *rate.Limiter
	retry       resilience.RetryConfig
	breaker     *resilience.Breaker
}

// AnalystConfig holds the settings an Analyst is built from.
type AnalystConfig struct {
	Model             string
	MaxTokens         int64
	Temperature       float64 // used by calls that do not set their own
	RequestsPerSecond float64 // <= 0 disables pacing
	Burst             int
	Retry             resilience.RetryConfig
	Breaker           *resilience.Breaker // optional
}

// NewAnalyst returns an Analyst calling client.
func NewAnalyst(client anthropic.Client, cfg AnalystConfig) *Analyst {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Analyst{
		client:      client,
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		limiter:     rate.NewLimiter(limit, burst),
		retry:       cfg.Retry,
		breaker:     cfg.Breaker,
	}
}

// call is one analysis request.
type call struct {
	stage       string
	system      string
	prompt      string
	temperature *float64
}

func temperature(v float64) *float64 { return &v }

// Ask sends c and returns the response text. Transient failures are retried
// per the Analyst's retry config; each attempt waits on the rate limiter and
// goes through the breaker when one is set.
func (a *Analyst) Ask(ctx context.Context, c call) (string, error) {
	req := anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  []anthropic.Message{{Role: "user", Content: c.prompt}},
	}
	if c.system != "" {
		req.System = []anthropic.SystemBlock{{Text: c.system, CacheControl: &anthropic.CacheControl{}}}
	}
	req.Temperature = c.temperature
	if req.Temperature == nil {
		req.Temperature = temperature(a.temperature)
	}

	rc := a.retry
	rc.OnRetry = resilience.RetryLogger("anthropic", c.stage)

	resp, err := resilience.DoVal(ctx, rc, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "stages: wait for rate limiter")
		}
		return resilience.Call(ctx, a.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return a.client.CreateMessage(ctx, req)
		})
	})
	if err != nil {
		return "", eris.Wrapf(err, "stages: %s: analysis call", c.stage)
	}

	resp.Usage.LogCost(a.model, c.stage)
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", eris.Errorf("stages: %s: empty response from analysis service", c.stage)
	}
	zap.L().Debug("stages: analysis response received",
		zap.String("stage", c.stage),
		zap.Int("chars", len(text)),
		zap.String("stop_reason", resp.StopReason),
	)
	return text, nil
}

// AskDocument sends c and extracts a document shaped like schema from the
// answer. Extraction never fails; only the call itself can.
func (a *Analyst) AskDocument(ctx context.Context, c call, schema extract.Schema) (model.Document, error) {
	text, err := a.Ask(ctx, c)
	if err != nil {
		return nil, err
	}
	doc, out := extract.ExtractDetailed(text, schema)
	if len(out.Fallbacks) > 0 {
		zap.L().Warn("stages: analysis answer incomplete",
			zap.String("stage", c.stage),
			zap.Int("fallback_fields", len(out.Fallbacks)),
		)
	}
	return doc, nil
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/llm"
)

// ErrModelTimeout is returned when a call kept timing out after its retries.
var ErrModelTimeout = errors.New("executor: model call timed out")

// Completion is one finished model call.
type Completion struct {
	Model string
	Text  string
	Usage llm.Usage
	// Prompt is the rendered user message.
	Prompt string
}

// CostFunc prices a call in USD from its token counts.
type CostFunc func(model string, promptTokens, completionTokens int64) float64

// TokenUsage converts the completion into one usage increment. A nil cost
// prices the call at zero.
func (c *Completion) TokenUsage(agentID int64, task agent.Task, at time.Time, cost CostFunc) agent.TokenUsage {
	u := agent.TokenUsage{
		AgentID:          agentID,
		Model:            c.Model,
		Task:             task,
		Date:             at.UTC(),
		PromptTokens:     c.Usage.PromptTokens,
		CompletionTokens: c.Usage.CompletionTokens,
		Calls:            1,
	}
	if cost != nil {
		u.EstimatedCost = cost(c.Model, c.Usage.PromptTokens, c.Usage.CompletionTokens)
	}
	return u
}

// DecisionOutput is a completion together with the action read from it.
type DecisionOutput struct {
	Completion
	Action Action
}

// DecisionInput carries one agent cycle to the model.
type DecisionInput struct {
	Model        string
	SystemPrompt string
	Context      *Context
}

// Decider is the model-facing side of an agent cycle.
type Decider interface {
	Decide(ctx context.Context, in DecisionInput) (*DecisionOutput, error)
	Reflect(ctx context.Context, model string, in *ReflectionInput) (*Completion, error)
	Evolve(ctx context.Context, model string, in *EvolutionInput) (*Completion, error)
}

// LLMDecider implements Decider on an OpenAI-compatible chat client.
type LLMDecider struct {
	cfg      *Config
	client   llm.Chatter
	renderer *PromptRenderer
}

var _ Decider = (*LLMDecider)(nil)

// NewLLMDecider wires a decider. A nil cfg uses DefaultConfig.
func NewLLMDecider(cfg *Config, client llm.Chatter) (*LLMDecider, error) {
	if client == nil {
		return nil, errors.New("executor: llm client is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	renderer, err := NewPromptRenderer(cfg.Templates)
	if err != nil {
		return nil, err
	}
	return &LLMDecider{cfg: cfg, client: client, renderer: renderer}, nil
}

// Config exposes the decider configuration.
func (d *LLMDecider) Config() *Config {
	return d.cfg
}

// Renderer exposes the prompt renderer.
func (d *LLMDecider) Renderer() *PromptRenderer {
	return d.renderer
}

// Decide asks the trade model for an action. When the response cannot be
// parsed the output is still returned, carrying a hold, together with an
// error wrapping ErrMalformedAction so usage can be accounted.
func (d *LLMDecider) Decide(ctx context.Context, in DecisionInput) (*DecisionOutput, error) {
	if in.Context == nil {
		return nil, errors.New("executor: decision context is required")
	}
	user, err := d.renderer.Decision(in.Context)
	if err != nil {
		return nil, err
	}
	comp, err := d.call(ctx, d.cfg.DecisionTimeout, &llm.ChatRequest{
		Model: in.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: in.SystemPrompt},
			{Role: llm.RoleUser, Content: user},
		},
		JSON: true,
	})
	if err != nil {
		return nil, err
	}
	comp.Prompt = user

	out := &DecisionOutput{Completion: *comp}
	action, err := ParseAction(comp.Text)
	if err != nil {
		out.Action = Hold(err.Error())
		return out, err
	}
	out.Action = action
	return out, nil
}

// Reflect asks the scan model for a short lesson after a closed trade.
func (d *LLMDecider) Reflect(ctx context.Context, model string, in *ReflectionInput) (*Completion, error) {
	user, err := d.renderer.Reflection(in)
	if err != nil {
		return nil, err
	}
	comp, err := d.call(ctx, d.cfg.AuxTimeout, &llm.ChatRequest{
		Model:    model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: user}},
	})
	if err != nil {
		return nil, err
	}
	comp.Prompt = user
	comp.Text = truncate(stripFences(comp.Text), d.cfg.MaxReflectionChars)
	return comp, nil
}

// Evolve asks the evolution model for a revised system prompt.
func (d *LLMDecider) Evolve(ctx context.Context, model string, in *EvolutionInput) (*Completion, error) {
	user, err := d.renderer.Evolution(in)
	if err != nil {
		return nil, err
	}
	comp, err := d.call(ctx, d.cfg.AuxTimeout, &llm.ChatRequest{
		Model:    model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: user}},
	})
	if err != nil {
		return nil, err
	}
	comp.Prompt = user
	comp.Text = stripFences(comp.Text)
	return comp, nil
}

// call runs req under timeout, repeating it with identical messages while
// it times out and retries remain.
func (d *LLMDecider) call(ctx context.Context, timeout time.Duration, req *llm.ChatRequest) (*Completion, error) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.TimeoutRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := d.client.Chat(callCtx, req)
		cancel()
		if err == nil {
			return &Completion{Model: req.Model, Text: resp.Content, Usage: resp.Usage}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !llm.IsTimeout(err) {
			return nil, err
		}
		lastErr = err
		logx.WithContext(ctx).Infof("executor: model %s timed out (attempt %d): %v", req.Model, attempt+1, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrModelTimeout, lastErr)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

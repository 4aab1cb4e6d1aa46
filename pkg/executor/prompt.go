package executor

import (
	"embed"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/portfolio"
	"tradefleet/pkg/prompt"
)

//go:embed templates/*.tmpl
var builtinTemplates embed.FS

// ReflectionInput feeds the reflection template.
type ReflectionInput struct {
	Agent         AgentView
	Trade         TradeView
	OpenReasoning string
}

// EvolutionInput feeds the evolution template.
type EvolutionInput struct {
	Agent       AgentView
	Version     int
	Prompt      string
	Performance agent.Performance
	Trades      []TradeView
	Decisions   []agent.Decision
}

// TradeView is a closed trade as shown to the model.
type TradeView struct {
	Symbol      string
	Direction   string
	Size        float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	ExitReason  string
	Held        time.Duration
}

// NewTradeView converts a ledger trade.
func NewTradeView(t portfolio.Trade) TradeView {
	return TradeView{
		Symbol:      t.Symbol,
		Direction:   string(t.Direction),
		Size:        t.Size.InexactFloat64(),
		EntryPrice:  t.EntryPrice.InexactFloat64(),
		ExitPrice:   t.ExitPrice.InexactFloat64(),
		RealizedPnL: t.RealizedPnL.InexactFloat64(),
		ExitReason:  string(t.ExitReason),
		Held:        t.Duration(),
	}
}

// PromptRenderer renders the user messages for decisions, reflections and
// evolutions.
type PromptRenderer struct {
	decision   *prompt.Template
	reflection *prompt.Template
	evolution  *prompt.Template
}

// NewPromptRenderer loads the templates named in cfg, falling back to the
// built-in ones.
func NewPromptRenderer(cfg Templates) (*PromptRenderer, error) {
	decision, err := load("decision.tmpl", cfg.Decision)
	if err != nil {
		return nil, err
	}
	reflection, err := load("reflection.tmpl", cfg.Reflection)
	if err != nil {
		return nil, err
	}
	evolution, err := load("evolution.tmpl", cfg.Evolution)
	if err != nil {
		return nil, err
	}
	return &PromptRenderer{decision: decision, reflection: reflection, evolution: evolution}, nil
}

func load(name, path string) (*prompt.Template, error) {
	if path != "" {
		return prompt.NewTemplate(path, templateFuncs)
	}
	data, err := builtinTemplates.ReadFile("templates/" + name)
	if err != nil {
		return nil, fmt.Errorf("executor: builtin template %s: %w", name, err)
	}
	return prompt.Parse(name, string(data), templateFuncs)
}

// Decision renders the per-cycle context.
func (r *PromptRenderer) Decision(c *Context) (string, error) {
	return r.decision.Render(c)
}

// Reflection renders the post-trade reflection request.
func (r *PromptRenderer) Reflection(in *ReflectionInput) (string, error) {
	return r.reflection.Render(in)
}

// Evolution renders the prompt rewrite request.
func (r *PromptRenderer) Evolution(in *EvolutionInput) (string, error) {
	return r.evolution.Render(in)
}

// Digest fingerprints the decision template.
func (r *PromptRenderer) Digest() string {
	return r.decision.Digest()
}

// Reload rereads file-backed templates.
func (r *PromptRenderer) Reload() error {
	for _, t := range []*prompt.Template{r.decision, r.reflection, r.evolution} {
		if err := t.Reload(); err != nil {
			return err
		}
	}
	return nil
}

var templateFuncs = template.FuncMap{
	"utc": func(t time.Time) string {
		return t.UTC().Format("2006-01-02 15:04")
	},
	"age": func(d time.Duration) string {
		return d.Round(time.Minute).String()
	},
	"fixed": func(v float64, prec int) string {
		return strconv.FormatFloat(v, 'f', prec, 64)
	},
	"price": formatPrice,
	"pct": func(v float64) string {
		return strconv.FormatFloat(v*100, 'f', 1, 64) + "%"
	},
	"join": strings.Join,
	"deref": func(v *float64) float64 {
		if v == nil {
			return 0
		}
		return *v
	},
}

// formatPrice keeps roughly five significant digits for small prices.
func formatPrice(v float64) string {
	switch {
	case v >= 1000:
		return strconv.FormatFloat(v, 'f', 2, 64)
	case v >= 1:
		return strconv.FormatFloat(v, 'f', 4, 64)
	}
	return strconv.FormatFloat(v, 'g', 5, 64)
}

package model

import (
	"context"
	"maps"
	"sync"
	"time"
)

// Pricing is the USD price of one million tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing holds list prices for common models. Unknown models cost
// nothing; use UsageTracker.SetPricing to add them.
var DefaultPricing = map[string]Pricing{
	"gpt-4o":                   {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":              {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4.1":                  {InputPer1M: 2.00, OutputPer1M: 8.00},
	"gpt-4.1-mini":             {InputPer1M: 0.40, OutputPer1M: 1.60},
	"o3-mini":                  {InputPer1M: 1.10, OutputPer1M: 4.40},
	"claude-3-5-haiku-latest":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-7-sonnet-latest": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-sonnet-4-0":        {InputPer1M: 3.00, OutputPer1M: 15.00},
	"gemini-2.5-flash":         {InputPer1M: 0.30, OutputPer1M: 2.50},
	"gemini-2.5-pro":           {InputPer1M: 1.25, OutputPer1M: 10.00},
	"gemini-2.0-flash":         {InputPer1M: 0.10, OutputPer1M: 0.40},
}

// Call is one recorded chat call.
type Call struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Time         time.Time
}

// UsageTracker accumulates token usage and cost across chat calls. It is
// safe for concurrent use.
type UsageTracker struct {
	mu      sync.Mutex
	pricing map[string]Pricing
	calls   []Call
	byModel map[string]float64
	input   int64
	output  int64
}

// NewUsageTracker creates a tracker priced with DefaultPricing.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		pricing: maps.Clone(DefaultPricing),
		byModel: make(map[string]float64),
	}
}

// SetPricing sets the price of modelName.
func (t *UsageTracker) SetPricing(modelName string, p Pricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[modelName] = p
}

// Record adds one call and returns its cost.
func (t *UsageTracker) Record(modelName string, u Usage) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.pricing[modelName]
	cost := float64(u.InputTokens)/1_000_000*p.InputPer1M + float64(u.OutputTokens)/1_000_000*p.OutputPer1M

	t.calls = append(t.calls, Call{
		Model:        modelName,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      cost,
		Time:         time.Now(),
	})
	t.byModel[modelName] += cost
	t.input += int64(u.InputTokens)
	t.output += int64(u.OutputTokens)
	return cost
}

// TotalCost returns the summed cost in USD.
func (t *UsageTracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, c := range t.byModel {
		total += c
	}
	return total
}

// CostByModel returns the cost per model name.
func (t *UsageTracker) CostByModel() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.byModel)
}

// Tokens returns the summed input and output tokens.
func (t *UsageTracker) Tokens() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.input, t.output
}

// Calls returns every recorded call in order.
func (t *UsageTracker) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Reset forgets all recorded calls.
func (t *UsageTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
	t.byModel = make(map[string]float64)
	t.input, t.output = 0, 0
}

// Tracked wraps m so every successful call is recorded in t. The call is
// recorded under the model name the provider reports, falling back to
// modelName.
func Tracked(m ChatModel, t *UsageTracker, modelName string) ChatModel {
	return &trackedModel{ChatModel: m, tracker: t, name: modelName}
}

type trackedModel struct {
	ChatModel
	tracker *UsageTracker
	name    string
}

func (m *trackedModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	out, err := m.ChatModel.Chat(ctx, messages)
	if err != nil {
		return out, err
	}
	name := out.Model
	if name == "" {
		name = m.name
	}
	m.tracker.Record(name, out.Usage)
	return out, nil
}

package pipeline

import "sync"

// UsageStats is a point-in-time snapshot of the process-wide token accounting.
type UsageStats struct {
	Calls        int64 `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// UsageCounter accumulates token usage across oracle calls. It is diagnostic
// only: nothing in the pipeline gates on these numbers.
type UsageCounter struct {
	mu    sync.Mutex
	stats UsageStats
}

func (c *UsageCounter) Record(u TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Calls++
	c.stats.InputTokens += u.InputTokens
	c.stats.OutputTokens += u.OutputTokens
	c.stats.TotalTokens += u.TotalTokens
}

func (c *UsageCounter) Snapshot() UsageStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *UsageCounter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = UsageStats{}
}

// Usage is the process-wide counter the oracle adapters record into.
var Usage = &UsageCounter{}

package model

import "time"

// Mode selects the scheduling treatment for a request.
type Mode string

const (
	// ModeInteractive is the default for synchronous callers.
	ModeInteractive Mode = "interactive"
	// ModeBatch marks long-running/bulk work that tolerates queueing.
	ModeBatch Mode = "batch"
)

// PriorityBand is the scheduler band a request is queued in.
type PriorityBand string

const (
	BandHigh PriorityBand = "high"
	BandMid  PriorityBand = "mid"
	BandLow  PriorityBand = "low"
)

// Bands lists all bands in dispatch-precedence order.
func Bands() []PriorityBand {
	return []PriorityBand{BandHigh, BandMid, BandLow}
}

// Message is a single conversational turn.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// Payload is the generation input carried through the pipeline. Either
// Messages or Prompt is set, never both.
type Payload struct {
	Messages    []Message `json:"messages,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	MaxTokens   int64     `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Text flattens the payload into a single string for scoring and token
// estimation.
func (p Payload) Text() string {
	if p.Prompt != "" {
		return p.Prompt
	}
	var out string
	for i, m := range p.Messages {
		if i > 0 {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

// Request is an admitted generation request as seen by the pipeline.
type Request struct {
	ID        string    `json:"id"`
	ProcessID string    `json:"process_id"`
	ModelID   string    `json:"model_id,omitempty"` // empty until selection
	Mode      Mode      `json:"mode"`
	Stream    bool      `json:"stream"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

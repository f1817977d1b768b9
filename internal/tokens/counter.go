// Package tokens estimates conversation token usage so oversized histories can
// be flagged before an expensive call is made.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/heuristiclab/uxaudit/internal/domain"
)

// imageTokenEstimate is a flat per-image charge. Actual vision token cost
// depends on resolution tiling; a flat low-detail estimate is enough for
// budget warnings.
const imageTokenEstimate = 85

// Counter counts tokens for OpenAI-family models using tiktoken encodings.
type Counter struct {
	mu     sync.RWMutex
	codecs map[string]tokenizer.Codec
}

// NewCounter creates a token counter.
func NewCounter() *Counter {
	return &Counter{codecs: make(map[string]tokenizer.Codec)}
}

func (c *Counter) codec(model string) (tokenizer.Codec, error) {
	c.mu.RLock()
	if codec, ok := c.codecs[model]; ok {
		c.mu.RUnlock()
		return codec, nil
	}
	c.mu.RUnlock()

	codec, err := tokenizer.ForModel(mapModel(model))
	if err != nil {
		// Unknown models fall back to the current encoding.
		codec, err = tokenizer.Get(tokenizer.O200kBase)
		if err != nil {
			return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
		}
	}

	c.mu.Lock()
	c.codecs[model] = codec
	c.mu.Unlock()
	return codec, nil
}

// mapModel maps a model name to a tokenizer model.
func mapModel(model string) tokenizer.Model {
	model = strings.ToLower(model)
	switch {
	case model == "gpt-5-mini" || strings.HasPrefix(model, "gpt-5-mini-"):
		return tokenizer.GPT5Mini
	case model == "gpt-5-nano" || strings.HasPrefix(model, "gpt-5-nano-"):
		return tokenizer.GPT5Nano
	case strings.HasPrefix(model, "gpt-5"):
		return tokenizer.GPT5
	case strings.HasPrefix(model, "gpt-4o"):
		return tokenizer.GPT4o
	default:
		return tokenizer.GPT4o
	}
}

// CountConversation returns the estimated token total for a turn sequence:
// encoded text for text parts plus a flat estimate per image part.
func (c *Counter) CountConversation(model string, turns []domain.ConversationTurn) (int, error) {
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, turn := range turns {
		for _, part := range turn.Content {
			switch part.Type {
			case "input_text", "output_text":
				n, err := codec.Count(part.Text)
				if err != nil {
					return 0, fmt.Errorf("failed to count tokens: %w", err)
				}
				total += n
			case "input_image":
				total += imageTokenEstimate
			}
		}
	}
	return total, nil
}

package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted LLM client for tests.
//
// Responses are returned in queue order; when the queue is empty the
// default response is used. Streamed calls deliver the response to OnChunk
// split into rune-sized pieces unless explicit chunks are queued.
//
// Thread Safety: safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	responses []MockResponse
	fallback  MockResponse
	calls     [][]Message
}

// MockResponse is one scripted reply.
type MockResponse struct {
	Text   string
	Chunks []string // optional explicit chunking for streamed calls
	Stats  Stats
	Err    error
}

// NewMockClient creates a mock with a generic default response.
func NewMockClient() *MockClient {
	return &MockClient{
		fallback: MockResponse{Text: "mock response", Stats: Stats{PromptTokens: 10, CompletionTokens: 10}},
	}
}

// Queue appends a scripted response.
func (c *MockClient) Queue(resp MockResponse) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
	return c
}

// QueueText appends a plain text response.
func (c *MockClient) QueueText(text string) *MockClient {
	return c.Queue(MockResponse{Text: text, Stats: Stats{PromptTokens: 10, CompletionTokens: len(text) / 4}})
}

// QueueError appends a failing response.
func (c *MockClient) QueueError(err error) *MockClient {
	return c.Queue(MockResponse{Err: err})
}

// SetDefault replaces the fallback response used when the queue is empty.
func (c *MockClient) SetDefault(resp MockResponse) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = resp
	return c
}

// Call implements Client.
func (c *MockClient) Call(ctx context.Context, messages []Message, opts CallOptions) (string, Stats, error) {
	c.mu.Lock()
	recorded := make([]Message, len(messages))
	copy(recorded, messages)
	c.calls = append(c.calls, recorded)

	resp := c.fallback
	if len(c.responses) > 0 {
		resp = c.responses[0]
		c.responses = c.responses[1:]
	}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", Stats{}, ErrCanceled
	}
	if resp.Err != nil {
		return "", resp.Stats, resp.Err
	}

	if opts.Stream && opts.OnChunk != nil {
		chunks := resp.Chunks
		if chunks == nil {
			for _, r := range resp.Text {
				chunks = append(chunks, string(r))
			}
		}
		for _, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return "", resp.Stats, ErrCanceled
			}
			if chunk != "" {
				opts.OnChunk(chunk)
			}
		}
	}

	return resp.Text, resp.Stats, nil
}

// Calls returns the recorded message lists, oldest first.
func (c *MockClient) Calls() [][]Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	calls := make([][]Message, len(c.calls))
	copy(calls, c.calls)
	return calls
}

// CallCount returns the number of calls made.
func (c *MockClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

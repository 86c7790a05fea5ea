package provider

import (
	"context"
	"sync"
)

// StubAdapter is an in-process adapter for tests and offline mode.
// Responses are scripted per model; unscripted models echo the last message.
type StubAdapter struct {
	mu        sync.Mutex
	responses map[string][]stubReply
	calls     []StubCall
}

type stubReply struct {
	result *Result
	err    error
}

// StubCall records one Invoke for assertions.
type StubCall struct {
	ModelID         string
	Messages        []Message
	MaxOutputTokens int
}

// NewStubAdapter creates an empty stub.
func NewStubAdapter() *StubAdapter {
	return &StubAdapter{responses: make(map[string][]stubReply)}
}

// Script queues a successful result for the model. Replies are consumed in
// FIFO order; the last reply repeats once the queue drains.
func (s *StubAdapter) Script(modelID string, r Result) *StubAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[modelID] = append(s.responses[modelID], stubReply{result: &r})
	return s
}

// ScriptError queues a failure for the model.
func (s *StubAdapter) ScriptError(modelID string, err error) *StubAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[modelID] = append(s.responses[modelID], stubReply{err: err})
	return s
}

// Calls returns the recorded invocations.
func (s *StubAdapter) Calls() []StubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StubCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// Invoke returns the next scripted reply for the model.
func (s *StubAdapter) Invoke(ctx context.Context, modelID string, messages []Message, maxOutputTokens int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls = append(s.calls, StubCall{ModelID: modelID, Messages: messages, MaxOutputTokens: maxOutputTokens})
	queue := s.responses[modelID]
	var reply stubReply
	switch {
	case len(queue) > 1:
		reply = queue[0]
		s.responses[modelID] = queue[1:]
	case len(queue) == 1:
		reply = queue[0]
	default:
		text := ""
		if len(messages) > 0 {
			text = messages[len(messages)-1].Content
		}
		reply = stubReply{result: &Result{
			Text:         text,
			InputTokens:  len(text) / 4,
			OutputTokens: len(text) / 4,
			FinishReason: "stop",
		}}
	}
	s.mu.Unlock()

	if reply.err != nil {
		return nil, reply.err
	}
	out := *reply.result
	return &out, nil
}

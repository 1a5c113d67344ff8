package backend

import (
	"context"
	"sync"
)

// Reply is one queued Scripted response. A non-nil Err is returned instead
// of Content.
type Reply struct {
	Content string
	Err     error
}

// Scripted replays queued replies per stage and records every request.
// Stages with an empty queue fall through to Fallback, or to Mock when
// Fallback is nil.
type Scripted struct {
	Fallback Backend

	mu      sync.Mutex
	queues  map[Stage][]Reply
	calls   []Request
	blockOn map[Stage]chan struct{}
}

var _ Backend = (*Scripted)(nil)

// NewScripted creates an empty script
func NewScripted() *Scripted {
	return &Scripted{
		queues:  make(map[Stage][]Reply),
		blockOn: make(map[Stage]chan struct{}),
	}
}

// Push queues replies for stage
func (s *Scripted) Push(stage Stage, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[stage] = append(s.queues[stage], replies...)
	return s
}

// PushContent queues plain successful replies for stage
func (s *Scripted) PushContent(stage Stage, contents ...string) *Scripted {
	for _, c := range contents {
		s.Push(stage, Reply{Content: c})
	}
	return s
}

// Block makes requests for stage wait until the returned release func is
// called or the request context ends
func (s *Scripted) Block(stage Stage) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.blockOn[stage] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { close(ch) })
	}
}

// Calls returns a copy of every request received so far
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many requests stage has received
func (s *Scripted) CallCount(stage Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Stage == stage {
			n++
		}
	}
	return n
}

// Generate pops the next reply for req.Stage
func (s *Scripted) Generate(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	block := s.blockOn[req.Stage]
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	queue := s.queues[req.Stage]
	var reply *Reply
	if len(queue) > 0 {
		reply = &queue[0]
		s.queues[req.Stage] = queue[1:]
	}
	fallback := s.Fallback
	s.mu.Unlock()

	if reply == nil {
		if fallback == nil {
			fallback = NewMock()
		}
		return fallback.Generate(ctx, req)
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &Response{Content: reply.Content}, nil
}

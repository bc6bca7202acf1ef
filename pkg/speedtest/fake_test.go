package speedtest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// fakeTransport scripts Transport responses by call index.
type fakeTransport struct {
	mu     sync.Mutex
	heads  int
	posts  int
	head   func(i int) (Response, error)
	stream func(ctx context.Context) (io.ReadCloser, error)
	post   func(i int) (Response, error)
}

func (f *fakeTransport) Head(ctx context.Context, _ string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	f.mu.Lock()
	i := f.heads
	f.heads++
	f.mu.Unlock()
	if f.head == nil {
		return Response{StatusCode: 200, Elapsed: 20 * time.Millisecond}, nil
	}
	return f.head(i)
}

func (f *fakeTransport) Stream(ctx context.Context, _ string) (io.ReadCloser, error) {
	if f.stream == nil {
		return io.NopCloser(endlessReader{ctx: ctx}), nil
	}
	return f.stream(ctx)
}

func (f *fakeTransport) Post(ctx context.Context, _ string, body []byte) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	f.mu.Lock()
	i := f.posts
	f.posts++
	f.mu.Unlock()
	if f.post == nil {
		return Response{StatusCode: 200, Bytes: int64(len(body))}, nil
	}
	return f.post(i)
}

// endlessReader fills every read until ctx ends.
type endlessReader struct{ ctx context.Context }

func (r endlessReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

// blockingReader parks until ctx ends.
type blockingReader struct{ ctx context.Context }

func (r blockingReader) Read([]byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func (r blockingReader) Close() error { return nil }

// stepClock advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock(step time.Duration) *stepClock {
	return &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

// mapKV is an in-memory KV.
type mapKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	setErr error
}

func newMapKV() *mapKV { return &mapKV{data: map[string][]byte{}} }

func (m *mapKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *mapKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var errBoom = errors.New("boom")

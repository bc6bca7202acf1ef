package speedtest

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	logx "speedcheck/pkg/logx"
)

func newTestMeter(ft *fakeTransport, chunk int) *ThroughputMeter {
	m := NewThroughputMeter(ft, chunk, time.Second, logx.Nop())
	m.now = newStepClock(time.Second).Now
	return m
}

func TestMeasureDownloadWindow(t *testing.T) {
	t.Parallel()
	m := newTestMeter(&fakeTransport{}, 0)

	var reports []ThroughputProgress
	got, err := m.Measure(context.Background(), DirectionDownload, Server{DownloadURL: "http://x/down"}, 5*time.Second, func(p ThroughputProgress) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	// Two 64KiB reads fit before the window closes; elapsed reads 6s.
	if got != 0.17 {
		t.Fatalf("mbps = %v, want 0.17", got)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	for i := 1; i < len(reports); i++ {
		if reports[i].Fraction < reports[i-1].Fraction || reports[i].Fraction > 1 {
			t.Fatalf("fraction not monotonic in [0,1]: %+v", reports)
		}
	}
}

func TestMeasureZeroBytesIsZero(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{stream: func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("")), nil
	}}
	m := newTestMeter(ft, 0)

	got, err := m.Measure(context.Background(), DirectionDownload, Server{}, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if got != 0 {
		t.Fatalf("mbps = %v, want 0", got)
	}
}

func TestMeasureStreamFailure(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{stream: func(context.Context) (io.ReadCloser, error) {
		return nil, &StatusError{URL: "http://x", StatusCode: 502}
	}}
	m := newTestMeter(ft, 0)

	_, err := m.Measure(context.Background(), DirectionDownload, Server{}, 5*time.Second, nil)
	if KindOf(err) != KindServerUnreachable {
		t.Fatalf("kind = %q, want %q", KindOf(err), KindServerUnreachable)
	}
}

func TestMeasureUploadCountsOnlyAcks(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{post: func(i int) (Response, error) {
		if i%2 == 1 {
			return Response{StatusCode: 500}, nil
		}
		return Response{StatusCode: 200}, nil
	}}
	m := newTestMeter(ft, 1024)

	var last ThroughputProgress
	_, err := m.Measure(context.Background(), DirectionUpload, Server{UploadURL: "http://x/up"}, 5*time.Second, func(p ThroughputProgress) {
		last = p
	})
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if last.Bytes == 0 || last.Bytes%1024 != 0 {
		t.Fatalf("bytes = %d, want a positive multiple of the chunk", last.Bytes)
	}
	if int(last.Bytes/1024) > (ft.posts+1)/2 {
		t.Fatalf("counted %d chunks from %d posts", last.Bytes/1024, ft.posts)
	}
}

func TestMeasureCancelled(t *testing.T) {
	t.Parallel()
	m := newTestMeter(&fakeTransport{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Measure(ctx, DirectionUpload, Server{}, 5*time.Second, nil)
	if KindOf(err) != KindCancelled {
		t.Fatalf("kind = %q, want %q", KindOf(err), KindCancelled)
	}
}

// flakyReader serves good reads and then fails.
type flakyReader struct {
	good  int
	reads int
}

func (r *flakyReader) Read(p []byte) (int, error) {
	if r.reads >= r.good {
		return 0, errors.New("connection reset")
	}
	r.reads++
	return copy(p, strings.Repeat("x", len(p))), nil
}

func TestMeasureDownloadReadError(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{stream: func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(&flakyReader{good: 2}), nil
	}}
	m := newTestMeter(ft, 0)

	_, err := m.Measure(context.Background(), DirectionDownload, Server{}, 30*time.Second, nil)
	if KindOf(err) != KindServerUnreachable {
		t.Fatalf("kind = %q (%v), want %q", KindOf(err), err, KindServerUnreachable)
	}
}

func TestMeasureUploadTransportError(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{post: func(i int) (Response, error) {
		if i >= 2 {
			return Response{}, errors.New("connection reset")
		}
		return Response{StatusCode: 200}, nil
	}}
	m := newTestMeter(ft, 1024)

	_, err := m.Measure(context.Background(), DirectionUpload, Server{}, 30*time.Second, nil)
	if KindOf(err) != KindServerUnreachable {
		t.Fatalf("kind = %q (%v), want %q", KindOf(err), err, KindServerUnreachable)
	}
}

func TestMeasureUploadWithoutAcksIsZero(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{post: func(int) (Response, error) {
		return Response{StatusCode: 503}, nil
	}}
	m := newTestMeter(ft, 1024)

	calls := 0
	got, err := m.Measure(context.Background(), DirectionUpload, Server{}, 5*time.Second, func(ThroughputProgress) { calls++ })
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if got != 0 || calls != 0 {
		t.Fatalf("mbps = %v, progress calls = %d, want 0 and 0", got, calls)
	}
	if ft.posts == 0 {
		t.Fatal("no upload attempted")
	}
}

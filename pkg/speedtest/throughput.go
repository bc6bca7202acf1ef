package speedtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	logx "speedcheck/pkg/logx"
)

const downloadReadSize = 64 * 1024

// ThroughputProgress is reported after every chunk.
type ThroughputProgress struct {
	// Fraction of the window consumed, in [0,1].
	Fraction    float64
	Bytes       int64
	Elapsed     time.Duration
	CurrentMbps float64
}

// ThroughputMeter measures one direction over a fixed window.
type ThroughputMeter struct {
	transport Transport
	chunkSize int
	timeout   time.Duration
	log       logx.Logger
	now       func() time.Time
}

// NewThroughputMeter constructs a meter. chunkSize applies to uploads.
func NewThroughputMeter(t Transport, chunkSize int, timeout time.Duration, log logx.Logger) *ThroughputMeter {
	if chunkSize <= 0 {
		chunkSize = DefaultUploadChunkBytes
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &ThroughputMeter{transport: t, chunkSize: chunkSize, timeout: timeout, log: log, now: time.Now}
}

// Measure runs dir against server for window and returns megabits per second.
// A window that moves no bytes yields 0, not an error.
func (m *ThroughputMeter) Measure(ctx context.Context, dir Direction, server Server, window time.Duration, onProgress func(ThroughputProgress)) (float64, error) {
	if window <= 0 {
		return 0, newError(KindUnknown, string(dir), "measurement window must be > 0", nil)
	}
	if onProgress == nil {
		onProgress = func(ThroughputProgress) {}
	}

	var (
		total   int64
		elapsed time.Duration
		err     error
	)
	switch dir {
	case DirectionDownload:
		total, elapsed, err = m.download(ctx, server.DownloadURL, window, onProgress)
	case DirectionUpload:
		total, elapsed, err = m.upload(ctx, server.UploadURL, window, onProgress)
	default:
		return 0, newError(KindUnknown, string(dir), fmt.Sprintf("unknown direction %q", dir), nil)
	}
	if err != nil {
		return 0, err
	}

	mbps := bitrateMbps(total, elapsed)
	m.log.Debug("throughput phase reduced",
		logx.String("direction", string(dir)),
		logx.Int64("bytes", total),
		logx.Duration("elapsed", elapsed),
		logx.Float64("mbps", mbps),
	)
	return mbps, nil
}

func (m *ThroughputMeter) report(onProgress func(ThroughputProgress), total int64, elapsed, window time.Duration) {
	frac := float64(elapsed) / float64(window)
	if frac > 1 {
		frac = 1
	}
	onProgress(ThroughputProgress{
		Fraction:    frac,
		Bytes:       total,
		Elapsed:     elapsed,
		CurrentMbps: bitrateMbps(total, elapsed),
	})
}

func (m *ThroughputMeter) download(ctx context.Context, url string, window time.Duration, onProgress func(ThroughputProgress)) (int64, time.Duration, error) {
	start := m.now()
	winCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	body, err := m.transport.Stream(winCtx, url)
	if err != nil {
		if ctx.Err() != nil {
			return 0, 0, interrupted(ctx, "download")
		}
		if winCtx.Err() != nil {
			return 0, m.now().Sub(start), nil
		}
		return 0, 0, newError(KindServerUnreachable, "download", "open download stream", err)
	}
	defer body.Close()

	buf := make([]byte, downloadReadSize)
	var total int64
	for {
		if ctx.Err() != nil {
			return 0, 0, interrupted(ctx, "download")
		}
		if m.now().Sub(start) >= window {
			break
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			total += int64(n)
			m.report(onProgress, total, m.now().Sub(start), window)
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if ctx.Err() != nil {
			return 0, 0, interrupted(ctx, "download")
		}
		if winCtx.Err() != nil {
			break
		}
		return 0, 0, newError(KindServerUnreachable, "download", "read download stream", rerr)
	}
	return total, m.now().Sub(start), nil
}

func (m *ThroughputMeter) upload(ctx context.Context, url string, window time.Duration, onProgress func(ThroughputProgress)) (int64, time.Duration, error) {
	payload := bytes.Repeat([]byte{'0'}, m.chunkSize)

	start := m.now()
	winCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var total int64
	for {
		if ctx.Err() != nil {
			return 0, 0, interrupted(ctx, "upload")
		}
		if m.now().Sub(start) >= window {
			break
		}

		reqCtx, cancelReq := context.WithTimeout(winCtx, m.timeout)
		resp, err := m.transport.Post(reqCtx, url, payload)
		cancelReq()
		if err != nil {
			if ctx.Err() != nil {
				return 0, 0, interrupted(ctx, "upload")
			}
			if winCtx.Err() != nil {
				break
			}
			return 0, 0, newError(KindServerUnreachable, "upload", "send upload chunk", err)
		}
		if !resp.OK() {
			m.log.Debug("upload chunk not acknowledged", logx.Int("status", resp.StatusCode))
			continue
		}
		total += int64(len(payload))
		m.report(onProgress, total, m.now().Sub(start), window)
	}
	return total, m.now().Sub(start), nil
}

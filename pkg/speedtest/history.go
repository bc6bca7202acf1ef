package speedtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logx "speedcheck/pkg/logx"
)

// History blob schema version.
const historySchemaVersion = 1

const (
	DefaultHistoryKey = "speedtest.history"
	MaxHistoryRecords = 50
)

// KV is the persistence collaborator used by HistoryStore.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

type historyBlob struct {
	V       int      `json:"v"`
	Records []Record `json:"records"`
}

// HistoryStore keeps the most recent records, newest first, under one key.
//
// It is safe for concurrent use.
type HistoryStore struct {
	kv  KV
	key string
	log logx.Logger

	mu sync.Mutex
}

// NewHistoryStore keeps records under key in kv. An empty key uses DefaultHistoryKey.
func NewHistoryStore(kv KV, key string, log logx.Logger) *HistoryStore {
	if key == "" {
		key = DefaultHistoryKey
	}
	return &HistoryStore{kv: kv, key: key, log: log}
}

// Append inserts rec at the head and trims the list to MaxHistoryRecords.
func (h *HistoryStore) Append(ctx context.Context, rec Record) error {
	if h == nil || h.kv == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	records, err := h.loadLocked(ctx)
	if err != nil {
		return err
	}

	out := make([]Record, 0, len(records)+1)
	out = append(out, rec)
	out = append(out, records...)
	if len(out) > MaxHistoryRecords {
		out = out[:MaxHistoryRecords]
	}
	return h.saveLocked(ctx, out)
}

// Load returns all stored records, newest first.
func (h *HistoryStore) Load(ctx context.Context) ([]Record, error) {
	if h == nil || h.kv == nil {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadLocked(ctx)
}

// Recent returns at most n records, newest first.
func (h *HistoryStore) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	records, err := h.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) > n {
		records = records[:n]
	}
	return records, nil
}

// Clear removes all history.
func (h *HistoryStore) Clear(ctx context.Context) error {
	if h == nil || h.kv == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.kv.Remove(ctx, h.key); err != nil {
		return fmt.Errorf("remove history: %w", err)
	}
	return nil
}

func (h *HistoryStore) loadLocked(ctx context.Context) ([]Record, error) {
	b, ok, err := h.kv.Get(ctx, h.key)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if !ok || len(b) == 0 {
		return nil, nil
	}
	var blob historyBlob
	if err := json.Unmarshal(b, &blob); err != nil {
		// Unreadable history is treated as empty; the next Append rewrites it.
		h.log.Warn("history blob unreadable; ignoring", logx.String("key", h.key), logx.Err(err))
		return nil, nil
	}
	if len(blob.Records) > MaxHistoryRecords {
		blob.Records = blob.Records[:MaxHistoryRecords]
	}
	return blob.Records, nil
}

func (h *HistoryStore) saveLocked(ctx context.Context, records []Record) error {
	b, err := json.Marshal(historyBlob{V: historySchemaVersion, Records: records})
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := h.kv.Set(ctx, h.key, b); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// Stats24h computes statistics for the last 24 hours.
func (h *HistoryStore) Stats24h(ctx context.Context) (*DailyStats, error) {
	return h.Stats(ctx, time.Now().Add(-24*time.Hour), "Last 24 hours")
}

// Stats computes statistics over records newer than since.
func (h *HistoryStore) Stats(ctx context.Context, since time.Time, period string) (*DailyStats, error) {
	records, err := h.Load(ctx)
	if err != nil {
		return nil, err
	}

	stats := &DailyStats{Period: period}
	var totalDownload, totalUpload, totalPing, totalPacketLoss float64

	for _, rec := range records {
		if rec.Timestamp.Before(since) {
			continue
		}

		stats.TestCount++
		totalDownload += rec.DownloadMbps
		totalUpload += rec.UploadMbps
		totalPing += rec.PingMs
		totalPacketLoss += rec.PacketLossPct

		if stats.TestCount == 1 {
			stats.MaxDownload = rec.DownloadMbps
			stats.MinDownload = rec.DownloadMbps
			stats.MaxUpload = rec.UploadMbps
			stats.MinUpload = rec.UploadMbps
			stats.MaxPing = rec.PingMs
			stats.MinPing = rec.PingMs
			stats.FirstTest = rec.Timestamp
			stats.LastTest = rec.Timestamp
			continue
		}

		stats.MaxDownload = max(stats.MaxDownload, rec.DownloadMbps)
		stats.MinDownload = min(stats.MinDownload, rec.DownloadMbps)
		stats.MaxUpload = max(stats.MaxUpload, rec.UploadMbps)
		stats.MinUpload = min(stats.MinUpload, rec.UploadMbps)
		stats.MaxPing = max(stats.MaxPing, rec.PingMs)
		stats.MinPing = min(stats.MinPing, rec.PingMs)
		if rec.Timestamp.Before(stats.FirstTest) {
			stats.FirstTest = rec.Timestamp
		}
		if rec.Timestamp.After(stats.LastTest) {
			stats.LastTest = rec.Timestamp
		}
	}

	if stats.TestCount == 0 {
		return stats, nil
	}

	count := float64(stats.TestCount)
	stats.AvgDownload = roundTo(totalDownload/count, 2)
	stats.AvgUpload = roundTo(totalUpload/count, 2)
	stats.AvgPing = roundTo(totalPing/count, 1)
	stats.AvgPacketLoss = roundTo(totalPacketLoss/count, 1)
	return stats, nil
}

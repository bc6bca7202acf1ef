package speedtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	logx "speedcheck/pkg/logx"
)

func TestHistoryAppendNewestFirstAndCapped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := NewHistoryStore(newMapKV(), "", logx.Nop())

	for i := 0; i < MaxHistoryRecords+5; i++ {
		if err := h.Append(ctx, Record{ID: fmt.Sprintf("r%02d", i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := h.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != MaxHistoryRecords {
		t.Fatalf("len = %d, want %d", len(got), MaxHistoryRecords)
	}
	if got[0].ID != "r54" {
		t.Fatalf("head = %s, want r54", got[0].ID)
	}
	if got[len(got)-1].ID != "r05" {
		t.Fatalf("tail = %s, want r05", got[len(got)-1].ID)
	}

	recent, err := h.Recent(ctx, 3)
	if err != nil || len(recent) != 3 || recent[2].ID != "r52" {
		t.Fatalf("Recent = %+v err=%v", recent, err)
	}
}

func TestHistoryClearAndCorruptBlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := newMapKV()
	h := NewHistoryStore(kv, "hist", logx.Nop())

	if err := h.Append(ctx, Record{ID: "a"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := h.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := h.Load(ctx); len(got) != 0 {
		t.Fatalf("after Clear len = %d", len(got))
	}

	kv.data["hist"] = []byte("{not json")
	got, err := h.Load(ctx)
	if err != nil || len(got) != 0 {
		t.Fatalf("corrupt Load = %v, %v", got, err)
	}
	if err := h.Append(ctx, Record{ID: "b"}); err != nil {
		t.Fatalf("Append over corrupt: %v", err)
	}
	if got, _ := h.Load(ctx); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("after rewrite = %+v", got)
	}
}

func TestHistoryStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := NewHistoryStore(newMapKV(), "", logx.Nop())
	now := time.Now()

	recs := []Record{
		{ID: "old", Timestamp: now.Add(-48 * time.Hour), DownloadMbps: 1000},
		{ID: "a", Timestamp: now.Add(-2 * time.Hour), DownloadMbps: 100, UploadMbps: 10, PingMs: 20, PacketLossPct: 0},
		{ID: "b", Timestamp: now.Add(-1 * time.Hour), DownloadMbps: 50, UploadMbps: 30, PingMs: 30, PacketLossPct: 10},
	}
	for _, r := range recs {
		if err := h.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	st, err := h.Stats24h(ctx)
	if err != nil {
		t.Fatalf("Stats24h: %v", err)
	}
	if st.TestCount != 2 {
		t.Fatalf("TestCount = %d, want 2", st.TestCount)
	}
	if st.AvgDownload != 75 || st.MaxDownload != 100 || st.MinDownload != 50 {
		t.Fatalf("download stats = %+v", st)
	}
	if st.AvgUpload != 20 || st.AvgPing != 25 || st.AvgPacketLoss != 5 {
		t.Fatalf("averages = %+v", st)
	}
	if !st.FirstTest.Equal(recs[1].Timestamp) || !st.LastTest.Equal(recs[2].Timestamp) {
		t.Fatalf("range = %v..%v", st.FirstTest, st.LastTest)
	}
}

func TestHistorySaveErrorSurfaces(t *testing.T) {
	t.Parallel()
	kv := newMapKV()
	kv.setErr = errBoom
	h := NewHistoryStore(kv, "", logx.Nop())
	if err := h.Append(context.Background(), Record{ID: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}

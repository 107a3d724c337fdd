package normalizer

import (
	"math"
	"math/rand"
	"testing"
	"time"

	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/models"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestStatus_Boundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		offset time.Duration
		want   models.NodeStatus
	}{
		{-time.Minute, models.StatusOnline},
		{0, models.StatusOnline},
		{5*time.Minute - time.Second, models.StatusOnline},
		{5 * time.Minute, models.StatusDelinquent},
		{29 * time.Minute, models.StatusDelinquent},
		{30*time.Minute - time.Nanosecond, models.StatusDelinquent},
		{30 * time.Minute, models.StatusOffline},
		{48 * time.Hour, models.StatusOffline},
	}

	for _, tt := range tests {
		got := Status(now.Add(-tt.offset), now, 5*time.Minute, 30*time.Minute)
		if got != tt.want {
			t.Fatalf("offset=%s status=%s want %s", tt.offset, got, tt.want)
		}
	}
}

func TestNormalize_SkipsIncompleteRecords(t *testing.T) {
	t.Parallel()

	n := New(DefaultOptions())
	cases := []models.RawNode{
		{Address: "1.2.3.4:9001", LastSeenTimestamp: now.Unix()},
		{Pubkey: "   ", LastSeenTimestamp: now.Unix()},
		{Pubkey: "abc"},
		{},
	}
	for _, raw := range cases {
		if _, err := n.Normalize(raw, now); !apperrors.Is(err, apperrors.ErrSkipped) {
			t.Fatalf("raw=%+v err=%v, want ErrSkipped", raw, err)
		}
	}
}

func TestNormalize_ClampsUsedToCapacity(t *testing.T) {
	t.Parallel()

	n := New(DefaultOptions())
	rec, err := n.Normalize(models.RawNode{
		Pubkey:            "node-1",
		LastSeenTimestamp: now.Unix(),
		StorageCommitted:  100,
		StorageUsed:       250,
	}, now)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if rec.Storage.UsedBytes != 100 {
		t.Fatalf("used=%d", rec.Storage.UsedBytes)
	}
	if rec.Status != models.StatusOnline {
		t.Fatalf("status=%s", rec.Status)
	}
}

func TestScore_Extremes(t *testing.T) {
	t.Parallel()

	n := New(DefaultOptions())
	best := models.NodeRecord{
		Version:     "1.2.0",
		Storage:     models.StorageInfo{CapacityBytes: 1000, UsedBytes: 500},
		Performance: models.PerformanceInfo{UptimeSeconds: int64((30 * 24 * time.Hour).Seconds()), AverageLatencyMs: 0.0001},
	}
	if got := n.Score(best, "1.2.0"); got < 99.9 || got > 100 {
		t.Fatalf("best score=%.4f", got)
	}

	worst := models.NodeRecord{
		Performance: models.PerformanceInfo{UptimeSeconds: 0, AverageLatencyMs: math.MaxFloat64},
	}
	if got := n.Score(worst, "1.2.0"); got != 0 {
		t.Fatalf("worst score=%.4f", got)
	}
}

func TestScore_AlwaysInRange(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	n := New(DefaultOptions())
	versions := []string{"", "garbage", "0.1.0", "0.8.0", "1.0.0", "2.5.3-rc1"}
	for i := 0; i < 5000; i++ {
		capacity := uint64(rng.Int63n(1 << 40))
		raw := models.RawNode{
			Pubkey:            "n",
			Version:           versions[rng.Intn(len(versions))],
			LastSeenTimestamp: now.Unix() - rng.Int63n(7200),
			StorageCommitted:  capacity,
			StorageUsed:       uint64(rng.Int63n(1 << 41)),
			Uptime:            rng.Int63n(1<<32) - 1<<30,
			LatencyMs:         rng.NormFloat64() * 1e6,
		}
		rec, err := n.Normalize(raw, now)
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if rec.PerformanceScore < 0 || rec.PerformanceScore > 100 || math.IsNaN(rec.PerformanceScore) {
			t.Fatalf("score=%v for %+v", rec.PerformanceScore, raw)
		}
		if rec.Storage.UsedBytes > rec.Storage.CapacityBytes {
			t.Fatalf("used %d > capacity %d", rec.Storage.UsedBytes, rec.Storage.CapacityBytes)
		}
	}
}

func TestNormalizeAll_Deterministic(t *testing.T) {
	t.Parallel()

	raws := []models.RawNode{
		{Pubkey: "a", Version: "0.8.0", LastSeenTimestamp: now.Add(-time.Minute).Unix(), StorageCommitted: 10, StorageUsed: 4, Uptime: 3600, LatencyMs: 40},
		{Pubkey: "b", Version: "0.7.2", LastSeenTimestamp: now.Add(-10 * time.Minute).Unix(), StorageCommitted: 10, StorageUsed: 9, Uptime: 60},
		{Address: "orphan"},
	}
	n := New(DefaultOptions())
	first, discards := n.NormalizeAll(raws, now)
	second, _ := n.NormalizeAll(raws, now)

	if len(discards) != 1 || len(first) != 2 {
		t.Fatalf("records=%d discards=%d", len(first), len(discards))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("record %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
	if first[1].Status != models.StatusDelinquent {
		t.Fatalf("b status=%s", first[1].Status)
	}
}

func TestVersionRecency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		version, latest string
		want            float64
	}{
		{"0.8.0", "0.8.0", 1},
		{"v0.9.0", "0.8.0", 1},
		{"0.8.0-trynet.2025", "0.8.1", 0.9},
		{"0.6.0", "0.8.0", 0.5},
		{"0.1.0", "0.8.0", 0},
		{"0.8.0", "1.0.0", 0},
		{"", "0.8.0", 0},
		{"0.8.0", "", 1},
	}
	for _, tt := range tests {
		if got := VersionRecency(tt.version, tt.latest); math.Abs(got-tt.want) > 1e-9 {
			t.Fatalf("VersionRecency(%q, %q)=%v want %v", tt.version, tt.latest, got, tt.want)
		}
	}
}

func TestHighestVersion(t *testing.T) {
	t.Parallel()

	raws := []models.RawNode{{Version: "0.7.9"}, {Version: "junk"}, {Version: "0.8.1"}, {Version: "0.8.0"}}
	if got := HighestVersion(raws); got != "0.8.1" {
		t.Fatalf("highest=%q", got)
	}
}

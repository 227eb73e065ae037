package cache

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sbollman011/brewski-sub000/internal/config"
	"github.com/Sbollman011/brewski-sub000/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, maxRecent int) *Store {
	t.Helper()
	cfg := &config.CacheConfig{
		MaxRecent:    maxRecent,
		GroupSegment: 1,
	}
	return NewStore(cfg, zap.NewNop())
}

func msg(topic, payload string, seq uint64) models.Message {
	return models.Message{
		Topic:   topic,
		Payload: payload,
		Seq:     seq,
		TS:      time.Now(),
	}
}

func TestStore_LatestLastWriteWins(t *testing.T) {
	s := newTestStore(t, 10)

	s.OnMessage(msg("tele/RAIL/BREWHOUSE/Sensor", "20.5", 1))
	s.OnMessage(msg("tele/RAIL/BREWHOUSE/Sensor", "21.0", 2))

	v, ok := s.Latest("tele/RAIL/BREWHOUSE/Sensor")
	require.True(t, ok)
	assert.Equal(t, "21.0", v)
}

func TestStore_RingBoundedAndNewestFirst(t *testing.T) {
	s := newTestStore(t, 5)

	for i := 1; i <= 8; i++ {
		s.OnMessage(msg("tele/RAIL/BREWHOUSE/Sensor", fmt.Sprintf("v%d", i), uint64(i)))
	}

	recent := s.Recent()
	require.Len(t, recent, 5)

	// 只保留序号最大的5条，降序排列
	assert.Equal(t, uint64(8), recent[0].Seq)
	assert.Equal(t, uint64(4), recent[4].Seq)
	for i := 1; i < len(recent); i++ {
		assert.Greater(t, recent[i-1].Seq, recent[i].Seq)
	}
}

func TestStore_GroupIndex(t *testing.T) {
	s := newTestStore(t, 10)

	s.OnMessage(msg("tele/RAIL/BREWHOUSE/Sensor", "20.5", 1))
	s.OnMessage(msg("tele/RAIL/CELLAR/Sensor", "4.0", 2))
	s.OnMessage(msg("tele/DOCK/COOLER/Sensor", "1.1", 3))

	groups := s.Groups()
	require.Contains(t, groups, "RAIL")
	require.Contains(t, groups, "DOCK")
	assert.Equal(t, int64(2), groups["RAIL"].MessageCount)
	assert.Len(t, groups["RAIL"].Recent, 2)
	assert.Equal(t, "4.0", groups["RAIL"].Latest["tele/RAIL/CELLAR/Sensor"])
}

func TestStore_GroupIndexSkipsReserved(t *testing.T) {
	cfg := &config.CacheConfig{MaxRecent: 10, GroupSegment: 0}
	s := NewStore(cfg, zap.NewNop())

	s.OnMessage(msg("$SYS/broker/uptime", "42", 1))

	assert.Empty(t, s.Groups())
}

func TestStore_MergePowerPreservesExistingKeys(t *testing.T) {
	s := newTestStore(t, 10)

	s.MergePower("RAIL/BREWHOUSE", map[string]bool{"POWER1": true, "POWER2": false})
	s.MergePower("RAIL/BREWHOUSE", map[string]bool{"POWER2": true})

	state := s.PowerState("RAIL/BREWHOUSE")
	require.NotNil(t, state)
	assert.True(t, state["POWER1"])
	assert.True(t, state["POWER2"])
}

func TestStore_ApplyPublishUpdatesCacheImmediately(t *testing.T) {
	s := newTestStore(t, 10)

	s.ApplyPublish("RAIL/BREWHOUSE/Target", "65.0", true)

	v, ok := s.Latest("RAIL/BREWHOUSE/Target")
	require.True(t, ok)
	assert.Equal(t, "65.0", v)
	assert.True(t, s.Retained("RAIL/BREWHOUSE/Target"))
}

func TestStore_CurrentRetainedWorthy(t *testing.T) {
	s := newTestStore(t, 10)

	s.OnMessage(msg("tele/RAIL/BREWHOUSE/Sensor", "20.5", 1))
	s.OnMessage(msg("RAIL/BREWHOUSE/Target", "65.0", 2))
	s.OnMessage(msg("stat/RAIL/BREWHOUSE/Result", `{"POWER1":"ON"}`, 3))

	current := s.CurrentRetainedWorthy()
	assert.Len(t, current, 2)
	assert.Contains(t, current, "tele/RAIL/BREWHOUSE/Sensor")
	assert.Contains(t, current, "RAIL/BREWHOUSE/Target")
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	cfg := &config.CacheConfig{
		MaxRecent:     10,
		GroupSegment:  1,
		SnapshotPath:  path,
		SnapshotDelay: time.Millisecond,
	}

	s := NewStore(cfg, zap.NewNop())
	s.OnMessage(msg("tele/RAIL/BREWHOUSE/Sensor", "20.5", 1))
	s.Close() // 落盘

	// 新store从快照预热
	restored := NewStore(cfg, zap.NewNop())
	restored.LoadSnapshot()

	v, ok := restored.Latest("tele/RAIL/BREWHOUSE/Sensor")
	require.True(t, ok)
	assert.Equal(t, "20.5", v)
	assert.True(t, restored.Retained("tele/RAIL/BREWHOUSE/Sensor"))
}

func TestStore_SnapshotMissingIsNonFatal(t *testing.T) {
	cfg := &config.CacheConfig{
		MaxRecent:     10,
		GroupSegment:  1,
		SnapshotPath:  filepath.Join(t.TempDir(), "missing.json"),
		SnapshotDelay: time.Millisecond,
	}

	s := NewStore(cfg, zap.NewNop())
	s.LoadSnapshot()

	assert.Empty(t, s.Topics())
}

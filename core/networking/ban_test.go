package networking

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemrelay/core/storage"
)

func TestProgressiveBan(t *testing.T) {
	b := NewBanList(nil)
	now := time.Now()
	b.now = func() time.Time { return now }

	assert.Equal(t, 10*time.Minute, b.Ban("1.2.3.4"))
	assert.True(t, b.IsBanned("1.2.3.4"))
	assert.False(t, b.IsBanned("5.6.7.8"))

	now = now.Add(11 * time.Minute)
	assert.False(t, b.IsBanned("1.2.3.4"), "ban expired")

	assert.Equal(t, time.Hour, b.Ban("1.2.3.4"))
	assert.Equal(t, 24*time.Hour, b.Ban("1.2.3.4"))
	assert.Equal(t, permabanDuration, b.Ban("1.2.3.4"))
	require.Len(t, b.List(), 1)
	assert.Equal(t, 4, b.List()[0].Violations)
}

func TestBanSurvivesRestart(t *testing.T) {
	dir, err := os.MkdirTemp("", "stemrelay-ban-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	store, err := storage.NewStorage(dir)
	require.NoError(t, err)
	NewBanList(store).Ban("9.9.9.9")
	require.NoError(t, store.Close())

	store, err = storage.NewStorage(dir)
	require.NoError(t, err)
	defer store.Close()
	b := NewBanList(store)
	assert.True(t, b.IsBanned("9.9.9.9"))
	assert.Equal(t, time.Hour, b.Ban("9.9.9.9"), "count carried over")
}

func TestRateLimiterWindow(t *testing.T) {
	r := NewRateLimiter(time.Minute, 2)
	now := time.Now()
	r.now = func() time.Time { return now }

	assert.True(t, r.Allow("a"))
	assert.True(t, r.Allow("a"))
	assert.False(t, r.Allow("a"))
	assert.True(t, r.Allow("b"))

	now = now.Add(time.Minute)
	assert.True(t, r.Allow("a"), "old events slid out")
	r.Reset("a")
	assert.Equal(t, 1, r.Hit("a"))

	unlimited := NewRateLimiter(time.Minute, 0)
	for i := 0; i < 10; i++ {
		assert.True(t, unlimited.Allow("x"))
	}
}

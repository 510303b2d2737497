package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Aidin1998/crossqueue/internal/queue"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rec(island int, req uint64, minute int) Record {
	return Record{
		ID:        fmt.Sprintf("n-%d-%d-%d", island, req, minute),
		Island:    island,
		RequestID: req,
		Kind:      "order",
		Type:      "added",
		FrontEnd:  "twitch",
		UserID:    "u",
		Text:      "hello",
		At:        base.Add(time.Duration(minute) * time.Minute),
	}
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, rec(1, 10, 0)))
	require.NoError(t, s.Append(ctx, rec(1, 11, 1)))
	require.NoError(t, s.Append(ctx, rec(2, 12, 2)))
	require.NoError(t, s.Append(ctx, rec(1, 10, 3)))

	all, err := s.Recent(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "n-1-10-3", all[0].ID)
	assert.Equal(t, "n-2-12-2", all[1].ID)
	assert.True(t, all[0].At.Equal(base.Add(3*time.Minute)))

	island1, err := s.Recent(ctx, Query{Island: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, island1, 2)
	assert.Equal(t, "n-1-10-3", island1[0].ID)
	assert.Equal(t, "n-1-11-1", island1[1].ID)

	byReq, err := s.Recent(ctx, Query{RequestID: 10})
	require.NoError(t, err)
	require.Len(t, byReq, 2)
	for _, r := range byReq {
		assert.Equal(t, uint64(10), r.RequestID)
	}

	none, err := s.Recent(ctx, Query{Island: 9})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLStore(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	s, err := NewSQLStore(db, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)

	// Duplicate notices are ignored.
	require.NoError(t, s.Append(context.Background(), rec(1, 10, 0)))
	all, err := s.Recent(context.Background(), Query{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadger(t.TempDir(), time.Hour)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	_, err := Open(Config{Driver: "mysql"}, nil)
	assert.Error(t, err)
	_, err = Open(Config{Driver: "postgres"}, nil)
	assert.Error(t, err)
	_, err = Open(Config{Driver: "badger"}, nil)
	assert.Error(t, err)

	s, err := Open(Config{Driver: "sqlite", DSN: ":memory:"}, nil)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestRecorderStoresNotices(t *testing.T) {
	s, err := OpenBadger(t.TempDir(), 0)
	require.NoError(t, err)
	defer s.Close()

	r := Recorder{Store: s}
	n := queue.Notice{
		ID:        "abc",
		Island:    4,
		RequestID: 7,
		Kind:      queue.KindInjection,
		Type:      queue.NoticeCompleted,
		Origin:    queue.Origin{FrontEnd: "web", UserID: "streamer", Username: "streamer"},
		Text:      "Raymond has been injected",
		Terminal:  true,
		At:        base,
	}
	require.NoError(t, r.PublishNotice(context.Background(), n))

	got, err := s.Recent(context.Background(), Query{Island: 4})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "completed", got[0].Type)
	assert.Equal(t, "injection", got[0].Kind)
	assert.True(t, got[0].Terminal)
	assert.Equal(t, uint64(7), got[0].RequestID)
}

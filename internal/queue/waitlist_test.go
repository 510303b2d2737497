package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/crossqueue/pkg/errors"
)

func TestWaitListEvictsOldestWhenFull(t *testing.T) {
	wl, clock, rec := newTestWaitList(t, 2)

	u1, pos, err := wl.Add(user("u1"), order("0A00"))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	clock.Advance(time.Second)
	u2, pos, err := wl.Add(user("u2"), order("0B00"))
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	clock.Advance(time.Second)
	u3, pos, err := wl.Add(user("u3"), order("0C00"))
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	assert.Equal(t, []ID{u2.ID, u3.ID}, ids(wl.Snapshot()))
	p, err := wl.Position(u2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p)

	_, err = wl.Position(u1.ID)
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Equal(t, StateExpired, u1.State())
	res, done := u1.Result()
	require.True(t, done)
	assert.Equal(t, ReasonEvicted, res.Reason)

	evicted := rec.ofType(NoticeEvicted)
	require.Len(t, evicted, 1)
	assert.Equal(t, u1.ID, evicted[0].RequestID)
	assert.Contains(t, evicted[0].Text, "stale request")
}

func TestWaitListRetainsMostRecentEntries(t *testing.T) {
	const capacity = 5
	wl, clock, _ := newTestWaitList(t, capacity)

	var added []*Request
	for i := 0; i < 23; i++ {
		r, _, err := wl.Add(user(fmt.Sprintf("u%d", i)), order("0100"))
		require.NoError(t, err)
		added = append(added, r)
		clock.Advance(time.Millisecond)

		want := added
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		assert.Equal(t, ids(want), ids(wl.Snapshot()))
	}
}

func TestWaitListRejectPolicy(t *testing.T) {
	codes, err := NewHOTPCodesWithSecret(rfcSecret, 3)
	require.NoError(t, err)
	wl := NewWaitList(WaitListConfig{Capacity: 1, Overflow: OverflowReject}, NewAllocator(0), codes, newFakeClock(), nil)

	_, _, err = wl.Add(user("u1"), order("0100"))
	require.NoError(t, err)
	_, _, err = wl.Add(user("u2"), order("0100"))
	assert.True(t, errors.Is(err, errors.CapacityExceeded))
	assert.Equal(t, 1, wl.Len())
}

func TestWaitListConfirm(t *testing.T) {
	wl, _, _ := newTestWaitList(t, 10)

	r, _, err := wl.Add(user("u1"), order("0100"))
	require.NoError(t, err)
	require.NotEmpty(t, r.Code)

	t.Run("wrong code leaves the entry", func(t *testing.T) {
		_, err := wl.Confirm(user("u1"), "not-a-code")
		assert.True(t, errors.Is(err, errors.NotFound))
		assert.Equal(t, 1, wl.Len())
		assert.Equal(t, StateWaiting, r.State())
	})

	t.Run("right code from another user does not match", func(t *testing.T) {
		_, err := wl.Confirm(user("u2"), r.Code)
		assert.True(t, errors.Is(err, errors.NotFound))
		assert.Equal(t, 1, wl.Len())
	})

	t.Run("same user on another front-end does not match", func(t *testing.T) {
		other := user("u1")
		other.FrontEnd = "discord"
		_, err := wl.Confirm(other, r.Code)
		assert.True(t, errors.Is(err, errors.NotFound))
	})

	t.Run("exact match removes the entry once", func(t *testing.T) {
		private := user("u1")
		private.Channel = "whisper"
		got, err := wl.Confirm(private, r.Code)
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, 0, wl.Len())

		_, err = wl.Confirm(private, r.Code)
		assert.True(t, errors.Is(err, errors.NotFound))
	})
}

func TestWaitListConfirmUnknownCode(t *testing.T) {
	wl, _, _ := newTestWaitList(t, 10)
	_, _, err := wl.Add(user("u2"), order("0100"))
	require.NoError(t, err)

	_, err = wl.Confirm(user("u1"), "123")
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Equal(t, 1, wl.Len())
}

func TestWaitListExpiredCodeNeverMatches(t *testing.T) {
	wl, clock, rec := newTestWaitList(t, 10)
	r, _, err := wl.Add(user("u1"), order("0100"))
	require.NoError(t, err)

	clock.Advance(wl.TTL() + time.Second)
	_, err = wl.Confirm(user("u1"), r.Code)
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Equal(t, StateWaiting, r.State())

	stale := wl.Expire()
	require.Len(t, stale, 1)
	assert.Equal(t, r.ID, stale[0].ID)
	assert.Equal(t, StateExpired, r.State())
	assert.Equal(t, 0, wl.Len())
	assert.Len(t, rec.ofType(NoticeExpired), 1)
}

func TestWaitListExpireKeepsFreshEntries(t *testing.T) {
	wl, clock, _ := newTestWaitList(t, 10)
	old, _, err := wl.Add(user("old"), order("0100"))
	require.NoError(t, err)
	clock.Advance(4 * time.Minute)
	fresh, _, err := wl.Add(user("fresh"), order("0100"))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	stale := wl.Expire()
	assert.Equal(t, []ID{old.ID}, ids(stale))
	assert.Equal(t, []ID{fresh.ID}, ids(wl.Snapshot()))
}

func TestWaitListEvictAndCancel(t *testing.T) {
	wl, _, rec := newTestWaitList(t, 10)
	a, _, _ := wl.Add(user("a"), order("0100"))
	b, _, _ := wl.Add(user("b"), order("0100"))

	assert.True(t, wl.Evict(a.ID))
	assert.False(t, wl.Evict(a.ID))
	assert.Equal(t, StateExpired, a.State())

	assert.True(t, wl.Cancel(b.ID))
	assert.Equal(t, StateCancelled, b.State())
	assert.Len(t, rec.ofType(NoticeExpired), 1)
	assert.Len(t, rec.ofType(NoticeCancelled), 1)
}

func TestWaitListFindReturnsNewest(t *testing.T) {
	wl, clock, _ := newTestWaitList(t, 10)
	_, _, _ = wl.Add(user("u1"), order("0100"))
	clock.Advance(time.Second)
	second, _, _ := wl.Add(user("u1"), order("0200"))

	got, ok := wl.Find(user("u1").Identity())
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)

	_, ok = wl.Find(user("nobody").Identity())
	assert.False(t, ok)
}

func TestWaitListAddNoticeOmitsCode(t *testing.T) {
	wl, _, rec := newTestWaitList(t, 10)
	r, _, err := wl.Add(user("u1"), order("0100"))
	require.NoError(t, err)

	added := rec.ofType(NoticeAdded)
	require.Len(t, added, 1)
	assert.Contains(t, added[0].Text, "position 1")
	assert.NotContains(t, added[0].Text, r.Code)
}

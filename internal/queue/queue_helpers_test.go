package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// rfcSecret is the RFC 4226 test secret "12345678901234567890" in base32.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ NoticeType) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notice
	for _, n := range r.notices {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func user(id string) Origin {
	return Origin{FrontEnd: "twitch", UserID: id, Username: id, DisplayName: id}
}

func newTestWaitList(t *testing.T, capacity int) (*WaitList, *fakeClock, *recorder) {
	t.Helper()
	codes, err := NewHOTPCodesWithSecret(rfcSecret, 6)
	require.NoError(t, err)
	clock := newFakeClock()
	rec := &recorder{}
	wl := NewWaitList(WaitListConfig{Island: 1, Capacity: capacity, TTL: 5 * time.Minute}, NewAllocator(0), codes, clock, rec)
	return wl, clock, rec
}

func order(items ...string) OrderPayload {
	return OrderPayload{Items: items}
}

func ids(reqs []*Request) []ID {
	out := make([]ID, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/crossqueue/internal/queue"
)

func notice(frontEnd, text string) queue.Notice {
	return queue.Notice{
		ID:     text,
		Island: 3,
		Type:   queue.NoticeAdded,
		Origin: queue.Origin{FrontEnd: frontEnd, UserID: "u"},
		Text:   text,
		At:     time.Unix(1700000000, 0).UTC(),
	}
}

func receive(t *testing.T, s *Subscription) queue.Notice {
	t.Helper()
	select {
	case n := <-s.C():
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notice received")
		return queue.Notice{}
	}
}

func TestBrokerDeliversInOrderWithoutBlocking(t *testing.T) {
	b := NewBroker(zaptest.NewLogger(t))
	defer b.Close()
	sub := b.Subscribe("")

	// Nobody is reading yet; Notify must not block.
	for i := 0; i < 1000; i++ {
		b.Notify(notice("twitch", fmt.Sprint(i)))
	}
	for i := 0; i < 1000; i++ {
		assert.Equal(t, fmt.Sprint(i), receive(t, sub).Text)
	}
	assert.Equal(t, 0, sub.Pending())
}

func TestBrokerFiltersByFrontEnd(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	twitch := b.Subscribe("twitch")
	web := b.Subscribe("web")
	all := b.Subscribe("")

	b.Notify(notice("web", "w1"))
	b.Notify(notice("twitch", "t1"))

	assert.Equal(t, "t1", receive(t, twitch).Text)
	assert.Equal(t, "w1", receive(t, web).Text)
	assert.Equal(t, "w1", receive(t, all).Text)
	assert.Equal(t, "t1", receive(t, all).Text)

	select {
	case n := <-twitch.C():
		t.Fatalf("unexpected notice %q", n.Text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionClose(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe("")
	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	b.Notify(notice("twitch", "after close"))
	b.Close()
}

type fakePublisher struct {
	mu   sync.Mutex
	got  []queue.Notice
	fail bool
}

func (f *fakePublisher) PublishNotice(_ context.Context, n queue.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, n)
	if f.fail {
		return fmt.Errorf("mirror down")
	}
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestMirrorForwardsEverything(t *testing.T) {
	b := NewBroker(zaptest.NewLogger(t))
	ok := &fakePublisher{}
	down := &fakePublisher{fail: true}
	b.Mirror("ok", ok, time.Second)
	b.Mirror("down", down, time.Second)

	for i := 0; i < 5; i++ {
		b.Notify(notice(fmt.Sprint("fe", i), fmt.Sprint(i)))
	}
	assert.Eventually(t, func() bool { return ok.count() == 5 && down.count() == 5 }, 2*time.Second, 5*time.Millisecond)
	b.Close()

	b.Notify(notice("twitch", "late"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 5, ok.count())
}

func TestKafkaMessage(t *testing.T) {
	n := notice("twitch", "hello")
	msg, err := kafkaMessage(n)
	require.NoError(t, err)
	assert.Equal(t, "3", string(msg.Key))
	assert.Equal(t, n.At, msg.Time)

	var decoded queue.Notice
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, n.Text, decoded.Text)
	assert.Equal(t, n.Origin, decoded.Origin)
	assert.True(t, n.At.Equal(decoded.At))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "added", headers["notice-type"])
	assert.Equal(t, "twitch", headers["front-end"])

	_, err = NewKafkaPublisher(KafkaConfig{}, nil)
	assert.Error(t, err)
	kp, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "crossqueue.notices", kp.writer.Topic)
	assert.NoError(t, kp.Close())
}

func TestRedisStreamArgs(t *testing.T) {
	_, err := NewRedisPublisher(RedisConfig{}, nil)
	assert.Error(t, err)

	rp, err := NewRedisPublisher(RedisConfig{Addr: "127.0.0.1:1"}, nil)
	require.NoError(t, err)
	defer rp.Close()
	assert.Equal(t, "crossqueue:notices", rp.cfg.Stream)

	args := streamArgs(rp.cfg, notice("web", "x"), []byte("{}"))
	assert.Equal(t, "crossqueue:notices", args.Stream)
	assert.True(t, args.Approx)
	assert.EqualValues(t, 10000, args.MaxLen)
	assert.Equal(t, "web", args.Values.(map[string]interface{})["front_end"])

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Error(t, rp.PublishNotice(ctx, notice("web", "x")))
}

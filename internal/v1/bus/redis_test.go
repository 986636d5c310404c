package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, mr *miniredis.Miniredis) *Service {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewServiceFromClient(client)
}

func TestPublishSubscribeBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestService(t, mr)
	b := newTestService(t, mr)
	require.NotEqual(t, a.InstanceID(), b.InstanceID())

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	received := make(chan []byte, 1)
	cancel := b.Subscribe(ctx, "roomA", func(kind string, frame []byte) {
		assert.Equal(t, KindUpdate, kind)
		received <- frame
	})
	defer cancel()

	// Give the subscriber a beat to attach.
	time.Sleep(50 * time.Millisecond)

	frame := []byte{0x00, 0x02, 0x03, 0xab}
	require.NoError(t, a.Publish(ctx, "roomA", KindUpdate, frame))

	select {
	case got := <-received:
		assert.Equal(t, frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never arrived on instance b")
	}
}

func TestSubscribeSuppressesOwnEcho(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestService(t, mr)

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	received := make(chan []byte, 1)
	cancel := a.Subscribe(ctx, "roomA", func(kind string, frame []byte) {
		received <- frame
	})
	defer cancel()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Publish(ctx, "roomA", KindAwareness, []byte{0x01}))

	select {
	case <-received:
		t.Fatal("instance received its own echo")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRoomChannelsAreIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestService(t, mr)
	b := newTestService(t, mr)

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	received := make(chan []byte, 1)
	cancel := b.Subscribe(ctx, "roomB", func(kind string, frame []byte) {
		received <- frame
	})
	defer cancel()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Publish(ctx, "roomA", KindUpdate, []byte{0x01}))

	select {
	case <-received:
		t.Fatal("frame for roomA leaked into roomB subscription")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNilServiceIsSingleInstanceMode(t *testing.T) {
	var s *Service
	ctx := context.Background()

	assert.NoError(t, s.Publish(ctx, "roomA", KindUpdate, []byte{0x01}))
	cancel := s.Subscribe(ctx, "roomA", func(string, []byte) {})
	cancel()
	assert.NoError(t, s.Ping(ctx))
	assert.NoError(t, s.Close())
	assert.Equal(t, "", s.InstanceID())
}

func TestPing(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestService(t, mr)

	assert.NoError(t, s.Ping(context.Background()))
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

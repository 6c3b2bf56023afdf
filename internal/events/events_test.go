package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPublishGradedRunsHandlersAndNotifiesSubscriber(t *testing.T) {
	dispatcher := NewDispatcher(Options{}, zerolog.Nop())

	var calls atomic.Int32
	dispatcher.Handle("count", func(ctx context.Context, event SessionGraded) error {
		require.Equal(t, uint(7), event.SessionID)
		calls.Add(1)
		return nil
	})

	events, cancel := dispatcher.Subscribe(3)
	defer cancel()
	other, cancelOther := dispatcher.Subscribe(4)
	defer cancelOther()

	dispatcher.PublishGraded(context.Background(), SessionGraded{SessionID: 7, StudentID: 3, ExamID: 1, Kind: "exam", GradedAt: time.Now()})

	require.Equal(t, int32(1), calls.Load())
	select {
	case evt := <-events:
		require.Equal(t, uint(7), evt.SessionID)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
	select {
	case <-other:
		t.Fatal("event leaked to another student")
	default:
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	dispatcher := NewDispatcher(Options{}, zerolog.Nop())
	events, cancel := dispatcher.Subscribe(1)
	cancel()
	cancel()

	_, open := <-events
	require.False(t, open)
}

func TestRedisFanOutReachesOtherNode(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	publisherClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer publisherClient.Close()
	consumerClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer consumerClient.Close()

	publisher := NewDispatcher(Options{Redis: publisherClient, ChannelBase: "exam"}, zerolog.Nop())
	consumer := NewDispatcher(Options{Redis: consumerClient, ChannelBase: "exam"}, zerolog.Nop())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	consumer.Start(ctx)

	events, cancel := consumer.Subscribe(9)
	defer cancel()

	event := SessionGraded{SessionID: 11, StudentID: 9, ExamID: 2, Kind: "exam", GradedAt: time.Now().UTC()}
	require.Eventually(t, func() bool {
		publisher.PublishGraded(context.Background(), event)
		select {
		case got := <-events:
			return got.SessionID == 11
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}

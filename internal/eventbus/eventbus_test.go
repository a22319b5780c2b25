package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishAssignsDenseSequencePerTopic(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("job:1")

	for i := 0; i < 5; i++ {
		b.Publish("job:1", Event{Kind: KindProgress, Progress: i * 10})
	}

	for i := 1; i <= 5; i++ {
		e := <-sub.Events
		require.Equal(t, uint64(i), e.Sequence)
	}
}

func TestSubscriberBackpressureDropsOldestNotPublisher(t *testing.T) {
	b := New(2)
	sub := b.Subscribe("job:1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish("job:1", Event{Kind: KindProgress, Progress: i})
		}
		close(done)
	}()
	<-done // publisher never blocks even though nobody is reading

	require.Greater(t, sub.Drops(), uint64(0))
}

func TestSubscribeMultipleTopicsAndClose(t *testing.T) {
	b := New(4)
	sub := b.Subscribe("job:1", "user:u1")

	b.Publish("job:1", Event{Kind: KindStarted})
	b.Publish("user:u1", Event{Kind: KindAccepted})

	first := <-sub.Events
	second := <-sub.Events
	require.ElementsMatch(t, []string{"job:1", "user:u1"}, []string{first.Topic, second.Topic})

	sub.Close()
	b.Publish("job:1", Event{Kind: KindCompleted})
	_, ok := <-sub.Events
	require.False(t, ok, "closed subscription channel should no longer deliver")
}

func TestPublishMirrorsEveryTopicToAdminBroadcast(t *testing.T) {
	b := New(8)
	direct := b.Subscribe("job:1")
	broadcast := b.Subscribe(TopicAdminBroadcast)

	b.Publish("job:1", Event{Kind: KindStarted, JobID: "1"})

	onDirect := <-direct.Events
	require.Equal(t, "job:1", onDirect.Topic)

	onBroadcast := <-broadcast.Events
	require.Equal(t, TopicAdminBroadcast, onBroadcast.Topic)
	require.Equal(t, KindStarted, onBroadcast.Kind)
	require.Equal(t, "1", onBroadcast.JobID)

	b.Publish(TopicAdminBroadcast, Event{Kind: KindBatchUpdated, BatchID: "b1"})
	onlyOnce := <-broadcast.Events
	require.Equal(t, KindBatchUpdated, onlyOnce.Kind)
	select {
	case e := <-broadcast.Events:
		t.Fatalf("expected no second delivery, got %+v", e)
	default:
	}
}

func TestPublishMirrorsOwnedEventsToUserTopic(t *testing.T) {
	b := New(8)
	dashboard := b.Subscribe(TopicUser("u1"))

	b.Publish("job:1", Event{Kind: KindCompleted, JobID: "1", OwnerID: "u1"})

	onUserTopic := <-dashboard.Events
	require.Equal(t, TopicUser("u1"), onUserTopic.Topic)
	require.Equal(t, KindCompleted, onUserTopic.Kind)
	require.Equal(t, "1", onUserTopic.JobID)

	// an event with no owner never reaches any user topic
	other := b.Subscribe(TopicUser("u2"))
	b.Publish("job:2", Event{Kind: KindStarted, JobID: "2"})
	select {
	case e := <-other.Events:
		t.Fatalf("expected no delivery for ownerless event, got %+v", e)
	default:
	}
}

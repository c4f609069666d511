package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/goccy/go-json"
	"github.com/longbridgeapp/assert"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/consistency"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()

	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatalf("stream closed")
		}

		return m
	case <-time.After(time.Second):
		t.Fatalf("no message received")
	}

	return Message{}
}

func TestMemoryPublishSubscribe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemory("node-a")

	t.Cleanup(func() { _ = b.Close() })

	// no subscribers: publish is a no-op
	require.NoError(t, b.Publish(ctx, "events", []byte("lost")))

	s1, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "other")
	require.NoError(t, err)

	assert.Equal(t, []string{"events", "other"}, b.Topics())

	require.NoError(t, b.Publish(ctx, "events", []byte("hello")))

	for _, ch := range []<-chan Message{s1, s2} {
		m := receive(t, ch)
		assert.Equal(t, "events", m.Topic)
		assert.Equal(t, []byte("hello"), m.Data)
		assert.Equal(t, "node-a", m.Sender)
	}

	select {
	case m := <-other:
		t.Fatalf("unexpected message on other topic: %v", m)
	default:
	}

	require.NoError(t, b.Unsubscribe("events"))

	_, ok := <-s1
	assert.False(t, ok)
	assert.Equal(t, []string{"other"}, b.Topics())

	err = b.Unsubscribe("events")
	assert.True(t, errors.Is(err, sentinel.ErrUnknownTopic))
}

func TestMemoryDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemory("n", WithQueueSize(2))

	t.Cleanup(func() { _ = b.Close() })

	ch, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	for range 5 {
		require.NoError(t, b.Publish(ctx, "t", []byte("x")))
	}

	assert.Equal(t, uint64(3), b.Dropped())
	assert.Equal(t, 2, len(ch))
}

func TestMemorySubscriptionEndsWithContext(t *testing.T) {
	t.Parallel()

	b := NewMemory("n")

	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("stream not closed after cancel")
	}

	assert.Equal(t, 0, len(b.Topics()))

	require.NoError(t, b.Close())

	_, err = b.Subscribe(context.Background(), "t")
	assert.True(t, errors.Is(err, sentinel.ErrBrokerClosed))

	err = b.Publish(context.Background(), "t", nil)
	assert.True(t, errors.Is(err, sentinel.ErrBrokerClosed))
}

func TestKafkaPublish(t *testing.T) {
	t.Parallel()

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "payload" {
			return errors.New("unexpected payload " + string(val))
		}

		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	k := NewKafkaWithProducer(sp, "coretex.", "node-a")

	assert.Equal(t, "coretex.events-node-1", k.Topic("events/node 1"))

	require.NoError(t, k.Publish(context.Background(), "events", []byte("payload")))

	err := k.Publish(context.Background(), "events", []byte("payload"))
	assert.True(t, errors.Is(err, sentinel.ErrCommunication))
	assert.True(t, errors.Is(err, sarama.ErrOutOfBrokers))

	err = k.Publish(context.Background(), "events", make([]byte, KafkaMaxMessageSize+1))
	assert.True(t, errors.Is(err, sentinel.ErrProtocol))

	require.NoError(t, k.Close())
}

func TestNewKafkaRequiresServers(t *testing.T) {
	t.Parallel()

	_, err := NewKafka(KafkaConfig{})
	assert.True(t, errors.Is(err, sentinel.ErrConfiguration))
}

func TestForwardEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemory("n")

	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.Subscribe(ctx, "audit")
	require.NoError(t, err)

	events := make(chan consistency.Event, 2)
	events <- consistency.Event{Kind: consistency.WriteCommitted, Key: "k", Value: consistency.VersionedValue{Key: "k", Version: 3}}
	events <- consistency.Event{Kind: consistency.ReadRepaired, Key: "k"}
	close(events)

	sent := Forward(ctx, events, b, "audit", zerolog.Nop())
	assert.Equal(t, 2, sent)

	var got consistency.Event

	require.NoError(t, json.Unmarshal(receive(t, sub).Data, &got))
	assert.Equal(t, consistency.WriteCommitted, got.Kind)
	assert.Equal(t, uint64(3), got.Value.Version)

	require.NoError(t, json.Unmarshal(receive(t, sub).Data, &got))
	assert.Equal(t, consistency.ReadRepaired, got.Kind)
}

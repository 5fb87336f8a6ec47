package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"

	"github.com/YallaPapi/pubscrape-sub005/internal/events"
)

func newTestClient(t *testing.T) (*pubsub.Client, []option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithInsecure())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	opts := []option.ClientOption{option.WithGRPCConn(conn)}
	client, err := pubsub.NewClient(context.Background(), "project-id", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, opts
}

func TestPublishDeliversEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, _ := newTestClient(t)
	topic, err := client.CreateTopic(ctx, "outcomes")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "outcomes-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub := New(client, nil)
	ev := events.Event{Type: events.TypeCompleted, ItemID: "item-1", Target: "www.yelp.com", Status: "completed", Attempts: 1}
	id, err := pub.Publish(ctx, "outcomes", ev)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got := make(chan *pubsub.Message, 1)
	recvCtx, stop := context.WithCancel(ctx)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case got <- msg:
			default:
			}
			stop()
		})
	}()

	var msg *pubsub.Message
	select {
	case msg = <-got:
	case <-ctx.Done():
		t.Fatal("message not received")
	}
	require.Equal(t, "completed", msg.Attributes["type"])
	require.Equal(t, "www.yelp.com", msg.Attributes["target"])

	var decoded events.Event
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, "item-1", decoded.ItemID)
	require.NoError(t, pub.Close())
}

func TestPublishMissingTopic(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	pub := New(client, nil)
	_, err := pub.Publish(ctx, "absent", events.Event{})
	require.ErrorContains(t, err, "does not exist")

	_, err = pub.Publish(ctx, "", events.Event{})
	require.Error(t, err)
}

func TestOpenCreatesTopic(t *testing.T) {
	ctx := context.Background()
	client, opts := newTestClient(t)

	pub, err := Open(ctx, Config{ProjectID: "project-id", Topic: "fresh", CreateTopic: true}, nil, opts...)
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "fresh", map[string]string{"k": "v"})
	require.NoError(t, err)

	exists, err := client.Topic("fresh").Exists(ctx)
	require.NoError(t, err)
	require.True(t, exists)

	_, err = Open(ctx, Config{ProjectID: "project-id", Topic: "other"}, nil, opts...)
	require.Error(t, err)
	_, err = Open(ctx, Config{}, nil)
	require.Error(t, err)
}

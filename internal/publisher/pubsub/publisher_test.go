package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/caseharvest/internal/coordinator"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "caseharvest-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "harvest-runs")
	require.NoError(t, err)
	return srv, topic
}

func TestPublishSummary(t *testing.T) {
	t.Parallel()

	srv, topic := newTestTopic(t)
	p := New(topic, nil)
	t.Cleanup(func() { _ = p.Close() })

	summary := coordinator.Summary{
		RunID:       "run-7",
		FinishedAt:  time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Inserted:    12,
		TasksFailed: 1,
	}
	require.NoError(t, p.PublishSummary(context.Background(), summary))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, EventRunFinished, msgs[0].Attributes["event"])
	require.Equal(t, "run-7", msgs[0].Attributes["run_id"])
	require.Equal(t, "1", msgs[0].Attributes["tasks_failed"])

	var got coordinator.Summary
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, summary.RunID, got.RunID)
	require.Equal(t, summary.Inserted, got.Inserted)
}

func TestPublishSummaryPropagatesTraceContext(t *testing.T) {
	t.Parallel()

	srv, topic := newTestTopic(t)
	p := New(topic, nil).WithPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = p.Close() })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	require.NoError(t, p.PublishSummary(ctx, coordinator.Summary{RunID: "run-8"}))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "00-0102030405060708090a0b0c0d0e0f10-0102030405060708-01", msgs[0].Attributes["traceparent"])
}

func TestPublishSummaryWithoutTopic(t *testing.T) {
	t.Parallel()

	p := New(nil, nil)
	require.Error(t, p.PublishSummary(context.Background(), coordinator.Summary{}))
	require.NoError(t, p.Close())
}

func TestAttributeCarrier(t *testing.T) {
	t.Parallel()

	c := attributeCarrier{}
	c.Set("traceparent", "x")
	require.Equal(t, "x", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}

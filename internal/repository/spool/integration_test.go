//go:build integration

package spool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/catalog-audit/internal/audit"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func batchOf(n int) []audit.AuditEvent {
	out := make([]audit.AuditEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, audit.NewEvent(audit.Entry{Method: "POST", Path: "/api/units", StatusCode: 201}, time.Now().UTC()))
	}
	return out
}

func TestDeadLetterSpool_FIFOAndTrim(t *testing.T) {
	ctx := context.Background()
	s := NewDeadLetterSpool(newRedis(t), "test:audit:dead_letter", 2, zaptest.NewLogger(t))

	first, second, third := batchOf(1), batchOf(2), batchOf(3)
	require.NoError(t, s.Push(ctx, first))
	require.NoError(t, s.Push(ctx, second))
	require.NoError(t, s.Push(ctx, third))

	// maxLen=2: самый старый батч вытеснен
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.Pop(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second[0].ID, got[0].ID)

	require.NoError(t, s.Requeue(ctx, got))
	got, err = s.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, second[0].ID, got[0].ID)

	got, err = s.Pop(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeadLetterSpool_KeepsLargeIntegers(t *testing.T) {
	ctx := context.Background()
	s := NewDeadLetterSpool(newRedis(t), "test:audit:numbers", 10, zaptest.NewLogger(t))

	payload, err := audit.DecodeJSON([]byte(`{"order_id":9007199254740993}`))
	require.NoError(t, err)
	ev := audit.NewEvent(audit.Entry{Method: "POST", Path: "/api/orders", StatusCode: 201, RequestPayload: payload}, time.Now().UTC())
	require.NoError(t, s.Push(ctx, []audit.AuditEvent{ev}))

	got, err := s.Pop(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"order_id": json.Number("9007199254740993")}, got[0].RequestPayload)
}

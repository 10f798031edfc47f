//go:build integration

// Package sqlmq_test exercises the outbox transport against a real
// PostgreSQL server.  Tests require Docker and are gated behind the
// "integration" build tag.
package sqlmq_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging/sqlmq"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// ─────────────────────────────────────────────────────────────────────────────
// Test helpers
// ─────────────────────────────────────────────────────────────────────────────

// startPostgres launches a PostgreSQL 16 container and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "gateway",
			"POSTGRES_PASSWORD": "gateway",
			"POSTGRES_DB":       "outbox_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://gateway:gateway@%s:%s/outbox_test?sslmode=disable", host, port.Port())
}

func pgConfig(uri, consumer string) *brokertypes.Config {
	props := brokertypes.Properties{sqlmq.PropPollIntervalMs: 50}
	if consumer != "" {
		props[sqlmq.PropConsumer] = consumer
	}
	return &brokertypes.Config{
		BrokerID:      "sql-pg",
		BrokerType:    brokertypes.TypeSQL,
		ConnectionURI: uri,
		Enabled:       true,
		Properties:    props,
	}
}

func countOutboxRows(t *testing.T, uri, topic string) int {
	t.Helper()
	db, err := sql.Open("pgx", uri)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM dgf_messages WHERE topic = $1`, topic).Scan(&n))
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestPostgresRoundTrip(t *testing.T) {
	uri := startPostgres(t)

	p, err := sqlmq.NewPublisher(pgConfig(uri, ""), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Close()

	s, err := sqlmq.NewSubscriber(pgConfig(uri, ""), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))

	var mu sync.Mutex
	var got []*brokertypes.Envelope
	require.NoError(t, s.Subscribe("orders", func(_ context.Context, env *brokertypes.Envelope) error {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	sent := brokertypes.NewEnvelope("orders", []byte(`{"n":1}`)).WithKey("k1").WithHeader("trace", "t9")
	require.NoError(t, p.Publish(context.Background(), sent))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 15*time.Second, 50*time.Millisecond)

	mu.Lock()
	env := got[0]
	mu.Unlock()
	assert.Equal(t, "orders", env.Topic)
	assert.Equal(t, []byte(`{"n":1}`), env.Value)
	assert.Equal(t, sent.MessageID, env.MessageID)
	assert.Equal(t, "k1", env.Key)
	assert.Equal(t, "t9", env.Headers["trace"])
	assert.Equal(t, "sql-pg", env.SourceBroker)

	require.Eventually(t, func() bool {
		return countOutboxRows(t, uri, "orders") == 0
	}, 10*time.Second, 100*time.Millisecond, "delivered rows deleted from the outbox")
}

// TestPostgresCompetingConsumers shares one outbox table between two
// named consumers.  The claim column keeps them on disjoint batches,
// and every row still reaches a delivery callback before the table
// drains.
func TestPostgresCompetingConsumers(t *testing.T) {
	uri := startPostgres(t)

	p, err := sqlmq.NewPublisher(pgConfig(uri, ""), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Close()

	const total = 20
	envs := make([]*brokertypes.Envelope, 0, total)
	for i := 0; i < total; i++ {
		envs = append(envs, brokertypes.NewEnvelope("orders", []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}
	res, err := p.PublishBatch(context.Background(), envs)
	require.NoError(t, err)
	require.Equal(t, total, res.Succeeded)

	var mu sync.Mutex
	seen := make(map[string]bool)
	deliver := func(_ context.Context, env *brokertypes.Envelope) error {
		mu.Lock()
		seen[env.MessageID] = true
		mu.Unlock()
		return nil
	}

	subA, err := sqlmq.NewSubscriber(pgConfig(uri, "gw-a"), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, subA.Initialize(context.Background()))
	subB, err := sqlmq.NewSubscriber(pgConfig(uri, "gw-b"), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, subB.Initialize(context.Background()))

	require.NoError(t, subA.Subscribe("orders", deliver))
	require.NoError(t, subB.Subscribe("orders", deliver))
	require.NoError(t, subA.Start(context.Background()))
	require.NoError(t, subB.Start(context.Background()))
	defer subA.Close()
	defer subB.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	}, 20*time.Second, 50*time.Millisecond, "every published row delivered")

	require.Eventually(t, func() bool {
		return countOutboxRows(t, uri, "orders") == 0
	}, 10*time.Second, 100*time.Millisecond, "outbox drained after delivery")
}

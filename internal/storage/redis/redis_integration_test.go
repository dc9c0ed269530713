//go:build integration

package redis

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/cloudforge-commerce/internal/domain/cart"
)

var rdb *goredis.Client

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start redis: %v", err)
	}
	defer func() {
		if err := c.Terminate(context.Background()); err != nil {
			log.Printf("terminate redis: %v", err)
		}
	}()

	host, err := c.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := c.MappedPort(ctx, "6379/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	rdb, err = NewClient(ctx, fmt.Sprintf("redis://%s:%s/0", host, port.Port()))
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer rdb.Close()

	return m.Run()
}

func TestCartStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewCartStore(rdb, time.Hour)

	got, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	c := cart.New("user-rt")
	c.Add(cart.Item{ProductID: "p1", ProductName: "Mug", Quantity: 2, UnitPrice: decimal.RequireFromString("4.50")}, time.Now())
	require.NoError(t, store.Save(ctx, c))

	got, err = store.Get(ctx, "user-rt")
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].LineTotal.Equal(decimal.RequireFromString("9.00")))

	ttl, err := rdb.TTL(ctx, cartKeyPrefix+"user-rt").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	require.NoError(t, store.Delete(ctx, "user-rt"))
	got, err = store.Get(ctx, "user-rt")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLedger_StoreLookupExpires(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(rdb)

	_, found, err := l.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, l.Store(ctx, "k1", []byte(`{"id":"p1"}`), time.Minute))
	data, found, err := l.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"id":"p1"}`, string(data))

	require.NoError(t, l.Store(ctx, "k2", []byte(`{"id":"p2"}`), 100*time.Millisecond))
	require.Eventually(t, func() bool {
		_, found, err := l.Lookup(ctx, "k2")
		return err == nil && !found
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCache_Expires(t *testing.T) {
	ctx := context.Background()
	c := NewCache(rdb, "test", 100*time.Millisecond)

	require.NoError(t, c.Put(ctx, "a", []byte("1")))
	data, found, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", string(data))

	require.Eventually(t, func() bool {
		_, found, err := c.Get(ctx, "a")
		return err == nil && !found
	}, 2*time.Second, 50*time.Millisecond)
}

package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spoonbobo/onlysaid-electron-sub007/internal/log"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/service"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func receive(t *testing.T, ps *redis.PubSub) models.Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := ps.ReceiveMessage(ctx)
	require.NoError(t, err)
	var n models.Notification
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
	return n
}

func TestRedisRelayPublish(t *testing.T) {
	client := setupRedis(t)
	relay, err := NewRedisRelay(client, "", log.GetLogger())
	require.NoError(t, err)

	ctx := context.Background()
	ps := client.Subscribe(ctx, relay.Channel("e1"), relay.Channel(AllChannel))
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	n := models.Notification{Seq: 7, ExecutionID: "e1", Entity: models.TaskEntity, EntityID: "t1", Status: "running"}
	require.NoError(t, relay.Publish(ctx, n))

	assert.Equal(t, n, receive(t, ps))
	assert.Equal(t, n, receive(t, ps))
}

func TestRedisRelayRun(t *testing.T) {
	client := setupRedis(t)
	relay, err := NewRedisRelay(client, "test:", log.GetLogger())
	require.NoError(t, err)
	assert.Equal(t, "test:e1", relay.Channel("e1"))

	engine := service.NewEngine(storage.NewMemoryStore(), nil, log.GetLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ps := client.Subscribe(ctx, relay.Channel(AllChannel))
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		relay.Run(ctx, engine.Bus().Subscribe(""))
		close(done)
	}()

	exec, err := engine.CreateExecution(service.NewExecution{TaskDescription: "relay me"})
	require.NoError(t, err)
	_, err = engine.UpdateExecutionStatus(exec.ID, models.RunningExecutionStatus, nil, nil)
	require.NoError(t, err)

	first := receive(t, ps)
	second := receive(t, ps)
	assert.Equal(t, exec.ID, first.ExecutionID)
	assert.Equal(t, string(models.PendingExecutionStatus), first.Status)
	assert.Equal(t, string(models.RunningExecutionStatus), second.Status)
	assert.Less(t, first.Seq, second.Seq)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

func TestNewRedisRelayRequiresClient(t *testing.T) {
	_, err := NewRedisRelay(nil, "", log.GetLogger())
	assert.Error(t, err)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opencourier/courier/pkg/config"
	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/notify"
	"github.com/opencourier/courier/pkg/relay"
)

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig(defaultConfigPath)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "10.00", cfg.Budget.LimitAmount)
}

func TestLoadConfigExplicitPathMustExist(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9999\"\ndb_path: \"x.db\"\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "x.db", cfg.DBPath)
}

func TestOpenAppSendsThroughLogDispatcher(t *testing.T) {
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "courier.db")

	a, err := openApp(cfg, zap.NewNop(), notify.Nop{})
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	res, err := a.svc.Send(ctx, relay.SendRequest{Channel: "email", Recipient: "a@example.com", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, res.Message.Status)
	assert.True(t, res.Billing.Cost.Equal(decimal.RequireFromString("0.001")))

	_, err = a.svc.Send(ctx, relay.SendRequest{Channel: "slack", Recipient: "#general", Body: "hi"})
	var failed *relay.SendFailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Err.Error(), "Slack integration not yet configured")
}

func writeRedisConfig(t *testing.T, addr string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.yaml")
	content := fmt.Sprintf("db_path: %q\nredis:\n  enabled: true\n  addr: %q\n", filepath.Join(dir, "courier.db"), addr)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestOneShotSendPublishesToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, notify.DefaultRedisChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	err = runOneShot(writeRedisConfig(t, mr.Addr()), func(ctx context.Context, a *app) error {
		_, err := a.svc.Send(ctx, relay.SendRequest{Channel: "email", Recipient: "a@example.com", Body: "hi"})
		return err
	})
	require.NoError(t, err)

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"type":"usage"`)
	case <-time.After(2 * time.Second):
		t.Fatal("send from the CLI was not published")
	}
}

func TestOneShotRunsWithoutRedis(t *testing.T) {
	err := runOneShot(writeRedisConfig(t, "127.0.0.1:1"), func(ctx context.Context, a *app) error {
		_, err := a.svc.BudgetStatus(ctx)
		return err
	})
	require.NoError(t, err)
}

func TestServeBusFansOutToLocalAndRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()

	local := notify.NewBroker(8, time.Minute)
	bus, err := newEventBus(context.Background(), cfg, zap.NewNop(), local)
	require.NoError(t, err)
	defer bus.Close()

	require.NotNil(t, bus.fanout)
	assert.IsType(t, notify.Multi{}, bus.pub)

	bus.pub.Publish(context.Background(), notify.New(notify.TypeReset, nil))
	assert.Len(t, local.Recent(), 1)
}

func TestConfigureJSONRendersMoneyAsNumbers(t *testing.T) {
	prev := decimal.MarshalJSONWithoutQuotes
	t.Cleanup(func() { decimal.MarshalJSONWithoutQuotes = prev })

	configureJSON()
	data, err := json.Marshal(relay.Billing{Cost: decimal.RequireFromString("0.001")})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cost":0.001`)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "héllo…", truncate("héllo world", 6))
}

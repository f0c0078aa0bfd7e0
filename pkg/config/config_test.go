package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencourier/courier/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Listen)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, 3500*time.Millisecond, cfg.Lifecycle.DeliveredDelay)

	b, err := cfg.Budget.Model()
	require.NoError(t, err)
	assert.Equal(t, "10", b.LimitAmount.String())
	assert.Equal(t, models.BudgetMonthly, b.Period)
	assert.True(t, b.AlertAt75)
	assert.True(t, b.AlertAt90)
	assert.False(t, b.HardStopAt100)
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_EMAIL_KEY", "re_test_123")

	path := writeConfig(t, `
listen: ":9090"
db_path: "test.db"
dev_mode: true
budget:
  limit_amount: "25.50"
  period: weekly
  hard_stop_at_100: true
lifecycle:
  sent_delay: 200ms
email:
  api_key: ${TEST_EMAIL_KEY}
redis:
  enabled: true
  addr: "redis:6379"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, "re_test_123", cfg.Email.APIKey, "env var expanded")
	assert.Equal(t, "https://api.resend.com", cfg.Email.APIURL, "unset keys keep defaults")
	assert.Equal(t, 200*time.Millisecond, cfg.Lifecycle.SentDelay)
	assert.Equal(t, 3500*time.Millisecond, cfg.Lifecycle.DeliveredDelay)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "courier:events", cfg.Redis.Channel)

	b, err := cfg.Budget.Model()
	require.NoError(t, err)
	assert.Equal(t, "25.5", b.LimitAmount.String())
	assert.Equal(t, models.BudgetWeekly, b.Period)
	assert.True(t, b.HardStopAt100)
	assert.True(t, b.AlertAt75, "unset alert flags keep defaults")
}

func TestLoadRejectsBadBudget(t *testing.T) {
	_, err := Load(writeConfig(t, "budget:\n  limit_amount: ten\n"))
	assert.ErrorContains(t, err, "limit_amount")

	_, err = Load(writeConfig(t, "budget:\n  period: yearly\n"))
	assert.ErrorContains(t, err, "yearly")
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadRejectsDeliveredBeforeSent(t *testing.T) {
	_, err := Load(writeConfig(t, "lifecycle:\n  sent_delay: 2s\n  delivered_delay: 1s\n"))
	assert.ErrorContains(t, err, "delivered_delay")

	_, err = Load(writeConfig(t, "lifecycle:\n  sent_delay: 2s\n  delivered_delay: 2s\n"))
	assert.Error(t, err)
}

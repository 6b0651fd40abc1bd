package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		ObservePlatformRequest("shop", "success", 120*time.Millisecond)
		SetPlatformStatus("shop", 1)
		SetQueueDepth("shop", 4)
		IncCache("hit")
		IncJob("catalog-sync", "completed")
		AddSyncItems("shop", 3, 1)
		IncWebhook("shop", "accepted")
	})
}

func TestGaugesReflectLatestValue(t *testing.T) {
	SetQueueDepth("gauge-test", 7)
	SetQueueDepth("gauge-test", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(queueDepth.WithLabelValues("gauge-test")))

	SetPlatformStatus("gauge-test", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(platformStatus.WithLabelValues("gauge-test")))
}

func TestAddSyncItemsSkipsZero(t *testing.T) {
	AddSyncItems("zero-test", 0, 2)
	assert.Equal(t, 0.0, testutil.ToFloat64(syncItems.WithLabelValues("zero-test", "processed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(syncItems.WithLabelValues("zero-test", "failed")))
}

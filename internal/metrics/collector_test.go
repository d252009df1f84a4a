package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/bananaflow/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.upstreamAttemptsTotal)
	assert.NotNil(t, collector.keyCooldownsTotal)
	assert.NotNil(t, collector.generationsTotal)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollectorWith(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("GET", "/test", 200, 50*time.Millisecond, 512, 1024)
	collector.RecordHTTPRequest("GET", "/test", 503, 50*time.Millisecond, 512, 1024)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/test", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/test", "5xx")))
}

func TestCollector_RecordAttempt(t *testing.T) {
	collector := NewCollectorWith(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())

	collector.RecordAttempt("google", "main", "", 2*time.Second)
	collector.RecordAttempt("google", "main", types.KindRateLimit, time.Second)
	collector.RecordCooldown(types.KindRateLimit)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.upstreamAttemptsTotal.WithLabelValues("google", "main", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.upstreamAttemptsTotal.WithLabelValues("google", "main", "RATE_LIMIT")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.keyCooldownsTotal.WithLabelValues("RATE_LIMIT")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.upstreamAttemptDuration))
}

func TestCollector_RecordGeneration(t *testing.T) {
	collector := NewCollectorWith(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())

	collector.RecordGeneration("main", "", 4)
	collector.RecordGeneration("main", "", 1)
	collector.RecordGeneration("main", types.KindSafetyBlock, 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.generationsTotal.WithLabelValues("main", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.generationsTotal.WithLabelValues("main", "SAFETY_BLOCK")))
	assert.Equal(t, float64(5), testutil.ToFloat64(collector.quotaSpentTotal.WithLabelValues("main")))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := NewCollectorWith(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())

	collector.RecordCacheHit("key_status")
	collector.RecordCacheMiss("key_status")

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.cacheHits.WithLabelValues("key_status")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.cacheMisses.WithLabelValues("key_status")))
}

func TestCollector_RecordDatabase(t *testing.T) {
	collector := NewCollectorWith(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())

	collector.RecordDBQuery("postgres", "flush", 20*time.Millisecond)
	collector.RecordDBConnections("postgres", 10, 5)

	assert.Equal(t, 1, testutil.CollectAndCount(collector.dbQueryDuration))
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, float64(5), testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollectorWith(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("POST", "/api/v1/images/generations", 200, 100*time.Millisecond, 1024, 2048)
			collector.RecordAttempt("openai", "backup", "", 500*time.Millisecond)
			collector.RecordGeneration("backup", "", 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.generationsTotal.WithLabelValues("backup", "ok")))
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.upstreamAttemptsTotal.WithLabelValues("openai", "backup", "ok")))
}

func TestCollector_CustomRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	ns := nextTestNamespace()
	collector := NewCollectorWith(ns, registry, zap.NewNop())

	collector.RecordGeneration("main", "", 2)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names[ns+"_generations_total"])
	assert.True(t, names[ns+"_quota_spent_total"])
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(302))
	assert.Equal(t, "4xx", statusCode(429))
	assert.Equal(t, "5xx", statusCode(502))
	assert.Equal(t, "99", statusCode(99))
}

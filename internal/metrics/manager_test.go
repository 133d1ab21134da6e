package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopekv/scopekv/internal/config"
)

func TestNewManager(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable:    true,
		Namespace: "scopekv",
	}

	manager := NewManager(cfg)
	require.NotNil(t, manager)

	_, ok := manager.(*metricsManager)
	assert.True(t, ok, "enabled manager should be metricsManager")
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable: false,
	}

	manager := NewManager(cfg)
	require.NotNil(t, manager)

	// Disabled manager should be noop
	_, ok := manager.(*noopManager)
	assert.True(t, ok, "disabled manager should be noopManager")
}

func TestNewManager_DefaultNamespace(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable: true,
	}

	manager := NewManager(cfg).(*metricsManager)
	assert.Equal(t, "scopekv", manager.namespace)
}

func TestRecordStoreOperation(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable:    true,
		Namespace: "scopekv",
	}

	manager := NewManager(cfg).(*metricsManager)
	require.NotNil(t, manager)

	// Record successful operation
	manager.RecordStoreOperation("users", "put", true, 10*time.Millisecond)

	assert.Greater(t, manager.totalOps.Load(), uint64(0))
	assert.Equal(t, uint64(0), manager.totalFailures.Load())
}

func TestRecordStoreOperation_Failure(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable:    true,
		Namespace: "scopekv",
	}

	manager := NewManager(cfg).(*metricsManager)
	require.NotNil(t, manager)

	manager.RecordStoreOperation("users", "get", false, 5*time.Millisecond)

	assert.Greater(t, manager.totalFailures.Load(), uint64(0))
}

func TestObserveValueSize(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable:    true,
		Namespace: "scopekv",
	}

	manager := NewManager(cfg).(*metricsManager)
	require.NotNil(t, manager)

	// Should not panic
	manager.ObserveValueSize("users", 1024)
}

func TestRecordCorruptEntry(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable:    true,
		Namespace: "scopekv",
	}

	manager := NewManager(cfg).(*metricsManager)
	require.NotNil(t, manager)

	manager.RecordCorruptEntry("users")
}

func TestRecordRegistration(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable:    true,
		Namespace: "scopekv",
	}

	manager := NewManager(cfg).(*metricsManager)
	require.NotNil(t, manager)

	manager.RecordRegistration(RegistrationNew)
	manager.RecordRegistration(RegistrationExisting)
	manager.RecordRegistration(RegistrationCollision)
}

func TestUpdateScopeCount(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable:    true,
		Namespace: "scopekv",
	}

	manager := NewManager(cfg).(*metricsManager)
	require.NotNil(t, manager)

	manager.UpdateScopeCount(5)
}

func TestAddPrunedScopes(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable:    true,
		Namespace: "scopekv",
	}

	manager := NewManager(cfg).(*metricsManager)
	require.NotNil(t, manager)

	manager.AddPrunedScopes(3)
	manager.AddPrunedScopes(0)
}

func TestGetMetricsHandler(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable:    true,
		Namespace: "scopekv",
	}

	manager := NewManager(cfg)
	manager.RecordStoreOperation("users", "put", true, 10*time.Millisecond)

	handler := manager.GetMetricsHandler()
	require.NotNil(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scopekv_store_operations_total")
}

func TestGetMetricsSnapshot(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable:    true,
		Namespace: "scopekv",
	}

	manager := NewManager(cfg)
	manager.RecordStoreOperation("users", "put", true, 10*time.Millisecond)
	manager.UpdateScopeCount(2)

	snapshot, err := manager.GetMetricsSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	assert.Contains(t, snapshot, "namespace")
	assert.Equal(t, uint64(1), snapshot["total_operations"])
	assert.Equal(t, float64(2), snapshot["scopekv_registry_scopes"])
}

func TestNoopManager(t *testing.T) {
	cfg := config.MetricsConfig{
		Enable: false,
	}

	manager := NewManager(cfg)

	// All recording methods should be safe no-ops
	manager.RecordStoreOperation("users", "put", true, time.Millisecond)
	manager.ObserveValueSize("users", 10)
	manager.RecordCorruptEntry("users")
	manager.RecordRegistration(RegistrationNew)
	manager.UpdateScopeCount(1)
	manager.AddPrunedScopes(1)

	_, err := manager.GetMetricsSnapshot()
	assert.Error(t, err)

	handler := manager.GetMetricsHandler()
	require.NotNil(t, handler)
}

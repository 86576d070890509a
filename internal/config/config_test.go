// Copyright 2025 James Ross
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.ClusterGroups = map[string]ClusterGroupConfig{
		"adhoc": {
			MaxRunningQueries: 10,
			TrinoClusters: []ClusterConfig{
				{Name: "c1", Endpoint: "http://c1.internal:8080"},
			},
		},
	}
	cfg.RoutingFallback = "adhoc"
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("TRINO_LB_TRINOLB_EXTERNALADDRESS")
	// Only the sections without defaults are set; everything under trinoLb
	// comes from the defaults.
	raw := []byte(`
trinoClusterGroups:
  adhoc:
    maxRunningQueries: 5
    trinoClusters:
      - name: c1
        endpoint: http://c1:8080
routingFallback: adhoc
`)
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProxyAllCalls, cfg.TrinoLB.ProxyMode)
	assert.Equal(t, 8080, cfg.TrinoLB.Ports.HTTP)
	variant, err := cfg.TrinoLB.Persistence.Variant()
	require.NoError(t, err)
	assert.Equal(t, "inMemory", variant)
}

func TestLoadFileRoundTrip(t *testing.T) {
	doc := map[string]any{
		"trinoLb": map[string]any{
			"externalAddress": "https://lb.example.com:8443",
			"proxyMode":       ProxyFirstCall,
			"persistence":     map[string]any{"redis": map[string]any{"endpoint": "redis:6379"}},
		},
		"trinoClusterGroups": map[string]any{
			"etl": map[string]any{
				"maxRunningQueries": 20,
				"trinoClusters": []any{
					map[string]any{"name": "etl-a", "endpoint": "http://etl-a.internal:8080"},
				},
			},
		},
		"routers": []any{
			map[string]any{"trinoRoutingGroupHeader": map[string]any{"headerName": "X-Trino-Routing-Group"}},
		},
		"routingFallback": "etl",
	}
	raw, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "trino-lb.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://lb.example.com:8443", cfg.TrinoLB.ExternalAddress)
	assert.Equal(t, ProxyFirstCall, cfg.TrinoLB.ProxyMode)
	variant, err := cfg.TrinoLB.Persistence.Variant()
	require.NoError(t, err)
	assert.Equal(t, "redis", variant)
	assert.Equal(t, 20, cfg.ClusterGroups["etl"].MaxRunningQueries)
	require.Len(t, cfg.Routers, 1)
	kind, err := cfg.Routers[0].Kind()
	require.NoError(t, err)
	assert.Equal(t, "trinoRoutingGroupHeader", kind)

	// Emitting the same document again and re-loading it lands on a
	// semantically equal model.
	again, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path2 := filepath.Join(t.TempDir(), "again.yaml")
	require.NoError(t, os.WriteFile(path2, again, 0o600))
	cfg2, err := Load(path2)
	require.NoError(t, err)
	assert.Equal(t, cfg, cfg2)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	raw := []byte(`
trinoLb:
  externalAddress: http://lb:8080
  surpriseKey: true
trinoClusterGroups:
  adhoc:
    maxRunningQueries: 5
    trinoClusters:
      - name: c1
        endpoint: http://c1:8080
routingFallback: adhoc
`)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	_, err := Load(path)
	assert.Error(t, err, "unknown keys must be rejected")
}

func TestValidatePersistenceVariant(t *testing.T) {
	cfg := validConfig()
	cfg.TrinoLB.Persistence = PersistenceConfig{}
	assert.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.TrinoLB.Persistence = PersistenceConfig{
		InMemory: &InMemoryPersistenceConfig{},
		Redis:    &RedisPersistenceConfig{Endpoint: "redis:6379"},
	}
	assert.Error(t, Validate(cfg))
}

func TestValidateProxyMode(t *testing.T) {
	cfg := validConfig()
	cfg.TrinoLB.ProxyMode = "bogus"
	assert.Error(t, Validate(cfg))
}

func TestValidateClusterGroupsRequired(t *testing.T) {
	cfg := validConfig()
	cfg.ClusterGroups = nil
	assert.Error(t, Validate(cfg))
}

func TestValidateRoutingFallbackMustExist(t *testing.T) {
	cfg := validConfig()
	cfg.RoutingFallback = "ghost"
	assert.Error(t, Validate(cfg))
}

func TestValidateRouterVariant(t *testing.T) {
	cfg := validConfig()
	cfg.Routers = []RouterConfig{{}}
	assert.Error(t, Validate(cfg))

	cfg.Routers = []RouterConfig{{
		TrinoRoutingGroupHeader: &HeaderRouterConfig{HeaderName: DefaultHeaderName},
		ClientTags:              &ClientTagsRouterConfig{OneOf: []string{"x"}, TrinoClusterGroup: "adhoc"},
	}}
	assert.Error(t, Validate(cfg))
}

func TestValidateDrainIdleMinimum(t *testing.T) {
	cfg := validConfig()
	gc := cfg.ClusterGroups["adhoc"]
	gc.Autoscaling = &AutoscalingConfig{DrainIdleDurationBeforeShutdown: 5 * time.Second}
	cfg.ClusterGroups["adhoc"] = gc
	assert.Error(t, Validate(cfg))

	gc.Autoscaling.DrainIdleDurationBeforeShutdown = 30 * time.Second
	cfg.ClusterGroups["adhoc"] = gc
	assert.NoError(t, Validate(cfg))
}

func TestValidateAdminAuthRequiresBasicAuthFields(t *testing.T) {
	cfg := validConfig()
	cfg.TrinoLB.AdminAuthentication = &AdminAuthenticationConfig{}
	assert.Error(t, Validate(cfg))

	cfg.TrinoLB.AdminAuthentication.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "secret"}
	assert.NoError(t, Validate(cfg))
}

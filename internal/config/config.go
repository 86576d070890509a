// Copyright 2025 James Ross
// Package config loads and validates the trino-lb YAML configuration
// document described in the operator-facing schema: trinoLb, trinoClusterGroups,
// routers, routingFallback, and the optional clusterAutoscaler.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Proxy modes.
const (
	ProxyAllCalls  = "proxyAllCalls"
	ProxyFirstCall = "proxyFirstCall"
)

// Persistence variants.
type PersistenceConfig struct {
	InMemory *InMemoryPersistenceConfig `mapstructure:"inMemory"`
	Redis    *RedisPersistenceConfig    `mapstructure:"redis"`
	Postgres *PostgresPersistenceConfig `mapstructure:"postgres"`
}

type InMemoryPersistenceConfig struct{}

type RedisPersistenceConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ClusterMode bool   `mapstructure:"clusterMode"`
}

type PostgresPersistenceConfig struct {
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"maxConnections"`
}

// Variant returns which persistence backend is configured ("inMemory",
// "redis", "postgres") and an error if zero or more than one is set.
func (p PersistenceConfig) Variant() (string, error) {
	set := 0
	name := ""
	if p.InMemory != nil {
		set++
		name = "inMemory"
	}
	if p.Redis != nil {
		set++
		name = "redis"
	}
	if p.Postgres != nil {
		set++
		name = "postgres"
	}
	if set != 1 {
		return "", fmt.Errorf("trinoLb.persistence must set exactly one of inMemory|redis|postgres, got %d", set)
	}
	return name, nil
}

type TLSConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	CertPEMFile string `mapstructure:"certPemFile"`
	KeyPEMFile  string `mapstructure:"keyPemFile"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"samplingStrategy"`
	SamplingRate     float64 `mapstructure:"samplingRate"`
}

type PortsConfig struct {
	HTTP    int `mapstructure:"http"`
	HTTPS   int `mapstructure:"https"`
	Metrics int `mapstructure:"metrics"`
}

type BasicAuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type AdminAuthenticationConfig struct {
	BasicAuth *BasicAuthConfig `mapstructure:"basicAuth"`
}

type TrinoLBConfig struct {
	ExternalAddress             string                     `mapstructure:"externalAddress"`
	Persistence                 PersistenceConfig          `mapstructure:"persistence"`
	TLS                         TLSConfig                  `mapstructure:"tls"`
	RefreshQueryCounterInterval time.Duration              `mapstructure:"refreshQueryCounterInterval"`
	Tracing                     TracingConfig              `mapstructure:"tracing"`
	Ports                       PortsConfig                `mapstructure:"ports"`
	ProxyMode                   string                     `mapstructure:"proxyMode"`
	AdminAuthentication         *AdminAuthenticationConfig `mapstructure:"adminAuthentication"`
}

type CredentialsConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type ClusterConfig struct {
	Name                 string             `mapstructure:"name"`
	Endpoint             string             `mapstructure:"endpoint"`
	AlternativeHostnames []string           `mapstructure:"alternativeHostnames"`
	Credentials          *CredentialsConfig `mapstructure:"credentials"`
}

type MinClusterRule struct {
	TimeUTC  string   `mapstructure:"timeUtc"`
	Weekdays []string `mapstructure:"weekdays"`
	Min      int      `mapstructure:"min"`
}

type AutoscalingConfig struct {
	UpscaleQueuedQueriesThreshold              int              `mapstructure:"upscaleQueuedQueriesThreshold"`
	DownscaleRunningQueriesPercentageThreshold float64          `mapstructure:"downscaleRunningQueriesPercentageThreshold"`
	DrainIdleDurationBeforeShutdown            time.Duration    `mapstructure:"drainIdleDurationBeforeShutdown"`
	MinClusters                                []MinClusterRule `mapstructure:"minClusters"`
}

type ClusterGroupConfig struct {
	MaxRunningQueries int                `mapstructure:"maxRunningQueries"`
	Autoscaling       *AutoscalingConfig `mapstructure:"autoscaling"`
	TrinoClusters     []ClusterConfig    `mapstructure:"trinoClusters"`
}

type Estimate struct {
	Rows    float64 `mapstructure:"rows"`
	Bytes   float64 `mapstructure:"bytes"`
	CPU     float64 `mapstructure:"cpu"`
	Memory  float64 `mapstructure:"memory"`
	Network float64 `mapstructure:"network"`
}

type ExplainCostTarget struct {
	MaxEstimate Estimate `mapstructure:"maxEstimate"`
	Group       string   `mapstructure:"group"`
}

type ExplainCostsRouterConfig struct {
	Endpoint    string              `mapstructure:"endpoint"`
	Credentials *CredentialsConfig  `mapstructure:"credentials"`
	Targets     []ExplainCostTarget `mapstructure:"targets"`
}

type HeaderRouterConfig struct {
	HeaderName string `mapstructure:"headerName"`
}

// DefaultHeaderName is used when trinoRoutingGroupHeader.headerName is unset.
const DefaultHeaderName = "X-Trino-Routing-Group"

type ScriptRouterConfig struct {
	Script string `mapstructure:"script"`
}

type ClientTagsRouterConfig struct {
	OneOf             []string `mapstructure:"oneOf"`
	AllOf             []string `mapstructure:"allOf"`
	TrinoClusterGroup string   `mapstructure:"trinoClusterGroup"`
}

// RouterConfig is a tagged union; exactly one field must be set.
type RouterConfig struct {
	ExplainCosts            *ExplainCostsRouterConfig `mapstructure:"explainCosts"`
	TrinoRoutingGroupHeader *HeaderRouterConfig       `mapstructure:"trinoRoutingGroupHeader"`
	PythonScript            *ScriptRouterConfig       `mapstructure:"pythonScript"`
	ClientTags              *ClientTagsRouterConfig   `mapstructure:"clientTags"`
}

// Kind returns a stable name for the configured variant, or an error if zero
// or more than one variant is set.
func (r RouterConfig) Kind() (string, error) {
	set := 0
	name := ""
	if r.ExplainCosts != nil {
		set++
		name = "explainCosts"
	}
	if r.TrinoRoutingGroupHeader != nil {
		set++
		name = "trinoRoutingGroupHeader"
	}
	if r.PythonScript != nil {
		set++
		name = "pythonScript"
	}
	if r.ClientTags != nil {
		set++
		name = "clientTags"
	}
	if set != 1 {
		return "", fmt.Errorf("each router entry must set exactly one variant, got %d", set)
	}
	return name, nil
}

type StackableClusterRef struct {
	Name      string `mapstructure:"name"`
	Namespace string `mapstructure:"namespace"`
}

type StackableOrchestratorConfig struct {
	Clusters map[string]StackableClusterRef `mapstructure:"clusters"`
}

type OrchestratorImplementationConfig struct {
	Stackable *StackableOrchestratorConfig `mapstructure:"stackable"`
}

type ClusterAutoscalerConfig struct {
	ReconcileInterval time.Duration                    `mapstructure:"reconcileInterval"`
	Implementation    OrchestratorImplementationConfig `mapstructure:"implementation"`
}

// Config is the root of the trino-lb configuration document.
type Config struct {
	TrinoLB           TrinoLBConfig                 `mapstructure:"trinoLb"`
	ClusterGroups     map[string]ClusterGroupConfig `mapstructure:"trinoClusterGroups"`
	Routers           []RouterConfig                `mapstructure:"routers"`
	RoutingFallback   string                        `mapstructure:"routingFallback"`
	ClusterAutoscaler *ClusterAutoscalerConfig      `mapstructure:"clusterAutoscaler"`
}

func defaultConfig() *Config {
	return &Config{
		TrinoLB: TrinoLBConfig{
			ExternalAddress:             "http://localhost:8080",
			Persistence:                 PersistenceConfig{InMemory: &InMemoryPersistenceConfig{}},
			RefreshQueryCounterInterval: 60 * time.Second,
			Ports:                       PortsConfig{HTTP: 8080, HTTPS: 8443, Metrics: 9090},
			ProxyMode:                   ProxyAllCalls,
		},
	}
}

// Load reads configuration from a YAML file plus env overrides, rejecting
// any key the schema above does not recognize.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRINO_LB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("trinoLb.externalAddress", def.TrinoLB.ExternalAddress)
	v.SetDefault("trinoLb.refreshQueryCounterInterval", def.TrinoLB.RefreshQueryCounterInterval)
	v.SetDefault("trinoLb.ports.http", def.TrinoLB.Ports.HTTP)
	v.SetDefault("trinoLb.ports.https", def.TrinoLB.Ports.HTTPS)
	v.SetDefault("trinoLb.ports.metrics", def.TrinoLB.Ports.Metrics)
	v.SetDefault("trinoLb.proxyMode", def.TrinoLB.ProxyMode)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.TrinoLB.Persistence == (PersistenceConfig{}) {
		cfg.TrinoLB.Persistence = def.TrinoLB.Persistence
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants of the config document, including
// that routingFallback names a configured group. Cross-group invariants (no
// cluster name/host shared across groups, router targets exist) are
// enforced by internal/clusterregistry and internal/routing at construction
// time, not here.
func Validate(cfg *Config) error {
	if _, err := cfg.TrinoLB.Persistence.Variant(); err != nil {
		return err
	}
	if cfg.TrinoLB.ProxyMode != ProxyAllCalls && cfg.TrinoLB.ProxyMode != ProxyFirstCall {
		return fmt.Errorf("trinoLb.proxyMode must be %q or %q, got %q", ProxyAllCalls, ProxyFirstCall, cfg.TrinoLB.ProxyMode)
	}
	if cfg.TrinoLB.RefreshQueryCounterInterval <= 0 {
		return fmt.Errorf("trinoLb.refreshQueryCounterInterval must be > 0")
	}
	if len(cfg.ClusterGroups) == 0 {
		return fmt.Errorf("trinoClusterGroups must be non-empty")
	}
	for group, gc := range cfg.ClusterGroups {
		if gc.MaxRunningQueries <= 0 {
			return fmt.Errorf("trinoClusterGroups.%s.maxRunningQueries must be > 0", group)
		}
		if len(gc.TrinoClusters) == 0 {
			return fmt.Errorf("trinoClusterGroups.%s.trinoClusters must be non-empty", group)
		}
		for _, c := range gc.TrinoClusters {
			if c.Name == "" || c.Endpoint == "" {
				return fmt.Errorf("trinoClusterGroups.%s: cluster entries require name and endpoint", group)
			}
		}
		if a := gc.Autoscaling; a != nil {
			if a.DrainIdleDurationBeforeShutdown < 10*time.Second {
				return fmt.Errorf("trinoClusterGroups.%s.autoscaling.drainIdleDurationBeforeShutdown must be >= 10s", group)
			}
			for _, r := range a.MinClusters {
				if !strings.Contains(r.TimeUTC, "-") {
					return fmt.Errorf("trinoClusterGroups.%s.autoscaling.minClusters: timeUtc %q must be of the form \"HH:MM:SS - HH:MM:SS\"", group, r.TimeUTC)
				}
			}
		}
	}
	for i, r := range cfg.Routers {
		if _, err := r.Kind(); err != nil {
			return fmt.Errorf("routers[%d]: %w", i, err)
		}
	}
	if cfg.RoutingFallback == "" {
		return fmt.Errorf("routingFallback must be set")
	}
	if _, ok := cfg.ClusterGroups[cfg.RoutingFallback]; !ok {
		return fmt.Errorf("routingFallback %q is not a configured cluster group", cfg.RoutingFallback)
	}
	if cfg.TrinoLB.AdminAuthentication != nil {
		ba := cfg.TrinoLB.AdminAuthentication.BasicAuth
		if ba == nil || ba.Username == "" || ba.Password == "" {
			return fmt.Errorf("trinoLb.adminAuthentication.basicAuth requires username and password")
		}
	}
	return nil
}

// Copyright 2025 James Ross
package routing

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/trinolb/trino-lb/internal/config"
)

// Build translates the configured router chain into concrete Router
// implementations and assembles a validated Pipeline.
func Build(cfg *config.Config, knownGroups map[string]bool, log *zap.Logger) (*Pipeline, error) {
	routers := make([]Router, 0, len(cfg.Routers))
	for i, rc := range cfg.Routers {
		kind, err := rc.Kind()
		if err != nil {
			return nil, fmt.Errorf("routers[%d]: %w", i, err)
		}
		switch kind {
		case "trinoRoutingGroupHeader":
			routers = append(routers, NewHeaderRouter(rc.TrinoRoutingGroupHeader.HeaderName, knownGroups))
		case "clientTags":
			ct := rc.ClientTags
			routers = append(routers, NewClientTagsRouter(ct.OneOf, ct.AllOf, ct.TrinoClusterGroup))
		case "pythonScript":
			routers = append(routers, NewScriptRouter(rc.PythonScript.Script, knownGroups))
		case "explainCosts":
			ec := rc.ExplainCosts
			targets := make([]CostTarget, 0, len(ec.Targets))
			for _, t := range ec.Targets {
				targets = append(targets, CostTarget{
					MaxEstimate: Estimate{
						Rows:    t.MaxEstimate.Rows,
						Bytes:   t.MaxEstimate.Bytes,
						CPU:     t.MaxEstimate.CPU,
						Memory:  t.MaxEstimate.Memory,
						Network: t.MaxEstimate.Network,
					},
					Group: t.Group,
				})
			}
			var username, password string
			if ec.Credentials != nil {
				username, password = ec.Credentials.Username, ec.Credentials.Password
			}
			routers = append(routers, NewExplainCostRouter(ec.Endpoint, username, password, targets, 0, log))
		default:
			return nil, fmt.Errorf("routers[%d]: unsupported router kind %q", i, kind)
		}
	}
	return New(routers, cfg.RoutingFallback, knownGroups, log)
}

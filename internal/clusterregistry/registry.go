// Copyright 2025 James Ross
// Package clusterregistry holds the static, process-wide map of configured
// cluster-groups to clusters, built once at startup and read-only
// thereafter.
package clusterregistry

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/trinolb/trino-lb/internal/config"
)

// Cluster is one backend cluster as resolved from configuration.
type Cluster struct {
	Name                 string
	Endpoint             string
	AlternativeHostnames []string
	MaxConcurrent        int64
	Credentials          *config.CredentialsConfig
	Group                string
}

// Registry is the in-memory map of cluster-groups to clusters. Immutable
// after New returns successfully.
type Registry struct {
	groupOrder  []string
	groups      map[string][]Cluster
	byHost      map[string]string // host -> cluster name
	clusterHost map[string]string // cluster name -> host, for cluster_by_host's inverse lookups
}

// New builds a Registry from the cluster-groups section of the config,
// rejecting configurations where a cluster name appears more than once or
// a host is shared by two clusters, whether in the same group or not.
func New(groups map[string]config.ClusterGroupConfig) (*Registry, error) {
	r := &Registry{
		groups:      make(map[string][]Cluster),
		byHost:      make(map[string]string),
		clusterHost: make(map[string]string),
	}
	seenNames := make(map[string]string) // cluster name -> group it was first seen in
	for group, gc := range groups {
		r.groupOrder = append(r.groupOrder, group)
		for _, cc := range gc.TrinoClusters {
			if prevGroup, ok := seenNames[cc.Name]; ok {
				return nil, fmt.Errorf("cluster %q appears in both group %q and group %q", cc.Name, prevGroup, group)
			}
			seenNames[cc.Name] = group

			hosts, err := hostsOf(cc.Endpoint, cc.AlternativeHostnames)
			if err != nil {
				return nil, fmt.Errorf("cluster %q: %w", cc.Name, err)
			}
			for _, h := range hosts {
				if other, ok := r.byHost[h]; ok {
					return nil, fmt.Errorf("host %q is shared by clusters %q and %q", h, other, cc.Name)
				}
				r.byHost[h] = cc.Name
			}
			r.clusterHost[cc.Name] = hosts[0]

			r.groups[group] = append(r.groups[group], Cluster{
				Name:                 cc.Name,
				Endpoint:             cc.Endpoint,
				AlternativeHostnames: cc.AlternativeHostnames,
				MaxConcurrent:        int64(gc.MaxRunningQueries),
				Credentials:          cc.Credentials,
				Group:                group,
			})
		}
	}
	return r, nil
}

func hostsOf(endpoint string, alternatives []string) ([]string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	hosts := []string{strings.ToLower(u.Hostname())}
	for _, a := range alternatives {
		hosts = append(hosts, strings.ToLower(a))
	}
	return hosts, nil
}

// Groups returns every configured cluster-group name.
func (r *Registry) Groups() []string {
	out := make([]string, len(r.groupOrder))
	copy(out, r.groupOrder)
	return out
}

// HasGroup reports whether name is a configured cluster-group.
func (r *Registry) HasGroup(name string) bool {
	_, ok := r.groups[name]
	return ok
}

// ClustersOf returns the clusters configured for group, in configuration
// order.
func (r *Registry) ClustersOf(group string) []Cluster {
	return r.groups[group]
}

// ClusterByHost attributes a backend host (as reported on a push event) back
// to the cluster it belongs to.
func (r *Registry) ClusterByHost(host string) (string, bool) {
	name, ok := r.byHost[strings.ToLower(host)]
	return name, ok
}

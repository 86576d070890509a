// Copyright 2025 James Ross
// Package stackable implements the autoscaler.Orchestrator contract against
// a Stackable Data Platform TrinoCluster custom resource, scaling a cluster
// by flipping its worker role-group replica count between zero and the
// configured size. Activation also sets the coordinator role group to the
// configured size; deactivation leaves the coordinators untouched.
package stackable

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/trinolb/trino-lb/internal/config"
)

var trinoClusterGVK = schema.GroupVersionKind{
	Group:   "trino.stackable.tech",
	Version: "v1alpha1",
	Kind:    "TrinoCluster",
}

// Orchestrator talks to the Kubernetes API server to scale Stackable
// TrinoCluster resources up and down. It implements autoscaler.Orchestrator.
type Orchestrator struct {
	client  client.Client
	refs    map[string]config.StackableClusterRef
	workers int64
}

// New builds an Orchestrator from in-cluster (or kubeconfig-resolved) REST
// config and the per-cluster name/namespace mapping from configuration.
// workerReplicas is the role-group replica count a cluster is scaled to
// when activated.
func New(restCfg *rest.Config, cfg config.StackableOrchestratorConfig, workerReplicas int64) (*Orchestrator, error) {
	c, err := client.New(restCfg, client.Options{})
	if err != nil {
		return nil, fmt.Errorf("stackable: building client: %w", err)
	}
	if workerReplicas <= 0 {
		workerReplicas = 1
	}
	return &Orchestrator{client: c, refs: cfg.Clusters, workers: workerReplicas}, nil
}

func (o *Orchestrator) ref(cluster string) (config.StackableClusterRef, error) {
	ref, ok := o.refs[cluster]
	if !ok {
		return config.StackableClusterRef{}, fmt.Errorf("stackable: no cluster ref configured for %q", cluster)
	}
	return ref, nil
}

func (o *Orchestrator) get(ctx context.Context, ref config.StackableClusterRef) (*unstructured.Unstructured, error) {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(trinoClusterGVK)
	key := types.NamespacedName{Name: ref.Name, Namespace: ref.Namespace}
	if err := o.client.Get(ctx, key, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (o *Orchestrator) setReplicas(ctx context.Context, cluster string, n int64) error {
	ref, err := o.ref(cluster)
	if err != nil {
		return err
	}
	obj, err := o.get(ctx, ref)
	if err != nil {
		return fmt.Errorf("stackable: get %s/%s: %w", ref.Namespace, ref.Name, err)
	}
	for _, role := range []string{"coordinators", "workers"} {
		path := []string{"spec", role, "roleGroups", "default", "replicas"}
		if n == 0 && role == "coordinators" {
			// Coordinators keep their current replica count so the
			// cluster keeps a discovery endpoint while workers scale to
			// zero; only workers fully drain to nothing.
			continue
		}
		if err := unstructured.SetNestedField(obj.Object, n, path...); err != nil {
			return fmt.Errorf("stackable: set %v: %w", path, err)
		}
	}
	return o.client.Update(ctx, obj)
}

// Activate scales the cluster's worker role group up to the configured
// replica count. Idempotent: re-activating an already-running cluster is a
// harmless no-op update.
func (o *Orchestrator) Activate(ctx context.Context, cluster string) error {
	return o.setReplicas(ctx, cluster, o.workers)
}

// Deactivate scales the cluster's worker role group to zero.
func (o *Orchestrator) Deactivate(ctx context.Context, cluster string) error {
	return o.setReplicas(ctx, cluster, 0)
}

// IsActivated reports whether the worker role group is currently configured
// with a non-zero replica count.
func (o *Orchestrator) IsActivated(ctx context.Context, cluster string) (bool, error) {
	ref, err := o.ref(cluster)
	if err != nil {
		return false, err
	}
	obj, err := o.get(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("stackable: get %s/%s: %w", ref.Namespace, ref.Name, err)
	}
	n, ok, err := unstructured.NestedInt64(obj.Object, "spec", "workers", "roleGroups", "default", "replicas")
	if err != nil {
		return false, err
	}
	return ok && n > 0, nil
}

// IsReady reports whether the TrinoCluster's Available condition is True.
func (o *Orchestrator) IsReady(ctx context.Context, cluster string) (bool, error) {
	ref, err := o.ref(cluster)
	if err != nil {
		return false, err
	}
	obj, err := o.get(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("stackable: get %s/%s: %w", ref.Namespace, ref.Name, err)
	}
	conditions, ok, err := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if err != nil || !ok {
		return false, err
	}
	for _, c := range conditions {
		cond, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if cond["type"] == "Available" {
			return cond["status"] == "True", nil
		}
	}
	return false, nil
}

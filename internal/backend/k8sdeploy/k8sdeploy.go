// Package k8sdeploy reports the status of apps/v1 Deployments backing the
// serving kind.
package k8sdeploy

import (
	"context"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/backend"
	"github.com/seantiz/runsync/internal/backend/kube"
)

// Fetcher reads Deployment status through the Kubernetes API.
type Fetcher struct {
	client    kubernetes.Interface
	namespace string
}

// New returns a Fetcher. Refs without a namespace resolve in namespace.
func New(client kubernetes.Interface, namespace string) *Fetcher {
	return &Fetcher{client: client, namespace: namespace}
}

// Capabilities implements backend.StatusFetcher.
func (f *Fetcher) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        "kubernetes-deployment",
		Kinds:       []string{"serving"},
		Description: "apps/v1 Deployment rollout status",
	}
}

// FetchStatus implements backend.StatusFetcher.
func (f *Fetcher) FetchStatus(ctx context.Context, ref string, timeout time.Duration) (*attrs.Map, error) {
	ns, name := kube.SplitRef(ref, f.namespace)
	return backend.Fetch(ctx, "serving", ref, timeout, func(ctx context.Context) (*attrs.Map, error) {
		d, err := f.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return backend.NotFound(name, ns), nil
		}
		if err != nil {
			return nil, err
		}
		return Payload(d), nil
	})
}

// Payload flattens a Deployment's status into an attribute map.
func Payload(d *appsv1.Deployment) *attrs.Map {
	var desired int64 = 1
	if d.Spec.Replicas != nil {
		desired = int64(*d.Spec.Replicas)
	}
	m := attrs.New()
	m.Set("name", d.Name)
	m.Set("namespace", d.Namespace)
	m.Set("found", true)
	m.Set("replicas", desired)
	m.Set("ready_replicas", int64(d.Status.ReadyReplicas))
	m.Set("available_replicas", int64(d.Status.AvailableReplicas))
	m.Set("updated_replicas", int64(d.Status.UpdatedReplicas))
	m.Set("generation", d.Generation)
	m.Set("observed_generation", d.Status.ObservedGeneration)

	conds := make([]any, 0, len(d.Status.Conditions))
	for _, c := range d.Status.Conditions {
		cm := attrs.New()
		cm.Set("type", string(c.Type))
		cm.Set("status", string(c.Status))
		cm.Set("reason", c.Reason)
		cm.Set("message", c.Message)
		conds = append(conds, cm)
	}
	m.Set("conditions", conds)
	return m
}

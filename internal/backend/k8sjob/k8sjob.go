// Package k8sjob reports the status of batch/v1 Jobs backing the job kind.
package k8sjob

import (
	"context"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/backend"
	"github.com/seantiz/runsync/internal/backend/kube"
)

// Fetcher reads Job status through the Kubernetes API.
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
		Name:        "kubernetes-job",
		Kinds:       []string{"job"},
		Description: "batch/v1 Job status",
	}
}

// FetchStatus implements backend.StatusFetcher.
func (f *Fetcher) FetchStatus(ctx context.Context, ref string, timeout time.Duration) (*attrs.Map, error) {
	ns, name := kube.SplitRef(ref, f.namespace)
	return backend.Fetch(ctx, "job", ref, timeout, func(ctx context.Context) (*attrs.Map, error) {
		job, err := f.client.BatchV1().Jobs(ns).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return backend.NotFound(name, ns), nil
		}
		if err != nil {
			return nil, err
		}
		return Payload(job), nil
	})
}

// Payload flattens a Job's status into an attribute map.
func Payload(job *batchv1.Job) *attrs.Map {
	m := attrs.New()
	m.Set("name", job.Name)
	m.Set("namespace", job.Namespace)
	m.Set("found", true)
	m.Set("active", int64(job.Status.Active))
	m.Set("succeeded", int64(job.Status.Succeeded))
	m.Set("failed", int64(job.Status.Failed))

	conds := make([]any, 0, len(job.Status.Conditions))
	for _, c := range job.Status.Conditions {
		cm := attrs.New()
		cm.Set("type", string(c.Type))
		cm.Set("status", string(c.Status))
		cm.Set("reason", c.Reason)
		cm.Set("message", c.Message)
		conds = append(conds, cm)
	}
	m.Set("conditions", conds)

	if job.Status.StartTime != nil {
		m.Set("start_time", job.Status.StartTime.UTC().Format(time.RFC3339))
	}
	if job.Status.CompletionTime != nil {
		m.Set("completion_time", job.Status.CompletionTime.UTC().Format(time.RFC3339))
	}
	return m
}

// Condition reports whether the payload carries condition typ with status True,
// returning its message.
func Condition(conds []any, typ batchv1.JobConditionType) (bool, string) {
	for _, c := range conds {
		cm, ok := c.(*attrs.Map)
		if !ok {
			continue
		}
		t, _ := cm.String("type")
		s, _ := cm.String("status")
		if t == string(typ) && s == string(corev1.ConditionTrue) {
			msg, _ := cm.String("message")
			return true, msg
		}
	}
	return false, ""
}

// testserver starts a runsync API server with simulated backends for E2E
// testing. Every external resource runs for RUNSYNC_TEST_RUN_DURATION
// (default 1s) after it is first observed and then succeeds; resources whose
// name contains "fail" fail instead.
//
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/seantiz/runsync/internal/api"
	"github.com/seantiz/runsync/internal/backend"
	"github.com/seantiz/runsync/internal/backend/k8sdeploy"
	"github.com/seantiz/runsync/internal/backend/k8sjob"
	"github.com/seantiz/runsync/internal/backend/nuclio"
	"github.com/seantiz/runsync/internal/config"
	"github.com/seantiz/runsync/internal/engine"
	"github.com/seantiz/runsync/internal/kind"
	"github.com/seantiz/runsync/internal/kinds"
	"github.com/seantiz/runsync/internal/kinds/job"
	nucliokind "github.com/seantiz/runsync/internal/kinds/nuclio"
	"github.com/seantiz/runsync/internal/kinds/serving"
	"github.com/seantiz/runsync/internal/store"
)

// simulator decides the phase of a simulated resource from how long ago it
// was first observed.
type simulator struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	duration time.Duration
}

func (s *simulator) observe(key string) (elapsed time.Duration, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first, ok := s.seen[key]
	if !ok {
		first = time.Now()
		s.seen[key] = first
	}
	return time.Since(first), strings.Contains(key, "fail")
}

func (s *simulator) job(ns, name string) *batchv1.Job {
	j := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns}}
	elapsed, failing := s.observe("job/" + ns + "/" + name)
	switch {
	case elapsed < s.duration:
		j.Status.Active = 1
	case failing:
		j.Status.Failed = 1
		j.Status.Conditions = []batchv1.JobCondition{{
			Type: batchv1.JobFailed, Status: corev1.ConditionTrue,
			Reason: "BackoffLimitExceeded", Message: "Job has reached the specified backoff limit",
		}}
	default:
		j.Status.Succeeded = 1
		j.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}}
	}
	return j
}

func (s *simulator) deployment(ns, name string) *appsv1.Deployment {
	d := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns}}
	elapsed, failing := s.observe("deploy/" + ns + "/" + name)
	var desired int32 = 1
	d.Spec.Replicas = &desired
	switch {
	case elapsed < s.duration:
		d.Status.Replicas, d.Status.ReadyReplicas, d.Status.AvailableReplicas = 1, 1, 1
	case failing:
		d.Status.Replicas = 1
		d.Status.Conditions = []appsv1.DeploymentCondition{{
			Type: appsv1.DeploymentProgressing, Status: corev1.ConditionFalse,
			Reason: "ProgressDeadlineExceeded", Message: "deployment exceeded its progress deadline",
		}}
	default:
		desired = 0
	}
	return d
}

func (s *simulator) function(name string) map[string]any {
	elapsed, failing := s.observe("nuclio/" + name)
	state := "ready"
	switch {
	case elapsed < s.duration:
	case failing:
		state = "error"
	default:
		state = "scaledToZero"
	}
	return map[string]any{
		"metadata": map[string]any{"name": name},
		"status":   map[string]any{"state": state},
	}
}

func (s *simulator) clientset() *fake.Clientset {
	cs := fake.NewSimpleClientset()
	cs.PrependReactor("get", "jobs", func(a k8stesting.Action) (bool, runtime.Object, error) {
		get := a.(k8stesting.GetAction)
		return true, s.job(get.GetNamespace(), get.GetName()), nil
	})
	cs.PrependReactor("get", "deployments", func(a k8stesting.Action) (bool, runtime.Object, error) {
		get := a.(k8stesting.GetAction)
		return true, s.deployment(get.GetNamespace(), get.GetName()), nil
	})
	return cs
}

func (s *simulator) nuclioHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, ok := strings.CutPrefix(r.URL.Path, "/api/functions/")
		if !ok || name == "" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.function(name))
	})
}

func main() {
	addr := ":8080"
	if v := os.Getenv("RUNSYNC_LISTEN_ADDR"); v != "" {
		addr = v
	}
	sim := &simulator{seen: map[string]time.Time{}, duration: time.Second}
	if v := os.Getenv("RUNSYNC_TEST_RUN_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("RUNSYNC_TEST_RUN_DURATION: %v", err)
		}
		sim.duration = d
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	nuclioSrv := httptest.NewServer(sim.nuclioHandler())
	defer nuclioSrv.Close()

	cs := sim.clientset()
	backends := backend.NewRegistry()
	backends.Register(job.Kind, k8sjob.New(cs, "default"))
	backends.Register(serving.Kind, k8sdeploy.New(cs, "default"))
	backends.Register(nucliokind.Kind, nuclio.New(nuclioSrv.URL, 100))

	kindReg := kind.NewRegistry()
	if err := kinds.RegisterDefaults(kindReg); err != nil {
		log.Fatalf("register kinds: %v", err)
	}

	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(os.Getenv("RUNSYNC_LOG_LEVEL")))
	eng, err := engine.NewEngine(engine.Config{
		StatusTimeout: 2 * time.Second,
		PollInterval:  100 * time.Millisecond,
	}, kindReg, db, backends, logger)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}
	if err := eng.InstallPollers(nil); err != nil {
		log.Fatalf("install pollers: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	srv := api.NewServer(addr, eng, logger)

	logger.Info("testserver: starting", "addr", addr, "run_duration", sim.duration)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		logger.Error("engine stop", "error", err)
	}
}

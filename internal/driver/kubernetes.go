package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/flexinfer/conductor/pkg/types"
)

// jobPollInterval is how often the driver checks job and pod state.
const jobPollInterval = 2 * time.Second

// KubernetesConfig holds configuration for the Kubernetes driver.
type KubernetesConfig struct {
	// InCluster selects in-cluster config over kubeconfig.
	InCluster bool

	// Kubeconfig path (used when not in-cluster; "" = ~/.kube/config).
	Kubeconfig string

	// Namespace for node jobs.
	Namespace string

	// DefaultImage is used when the node does not name one via AGENT_IMAGE.
	DefaultImage string
}

// KubernetesDriver executes nodes as Kubernetes Jobs, one job per attempt.
// Pod logs are ingested through the same NDJSON pipeline as local
// subprocesses, so agents behave identically under both drivers.
type KubernetesDriver struct {
	clientset    *kubernetes.Clientset
	emitter      EventEmitter
	namespace    string
	defaultImage string
}

// NewKubernetesDriver creates a Kubernetes driver.
func NewKubernetesDriver(emitter EventEmitter, cfg *KubernetesConfig) (*KubernetesDriver, error) {
	if cfg == nil {
		cfg = &KubernetesConfig{}
	}

	var restConfig *rest.Config
	var err error
	if cfg.InCluster {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
	} else {
		kubeconfig := cfg.Kubeconfig
		if kubeconfig == "" {
			if home, _ := os.UserHomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "conductor"
	}
	image := cfg.DefaultImage
	if image == "" {
		image = "python:3.12-slim"
	}

	return &KubernetesDriver{
		clientset:    clientset,
		emitter:      emitter,
		namespace:    namespace,
		defaultImage: image,
	}, nil
}

func (d *KubernetesDriver) Name() string { return "kubernetes" }

// RunNode creates a Job for the node attempt and blocks until the pod
// finishes. Cancellation deletes the job; the pod's exit code becomes the
// attempt's exit code.
func (d *KubernetesDriver) RunNode(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeoutSec float64) (int, error) {
	emitCtx := context.WithoutCancel(ctx)

	if len(cmd) == 0 {
		d.emitter.EmitLog(emitCtx, runID, nodeID, types.LevelError, "node has no command to execute")
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, ExitSpawnFailure, "start_failed")
		return ExitSpawnFailure, fmt.Errorf("empty command for node %s", nodeID)
	}

	job := d.buildJob(runID, nodeID, cmd, env, timeoutSec)

	created, err := d.clientset.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		d.emitter.EmitLog(emitCtx, runID, nodeID, types.LevelError,
			fmt.Sprintf("failed to create job: %v", err))
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, ExitSpawnFailure, "start_failed")
		return ExitSpawnFailure, fmt.Errorf("create job: %w", err)
	}
	jobName := created.Name

	defer func() {
		propagation := metav1.DeletePropagationBackground
		if err := d.clientset.BatchV1().Jobs(d.namespace).Delete(context.WithoutCancel(ctx), jobName, metav1.DeleteOptions{
			PropagationPolicy: &propagation,
		}); err != nil {
			slog.Warn("delete job", slog.String("job", jobName), slog.Any("error", err))
		}
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeoutSec > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSec*float64(time.Second)))
		defer cancel()
	}

	podName, err := d.awaitPod(runCtx, jobName)
	if err == nil {
		// running strictly precedes any output event for this attempt.
		emitNodeRunning(emitCtx, d.emitter, runID, nodeID)
		d.streamLogs(runCtx, emitCtx, runID, nodeID, podName)
	}

	exitCode, waitErr := d.awaitCompletion(runCtx, jobName, podName)

	if timeoutSec > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		d.emitter.EmitLog(emitCtx, runID, nodeID, types.LevelError,
			fmt.Sprintf("node timed out after %gs", timeoutSec))
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, ExitTimeout, "timeout")
		return ExitTimeout, nil
	}
	if ctx.Err() != nil {
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, ExitCancelled, "cancelled")
		return ExitCancelled, ctx.Err()
	}
	if waitErr != nil {
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, ExitSpawnFailure, "wait_failed")
		return ExitSpawnFailure, waitErr
	}

	if exitCode == 0 {
		emitNodeSucceeded(emitCtx, d.emitter, runID, nodeID)
	} else {
		emitNodeFailed(emitCtx, d.emitter, runID, nodeID, exitCode, "")
	}
	return exitCode, nil
}

// buildJob assembles the Job manifest for one node attempt.
func (d *KubernetesDriver) buildJob(runID, nodeID string, cmd []string, env map[string]string, timeoutSec float64) *batchv1.Job {
	image := d.defaultImage
	if img, ok := env["AGENT_IMAGE"]; ok && img != "" {
		image = img
	}

	envVars := make([]corev1.EnvVar, 0, len(env)+2)
	for k, v := range env {
		if k == "AGENT_IMAGE" {
			continue
		}
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}
	envVars = append(envVars,
		corev1.EnvVar{Name: "RUN_ID", Value: runID},
		corev1.EnvVar{Name: "NODE_ID", Value: nodeID},
	)

	backoffLimit := int32(0)
	ttl := int32(600)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: fmt.Sprintf("node-%s-", sanitizeLabel(nodeID)),
			Namespace:    d.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "conductor",
				"conductor/run-id":             runID,
				"conductor/node-id":            sanitizeLabel(nodeID),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"conductor/run-id":  runID,
						"conductor/node-id": sanitizeLabel(nodeID),
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "agent",
							Image:   image,
							Command: cmd,
							Env:     envVars,
						},
					},
				},
			},
		},
	}

	if timeoutSec > 0 {
		deadline := int64(timeoutSec)
		if deadline < 1 {
			deadline = 1
		}
		job.Spec.ActiveDeadlineSeconds = &deadline
	}

	return job
}

// awaitPod waits for the job's pod to exist and leave Pending.
func (d *KubernetesDriver) awaitPod(ctx context.Context, jobName string) (string, error) {
	selector := "job-name=" + jobName
	for {
		pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: selector,
		})
		if err == nil && len(pods.Items) > 0 {
			pod := pods.Items[0]
			if pod.Status.Phase != corev1.PodPending {
				return pod.Name, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(jobPollInterval):
		}
	}
}

// streamLogs follows the pod's combined log stream through the shared line
// pipeline. Kubernetes merges stdout and stderr, so everything goes through
// the stdout path.
func (d *KubernetesDriver) streamLogs(ctx context.Context, emitCtx context.Context, runID, nodeID, podName string) {
	req := d.clientset.CoreV1().Pods(d.namespace).GetLogs(podName, &corev1.PodLogOptions{
		Follow: true,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		slog.Warn("stream pod logs", slog.String("pod", podName), slog.Any("error", err))
		return
	}
	defer stream.Close()

	consumeStdout(emitCtx, d.emitter, runID, nodeID, stream)
}

// awaitCompletion polls until the job reaches a terminal condition and
// extracts the container exit code from the pod.
func (d *KubernetesDriver) awaitCompletion(ctx context.Context, jobName, podName string) (int, error) {
	for {
		job, err := d.clientset.BatchV1().Jobs(d.namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			if ctx.Err() != nil {
				return ExitCancelled, ctx.Err()
			}
			return ExitSpawnFailure, fmt.Errorf("get job: %w", err)
		}

		if job.Status.Succeeded > 0 {
			return 0, nil
		}
		if job.Status.Failed > 0 {
			return d.podExitCode(ctx, podName), nil
		}

		select {
		case <-ctx.Done():
			return ExitCancelled, ctx.Err()
		case <-time.After(jobPollInterval):
		}
	}
}

func (d *KubernetesDriver) podExitCode(ctx context.Context, podName string) int {
	if podName == "" {
		return 1
	}
	pod, err := d.clientset.CoreV1().Pods(d.namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return 1
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			return int(cs.State.Terminated.ExitCode)
		}
	}
	return 1
}

// HealthCheck verifies connectivity to the Kubernetes API.
func (d *KubernetesDriver) HealthCheck(ctx context.Context) error {
	_, err := d.clientset.Discovery().ServerVersion()
	return err
}

// sanitizeLabel makes a node id safe for use in labels and names.
func sanitizeLabel(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s) && len(out) < 48; i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

var _ Driver = (*KubernetesDriver)(nil)

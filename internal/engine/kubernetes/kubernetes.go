// Package kubernetes implements the container engine contract on a
// cluster: one Pod per worker process, created with restart policy Never
// so the orchestration core owns every restart decision.
package kubernetes

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"rulehive/internal/core"
	"rulehive/internal/engine"
	"rulehive/pkg/logging"
)

const (
	subsystem     = "KubernetesEngine"
	workerPodName = "worker"
)

// Engine runs worker processes as Pods.
type Engine struct {
	client    kubernetes.Interface
	namespace string
}

// New builds an Engine from a kubeconfig path, falling back to the
// in-cluster configuration when the path is empty.
func New(kubeconfig, namespace string) (*Engine, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewWithClient(client, namespace), nil
}

// NewWithClient builds an Engine around an existing clientset. Used by
// tests with the fake clientset.
func NewWithClient(client kubernetes.Interface, namespace string) *Engine {
	return &Engine{client: client, namespace: namespace}
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %v", engine.ErrContainerNotFound, err)
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return fmt.Errorf("%w: %v", engine.ErrAuthFailed, err)
	case apierrors.IsServiceUnavailable(err), apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", engine.ErrEngineUnavailable, err)
	}
	return err
}

// Start creates the worker Pod. The returned container id is the Pod name.
func (e *Engine) Start(ctx context.Context, req engine.ContainerRequest, logs engine.LogHandler) (string, error) {
	pod := e.buildPod(req)
	created, err := e.client.CoreV1().Pods(e.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return "", &engine.StartError{Err: fmt.Errorf("pod %s already exists", pod.Name)}
		}
		return "", &engine.StartError{Err: classify(err)}
	}

	logging.Info(subsystem, "Created pod %s for process %d", created.Name, req.ProcessID)
	_ = logs.Write(fmt.Sprintf("Pod %s created with image %s", created.Name, req.Image))
	_ = logs.Flush()
	return created.Name, nil
}

func (e *Engine) buildPod(req engine.ContainerRequest) *corev1.Pod {
	container := corev1.Container{
		Name:  workerPodName,
		Image: req.Image,
		Args:  append(req.CmdLine.Args(), req.ExtraArgs...),
	}
	if req.PullPolicy != "" {
		container.ImagePullPolicy = corev1.PullPolicy(req.PullPolicy)
	}
	for k, v := range req.EnvVars {
		container.Env = append(container.Env, corev1.EnvVar{Name: k, Value: v})
	}
	for _, p := range req.Ports {
		container.Ports = append(container.Ports, corev1.ContainerPort{ContainerPort: int32(p)})
	}
	if req.MemLimit != "" {
		if qty, err := resource.ParseQuantity(req.MemLimit); err == nil {
			container.Resources = corev1.ResourceRequirements{
				Limits: corev1.ResourceList{corev1.ResourceMemory: qty},
			}
		}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.Name,
			Namespace: e.namespace,
			Labels: map[string]string{
				"app":                 "rulehive",
				"rulehive/parent":     string(req.Parent.Kind),
				"rulehive/parent-id":  fmt.Sprintf("%d", req.Parent.ID),
				"rulehive/process-id": fmt.Sprintf("%d", req.ProcessID),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers:    []corev1.Container{container},
		},
	}
}

// Cleanup deletes the worker Pod. A Pod that is already gone is not an
// error.
func (e *Engine) Cleanup(ctx context.Context, containerID string, logs engine.LogHandler) error {
	err := e.client.CoreV1().Pods(e.namespace).Delete(ctx, containerID, metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return &engine.CleanupError{Err: classify(err)}
	}
	_ = logs.Write(fmt.Sprintf("Pod %s deleted", containerID))
	_ = logs.Flush()
	return nil
}

// GetStatus maps the Pod phase onto the process status vocabulary. Image
// pull problems surface while the Pod is still Pending and are reported as
// failures so the restart policy can react.
func (e *Engine) GetStatus(ctx context.Context, containerID string) (engine.ContainerStatus, error) {
	pod, err := e.client.CoreV1().Pods(e.namespace).Get(ctx, containerID, metav1.GetOptions{})
	if err != nil {
		return engine.ContainerStatus{}, classify(err)
	}

	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return engine.ContainerStatus{Status: core.StatusCompleted}, nil
	case corev1.PodFailed:
		return engine.ContainerStatus{
			Status:  core.StatusFailed,
			Message: fmt.Sprintf("Pod failed: %s", pod.Status.Reason),
		}, nil
	case corev1.PodPending:
		for _, cs := range pod.Status.ContainerStatuses {
			if w := cs.State.Waiting; w != nil &&
				(w.Reason == "ErrImagePull" || w.Reason == "ImagePullBackOff") {
				return engine.ContainerStatus{
					Status:  core.StatusFailed,
					Message: fmt.Sprintf("Image pull failed: %s", w.Message),
				}, nil
			}
		}
		return engine.ContainerStatus{Status: core.StatusRunning, Message: "Pod is pending"}, nil
	case corev1.PodRunning:
		return engine.ContainerStatus{Status: core.StatusRunning}, nil
	}
	return engine.ContainerStatus{
		Status:  core.StatusError,
		Message: fmt.Sprintf("unexpected pod phase %q", pod.Status.Phase),
	}, nil
}

// UpdateLogs streams Pod output produced since the last read into the
// handler.
func (e *Engine) UpdateLogs(ctx context.Context, containerID string, logs engine.LogHandler) error {
	opts := &corev1.PodLogOptions{Container: workerPodName}
	if since := logs.LogReadAt(); !since.IsZero() {
		t := metav1.NewTime(since)
		opts.SinceTime = &t
	}
	stream, err := e.client.CoreV1().Pods(e.namespace).GetLogs(containerID, opts).Stream(ctx)
	if err != nil {
		return &engine.LogsError{Err: classify(err)}
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := logs.Write(scanner.Text()); err != nil {
			return &engine.LogsError{Err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return &engine.LogsError{Err: err}
	}
	logs.SetLogReadAt(time.Now())
	return logs.Flush()
}

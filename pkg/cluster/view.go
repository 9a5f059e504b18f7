// Package cluster produces the current set of managed pods on the local
// node, classified into HP and LP priority classes.
//
// Discovery is a lazy, restartable sequence of PodRef regenerated every
// tick: no informer, no indexer, no long-lived cache that could drift
// from cluster state (the reference agent this package descends from
// kept such a cache; this controller's own design notes rule it out).
package cluster

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

// PriorityClass classifies a pod against the configured priority label.
type PriorityClass string

const (
	HP        PriorityClass = "hp"
	LP        PriorityClass = "lp"
	Unmanaged PriorityClass = "unmanaged"
)

// PodRef is the stable, per-tick view of a managed pod.
type PodRef struct {
	UID        string
	Namespace  string
	Name       string
	Node       string
	Priority   PriorityClass
	Containers []string
}

// View resolves the set of pods running on the local node.
type View struct {
	client           kubernetes.Interface
	nodeName         string
	namespace        string
	priorityLabelKey string
	hpValue          string
	lpValue          string
}

// New builds a View scoped to a node, an optional namespace filter
// ("" means all namespaces), and the priority label key/values that
// classify pods as HP or LP.
func New(client kubernetes.Interface, nodeName, namespace, priorityLabelKey, hpValue, lpValue string) *View {
	return &View{
		client:           client,
		nodeName:         nodeName,
		namespace:        namespace,
		priorityLabelKey: priorityLabelKey,
		hpValue:          hpValue,
		lpValue:          lpValue,
	}
}

// Discover lists pods on the local node and splits them into ordered HP
// and LP sets. Pods not in the Running phase, or whose priority label
// value is neither hpValue nor lpValue, are excluded from both sets.
// A discovery failure returns empty sets and a non-nil error; callers
// must classify that as pod_discovery and treat it as a no-op tick.
func (v *View) Discover(ctx context.Context) (hp []PodRef, lp []PodRef, err error) {
	listOpts := metav1.ListOptions{
		FieldSelector: fmt.Sprintf("spec.nodeName=%s", v.nodeName),
	}

	pods, err := v.client.CoreV1().Pods(v.namespace).List(ctx, listOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("list pods on node %s: %w", v.nodeName, err)
	}

	for _, pod := range pods.Items {
		if pod.Spec.NodeName != v.nodeName {
			continue
		}
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}

		ref := PodRef{
			UID:        string(pod.UID),
			Namespace:  pod.Namespace,
			Name:       pod.Name,
			Node:       pod.Spec.NodeName,
			Containers: containerIDs(&pod),
		}

		switch pod.Labels[v.priorityLabelKey] {
		case v.hpValue:
			ref.Priority = HP
			hp = append(hp, ref)
		case v.lpValue:
			ref.Priority = LP
			lp = append(lp, ref)
		default:
			// Unmanaged: the controller must never write to its cgroup.
			klog.V(4).InfoS("pod not in a managed priority class, skipping",
				"pod", pod.Name, "namespace", pod.Namespace)
		}
	}

	return hp, lp, nil
}

// containerIDs strips the runtime-scheme prefix (docker://, containerd://)
// from each container status's reported id.
func containerIDs(pod *corev1.Pod) []string {
	ids := make([]string, 0, len(pod.Status.ContainerStatuses))
	for _, cs := range pod.Status.ContainerStatuses {
		id := cs.ContainerID
		if idx := strings.Index(id, "://"); idx != -1 {
			id = id[idx+3:]
		}
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

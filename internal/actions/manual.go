package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

// DrainTimeout bounds a whole drain.
const DrainTimeout = 300 * time.Second

// ScaleDeployment sets the replica count of "namespace/name". A bare name
// is looked up in the default namespace.
func (e *Executor) ScaleDeployment(ctx context.Context, deployment string, replicas int32) Result {
	namespace, name := splitNamespaced(deployment)
	target := namespace + "/" + name
	action := fmt.Sprintf("scale to %d replicas", replicas)

	if replicas < 0 {
		return e.record(ActionScaleDeployment, target, action, refuse("Replica count must not be negative"))
	}
	if r, off := e.offline(ActionScaleDeployment, target, action); off {
		return r
	}
	patch, _ := json.Marshal(map[string]interface{}{
		"spec": map[string]interface{}{"replicas": replicas},
	})
	_, err := e.clientset.AppsV1().Deployments(namespace).Patch(ctx, name, types.MergePatchType, patch,
		metav1.PatchOptions{DryRun: e.dryRunOpt()})
	if err != nil {
		return e.record(ActionScaleDeployment, target, action, refuse("Failed to scale deployment %s: %v", target, err))
	}
	return e.record(ActionScaleDeployment, target, action, ok("Scaled deployment %s to %d replicas", target, replicas))
}

func splitNamespaced(s string) (string, string) {
	if ns, name, found := strings.Cut(s, "/"); found {
		return ns, name
	}
	return metav1.NamespaceDefault, s
}

// DrainNode cordons a node and evicts every pod on it that is not owned by
// a DaemonSet. Eviction failures are reported but do not stop the drain.
func (e *Executor) DrainNode(ctx context.Context, nodeName string) Result {
	if r, off := e.offline(ActionDrainNode, nodeName, "cordon and drain"); off {
		return r
	}
	ctx, cancel := context.WithTimeout(ctx, DrainTimeout)
	defer cancel()

	if err := e.setUnschedulable(ctx, nodeName, true); err != nil {
		return e.record(ActionDrainNode, nodeName, "cordon and drain", refuse("Failed to cordon node %s: %v", nodeName, err))
	}
	pods, err := e.podsOnNode(ctx, nodeName)
	if err != nil {
		return e.record(ActionDrainNode, nodeName, "cordon and drain", refuse("Cordoned node %s but failed to list pods: %v", nodeName, err))
	}

	evicted, failed := 0, 0
	for _, pod := range pods {
		if isDaemonSetPod(&pod) || pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		if err := e.evict(ctx, pod.Namespace, pod.Name); err != nil {
			e.logger.Warn("drain eviction failed", zap.String("pod", pod.Namespace+"/"+pod.Name), zap.Error(err))
			failed++
			continue
		}
		evicted++
	}

	r := ok("Drained node %s, evicted %d pods", nodeName, evicted)
	if failed > 0 {
		r = refuse("Drained node %s partially, evicted %d pods, %d evictions failed", nodeName, evicted, failed)
	}
	r.Count = evicted
	return e.record(ActionDrainNode, nodeName, "cordon and drain", r)
}

// LabelNode merges labels into a node's metadata.
func (e *Executor) LabelNode(ctx context.Context, nodeName string, labels map[string]string) Result {
	action := "label " + formatLabels(labels)
	if len(labels) == 0 {
		return e.record(ActionLabelNode, nodeName, action, refuse("No labels given"))
	}
	if r, off := e.offline(ActionLabelNode, nodeName, action); off {
		return r
	}
	err := e.patchNode(ctx, nodeName, map[string]interface{}{
		"metadata": map[string]interface{}{"labels": labels},
	})
	if err != nil {
		return e.record(ActionLabelNode, nodeName, action, refuse("Failed to label node %s: %v", nodeName, err))
	}
	return e.record(ActionLabelNode, nodeName, action, ok("Labeled node %s with %s", nodeName, formatLabels(labels)))
}

func formatLabels(labels map[string]string) string {
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// ReschedulePod deletes a controller-managed pod so it is recreated, and
// refuses standalone pods that would be lost.
func (e *Executor) ReschedulePod(ctx context.Context, namespace, name string) Result {
	target := namespace + "/" + name
	if r, off := e.offline(ActionReschedulePod, target, "reschedule pod"); off {
		return r
	}
	pod, err := e.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return e.record(ActionReschedulePod, target, "reschedule pod", refuse("Failed to get pod %s: %v", target, err))
	}
	if metav1.GetControllerOf(pod) == nil {
		return e.record(ActionReschedulePod, target, "reschedule pod", refuse("Pod %s has no controller and would not be recreated", target))
	}
	if err := e.deletePod(ctx, namespace, name); err != nil {
		return e.record(ActionReschedulePod, target, "reschedule pod", refuse("Failed to delete pod %s: %v", target, err))
	}
	return e.record(ActionReschedulePod, target, "reschedule pod", ok("Deleted pod %s for rescheduling", target))
}

// HealVolume starts a self-heal on a distributed storage volume.
func (e *Executor) HealVolume(ctx context.Context, volume string) Result {
	if e.healer == nil {
		return e.record(ActionHealVolume, volume, "start heal", refuse("Storage healing is not configured"))
	}
	if err := e.healer.StartHeal(ctx, volume); err != nil {
		return e.record(ActionHealVolume, volume, "start heal", refuse("Failed to start heal on volume %s: %v", volume, err))
	}
	return e.record(ActionHealVolume, volume, "start heal", ok("Heal started on volume %s", volume))
}

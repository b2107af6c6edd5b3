package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"k8s-ai-assistant/internal/issue"
	"k8s-ai-assistant/internal/metrics"
)

// Action type tags recorded in the audit log.
const (
	ActionAutoRemediate        = "auto_remediate"
	ActionRestartFailedPods    = "restart_failed_pods"
	ActionCleanCompletedJobs   = "clean_completed_jobs"
	ActionUncordonAllNodes     = "uncordon_all_nodes"
	ActionCleanOrphanedStorage = "clean_orphaned_storage"
	ActionScaleDeployment      = "scale_deployment"
	ActionDrainNode            = "drain_node"
	ActionLabelNode            = "label_node"
	ActionReschedulePod        = "reschedule_pod"
	ActionHealVolume           = "heal_volume"
)

// maxPressureEvictions caps evictions per node pressure remediation.
const maxPressureEvictions = 2

var ErrUnknownIssue = errors.New("unknown issue")

// Result is the outcome of a remediation. A refusal is a Result with
// Success false, not an error.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Count   int    `json:"count,omitempty"`
}

func ok(format string, args ...interface{}) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

func refuse(format string, args ...interface{}) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// Resolver maps an identifier from the latest scan to its coordinates.
type Resolver interface {
	Resolve(id string) (issue.Ref, bool)
}

// VolumeHealer starts a self-heal on a storage volume.
type VolumeHealer interface {
	StartHeal(ctx context.Context, volume string) error
}

// Executor performs the fixed set of cluster mutations and records every
// attempt in its audit log.
type Executor struct {
	clientset kubernetes.Interface
	resolver  Resolver
	healer    VolumeHealer
	audit     *AuditLog
	logger    *zap.Logger
	metrics   *metrics.Metrics
	dryRun    bool
}

type Option func(*Executor)

func WithResolver(r Resolver) Option         { return func(e *Executor) { e.resolver = r } }
func WithVolumeHealer(h VolumeHealer) Option { return func(e *Executor) { e.healer = h } }
func WithAuditLog(a *AuditLog) Option        { return func(e *Executor) { e.audit = a } }
func WithLogger(l *zap.Logger) Option        { return func(e *Executor) { e.logger = l } }
func WithMetrics(m *metrics.Metrics) Option  { return func(e *Executor) { e.metrics = m } }

// WithDryRun sends every mutation with server-side dry run.
func WithDryRun(dryRun bool) Option { return func(e *Executor) { e.dryRun = dryRun } }

func New(clientset kubernetes.Interface, opts ...Option) *Executor {
	e := &Executor{clientset: clientset}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("actions")
	if e.audit == nil {
		e.audit = NewAuditLog(AuditCapacity, nil)
	}
	return e
}

func (e *Executor) Audit() *AuditLog { return e.audit }

// Connected reports whether the executor has a cluster client.
func (e *Executor) Connected() bool { return e.clientset != nil }

// offline records a refusal for an attempt made without a cluster client.
func (e *Executor) offline(actionType, target, action string) (Result, bool) {
	if e.Connected() {
		return Result{}, false
	}
	return e.record(actionType, target, action, refuse("Not connected to the cluster")), true
}

func (e *Executor) record(actionType, target, action string, r Result) Result {
	entry := e.audit.Append(Entry{Type: actionType, Target: target, Action: action, Result: r})
	e.metrics.RemediationAttempted(actionType, entry.Status)
	fields := []zap.Field{zap.String("type", actionType), zap.String("target", target), zap.String("message", r.Message)}
	if r.Success {
		e.logger.Info("remediation succeeded", fields...)
	} else {
		e.logger.Warn("remediation not applied", fields...)
	}
	return r
}

// AutoRemediate resolves id and applies the fixed action for its kind.
func (e *Executor) AutoRemediate(ctx context.Context, id string) Result {
	if r, off := e.offline(ActionAutoRemediate, id, "resolve issue"); off {
		return r
	}
	ref, err := e.resolve(id)
	if err != nil {
		return e.record(ActionAutoRemediate, id, "resolve issue", refuse("Unrecognized issue id %s: %v", id, err))
	}

	var r Result
	switch ref.Kind {
	case issue.KindPod:
		r = e.remediatePod(ctx, ref)
	case issue.KindNode:
		r = e.remediateNode(ctx, ref)
	case issue.KindContainer, issue.KindRestarts:
		r = e.remediateContainer(ctx, ref)
	case issue.KindPV:
		r = e.remediatePV(ctx, ref)
	default:
		r = refuse("No automatic remediation for %s issues", ref.Kind)
	}
	return e.record(ActionAutoRemediate, id, fmt.Sprintf("remediate %s %s", ref.Kind, ref.Name), r)
}

func (e *Executor) resolve(id string) (issue.Ref, error) {
	if e.resolver != nil {
		if ref, found := e.resolver.Resolve(id); found {
			return ref, nil
		}
	}
	ref, err := issue.Parse(id)
	if err != nil {
		return issue.Ref{}, fmt.Errorf("%w: %v", ErrUnknownIssue, err)
	}
	return ref, nil
}

func (e *Executor) remediatePod(ctx context.Context, ref issue.Ref) Result {
	pod, err := e.clientset.CoreV1().Pods(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return refuse("Error remediating pod: %v", err)
	}

	switch pod.Status.Phase {
	case corev1.PodFailed:
		if err := e.deletePod(ctx, pod.Namespace, pod.Name); err != nil {
			return refuse("Failed to delete pod %s: %v", pod.Name, err)
		}
		return ok("Deleted failed pod %s, controller will recreate it", pod.Name)
	case corev1.PodPending:
		return diagnosePending(pod)
	}
	return refuse("No automatic remediation available for pod in %s state", pod.Status.Phase)
}

// diagnosePending explains why a pod is pending without touching it.
func diagnosePending(pod *corev1.Pod) Result {
	for _, cond := range pod.Status.Conditions {
		if cond.Type != corev1.PodScheduled || cond.Status != corev1.ConditionFalse {
			continue
		}
		switch {
		case strings.Contains(cond.Message, "Insufficient"):
			return refuse("Insufficient resources: %s", cond.Message)
		case strings.Contains(strings.ToLower(cond.Message), "no nodes available"):
			return refuse("No suitable nodes available for scheduling")
		}
	}
	return refuse("Unable to determine cause of pending state")
}

func (e *Executor) remediateNode(ctx context.Context, ref issue.Ref) Result {
	switch ref.Condition {
	case issue.CondNodeNotReady:
		node, err := e.clientset.CoreV1().Nodes().Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return refuse("Error remediating node: %v", err)
		}
		if !node.Spec.Unschedulable {
			return refuse("Node is not cordoned, issue may be with kubelet or infrastructure")
		}
		if err := e.setUnschedulable(ctx, node.Name, false); err != nil {
			return refuse("Failed to uncordon node %s: %v", node.Name, err)
		}
		return ok("Uncordoned node %s", node.Name)
	case issue.CondDiskPressure, issue.CondMemoryPressure, issue.CondPIDPressure:
		return e.relievePressure(ctx, ref.Name, ref.Condition)
	}
	return refuse("No automatic remediation for node condition %s", ref.Condition)
}

func (e *Executor) relievePressure(ctx context.Context, nodeName, condition string) Result {
	pods, err := e.podsOnNode(ctx, nodeName)
	if err != nil {
		return refuse("Error listing pods on node %s: %v", nodeName, err)
	}

	var candidates []corev1.Pod
	for _, pod := range pods {
		if pod.Namespace == metav1.NamespaceSystem || pod.Namespace == metav1.NamespacePublic || isDaemonSetPod(&pod) {
			continue
		}
		candidates = append(candidates, pod)
	}
	if len(candidates) == 0 {
		return refuse("No evictable pods found on node")
	}

	evicted := 0
	for _, pod := range candidates {
		if evicted == maxPressureEvictions {
			break
		}
		if err := e.evict(ctx, pod.Namespace, pod.Name); err != nil {
			e.logger.Warn("eviction failed", zap.String("pod", pod.Namespace+"/"+pod.Name), zap.Error(err))
			continue
		}
		evicted++
	}
	if evicted == 0 {
		return refuse("Failed to evict any pods")
	}
	r := ok("Evicted %d pods to relieve %s", evicted, condition)
	r.Count = evicted
	return r
}

func (e *Executor) remediateContainer(ctx context.Context, ref issue.Ref) Result {
	if err := e.deletePod(ctx, ref.Namespace, ref.Name); err != nil {
		return refuse("Failed to restart pod %s: %v", ref.Name, err)
	}
	return ok("Restarted pod %s to fix container %s issue", ref.Name, ref.Container)
}

func (e *Executor) remediatePV(ctx context.Context, ref issue.Ref) Result {
	pv, err := e.clientset.CoreV1().PersistentVolumes().Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return refuse("Error remediating PV: %v", err)
	}
	if pv.Status.Phase != corev1.VolumeFailed {
		return refuse("No automatic remediation for PV in %s state", pv.Status.Phase)
	}
	if len(pv.Finalizers) > 0 {
		return refuse("PV has finalizers, manual intervention required")
	}
	return refuse("PV failed, check underlying storage provider")
}

func (e *Executor) podsOnNode(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	list, err := e.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + nodeName,
	})
	if err != nil {
		return nil, err
	}
	out := list.Items[:0]
	for _, pod := range list.Items {
		if pod.Spec.NodeName == nodeName {
			out = append(out, pod)
		}
	}
	return out, nil
}

func isDaemonSetPod(pod *corev1.Pod) bool {
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

func (e *Executor) dryRunOpt() []string {
	if e.dryRun {
		return []string{metav1.DryRunAll}
	}
	return nil
}

func (e *Executor) deletePod(ctx context.Context, namespace, name string) error {
	return e.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{DryRun: e.dryRunOpt()})
}

func (e *Executor) evict(ctx context.Context, namespace, name string) error {
	return e.clientset.CoreV1().Pods(namespace).EvictV1(ctx, &policyv1.Eviction{
		ObjectMeta:    metav1.ObjectMeta{Name: name, Namespace: namespace},
		DeleteOptions: &metav1.DeleteOptions{DryRun: e.dryRunOpt()},
	})
}

func (e *Executor) patchNode(ctx context.Context, name string, patch map[string]interface{}) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = e.clientset.CoreV1().Nodes().Patch(ctx, name, types.StrategicMergePatchType, data, metav1.PatchOptions{DryRun: e.dryRunOpt()})
	return err
}

func (e *Executor) setUnschedulable(ctx context.Context, name string, unschedulable bool) error {
	return e.patchNode(ctx, name, map[string]interface{}{
		"spec": map[string]interface{}{"unschedulable": unschedulable},
	})
}

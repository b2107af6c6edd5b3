package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

var ErrUnknownBulkOperation = errors.New("unknown bulk operation")

// Bulk operation names accepted by RunBulk.
const (
	BulkRestartFailedPods    = "restart_failed_pods"
	BulkCleanCompletedJobs   = "clean_completed_jobs"
	BulkUncordonAllNodes     = "uncordon_all_nodes"
	BulkCleanOrphanedStorage = "clean_orphaned_storage"
)

// BulkOperations lists the names RunBulk accepts.
func BulkOperations() []string {
	return []string{BulkRestartFailedPods, BulkCleanCompletedJobs, BulkUncordonAllNodes, BulkCleanOrphanedStorage}
}

// RunBulk dispatches a bulk operation by name.
func (e *Executor) RunBulk(ctx context.Context, name string) (Result, error) {
	switch name {
	case BulkRestartFailedPods:
		return e.RestartFailedPods(ctx), nil
	case BulkCleanCompletedJobs:
		return e.CleanCompletedJobs(ctx), nil
	case BulkUncordonAllNodes:
		return e.UncordonAllNodes(ctx), nil
	case BulkCleanOrphanedStorage:
		return e.CleanOrphanedStorage(ctx), nil
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnknownBulkOperation, name)
}

// bulkOutcome turns a success count and the per-item failures into a Result.
// Individual failures never abort the operation.
func (e *Executor) bulkOutcome(op string, count int, errs *multierror.Error, format string) Result {
	if err := errs.ErrorOrNil(); err != nil {
		e.logger.Warn("bulk operation had failures", zap.String("operation", op), zap.Error(err))
	}
	return Result{Success: true, Message: fmt.Sprintf(format, count), Count: count}
}

// RestartFailedPods deletes every pod in the Failed phase.
func (e *Executor) RestartFailedPods(ctx context.Context) Result {
	if r, off := e.offline(ActionRestartFailedPods, "cluster", "list failed pods"); off {
		return r
	}
	pods, err := e.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "status.phase=Failed",
	})
	if err != nil {
		return e.record(ActionRestartFailedPods, "cluster", "list failed pods", refuse("Failed to list pods: %v", err))
	}

	var errs *multierror.Error
	count := 0
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodFailed {
			continue
		}
		if err := e.deletePod(ctx, pod.Namespace, pod.Name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pod %s/%s: %w", pod.Namespace, pod.Name, err))
			continue
		}
		count++
	}
	r := e.bulkOutcome(ActionRestartFailedPods, count, errs, "Restarted %d failed pods")
	return e.record(ActionRestartFailedPods, "cluster", "delete failed pods", r)
}

// CleanCompletedJobs deletes every job whose Complete condition is true,
// together with its pods.
func (e *Executor) CleanCompletedJobs(ctx context.Context) Result {
	if r, off := e.offline(ActionCleanCompletedJobs, "cluster", "list jobs"); off {
		return r
	}
	jobs, err := e.clientset.BatchV1().Jobs(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return e.record(ActionCleanCompletedJobs, "cluster", "list jobs", refuse("Failed to list jobs: %v", err))
	}

	propagation := metav1.DeletePropagationBackground
	var errs *multierror.Error
	count := 0
	for _, job := range jobs.Items {
		if !jobComplete(&job) {
			continue
		}
		err := e.clientset.BatchV1().Jobs(job.Namespace).Delete(ctx, job.Name, metav1.DeleteOptions{
			PropagationPolicy: &propagation,
			DryRun:            e.dryRunOpt(),
		})
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("job %s/%s: %w", job.Namespace, job.Name, err))
			continue
		}
		count++
	}
	r := e.bulkOutcome(ActionCleanCompletedJobs, count, errs, "Cleaned %d completed jobs")
	return e.record(ActionCleanCompletedJobs, "cluster", "delete completed jobs", r)
}

func jobComplete(job *batchv1.Job) bool {
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobComplete && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// UncordonAllNodes marks every unschedulable node schedulable.
func (e *Executor) UncordonAllNodes(ctx context.Context) Result {
	if r, off := e.offline(ActionUncordonAllNodes, "cluster", "list nodes"); off {
		return r
	}
	nodes, err := e.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return e.record(ActionUncordonAllNodes, "cluster", "list nodes", refuse("Failed to list nodes: %v", err))
	}

	var errs *multierror.Error
	count := 0
	for _, node := range nodes.Items {
		if !node.Spec.Unschedulable {
			continue
		}
		if err := e.setUnschedulable(ctx, node.Name, false); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("node %s: %w", node.Name, err))
			continue
		}
		count++
	}
	r := e.bulkOutcome(ActionUncordonAllNodes, count, errs, "Uncordoned %d nodes")
	return e.record(ActionUncordonAllNodes, "cluster", "uncordon nodes", r)
}

// CleanOrphanedStorage reports released persistent volumes. Nothing is
// deleted, so the reported count is always zero.
func (e *Executor) CleanOrphanedStorage(ctx context.Context) Result {
	if r, off := e.offline(ActionCleanOrphanedStorage, "cluster", "list volumes"); off {
		return r
	}
	pvs, err := e.clientset.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return e.record(ActionCleanOrphanedStorage, "cluster", "list volumes", refuse("Failed to list persistent volumes: %v", err))
	}
	released := 0
	for _, pv := range pvs.Items {
		if pv.Status.Phase == corev1.VolumeReleased {
			released++
		}
	}
	r := Result{
		Success: true,
		Message: fmt.Sprintf("Found %d released volumes, cleaned 0 (manual review required)", released),
	}
	return e.record(ActionCleanOrphanedStorage, "cluster", "inspect released volumes", r)
}

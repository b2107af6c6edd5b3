package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"k8s-ai-assistant/internal/issue"
)

func pod(ns, name string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Status:     corev1.PodStatus{Phase: phase},
	}
}

func podOn(ns, name, node string) *corev1.Pod {
	p := pod(ns, name, corev1.PodRunning)
	p.Spec.NodeName = node
	return p
}

// allowEvictions makes the fake accept eviction subresource creates.
func allowEvictions(cs *fake.Clientset, evicted *[]string) {
	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "eviction" {
			return false, nil, nil
		}
		obj := action.(k8stesting.CreateAction).GetObject().(metav1.Object)
		*evicted = append(*evicted, obj.GetNamespace()+"/"+obj.GetName())
		return true, nil, nil
	})
}

func failDeletesOf(cs *fake.Clientset, resource, name string) {
	cs.PrependReactor("delete", resource, func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.(k8stesting.DeleteAction).GetName() == name {
			return true, nil, errors.New("boom")
		}
		return false, nil, nil
	})
}

func TestIsSafeToAutoRemediate(t *testing.T) {
	cases := map[string]bool{
		"pod-default-myapp-failed":              true,
		"container-default-web-nginx-not-ready": true,
		"node-worker1-notready":                 false,
		"pod-default-myapp-pending":             false,
		"restarts-default-web-nginx":            false,
		"node-worker1-diskpressure":             false,
		"pv-data-failed":                        false,
		"my-pod-default-myapp-failed":           false,
		"":                                      false,
	}
	for id, want := range cases {
		assert.Equal(t, want, IsSafeToAutoRemediate(id), id)
	}
}

func TestIsSafeKubectl(t *testing.T) {
	assert.True(t, IsSafeKubectl("kubectl get pods -A"))
	assert.True(t, IsSafeKubectl("kubectl logs nginx-1 --previous"))
	assert.True(t, IsSafeKubectl("describe node worker1"))
	assert.False(t, IsSafeKubectl("kubectl delete pod nginx-1"))
	assert.False(t, IsSafeKubectl("kubectl apply -f x.yaml"))
	assert.False(t, IsSafeKubectl("kubectl"))
}

func TestAutoRemediateFailedPod(t *testing.T) {
	cs := fake.NewSimpleClientset(pod("default", "myapp", corev1.PodFailed))
	e := New(cs)

	r := e.AutoRemediate(context.Background(), "pod-default-myapp-failed")
	assert.True(t, r.Success)
	assert.Equal(t, "Deleted failed pod myapp, controller will recreate it", r.Message)

	_, err := cs.CoreV1().Pods("default").Get(context.Background(), "myapp", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestAutoRemediateAuditsEveryCall(t *testing.T) {
	cs := fake.NewSimpleClientset(pod("default", "myapp", corev1.PodFailed))
	e := New(cs)
	ctx := context.Background()

	ids := []string{
		"pod-default-myapp-failed", // succeeds
		"pod-default-myapp-failed", // pod is gone now
		"node-worker1-notready",    // node does not exist
		"not-an-issue-id",          // malformed
	}
	for i, id := range ids {
		r := e.AutoRemediate(ctx, id)
		require.Equal(t, i+1, e.Audit().Len())

		latest, ok := e.Audit().Latest()
		require.True(t, ok)
		assert.Equal(t, ActionAutoRemediate, latest.Type)
		assert.Equal(t, id, latest.Target)
		assert.Equal(t, r, latest.Result)
		if r.Success {
			assert.Equal(t, StatusSuccess, latest.Status)
		} else {
			assert.Equal(t, StatusFailed, latest.Status)
		}
	}
	assert.Equal(t, map[string]int{StatusSuccess: 1, StatusFailed: 3}, e.Audit().Summary())
}

func TestAutoRemediatePendingPodDiagnosis(t *testing.T) {
	withCondition := func(name, msg string) *corev1.Pod {
		p := pod("default", name, corev1.PodPending)
		if msg != "" {
			p.Status.Conditions = []corev1.PodCondition{{
				Type: corev1.PodScheduled, Status: corev1.ConditionFalse, Message: msg,
			}}
		}
		return p
	}
	cs := fake.NewSimpleClientset(
		withCondition("a", "0/3 nodes are available: 3 Insufficient cpu."),
		withCondition("b", "no nodes available to schedule pods"),
		withCondition("c", ""),
	)
	e := New(cs)
	ctx := context.Background()

	r := e.AutoRemediate(ctx, "pod-default-a-pending")
	assert.False(t, r.Success)
	assert.Equal(t, "Insufficient resources: 0/3 nodes are available: 3 Insufficient cpu.", r.Message)

	r = e.AutoRemediate(ctx, "pod-default-b-pending")
	assert.False(t, r.Success)
	assert.Equal(t, "No suitable nodes available for scheduling", r.Message)

	r = e.AutoRemediate(ctx, "pod-default-c-pending")
	assert.False(t, r.Success)
	assert.Equal(t, "Unable to determine cause of pending state", r.Message)

	// pending pods are diagnosed, never deleted
	pods, err := cs.CoreV1().Pods("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, pods.Items, 3)
}

func TestAutoRemediateRunningPodRefused(t *testing.T) {
	cs := fake.NewSimpleClientset(pod("default", "web", corev1.PodRunning))
	r := New(cs).AutoRemediate(context.Background(), "pod-default-web-failed")
	assert.False(t, r.Success)
	assert.Equal(t, "No automatic remediation available for pod in Running state", r.Message)
}

func TestAutoRemediateNodeNotReady(t *testing.T) {
	cordoned := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "worker1"}, Spec: corev1.NodeSpec{Unschedulable: true}}
	schedulable := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "worker2"}}
	cs := fake.NewSimpleClientset(cordoned, schedulable)
	e := New(cs)
	ctx := context.Background()

	r := e.AutoRemediate(ctx, "node-worker1-notready")
	assert.True(t, r.Success)
	node, err := cs.CoreV1().Nodes().Get(ctx, "worker1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.False(t, node.Spec.Unschedulable)

	r = e.AutoRemediate(ctx, "node-worker2-notready")
	assert.False(t, r.Success)
	assert.Equal(t, "Node is not cordoned, issue may be with kubelet or infrastructure", r.Message)
}

func TestAutoRemediateNodePressureEvictsAtMostTwo(t *testing.T) {
	ds := podOn("default", "agent", "worker1")
	ds.OwnerReferences = []metav1.OwnerReference{{Kind: "DaemonSet", Name: "agent", APIVersion: "apps/v1"}}
	cs := fake.NewSimpleClientset(
		podOn("kube-system", "dns", "worker1"),
		ds,
		podOn("default", "a", "worker1"),
		podOn("default", "b", "worker1"),
		podOn("default", "c", "worker1"),
		podOn("default", "elsewhere", "worker2"),
	)
	var evicted []string
	allowEvictions(cs, &evicted)

	r := New(cs).AutoRemediate(context.Background(), "node-worker1-memorypressure")
	assert.True(t, r.Success)
	assert.Equal(t, 2, r.Count)
	assert.Equal(t, "Evicted 2 pods to relieve memorypressure", r.Message)
	assert.Len(t, evicted, 2)
	for _, name := range evicted {
		assert.NotContains(t, []string{"kube-system/dns", "default/agent", "default/elsewhere"}, name)
	}
}

func TestAutoRemediateNodePressureNothingEvictable(t *testing.T) {
	cs := fake.NewSimpleClientset(podOn("kube-system", "dns", "worker1"))
	r := New(cs).AutoRemediate(context.Background(), "node-worker1-diskpressure")
	assert.False(t, r.Success)
	assert.Equal(t, "No evictable pods found on node", r.Message)
}

func TestAutoRemediateContainerRestartsPod(t *testing.T) {
	cs := fake.NewSimpleClientset(pod("default", "web", corev1.PodRunning))
	r := New(cs).AutoRemediate(context.Background(), "container-default-web-nginx-not-ready")
	assert.True(t, r.Success)
	assert.Equal(t, "Restarted pod web to fix container nginx issue", r.Message)
}

type staticResolver map[string]issue.Ref

func (s staticResolver) Resolve(id string) (issue.Ref, bool) {
	ref, ok := s[id]
	return ref, ok
}

func TestAutoRemediatePrefersResolver(t *testing.T) {
	// a pod name with dashes cannot be recovered from the id alone
	cs := fake.NewSimpleClientset(pod("default", "web-7d4b9-x2k", corev1.PodRunning))
	id := "container-default-web-7d4b9-x2k-nginx-not-ready"
	resolver := staticResolver{id: {Kind: issue.KindContainer, Namespace: "default", Name: "web-7d4b9-x2k", Container: "nginx"}}

	r := New(cs, WithResolver(resolver)).AutoRemediate(context.Background(), id)
	assert.True(t, r.Success)
	assert.Equal(t, "Restarted pod web-7d4b9-x2k to fix container nginx issue", r.Message)
}

func TestAutoRemediatePersistentVolumeNeverMutates(t *testing.T) {
	withFinalizer := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: "data", Finalizers: []string{"kubernetes.io/pv-protection"}},
		Status:     corev1.PersistentVolumeStatus{Phase: corev1.VolumeFailed},
	}
	plain := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: "logs"},
		Status:     corev1.PersistentVolumeStatus{Phase: corev1.VolumeFailed},
	}
	bound := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: "cache"},
		Status:     corev1.PersistentVolumeStatus{Phase: corev1.VolumeBound},
	}
	cs := fake.NewSimpleClientset(withFinalizer, plain, bound)
	e := New(cs)
	ctx := context.Background()

	r := e.AutoRemediate(ctx, "pv-data-failed")
	assert.False(t, r.Success)
	assert.Equal(t, "PV has finalizers, manual intervention required", r.Message)

	r = e.AutoRemediate(ctx, "pv-logs-failed")
	assert.False(t, r.Success)
	assert.Equal(t, "PV failed, check underlying storage provider", r.Message)

	r = e.AutoRemediate(ctx, "pv-cache-failed")
	assert.False(t, r.Success)
	assert.Equal(t, "No automatic remediation for PV in Bound state", r.Message)

	for _, a := range cs.Actions() {
		assert.Equal(t, "get", a.GetVerb())
	}
}

func TestRestartFailedPodsToleratesItemFailures(t *testing.T) {
	cs := fake.NewSimpleClientset(
		pod("default", "a", corev1.PodFailed),
		pod("default", "b", corev1.PodFailed),
		pod("other", "c", corev1.PodFailed),
		pod("default", "running", corev1.PodRunning),
	)
	failDeletesOf(cs, "pods", "b")
	e := New(cs)

	r := e.RestartFailedPods(context.Background())
	assert.True(t, r.Success)
	assert.Equal(t, 2, r.Count)
	assert.Equal(t, "Restarted 2 failed pods", r.Message)
	assert.Equal(t, 1, e.Audit().Len())

	_, err := cs.CoreV1().Pods("default").Get(context.Background(), "running", metav1.GetOptions{})
	assert.NoError(t, err)
}

func TestCleanCompletedJobs(t *testing.T) {
	job := func(name string, complete bool) *batchv1.Job {
		j := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "batch"}}
		if complete {
			j.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}}
		}
		return j
	}
	cs := fake.NewSimpleClientset(job("done-1", true), job("done-2", true), job("active", false))

	r := New(cs).CleanCompletedJobs(context.Background())
	assert.True(t, r.Success)
	assert.Equal(t, 2, r.Count)

	jobs, err := cs.BatchV1().Jobs("batch").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, jobs.Items, 1)
	assert.Equal(t, "active", jobs.Items[0].Name)

	for _, a := range cs.Actions() {
		if del, ok := a.(k8stesting.DeleteActionImpl); ok {
			require.NotNil(t, del.DeleteOptions.PropagationPolicy)
			assert.Equal(t, metav1.DeletePropagationBackground, *del.DeleteOptions.PropagationPolicy)
		}
	}
}

func TestUncordonAllNodes(t *testing.T) {
	cs := fake.NewSimpleClientset(
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "n1"}, Spec: corev1.NodeSpec{Unschedulable: true}},
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "n2"}, Spec: corev1.NodeSpec{Unschedulable: true}},
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "n3"}},
	)
	r := New(cs).UncordonAllNodes(context.Background())
	assert.True(t, r.Success)
	assert.Equal(t, 2, r.Count)
}

func TestCleanOrphanedStorageOnlyReports(t *testing.T) {
	cs := fake.NewSimpleClientset(&corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: "old"},
		Status:     corev1.PersistentVolumeStatus{Phase: corev1.VolumeReleased},
	})
	r := New(cs).CleanOrphanedStorage(context.Background())
	assert.True(t, r.Success)
	assert.Equal(t, 0, r.Count)
	assert.Contains(t, r.Message, "Found 1 released volumes")
}

func TestRunBulk(t *testing.T) {
	e := New(fake.NewSimpleClientset())
	for _, op := range BulkOperations() {
		_, err := e.RunBulk(context.Background(), op)
		assert.NoError(t, err, op)
	}
	_, err := e.RunBulk(context.Background(), "delete_everything")
	assert.ErrorIs(t, err, ErrUnknownBulkOperation)
	assert.Equal(t, len(BulkOperations()), e.Audit().Len())
}

func TestScaleDeployment(t *testing.T) {
	replicas := int32(1)
	cs := fake.NewSimpleClientset(&appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
	})
	e := New(cs)
	ctx := context.Background()

	r := e.ScaleDeployment(ctx, "web", 3)
	require.True(t, r.Success, r.Message)
	d, err := cs.AppsV1().Deployments("default").Get(ctx, "web", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), *d.Spec.Replicas)

	r = e.ScaleDeployment(ctx, "prod/missing", 2)
	assert.False(t, r.Success)
	latest, _ := e.Audit().Latest()
	assert.Equal(t, "prod/missing", latest.Target)

	r = e.ScaleDeployment(ctx, "default/web", -1)
	assert.False(t, r.Success)
}

func TestDrainNode(t *testing.T) {
	ds := podOn("default", "agent", "worker1")
	ds.OwnerReferences = []metav1.OwnerReference{{Kind: "DaemonSet", Name: "agent", APIVersion: "apps/v1"}}
	cs := fake.NewSimpleClientset(
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "worker1"}},
		ds,
		podOn("default", "a", "worker1"),
		podOn("kube-system", "dns", "worker1"),
	)
	var evicted []string
	allowEvictions(cs, &evicted)
	ctx := context.Background()

	r := New(cs).DrainNode(ctx, "worker1")
	assert.True(t, r.Success, r.Message)
	assert.Equal(t, 2, r.Count)
	assert.ElementsMatch(t, []string{"default/a", "kube-system/dns"}, evicted)

	node, err := cs.CoreV1().Nodes().Get(ctx, "worker1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.True(t, node.Spec.Unschedulable)
}

func TestLabelNode(t *testing.T) {
	cs := fake.NewSimpleClientset(&corev1.Node{ObjectMeta: metav1.ObjectMeta{
		Name: "worker1", Labels: map[string]string{"zone": "a"},
	}})
	ctx := context.Background()
	e := New(cs)

	r := e.LabelNode(ctx, "worker1", map[string]string{"tier": "gpu", "env": "prod"})
	require.True(t, r.Success, r.Message)
	assert.Equal(t, "Labeled node worker1 with env=prod,tier=gpu", r.Message)

	node, err := cs.CoreV1().Nodes().Get(ctx, "worker1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"zone": "a", "tier": "gpu", "env": "prod"}, node.Labels)

	assert.False(t, e.LabelNode(ctx, "worker1", nil).Success)
}

func TestReschedulePodRefusesStandalonePods(t *testing.T) {
	managed := pod("default", "web-1", corev1.PodRunning)
	isController := true
	managed.OwnerReferences = []metav1.OwnerReference{{
		Kind: "ReplicaSet", Name: "web", APIVersion: "apps/v1", Controller: &isController,
	}}
	cs := fake.NewSimpleClientset(managed, pod("default", "bare", corev1.PodRunning))
	e := New(cs)
	ctx := context.Background()

	assert.True(t, e.ReschedulePod(ctx, "default", "web-1").Success)
	r := e.ReschedulePod(ctx, "default", "bare")
	assert.False(t, r.Success)
	assert.Contains(t, r.Message, "has no controller")
}

type fakeHealer struct {
	volumes []string
	err     error
}

func (f *fakeHealer) StartHeal(_ context.Context, volume string) error {
	f.volumes = append(f.volumes, volume)
	return f.err
}

func TestHealVolume(t *testing.T) {
	ctx := context.Background()
	assert.False(t, New(fake.NewSimpleClientset()).HealVolume(ctx, "gv0").Success)

	h := &fakeHealer{}
	assert.True(t, New(fake.NewSimpleClientset(), WithVolumeHealer(h)).HealVolume(ctx, "gv0").Success)
	assert.Equal(t, []string{"gv0"}, h.volumes)

	h.err = errors.New("volume busy")
	assert.False(t, New(fake.NewSimpleClientset(), WithVolumeHealer(h)).HealVolume(ctx, "gv0").Success)
}

func TestDryRunSendsDryRunOption(t *testing.T) {
	cs := fake.NewSimpleClientset(pod("default", "myapp", corev1.PodFailed))
	var seen []string
	cs.PrependReactor("delete", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		seen = action.(k8stesting.DeleteActionImpl).DeleteOptions.DryRun
		return true, nil, nil
	})

	r := New(cs, WithDryRun(true)).AutoRemediate(context.Background(), "pod-default-myapp-failed")
	assert.True(t, r.Success)
	assert.Equal(t, []string{metav1.DryRunAll}, seen)
}

func TestAutoRemediateGetErrorIsReported(t *testing.T) {
	cs := fake.NewSimpleClientset()
	cs.PrependReactor("get", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "myapp", errors.New("denied"))
	})
	r := New(cs).AutoRemediate(context.Background(), "pod-default-myapp-failed")
	assert.False(t, r.Success)
	assert.Contains(t, r.Message, "Error remediating pod")
}

func TestWithoutClusterEveryActionRefuses(t *testing.T) {
	e := New(nil)
	ctx := context.Background()
	assert.False(t, e.Connected())

	results := []Result{
		e.AutoRemediate(ctx, "pod-default-web-failed"),
		e.RestartFailedPods(ctx),
		e.CleanCompletedJobs(ctx),
		e.UncordonAllNodes(ctx),
		e.CleanOrphanedStorage(ctx),
		e.ScaleDeployment(ctx, "shop/api", 2),
		e.DrainNode(ctx, "w1"),
		e.LabelNode(ctx, "w1", map[string]string{"tier": "gpu"}),
		e.ReschedulePod(ctx, "default", "web"),
	}
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Equal(t, "Not connected to the cluster", r.Message)
	}
	assert.Equal(t, len(results), e.Audit().Len())
	assert.Equal(t, len(results), e.Audit().Summary()[StatusFailed])
}

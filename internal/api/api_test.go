package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"k8s-ai-assistant/internal/actions"
	"k8s-ai-assistant/internal/catalog"
	"k8s-ai-assistant/internal/classifier"
	"k8s-ai-assistant/internal/collector"
	"k8s-ai-assistant/internal/config"
	"k8s-ai-assistant/internal/history"
	"k8s-ai-assistant/internal/llm"
	"k8s-ai-assistant/internal/metrics"
	"k8s-ai-assistant/internal/predictor"
	"k8s-ai-assistant/internal/storage"
)

type brokenRunner struct{}

func (brokenRunner) Run(context.Context, time.Duration, string, ...string) ([]byte, error) {
	return nil, errors.New("gluster: command not found")
}

type testEnv struct {
	clientset *fake.Clientset
	source    *config.StaticSource
	deps      Deps
	router    http.Handler
}

func newEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	replicas := int32(1)
	cs := fake.NewSimpleClientset(
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
			Status:     corev1.PodStatus{Phase: corev1.PodFailed, Reason: "Evicted"},
		},
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "w1"}},
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "shop"},
			Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
		},
	)
	opts := collector.DefaultOptions()
	opts.MetricsCacheTTL = 0
	m := metrics.New()
	col := collector.New(cs, nil, opts, nil, m)
	source := config.NewStaticSource(config.DefaultRuntime())

	env := &testEnv{
		clientset: cs,
		source:    source,
		deps: Deps{
			Collector:  col,
			Executor:   actions.New(cs, actions.WithResolver(col), actions.WithMetrics(m)),
			Classifier: classifier.New(catalog.Default(), history.New()),
			Source:     source,
			Metrics:    m,
			Logger:     zap.NewNop(),
		},
	}
	if mutate != nil {
		mutate(&env.deps)
	}
	env.router = NewRouter(NewHandler(env.deps), nil)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newEnv(t, nil)
	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "UP", decodeBody[map[string]interface{}](t, w)["status"])
}

func TestPreflight(t *testing.T) {
	env := newEnv(t, nil)
	w := env.do(t, http.MethodOptions, "/remediate/x", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestIssuesScansOnDemand(t *testing.T) {
	env := newEnv(t, nil)
	w := env.do(t, http.MethodGet, "/issues", nil)
	require.Equal(t, http.StatusOK, w.Code)

	type issuesResponse struct {
		Issues []struct {
			ID       string `json:"id"`
			Severity string `json:"severity"`
		} `json:"issues"`
		Total int `json:"total"`
	}
	resp := decodeBody[issuesResponse](t, w)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "pod-default-web-failed", resp.Issues[0].ID)
	assert.Equal(t, "critical", resp.Issues[0].Severity)

	_, scannedAt := env.deps.Collector.LastScan()
	assert.False(t, scannedAt.IsZero())
}

func TestRemediateDeletesFailedPodAndAudits(t *testing.T) {
	env := newEnv(t, nil)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/issues", nil).Code)

	w := env.do(t, http.MethodPost, "/remediate/pod-default-web-failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[actions.Result](t, w)
	assert.True(t, res.Success, res.Message)

	_, err := env.clientset.CoreV1().Pods("default").Get(context.Background(), "web", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))

	w = env.do(t, http.MethodGet, "/actions?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	type actionsResponse struct {
		Total   int             `json:"total_actions"`
		Actions []actions.Entry `json:"actions"`
	}
	audit := decodeBody[actionsResponse](t, w)
	assert.Equal(t, 1, audit.Total)
	require.Len(t, audit.Actions, 1)
	assert.Equal(t, actions.StatusSuccess, audit.Actions[0].Status)
	assert.Equal(t, "pod-default-web-failed", audit.Actions[0].Target)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/actions?limit=ten", nil).Code)
}

func TestDebugModeRefusesMutations(t *testing.T) {
	env := newEnv(t, nil)
	require.NoError(t, env.source.Set(config.ForMode(config.ModeDebug)))

	w := env.do(t, http.MethodPost, "/remediate/pod-default-web-failed", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, decodeBody[actions.Result](t, w).Success)

	_, err := env.clientset.CoreV1().Pods("default").Get(context.Background(), "web", metav1.GetOptions{})
	assert.NoError(t, err)
	assert.Zero(t, env.deps.Executor.Audit().Len())
}

func TestBulk(t *testing.T) {
	env := newEnv(t, nil)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/bulk/reboot-everything", nil).Code)

	w := env.do(t, http.MethodPost, "/bulk/restart-failed-pods", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[actions.Result](t, w)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Count)
}

func TestScale(t *testing.T) {
	env := newEnv(t, nil)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/scale", map[string]interface{}{"deployment": "shop/api"}).Code)

	w := env.do(t, http.MethodPost, "/scale", map[string]interface{}{"deployment": "shop/api", "replicas": 3})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[actions.Result](t, w).Success)

	d, err := env.clientset.AppsV1().Deployments("shop").Get(context.Background(), "api", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), *d.Spec.Replicas)
}

func TestLabels(t *testing.T) {
	env := newEnv(t, nil)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/nodes/w1/labels", map[string]interface{}{}).Code)

	w := env.do(t, http.MethodPost, "/nodes/w1/labels", map[string]interface{}{"labels": map[string]string{"tier": "gpu"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[actions.Result](t, w).Success)

	n, err := env.clientset.CoreV1().Nodes().Get(context.Background(), "w1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "gpu", n.Labels["tier"])
}

func TestClassify(t *testing.T) {
	env := newEnv(t, nil)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/classify", map[string]string{"text": " "}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/classify", "not an object").Code)

	w := env.do(t, http.MethodPost, "/classify", ClassifyRequest{Text: "Back-off restarting failed container: CrashLoopBackOff", Record: true})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[struct {
		Result    classifier.Result `json:"result"`
		Threshold int               `json:"threshold_percent"`
	}](t, w)
	assert.Equal(t, catalog.Key("kubernetes_pod_crashloop"), resp.Result.Key)
	assert.Equal(t, config.DefaultConfidenceThreshold, resp.Threshold)
	stats := env.deps.Classifier.History().Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, catalog.Key("kubernetes_pod_crashloop"), stats[0].Key)
	assert.Equal(t, 1, stats[0].Buffered)

	w = env.do(t, http.MethodGet, "/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	seen := decodeBody[struct {
		IssueTypes []history.Stat `json:"issue_types"`
		Count      int            `json:"count"`
	}](t, w)
	assert.Equal(t, 1, seen.Count)
	assert.Equal(t, catalog.Key("kubernetes_pod_crashloop"), seen.IssueTypes[0].Key)
}

func TestAsk(t *testing.T) {
	env := newEnv(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/ask", AskRequest{Question: "hi"}).Code)

	env = newEnv(t, func(d *Deps) { d.Assistant = llm.NewAssistant(nil, d.Classifier, nil) })
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/ask", AskRequest{}).Code)

	w := env.do(t, http.MethodPost, "/ask", AskRequest{Question: "how do I restart a pod?"})
	require.Equal(t, http.StatusOK, w.Code)
	answer := decodeBody[llm.Answer](t, w)
	assert.Equal(t, llm.SourceOffline, answer.Source)
	assert.Contains(t, answer.Text, "kubectl delete pod")

	w = env.do(t, http.MethodPost, "/issues/pod-default-web-failed/investigate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, llm.SourceOffline, decodeBody[llm.Answer](t, w).Source)
}

func TestKubectlCheck(t *testing.T) {
	env := newEnv(t, nil)
	w := env.do(t, http.MethodPost, "/kubectl/check", map[string]string{"command": "kubectl delete ns prod"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody[map[string]interface{}](t, w)["safe"])
}

func TestForecast(t *testing.T) {
	env := newEnv(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/forecast", nil).Code)

	f := predictor.New(t.TempDir(), nil, predictor.WithSeed(1))
	env = newEnv(t, func(d *Deps) {
		d.Forecaster = f
		d.ForecastDays = 2
	})

	w := env.do(t, http.MethodGet, "/forecast", nil)
	require.Equal(t, http.StatusOK, w.Code)
	fc := decodeBody[predictor.Forecast](t, w)
	assert.Equal(t, predictor.CPU, fc.Resource)
	assert.Equal(t, 2, fc.Days)
	for _, p := range fc.Data {
		assert.GreaterOrEqual(t, p.Value, 0.0)
		assert.LessOrEqual(t, p.Value, 100.0)
	}

	w = env.do(t, http.MethodGet, "/forecast?days=1&resource=memory", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, predictor.Memory, decodeBody[predictor.Forecast](t, w).Resource)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/forecast?resource=gpu", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/forecast?days=0", nil).Code)

	w = env.do(t, http.MethodGet, "/forecast/optimize", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decodeBody[map[string]interface{}](t, w), "cluster_efficiency_score")
}

func TestStorage(t *testing.T) {
	env := newEnv(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/storage", nil).Code)

	mon := storage.New("gluster", nil, storage.WithRunner(brokenRunner{}))
	require.Error(t, mon.Refresh(context.Background()))
	env = newEnv(t, func(d *Deps) { d.Storage = mon })

	w := env.do(t, http.MethodGet, "/storage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decodeBody[storage.Report](t, w)
	assert.Equal(t, storage.StatusUnavailable, report.Summary.Status)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/storage/peers/abc/reconnect", nil).Code)
}

func TestRuntimeConfig(t *testing.T) {
	env := newEnv(t, nil)
	w := env.do(t, http.MethodGet, "/config/runtime", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"interactive"`)

	w = env.do(t, http.MethodPut, "/config/runtime", map[string]interface{}{"confidence_threshold": 150})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/config/runtime", map[string]interface{}{"mode": "monitoring", "continuous_monitoring": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, config.ModeMonitoring, env.source.Current().Mode)
	assert.True(t, env.source.Current().ContinuousMonitoring)
}

func TestStatusAndMetrics(t *testing.T) {
	env := newEnv(t, nil)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/issues", nil).Code)

	w := env.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeBody[StatusResponse](t, w)
	assert.Equal(t, "IDLE", status.Status)
	assert.Equal(t, collector.StatusCritical, status.SystemHealth)
	assert.Equal(t, 1, status.Issues["critical"])
	assert.Equal(t, llm.BackendNone, status.LLM.Backend)
	assert.True(t, status.Connected)

	w = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "k8s_ai_assistant_scans_total"))
}

func TestLogs(t *testing.T) {
	env := newEnv(t, func(d *Deps) { d.Logs = collector.NewLogTailer(fake.NewSimpleClientset(), nil, nil) })
	w := env.do(t, http.MethodGet, "/logs?max=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decodeBody[map[string]interface{}](t, w)["count"])
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/logs?max=x", nil).Code)
}

func TestWithoutCluster(t *testing.T) {
	env := newEnv(t, func(d *Deps) {
		d.Collector = collector.New(nil, nil, collector.DefaultOptions(), nil, d.Metrics)
		d.Executor = actions.New(nil, actions.WithResolver(d.Collector))
	})

	w := env.do(t, http.MethodGet, "/issues", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decodeBody[map[string]interface{}](t, w)["total"])

	status := decodeBody[StatusResponse](t, env.do(t, http.MethodGet, "/status", nil))
	assert.False(t, status.Connected)
	assert.Equal(t, collector.StatusHealthy, status.SystemHealth)

	w = env.do(t, http.MethodPost, "/remediate/pod-default-web-failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[actions.Result](t, w)
	assert.False(t, res.Success)
	assert.Equal(t, "Not connected to the cluster", res.Message)

	w = env.do(t, http.MethodPost, "/classify", ClassifyRequest{Text: "No space left on device"})
	assert.Equal(t, http.StatusOK, w.Code)
}

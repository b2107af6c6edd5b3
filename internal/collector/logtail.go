package collector

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"k8s-ai-assistant/internal/metrics"
)

const (
	LogQueueCapacity = 1000
	logTailPods      = 5
	logMessageMax    = 200
)

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Namespace string    `json:"namespace"`
	Pod       string    `json:"pod"`
	Message   string    `json:"message"`
}

// LogTailer samples the latest log line of a few running pods into a
// bounded queue. When the queue is full the oldest entry is dropped.
type LogTailer struct {
	clientset kubernetes.Interface
	logger    *zap.Logger
	metrics   *metrics.Metrics
	queue     chan LogEntry
	now       func() time.Time

	Interval time.Duration
	Backoff  time.Duration
	Since    time.Duration
	// OnEntry, when set, sees every sampled line before it is queued.
	OnEntry func(LogEntry)
}

func NewLogTailer(clientset kubernetes.Interface, logger *zap.Logger, m *metrics.Metrics) *LogTailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTailer{
		clientset: clientset,
		logger:    logger.Named("logtail"),
		metrics:   m,
		queue:     make(chan LogEntry, LogQueueCapacity),
		now:       time.Now,
		Interval:  10 * time.Second,
		Backoff:   30 * time.Second,
		Since:     60 * time.Second,
	}
}

// Run polls until ctx is cancelled. Without a cluster client it returns
// at once.
func (t *LogTailer) Run(ctx context.Context) {
	if t.clientset == nil {
		t.logger.Info("no cluster connection, log tailing disabled")
		return
	}
	for {
		wait := t.Interval
		if err := t.Poll(ctx); err != nil {
			t.logger.Warn("log tail pass failed", zap.Error(err))
			wait = t.Backoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Poll reads one line from up to five running pods.
func (t *LogTailer) Poll(ctx context.Context) error {
	if t.clientset == nil {
		return nil
	}
	pods, err := t.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "status.phase=Running",
	})
	if err != nil {
		return err
	}

	tail := int64(1)
	since := int64(t.Since.Seconds())
	sampled := 0
	for _, pod := range pods.Items {
		if sampled == logTailPods {
			break
		}
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		sampled++

		raw, err := t.clientset.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			TailLines:    &tail,
			SinceSeconds: &since,
		}).DoRaw(ctx)
		if err != nil {
			t.logger.Debug("could not read pod logs", zap.String("pod", pod.Namespace+"/"+pod.Name), zap.Error(err))
			continue
		}
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			continue
		}
		e := LogEntry{Timestamp: t.now(), Namespace: pod.Namespace, Pod: pod.Name, Message: tailMessage(msg)}
		if t.OnEntry != nil {
			t.OnEntry(e)
		}
		t.push(e)
	}
	t.metrics.SetLogQueueDepth(len(t.queue))
	return nil
}

// tailMessage keeps at most the last logMessageMax bytes of msg, starting
// on a rune boundary.
func tailMessage(msg string) string {
	if len(msg) <= logMessageMax {
		return msg
	}
	cut := len(msg) - logMessageMax
	for cut < len(msg) && !utf8.RuneStart(msg[cut]) {
		cut++
	}
	return msg[cut:]
}

func (t *LogTailer) push(e LogEntry) {
	for {
		select {
		case t.queue <- e:
			return
		default:
		}
		select {
		case <-t.queue:
		default:
		}
	}
}

// Next returns the oldest queued entry without blocking.
func (t *LogTailer) Next() (LogEntry, bool) {
	select {
	case e := <-t.queue:
		return e, true
	default:
		return LogEntry{}, false
	}
}

// Drain removes up to max entries, oldest first.
func (t *LogTailer) Drain(max int) []LogEntry {
	out := []LogEntry{}
	for len(out) < max {
		e, ok := t.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	t.metrics.SetLogQueueDepth(len(t.queue))
	return out
}

func (t *LogTailer) Len() int { return len(t.queue) }

package collector

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// restartDescription explains a restart issue from the restart rate and the
// container's last termination.
func restartDescription(pod *corev1.Pod, cs corev1.ContainerStatus, now time.Time) string {
	desc := fmt.Sprintf("%d restarts, %s", cs.RestartCount, restartPattern(pod, cs.RestartCount, now))
	if cause := terminationCause(cs); cause != "" {
		desc += "; " + cause
	}
	return desc
}

func restartPattern(pod *corev1.Pod, restarts int32, now time.Time) string {
	age := now.Sub(pod.CreationTimestamp.Time)
	switch {
	case restarts >= 10:
		return "crash loop: persistent application crashes"
	case age > 0 && age < time.Hour:
		return "rapid restarts: likely a configuration issue"
	case age > 0 && float64(restarts)/age.Hours() > 0.1:
		return "periodic restarts: possible memory leak"
	}
	return "restarts accumulated over the pod lifetime"
}

func terminationCause(cs corev1.ContainerStatus) string {
	t := cs.LastTerminationState.Terminated
	if t == nil {
		return ""
	}
	if t.Reason == "OOMKilled" {
		return "last termination: out of memory killed"
	}
	switch t.ExitCode {
	case 137:
		return "last termination: killed by SIGKILL (OOM or system)"
	case 143:
		return "last termination: SIGTERM"
	case 1:
		return "last termination: application error exit"
	}
	if t.Reason != "" {
		return fmt.Sprintf("last termination: %s (exit code %d)", t.Reason, t.ExitCode)
	}
	return ""
}

package llm

import (
	"fmt"
	"strings"

	"k8s-ai-assistant/internal/classifier"
)

// intents are checked in order; the first one with a keyword in the
// question wins.
var intents = []struct {
	action   string
	keywords []string
}{
	{"restart", []string{"restart", "reboot", "reload"}},
	{"scale", []string{"scale", "increase", "decrease", "replicas"}},
	{"delete", []string{"delete", "remove", "clean"}},
	{"check", []string{"check", "status", "health", "describe"}},
	{"troubleshoot", []string{"troubleshoot", "debug", "investigate", "problem", "issue"}},
	{"logs", []string{"logs", "log", "events"}},
	{"create", []string{"create", "deploy", "add"}},
	{"update", []string{"update", "modify", "change", "edit"}},
}

var resourceKinds = []string{
	"pod", "node", "service", "deployment", "configmap", "secret",
	"pv", "pvc", "namespace", "ingress", "job", "cronjob",
}

var problemWords = []string{"problem", "issue", "error", "fail", "broken"}

func detectIntent(question string) string {
	q := strings.ToLower(question)
	for _, in := range intents {
		for _, k := range in.keywords {
			if strings.Contains(q, k) {
				return in.action
			}
		}
	}
	return ""
}

func mentionedResources(question string) []string {
	q := strings.ToLower(question)
	var out []string
	for _, r := range resourceKinds {
		if strings.Contains(q, r) {
			out = append(out, r)
		}
	}
	return out
}

func actionCommands(action string, resources []string) []string {
	var cmds []string
	for _, r := range resources {
		switch {
		case action == "restart" && r == "pod":
			cmds = append(cmds,
				"- Restart pods: `kubectl delete pod <pod-name>`",
				"- Restart deployment: `kubectl rollout restart deployment <deployment-name>`")
		case action == "scale" && (r == "deployment" || r == "pod"):
			cmds = append(cmds, "- Scale deployment: `kubectl scale deployment <name> --replicas=<number>`")
		case action == "check":
			cmds = append(cmds,
				fmt.Sprintf("- Check %s status: `kubectl get %s`", r, r),
				fmt.Sprintf("- Describe %s: `kubectl describe %s <name>`", r, r))
		case action == "logs" && r == "pod":
			cmds = append(cmds,
				"- View logs: `kubectl logs <pod-name>`",
				"- Follow logs: `kubectl logs -f <pod-name>`")
		case action == "delete":
			cmds = append(cmds, fmt.Sprintf("- Delete %s: `kubectl delete %s <name>`", r, r))
		case action == "create":
			cmds = append(cmds, fmt.Sprintf("- Create %s: `kubectl create %s <name> [options]`", r, r))
		}
	}
	if len(cmds) == 0 {
		return []string{fmt.Sprintf("- Use: `kubectl %s %s <name>`", action, resources[0])}
	}
	return cmds
}

// offlineAnswer builds a response from keyword rules and the catalog match.
// It always ends with the offline note.
func offlineAnswer(question string, match *classifier.Result) string {
	var parts []string

	if match != nil {
		parts = append(parts, fmt.Sprintf("**Known issue: %s (severity %s, confidence %.0f%%)**", match.Key, match.Severity, match.Confidence*100))
		for i, s := range match.Steps {
			parts = append(parts, fmt.Sprintf("%d. %s", i+1, s))
		}
		if match.RootCause != "" {
			parts = append(parts, "Likely root cause: "+match.RootCause)
		}
		parts = append(parts, "")
	}

	action, resources := detectIntent(question), mentionedResources(question)
	if action != "" && len(resources) > 0 {
		parts = append(parts, fmt.Sprintf("**For %s operations on %s:**", action, strings.Join(resources, ", ")))
		parts = append(parts, actionCommands(action, resources)...)
		parts = append(parts, "")
	}

	q := strings.ToLower(question)
	for _, w := range problemWords {
		if strings.Contains(q, w) {
			parts = append(parts,
				"**General troubleshooting steps:**",
				"1. Check resource status: `kubectl get pods,nodes,services`",
				"2. Review recent events: `kubectl get events --sort-by=.metadata.creationTimestamp`",
				"3. Examine logs: `kubectl logs <resource-name>`",
				"4. Describe problematic resources: `kubectl describe <resource-type> <name>`",
				"")
			break
		}
	}

	parts = append(parts, offlineNote)
	return strings.Join(parts, "\n")
}

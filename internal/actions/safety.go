package actions

import (
	"regexp"
	"strings"
)

// autoSafePatterns are the only identifiers eligible for unattended
// remediation. Everything else needs a manual call.
var autoSafePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^pod-.*-failed`),
	regexp.MustCompile(`^container-.*-not-ready`),
}

// IsSafeToAutoRemediate reports whether id may be remediated without an
// operator.
func IsSafeToAutoRemediate(id string) bool {
	for _, re := range autoSafePatterns {
		if re.MatchString(id) {
			return true
		}
	}
	return false
}

var readOnlyVerbs = map[string]bool{
	"get":           true,
	"describe":      true,
	"logs":          true,
	"top":           true,
	"explain":       true,
	"version":       true,
	"cluster-info":  true,
	"config":        true,
	"api-resources": true,
	"api-versions":  true,
}

// IsSafeKubectl reports whether a kubectl command line only reads cluster
// state. The leading "kubectl" is optional.
func IsSafeKubectl(command string) bool {
	fields := strings.Fields(command)
	if len(fields) > 0 && fields[0] == "kubectl" {
		fields = fields[1:]
	}
	for _, f := range fields {
		if strings.HasPrefix(f, "-") {
			continue
		}
		return readOnlyVerbs[f]
	}
	return false
}

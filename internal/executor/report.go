package executor

import (
	"fmt"
	"strings"

	"github.com/petrijr/fluxrun/pkg/api"
)

var displayNames = map[string]string{
	"slack":      "Slack",
	"github":     "GitHub",
	"newsletter": "Newsletter",
	"grants":     "Grants",
}

// DisplayName returns the human-readable name of system.
func DisplayName(system string) string {
	if name, ok := displayNames[system]; ok {
		return name
	}
	if system == "" {
		return system
	}
	return strings.ToUpper(system[:1]) + system[1:]
}

// Report renders a checklist with one SUCCESS or FAIL line per result, in
// the given order. Failed systems are followed by recommended next actions.
func Report(results []api.StepResult) string {
	var b strings.Builder
	b.WriteString("Onboarding report\n")

	var failed []api.StepResult
	for _, r := range results {
		name := DisplayName(r.System)
		if r.Failed() {
			failed = append(failed, r)
			fmt.Fprintf(&b, "- [FAIL] %s", name)
			if r.ErrorCode != "" {
				fmt.Fprintf(&b, " (%s)", r.ErrorCode)
			}
			fmt.Fprintf(&b, ": %s", r.Details)
		} else {
			fmt.Fprintf(&b, "- [SUCCESS] %s: %s", name, r.Details)
		}
		if r.Attempt > 1 {
			fmt.Fprintf(&b, " (attempts: %d)", r.Attempt)
		}
		b.WriteByte('\n')
	}

	if len(failed) == 0 {
		fmt.Fprintf(&b, "All %d systems provisioned.", len(results))
		return b.String()
	}

	b.WriteString("Recommended next actions:\n")
	for _, r := range failed {
		name := DisplayName(r.System)
		switch {
		case r.Retryable:
			fmt.Fprintf(&b, "- Retry %s provisioning once the upstream issue is resolved.\n", name)
		case r.ErrorCode == "MISSING_COMPANY_NAME":
			fmt.Fprintf(&b, "- Provide a company name and relaunch %s provisioning.\n", name)
		default:
			fmt.Fprintf(&b, "- Investigate the %s failure manually before retrying.\n", name)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

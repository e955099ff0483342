package executor

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/petrijr/fluxrun/pkg/api"
)

// Provisioner sets up one external system for a company.
//
// Provision never returns an error: every outcome, including invalid input,
// is reported as a StepResult so it can be recorded in the run's log.
type Provisioner interface {
	System() string
	Provision(ctx context.Context, in api.StepInput) api.StepResult
}

// ProvisionFunc adapts a function to the Provisioner interface.
type ProvisionFunc func(ctx context.Context, in api.StepInput) api.StepResult

type funcProvisioner struct {
	system string
	fn     ProvisionFunc
}

// NewProvisioner returns a Provisioner for system backed by fn.
func NewProvisioner(system string, fn ProvisionFunc) Provisioner {
	return funcProvisioner{system: system, fn: fn}
}

func (p funcProvisioner) System() string { return p.system }

func (p funcProvisioner) Provision(ctx context.Context, in api.StepInput) api.StepResult {
	return p.fn(ctx, in)
}

const missingCompanyDetails = "Company name is required but was not provided or is empty."

// templateProvisioner renders a fixed detail line. {company} and {slug} are
// substituted.
type templateProvisioner struct {
	system   string
	template string
}

func (p templateProvisioner) System() string { return p.system }

func (p templateProvisioner) Provision(ctx context.Context, in api.StepInput) api.StepResult {
	company, err := in.CompanyName()
	if err != nil {
		code := "INTERNAL_ERROR"
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.Code != "" {
			code = apiErr.Code
		}
		res := api.NewStepResult(p.system, api.StepError, missingCompanyDetails)
		res.ErrorCode = code
		return res
	}

	details := strings.NewReplacer(
		"{company}", company,
		"{slug}", SanitizeSlug(company),
	).Replace(p.template)
	return api.NewStepResult(p.system, api.StepSuccess, details)
}

func SlackProvisioner() Provisioner {
	return templateProvisioner{"slack", "Slack provisioned for {company}: channel=#welcome-{slug}"}
}

func GitHubProvisioner() Provisioner {
	return templateProvisioner{"github", "GitHub provisioned for {company}: repo={slug}-onboarding"}
}

func NewsletterProvisioner() Provisioner {
	return templateProvisioner{"newsletter", "Newsletter audience created for {company}: list_id=list_{slug}"}
}

func GrantsProvisioner() Provisioner {
	return templateProvisioner{"grants", "Grants tracker initialized for {company}: grant_board=grants-{slug}"}
}

// DefaultProvisioners returns the onboarding systems in report order.
func DefaultProvisioners() []Provisioner {
	return []Provisioner{
		SlackProvisioner(),
		GitHubProvisioner(),
		NewsletterProvisioner(),
		GrantsProvisioner(),
	}
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeSlug lower-cases company and collapses every run of characters
// outside [a-z0-9] into a single '-'. An empty result becomes "unknown".
func SanitizeSlug(company string) string {
	slug := strings.ToLower(strings.TrimSpace(company))
	slug = slugUnsafe.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "unknown"
	}
	return slug
}

// StepName is the step label used in the run log for system.
func StepName(system string) string {
	return "provision_" + system
}

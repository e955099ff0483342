package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxrun/internal/executor"
	"github.com/petrijr/fluxrun/pkg/api"
)

func (a *app) newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and control workflow runs",
	}
	cmd.AddCommand(
		a.newRunsListCmd(),
		a.newRunsShowCmd(),
		a.newRunsContextCmd(),
		a.newRunsLaunchCmd(),
		a.newRunsPauseCmd(),
		a.newRunsResumeCmd(),
		a.newRunsApproveCmd(),
		a.newRunsProvisionCmd(),
	)
	return cmd
}

// withLifecycle opens the store for the duration of fn.
func (a *app) withLifecycle(cmd *cobra.Command, fn func(lc api.Lifecycle) error) error {
	lc, backend, err := a.openLifecycle(cmd.Context())
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(lc)
}

func (a *app) newRunsListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs (active runs unless --status is given)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLifecycle(cmd, func(lc api.Lifecycle) error {
				runs, err := lc.List(cmd.Context(), api.ListOptions{Status: status})
				if err != nil {
					return err
				}
				printRunTable(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list runs with this status")
	return cmd
}

func (a *app) newRunsShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLifecycle(cmd, func(lc api.Lifecycle) error {
				run, err := lc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(run)
				}
				printRun(out, run)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full run, events included, as JSON")
	return cmd
}

func (a *app) newRunsContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "context <run_id>",
		Short: "Print the rendered event log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLifecycle(cmd, func(lc api.Lifecycle) error {
				run, err := lc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), run.RenderContext())
				return nil
			})
		},
	}
}

func (a *app) newRunsLaunchCmd() *cobra.Command {
	var session, key string
	cmd := &cobra.Command{
		Use:   "launch <company_name>",
		Short: "Launch a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLifecycle(cmd, func(lc api.Lifecycle) error {
				res, err := lc.Launch(cmd.Context(), api.LaunchRequest{
					CompanyName:    args[0],
					SessionID:      session,
					IdempotencyKey: key,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Created {
					fmt.Fprintf(out, "Run launched for company '%s'.\n", res.Run.CompanyName)
				} else {
					fmt.Fprintln(out, "Run already exists (idempotent).")
				}
				printRun(out, res.Run)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id (generated when empty)")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "collapse repeated launches with the same key to one run")
	return cmd
}

func (a *app) newRunsPauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <run_id>",
		Short: "Pause a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLifecycle(cmd, func(lc api.Lifecycle) error {
				run, err := lc.Pause(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Run paused.")
				printRun(cmd.OutOrStdout(), run)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the pause")
	return cmd
}

func (a *app) newRunsResumeCmd() *cobra.Command {
	var data map[string]string
	cmd := &cobra.Command{
		Use:   "resume <run_id>",
		Short: "Resume a paused or approval-waiting run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := make(map[string]any, len(data))
			for k, v := range data {
				payload[k] = v
			}
			return a.withLifecycle(cmd, func(lc api.Lifecycle) error {
				run, err := lc.Resume(cmd.Context(), args[0], payload)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Run resumed.")
				printRun(cmd.OutOrStdout(), run)
				return nil
			})
		},
	}
	cmd.Flags().StringToStringVar(&data, "data", nil, "key=value pairs recorded with the resume")
	return cmd
}

func (a *app) newRunsApproveCmd() *cobra.Command {
	var (
		deny      bool
		responder string
		comment   string
	)
	cmd := &cobra.Command{
		Use:   "approve <run_id>",
		Short: "Approve (or with --deny, reject) a run awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLifecycle(cmd, func(lc api.Lifecycle) error {
				run, err := lc.ReceiveApproval(cmd.Context(), args[0], api.ApprovalDecision{
					Approved:  !deny,
					Responder: responder,
					Comment:   comment,
				})
				if err != nil {
					return err
				}
				if deny {
					fmt.Fprintln(cmd.OutOrStdout(), "Approval denied, run marked as failed.")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Approval received.")
				}
				printRun(cmd.OutOrStdout(), run)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&deny, "deny", false, "deny instead of approve")
	cmd.Flags().StringVar(&responder, "responder", "", "who made the decision")
	cmd.Flags().StringVar(&comment, "comment", "", "free-form comment")
	return cmd
}

func (a *app) newRunsProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision <run_id>",
		Short: "Provision every onboarding system for a running run",
		Long: `Run the onboarding executor against a run. Systems already provisioned
in earlier attempts are skipped. Failures that exhaust their retries are
escalated and leave the run awaiting approval.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLifecycle(cmd, func(lc api.Lifecycle) error {
				outcome, err := a.newRunner(lc).Run(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				switch {
				case outcome.Stopped:
					fmt.Fprintf(out, "Run is %s; nothing provisioned.\n", outcome.Run.Status)
				case outcome.Escalated:
					fmt.Fprintln(out, "Provisioning escalated to a human operator.")
				default:
					fmt.Fprintln(out, "Provisioning completed.")
				}
				if outcome.Report != "" {
					fmt.Fprintln(out, outcome.Report)
				}
				printRun(out, outcome.Run)
				return nil
			})
		},
	}
}

func (a *app) newRunner(lc api.Lifecycle) *executor.Runner {
	return executor.NewRunner(lc,
		executor.WithMaxStepRetries(a.cfg.Executor.MaxStepRetries),
		executor.WithConcurrency(a.cfg.Executor.Concurrency),
		executor.WithLogger(a.logger),
	)
}

func printRun(w io.Writer, run *api.RunState) {
	if run == nil {
		return
	}
	fmt.Fprintf(w, "run_id:      %s\n", run.RunID)
	fmt.Fprintf(w, "status:      %s\n", run.Status)
	fmt.Fprintf(w, "company:     %s\n", run.CompanyName)
	fmt.Fprintf(w, "session_id:  %s\n", run.SessionID)
	fmt.Fprintf(w, "events:      %d\n", run.EventCount())
	fmt.Fprintf(w, "created_at:  %s\n", run.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "updated_at:  %s\n", run.UpdatedAt.Format(time.RFC3339))
}

func printRunTable(w io.Writer, runs []*api.RunState) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTATUS\tCOMPANY\tEVENTS\tUPDATED")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			run.RunID, run.Status, run.CompanyName, run.EventCount(), run.UpdatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

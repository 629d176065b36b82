package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metalagman/deeprun/internal/contract"
	"github.com/metalagman/deeprun/internal/kernel"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Queue and inspect runs",
	}
	cmd.AddCommand(runQueueCmd())
	cmd.AddCommand(runResumeCmd())
	cmd.AddCommand(runForkCmd())
	cmd.AddCommand(runCancelCmd())
	cmd.AddCommand(runShowCmd())
	cmd.AddCommand(runListCmd())
	cmd.AddCommand(runValidateCmd())
	return cmd
}

// jobFlags are shared by every command that enqueues a dispatch job.
type jobFlags struct {
	role string
	caps []string
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.role, "role", "", "worker role the job targets (default any)")
	cmd.Flags().StringSliceVar(&f.caps, "caps", nil, "capabilities the worker must advertise")
}

func parseOverrides(raw string) (contract.Overrides, error) {
	var o contract.Overrides
	if raw == "" {
		return o, nil
	}
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return o, fmt.Errorf("parse overrides: %w", err)
	}
	return o, nil
}

func runQueueCmd() *cobra.Command {
	var (
		profile   string
		overrides string
		seed      int64
		jf        jobFlags
	)
	cmd := &cobra.Command{
		Use:   "queue <project-id> <prompt>",
		Short: "Queue a new run against the project's main branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ov, err := parseOverrides(overrides)
			if err != nil {
				return err
			}

			var k *kernel.Kernel
			teardown, err := withRuntime(cmd.Context(), &k)
			if err != nil {
				return err
			}
			defer teardown()

			run, err := k.QueueRun(cmd.Context(), kernel.QueueRunParams{
				ProjectID:            args[0],
				Prompt:               args[1],
				Profile:              contract.Profile(profile),
				Overrides:            ov,
				Policy:               contract.Request{RandomnessSeed: seed},
				TargetRole:           jf.role,
				RequiredCapabilities: jf.caps,
			})
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
	cmd.Flags().StringVar(&profile, "profile", string(contract.ProfileFull), "execution profile (full, ci, smoke)")
	cmd.Flags().StringVar(&overrides, "overrides", "", "execution config overrides as JSON, e.g. '{\"maxFilesPerStep\":5}'")
	cmd.Flags().Int64Var(&seed, "seed", 0, "randomness seed frozen into the contract")
	jf.register(cmd)
	return cmd
}

func runResumeCmd() *cobra.Command {
	var (
		profile    string
		overrides  string
		seed       int64
		allowDrift bool
		fork       bool
		jf         jobFlags
	)
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a terminal run from its last valid commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ov, err := parseOverrides(overrides)
			if err != nil {
				return err
			}

			var k *kernel.Kernel
			teardown, err := withRuntime(cmd.Context(), &k)
			if err != nil {
				return err
			}
			defer teardown()

			run, err := k.QueueResumeRun(cmd.Context(), kernel.ResumeRunParams{
				RunID:                args[0],
				Profile:              contract.Profile(profile),
				Overrides:            ov,
				Policy:               contract.Request{RandomnessSeed: seed},
				AllowDrift:           allowDrift,
				Fork:                 fork,
				TargetRole:           jf.role,
				RequiredCapabilities: jf.caps,
			})
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "execution profile (defaults to the run's persisted profile)")
	cmd.Flags().StringVar(&overrides, "overrides", "", "execution config overrides as JSON")
	cmd.Flags().Int64Var(&seed, "seed", 0, "randomness seed for the resumed contract")
	cmd.Flags().BoolVar(&allowDrift, "allow-drift", false, "accept an execution config differing from the persisted one and rewrite the contract")
	cmd.Flags().BoolVar(&fork, "fork", false, "resume onto a fresh lineage with an empty plan")
	jf.register(cmd)
	return cmd
}

func runForkCmd() *cobra.Command {
	var (
		stepIndex int
		attempt   int
		jf        jobFlags
	)
	cmd := &cobra.Command{
		Use:   "fork <run-id>",
		Short: "Branch a new run off a committed step of a terminal run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var k *kernel.Kernel
			teardown, err := withRuntime(cmd.Context(), &k)
			if err != nil {
				return err
			}
			defer teardown()

			run, err := k.ForkRun(cmd.Context(), kernel.ForkRunParams{
				RunID:                args[0],
				StepIndex:            stepIndex,
				Attempt:              attempt,
				TargetRole:           jf.role,
				RequiredCapabilities: jf.caps,
			})
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
	cmd.Flags().IntVar(&stepIndex, "step", 0, "1-based index of the step to fork from")
	cmd.Flags().IntVar(&attempt, "attempt", 1, "step attempt to fork from")
	_ = cmd.MarkFlagRequired("step")
	jf.register(cmd)
	return cmd
}

func runCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var k *kernel.Kernel
			teardown, err := withRuntime(cmd.Context(), &k)
			if err != nil {
				return err
			}
			defer teardown()
			return k.CancelRun(cmd.Context(), args[0])
		},
	}
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its steps, timeline and telemetry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var k *kernel.Kernel
			teardown, err := withRuntime(cmd.Context(), &k)
			if err != nil {
				return err
			}
			defer teardown()

			detail, err := k.GetRunWithSteps(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(detail)
		},
	}
}

func runListCmd() *cobra.Command {
	var (
		cursor string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List the project's runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var k *kernel.Kernel
			teardown, err := withRuntime(cmd.Context(), &k)
			if err != nil {
				return err
			}
			defer teardown()

			page, err := k.ListRuns(cmd.Context(), args[0], cursor, limit)
			if err != nil {
				return err
			}
			return printJSON(page)
		},
	}
	cmd.Flags().StringVar(&cursor, "cursor", "", "opaque cursor from a previous page")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	return cmd
}

func runValidateCmd() *cobra.Command {
	var v1Ready bool
	cmd := &cobra.Command{
		Use:   "validate <run-id>",
		Short: "Run the output validation pipeline over a terminal run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var k *kernel.Kernel
			teardown, err := withRuntime(cmd.Context(), &k)
			if err != nil {
				return err
			}
			defer teardown()

			report, v1, err := k.ValidateRunOutput(cmd.Context(), args[0], kernel.ValidateOptions{
				V1Ready: v1Ready,
			})
			if err != nil {
				return err
			}
			out := struct {
				Report  any `json:"report"`
				V1Ready any `json:"v1Ready,omitempty"`
			}{Report: report}
			if v1 != nil {
				out.V1Ready = v1
			}
			return printJSON(out)
		},
	}
	cmd.Flags().BoolVar(&v1Ready, "v1-ready", false, "additionally run the strict readiness probes")
	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/rehouzd/skiptrace/internal/grant"
	"github.com/rehouzd/skiptrace/internal/ledger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker for monthly credit grants",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("worker"); err != nil {
			return err
		}
		ctx := cmd.Context()

		policy, closeStore, err := buildGrantPolicy(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		tc, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
			Logger:    grant.NewLogger(zap.L()),
		})
		if err != nil {
			return eris.Wrapf(err, "connect temporal %s", cfg.Temporal.HostPort)
		}
		defer tc.Close()
		zap.L().Info("connected to temporal", zap.String("namespace", cfg.Temporal.Namespace))

		if cfg.Temporal.GrantCron != "" {
			if err := grant.EnsureSchedule(ctx, tc, cfg.Temporal.TaskQueue, cfg.Temporal.GrantCron); err != nil {
				return err
			}
		}

		w := worker.New(tc, cfg.Temporal.TaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: 2,
		})
		grant.Register(w, &grant.Activities{Policy: policy})

		zap.L().Info("worker started", zap.String("task_queue", cfg.Temporal.TaskQueue))
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "worker run")
		}
		return nil
	},
}

var grantRunCmd = &cobra.Command{
	Use:   "grant-cycle",
	Short: "Run one credit grant cycle now, without Temporal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		policy, closeStore, err := buildGrantPolicy(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		at := time.Now()
		if month, _ := cmd.Flags().GetString("month"); month != "" {
			if at, err = time.Parse("2006-01", month); err != nil {
				return eris.Wrap(err, "--month must look like 2026-10")
			}
		}
		res, err := policy.RunCycle(cmd.Context(), at)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cycle %s: %d eligible, %d granted (%d credits), %d already granted, %d unknown plan\n",
			res.Cycle, res.Eligible, res.Granted, res.Credits, res.Skipped, res.Unknown)
		return nil
	},
}

func buildGrantPolicy(cmd *cobra.Command) (*grant.Policy, func(), error) {
	plans, err := grant.LoadPlans(cfg.Grant.PlansFile)
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	l := ledger.New(st, cfg.Ledger.ConflictRetryAttempts)
	return grant.NewPolicy(st, l, plans, cfg.Grant.Concurrency), func() { st.Close() }, nil //nolint:errcheck
}

func init() {
	grantRunCmd.Flags().String("month", "", "cycle to grant as YYYY-MM (default current month)")
	rootCmd.AddCommand(workerCmd, grantRunCmd)
}

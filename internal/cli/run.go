package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/casehawk/internal/processor"
	"github.com/telhawk-systems/casehawk/internal/tasks"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an operation in this process, bypassing the queue",
	Example: `  casehawk run --file 41 --op full
  casehawk run --case 12 --op ioc-hunt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, caseID, err := target(cmd)
		if err != nil {
			return err
		}
		op, err := operationFlag(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if fileID > 0 {
			out := a.Processor.Run(ctx, fileID, op)
			if err := printOutcomes([]*processor.Outcome{out}); err != nil {
				return err
			}
			return outcomeErr(out)
		}

		outcomes, err := a.Processor.RunCase(ctx, caseID, op)
		if perr := printOutcomes(outcomes); perr != nil {
			return perr
		}
		return err
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue an operation for the workers",
	Example: `  casehawk submit --file 41 --op reindex --wait
  casehawk submit --case 12 --op rule-scan`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, caseID, err := target(cmd)
		if err != nil {
			return err
		}
		op, err := operationFlag(cmd)
		if err != nil {
			return err
		}
		wait, _ := cmd.Flags().GetBool("wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if wait && caseID > 0 {
			return fmt.Errorf("--wait needs --file; follow case-wide results with status --case")
		}

		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		queue, err := tasks.Connect(cfg.NATS, "casehawk-cli", logger.Logger)
		if err != nil {
			return err
		}
		defer queue.Close()

		task := tasks.NewCaseTask(caseID, op, operatorName())
		if fileID > 0 {
			task = tasks.NewFileTask(fileID, op, operatorName())
		}

		var watch *tasks.Watch
		if wait {
			// Subscribe first so a fast worker's result is not missed.
			if watch, err = queue.Watch(fileID); err != nil {
				return err
			}
			defer watch.Close()
		}

		if err := queue.Submit(ctx, task); err != nil {
			return err
		}
		if !wait {
			return render(task, func() { Success("queued %s (task %s)", op, task.ID) })
		}

		Info("queued %s (task %s); waiting for the result", op, task.ID)
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var out *processor.Outcome
		for {
			out, err = watch.Next(wctx)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("no result within %s; the task stays queued", timeout)
				}
				return err
			}
			if !out.Retryable {
				break
			}
			Warn("attempt failed (%s), the task will be retried: %s", out.ErrorClass, out.Message)
		}
		if err := printOutcomes([]*processor.Outcome{out}); err != nil {
			return err
		}
		return outcomeErr(out)
	},
}

// outcomeErr makes a failed operation exit non-zero.
func outcomeErr(out *processor.Outcome) error {
	if out.Status == processor.StatusError {
		return fmt.Errorf("operation failed (%s)", out.ErrorClass)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)

	addTargetFlags(runCmd)
	runCmd.Flags().String("op", "full", "operation: full, reindex, rule-scan, ioc-hunt")

	addTargetFlags(submitCmd)
	submitCmd.Flags().String("op", "full", "operation: full, reindex, rule-scan, ioc-hunt")
	submitCmd.Flags().Bool("wait", false, "wait for the result (--file only)")
	submitCmd.Flags().Duration("timeout", 30*time.Minute, "how long --wait waits")
}

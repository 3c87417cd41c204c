package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"subflow/internal/domain"
	"subflow/internal/schedule"
	"subflow/internal/scheduler"
)

func cronCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "cron", Short: "Manage cron definitions"}
	cmd.AddCommand(cronAddCmd(a), cronListCmd(a), cronDeleteCmd(a), cronTickCmd(a))
	return cmd
}

func cronAddCmd(a *app) *cobra.Command {
	var (
		name, expr, taskType, job, sub string
		priority, maxAttempts          int
		timeout                        time.Duration
		disabled                       bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a cron definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || expr == "" || taskType == "" {
				return fmt.Errorf("--name, --expr and --type are required")
			}
			if err := schedule.Validate(expr); err != nil {
				return err
			}
			now := time.Now().UTC()
			next, err := schedule.Evaluate(expr, now)
			if err != nil {
				return err
			}
			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()

			def := domain.CronDefinition{
				Name:        name,
				CronExpr:    expr,
				TaskType:    taskType,
				Job:         []byte(job),
				NextRun:     next,
				Status:      domain.CronActive,
				Priority:    priority,
				MaxAttempts: maxAttempts,
				TimeoutMs:   timeout.Milliseconds(),
				CreatedAt:   now,
			}
			if disabled {
				def.Status = domain.CronDisabled
			}
			if sub != "" {
				def.SubscriptionRef = &sub
			}
			id, err := repo.CreateCron(cmdContext(cmd), def)
			if err != nil {
				return err
			}
			fmt.Printf("%s next_run=%s\n", id, next.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&expr, "expr", "", "five-field cron expression or descriptor such as @hourly")
	cmd.Flags().StringVar(&taskType, "type", "", "task type of materialized tasks")
	cmd.Flags().StringVar(&job, "job", "{}", "job payload copied into each task")
	cmd.Flags().IntVar(&priority, "priority", domain.DefaultPriority, "priority of materialized tasks")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", domain.DefaultMaxAttempts, "max attempts of materialized tasks")
	cmd.Flags().DurationVar(&timeout, "timeout", domain.DefaultTimeoutMs*time.Millisecond, "timeout of materialized tasks")
	cmd.Flags().StringVar(&sub, "subscription", "", "subscription id")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create without scheduling")
	return cmd
}

func cronListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cron definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()
			crons, err := repo.ListCrons(cmdContext(cmd))
			if err != nil {
				return err
			}
			return printJSON(crons)
		},
	}
}

func cronDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a cron definition that is not being fired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()
			return repo.DeleteCron(cmdContext(cmd), args[0], time.Now().UTC())
		},
	}
}

// cronTickCmd runs a single tick, for deployments that drive cron from an
// external timer instead of serve.
func cronTickCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Materialize every due cron definition once",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()
			svc := scheduler.NewService(repo, a.workerID(), a.cfg.CronTick)
			n, err := svc.Tick(cmdContext(cmd), time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("fired %d\n", n)
			return nil
		},
	}
}

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"subflow/internal/domain"
)

func taskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskEnqueueCmd(a), taskListCmd(a), taskGetCmd(a), taskRetryCmd(a), taskDeleteCmd(a), statsCmd(a))
	return cmd
}

func taskEnqueueCmd(a *app) *cobra.Command {
	var (
		taskType, job, sub, idem string
		priority, maxAttempts    int
		timeout, delay           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a task to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskType == "" {
				return fmt.Errorf("--type is required")
			}
			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()

			t := domain.Task{
				TaskType:    taskType,
				Job:         []byte(job),
				Priority:    priority,
				MaxAttempts: maxAttempts,
				TimeoutMs:   timeout.Milliseconds(),
			}
			if delay > 0 {
				t.RunAt = time.Now().UTC().Add(delay)
			}
			if sub != "" {
				t.SubscriptionRef = &sub
			}
			if idem != "" {
				t.IdempotencyKey = &idem
			}
			id, err := repo.Enqueue(cmdContext(cmd), t)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "task type (handler name)")
	cmd.Flags().StringVar(&job, "job", "{}", "job payload passed to the handler")
	cmd.Flags().IntVar(&priority, "priority", domain.DefaultPriority, "higher runs first")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", domain.DefaultMaxAttempts, "attempts before the task fails")
	cmd.Flags().DurationVar(&timeout, "timeout", domain.DefaultTimeoutMs*time.Millisecond, "lease and execution timeout")
	cmd.Flags().DurationVar(&delay, "delay", 0, "run no earlier than now+delay")
	cmd.Flags().StringVar(&sub, "subscription", "", "subscription id")
	cmd.Flags().StringVar(&idem, "idempotency-key", "", "return the existing task for a repeated key")
	return cmd
}

// filterFlags binds the flags shared by list, retry and delete.
type filterFlags struct {
	ids, statuses       []string
	taskType, cron, sub string
	locked, unlocked    bool
}

func (ff *filterFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&ff.ids, "id", nil, "task ids")
	cmd.Flags().StringSliceVar(&ff.statuses, "status", nil, "pending, done or failed")
	cmd.Flags().StringVar(&ff.taskType, "type", "", "task type")
	cmd.Flags().StringVar(&ff.cron, "cron", "", "cron definition id")
	cmd.Flags().StringVar(&ff.sub, "subscription", "", "subscription id")
	cmd.Flags().BoolVar(&ff.locked, "locked", false, "only tasks under a live lease")
	cmd.Flags().BoolVar(&ff.unlocked, "unlocked", false, "only tasks without a live lease")
}

func (ff *filterFlags) filter() (domain.TaskFilter, error) {
	f := domain.TaskFilter{IDs: ff.ids, TaskType: ff.taskType, CronID: ff.cron, SubscriptionID: ff.sub}
	for _, s := range ff.statuses {
		st := domain.TaskStatus(strings.TrimSpace(s))
		if !st.Valid() {
			return f, fmt.Errorf("unknown status %q", s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	switch {
	case ff.locked && ff.unlocked:
		return f, fmt.Errorf("--locked and --unlocked are exclusive")
	case ff.locked, ff.unlocked:
		v := ff.locked
		f.Locked = &v
	}
	return f, nil
}

func taskListCmd(a *app) *cobra.Command {
	var (
		ff            filterFlags
		order         string
		asc           bool
		limit, offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks with their subscription and cron",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			o := domain.TaskOrder{Field: domain.OrderField(order), Desc: !asc}
			switch o.Field {
			case domain.OrderPriority, domain.OrderRunAt, domain.OrderCreatedAt:
			default:
				return fmt.Errorf("--order must be priority, run_at or created_at")
			}
			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()
			page, err := repo.List(cmdContext(cmd), f, o, domain.Page{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			return printJSON(page)
		},
	}
	ff.bind(cmd)
	cmd.Flags().StringVar(&order, "order", string(domain.OrderCreatedAt), "priority, run_at or created_at")
	cmd.Flags().BoolVar(&asc, "asc", false, "ascending order")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func taskGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()
			t, err := repo.Get(cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func taskRetryCmd(a *app) *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Make pending or failed tasks due now with a fresh attempt budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			if f.Empty() {
				return fmt.Errorf("refusing to retry without a filter")
			}
			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()
			tasks, err := repo.Retry(cmdContext(cmd), f, time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(tasks)
		},
	}
	ff.bind(cmd)
	return cmd
}

func taskDeleteCmd(a *app) *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete tasks; fails if any match is leased",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			if f.Empty() {
				return fmt.Errorf("refusing to delete without a filter")
			}
			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := repo.Delete(cmdContext(cmd), f, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d\n", n)
			return nil
		},
	}
	ff.bind(cmd)
	return cmd
}

func statsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()
			st, err := repo.Stats(cmdContext(cmd), time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"subflow/internal/domain"
)

func subscriptionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "subscription", Short: "Manage subscriptions"}

	var name, src string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || src == "" {
				return fmt.Errorf("--name and --source are required")
			}
			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()
			id, err := repo.CreateSubscription(cmdContext(cmd), domain.Subscription{
				DisplayName: name,
				SourceURL:   src,
				CreatedAt:   time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&src, "source", "", "source URL")

	list := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, repo, err := a.openRepo()
			if err != nil {
				return err
			}
			defer db.Close()
			subs, err := repo.ListSubscriptions(cmdContext(cmd))
			if err != nil {
				return err
			}
			return printJSON(subs)
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

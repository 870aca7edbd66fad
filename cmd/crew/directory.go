package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
)

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage the actor directory",
	}
	cmd.AddCommand(actorAddCmd())
	cmd.AddCommand(actorListCmd())
	return cmd
}

func actorAddCmd() *cobra.Command {
	var a domain.ActorRef
	var role string
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or update a directory entry (admin only once the directory is seeded)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.ID = args[0]
			a.Role = domain.Role(role)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.UpsertActor(ctx, actorID(), a)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("%s is %s\n", saved.ID, saved.Role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "employee, team_lead, manager or admin")
	cmd.Flags().StringVar(&a.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&a.Email, "email", "", "email address")
	cmd.Flags().StringVar(&a.DepartmentID, "department", "", "department id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func actorListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directory entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actors, err := e.ListActors(ctx, domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Role", "Name", "Email", "Department"})
				for _, a := range actors {
					tw.AppendRow(table.Row{a.ID, a.Role, a.DisplayName, a.Email, a.DepartmentID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "filter by role")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var forActor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if forActor == "" {
				forActor = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw, key, err := e.CreateAPIKey(ctx, actorID(), forActor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
				}
				fmt.Printf("api key %s for %s\n%s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&forActor, "for", "", "key owner (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var forActor string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys (hashes are never shown)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if forActor == "" && !all {
				forActor = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actorID(), forActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := make([]map[string]any, 0, len(keys))
					for _, k := range keys {
						out = append(out, map[string]any{"id": k.ID, "actor_id": k.ActorID, "name": k.Name, "created_at": k.CreatedAt})
					}
					return printJSON(out)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&forActor, "for", "", "key owner (defaults to --actor-id)")
	cmd.Flags().BoolVar(&all, "all", false, "every key (admin)")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, actorID(), args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Inspect and deliver queued notifications",
	}
	cmd.AddCommand(notifyListCmd())
	cmd.AddCommand(notifyDrainCmd())
	return cmd
}

func notifyListCmd() *cobra.Command {
	var f repo.NotificationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and delivered notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListNotifications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Kind", "Recipient", "Work Item", "Status", "Attempts", "Last Error"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.Kind, n.Recipient.ID, n.WorkItemID, n.Status, n.Attempts, n.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RecipientID, "recipient", "", "recipient actor id")
	cmd.Flags().StringVar(&f.WorkItemID, "work-item", "", "work item id")
	cmd.Flags().StringVar(&f.Status, "status", "", "pending, delivered or failed")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "notification kind")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max notifications")
	return cmd
}

func notifyDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver every due notification once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			sinks, closeSinks, err := app.Sinks(rt.Config, slog.Default())
			if err != nil {
				return err
			}
			defer closeSinks()
			d := rt.Engine.Dispatcher(sinks...)
			total := 0
			for {
				n, err := d.DispatchOnce(ctx)
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
				total += n
			}
			fmt.Printf("delivered %d notifications\n", total)
			return nil
		},
	}
}

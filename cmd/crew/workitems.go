package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
)

func workItemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workitem",
		Aliases: []string{"wi"},
		Short:   "Create, edit and inspect work items",
	}
	cmd.AddCommand(workItemCreateCmd())
	cmd.AddCommand(workItemEditCmd())
	cmd.AddCommand(workItemDeleteCmd())
	cmd.AddCommand(workItemShowCmd())
	cmd.AddCommand(workItemListCmd())
	return cmd
}

// workItemFlags holds the editable fields shared by create and edit.
type workItemFlags struct {
	kind, parent, title, description, priority string
	startDate, endDate, startTime, endTime     string
	quota                                      int
	assignees                                  []string
}

func (f *workItemFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.kind, "kind", "task", "task or subtask")
	fs.StringVar(&f.parent, "parent", "", "parent task id (subtasks)")
	fs.StringVar(&f.title, "title", "", "title")
	fs.StringVar(&f.description, "description", "", "description")
	fs.StringVar(&f.priority, "priority", "medium", "low, medium or high")
	fs.StringVar(&f.startDate, "start-date", "", "start date (YYYY-MM-DD)")
	fs.StringVar(&f.endDate, "end-date", "", "end date (YYYY-MM-DD)")
	fs.StringVar(&f.startTime, "start-time", "", "start time (HH:MM)")
	fs.StringVar(&f.endTime, "end-time", "", "end time (HH:MM)")
	fs.IntVar(&f.quota, "quota", 0, "total quota required (0 for none)")
	fs.StringSliceVar(&f.assignees, "assignee", nil, "assignee id, optionally id:role (repeatable)")
}

// overlay copies the flags the user set onto in.
func (f *workItemFlags) overlay(fs *pflag.FlagSet, in engine.WorkItemInput) (engine.WorkItemInput, error) {
	set := func(name string) bool { return fs.Changed(name) }
	if set("kind") {
		in.Kind = domain.Kind(f.kind)
	}
	if set("parent") {
		in.ParentID = optionalString(f.parent)
	}
	if set("title") {
		in.Title = f.title
	}
	if set("description") {
		in.Description = f.description
	}
	if set("priority") {
		in.Priority = domain.Priority(f.priority)
	}
	if set("start-date") {
		in.Schedule.StartDate = f.startDate
	}
	if set("end-date") {
		in.Schedule.EndDate = f.endDate
	}
	if set("start-time") {
		in.Schedule.StartTime = f.startTime
	}
	if set("end-time") {
		in.Schedule.EndTime = f.endTime
	}
	if set("quota") {
		in.TotalQuotaRequired = nil
		if f.quota > 0 {
			q := f.quota
			in.TotalQuotaRequired = &q
		}
	}
	if set("assignee") {
		refs, err := parseAssignees(f.assignees)
		if err != nil {
			return in, err
		}
		in.Assignees = refs
	}
	return in, nil
}

func parseAssignees(values []string) ([]domain.ActorRef, error) {
	refs := make([]domain.ActorRef, 0, len(values))
	for _, v := range values {
		id, role, _ := strings.Cut(strings.TrimSpace(v), ":")
		if id == "" {
			return nil, fmt.Errorf("invalid --assignee %q", v)
		}
		refs = append(refs, domain.ActorRef{ID: id, Role: domain.Role(role)})
	}
	return refs, nil
}

func inputFromDetail(d engine.WorkItemDetail) engine.WorkItemInput {
	w := d.Item
	refs := make([]domain.ActorRef, 0, len(d.Assignments))
	for _, a := range d.Assignments {
		refs = append(refs, a.Actor)
	}
	return engine.WorkItemInput{
		Kind:               w.Kind,
		ParentID:           w.ParentID,
		Title:              w.Title,
		Description:        w.Description,
		Priority:           w.Priority,
		Schedule:           w.Schedule,
		TotalQuotaRequired: w.TotalQuotaRequired,
		Assignees:          refs,
	}
}

func workItemCreateCmd() *cobra.Command {
	var f workItemFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item and its assignments",
		Example: `  crew workitem create --actor-id mona --title "Stocktake" --start-date 2024-03-01 --end-date 2024-03-08 \
    --quota 100 --assignee eve --assignee ed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := f.overlay(cmd.Flags(), engine.WorkItemInput{Kind: domain.Kind(f.kind), Priority: domain.Priority(f.priority)})
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.CreateWorkItem(ctx, actorID(), in)
				if err != nil {
					return err
				}
				return printDetail(detail)
			})
		},
	}
	f.bind(cmd.Flags())
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func workItemEditCmd() *cobra.Command {
	var f workItemFlags
	var expectedVersion int
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a work item; unset flags keep their current values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				current, err := e.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				in, err := f.overlay(cmd.Flags(), inputFromDetail(current))
				if err != nil {
					return err
				}
				var expected *int
				if cmd.Flags().Changed("expected-version") {
					expected = &expectedVersion
				}
				detail, err := e.EditWorkItem(ctx, actorID(), args[0], in, expected)
				if err != nil {
					return err
				}
				return printDetail(detail)
			})
		},
	}
	f.bind(cmd.Flags())
	cmd.Flags().IntVar(&expectedVersion, "expected-version", 0, "fail with a conflict unless the item is at this version")
	return cmd
}

func workItemDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a work item and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteWorkItem(ctx, actorID(), args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func workItemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item with its assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printDetail(detail)
			})
		},
	}
}

func workItemListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Priority", "Schedule", "Created By", "Version", "State"})
				for _, w := range items {
					state := domain.SystemActive
					if w.Deleted() {
						state = domain.SystemDeleted
					}
					tw.AppendRow(table.Row{w.ID, w.Kind, w.Title, w.Priority, w.Schedule.StartDate + " .. " + w.Schedule.EndDate, w.CreatedBy.ID, w.Version, statusCell(state)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator id")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "task or subtask")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "include-deleted", false, "include deleted items")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max items")
	return cmd
}

func printDetail(d engine.WorkItemDetail) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"work_item": d.Item, "assignments": d.Assignments})
	}
	w := d.Item
	quota := "-"
	if w.TotalQuotaRequired != nil {
		quota = fmt.Sprint(*w.TotalQuotaRequired)
	}
	fmt.Printf("%s  %s  [%s, %s]  v%d\n", w.ID, w.Title, w.Kind, w.Priority, w.Version)
	fmt.Printf("schedule %s .. %s  quota %s  created by %s\n", w.Schedule.StartDate, w.Schedule.EndDate, quota, w.CreatedBy.ID)
	printAssignments(d.Assignments)
	return nil
}

func printAssignments(records []domain.Assignment) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Actor", "Role", "Status", "Quota", "Feedback", "Artifacts", "Version"})
	for _, a := range records {
		tw.AppendRow(table.Row{a.Actor.ID, a.Actor.Role, statusCell(string(a.Status)), fmt.Sprintf("%d/%d", a.QuotaCompleted, a.QuotaAssigned), a.Feedback, len(a.SubmittedArtifacts), a.Version})
	}
	tw.Render()
}

func assignmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "assignment",
		Aliases: []string{"as"},
		Short:   "Report progress on and approve assignment records",
	}
	cmd.AddCommand(assignmentUpdateCmd())
	cmd.AddCommand(assignmentApproveCmd())
	cmd.AddCommand(assignmentListCmd())
	return cmd
}

func assignmentUpdateCmd() *cobra.Command {
	var target, st, feedback string
	var quotaCompleted int
	var artifacts []string
	cmd := &cobra.Command{
		Use:   "update <work-item-id>",
		Short: "Update your own assignment record",
		Example: `  crew assignment update wi-1 --actor-id eve --status in_progress
  crew assignment update wi-1 --actor-id eve --status completed --quota-completed 50 --artifact https://files/report.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := engine.StatusUpdate{Status: domain.AssignmentStatus(st)}
			if cmd.Flags().Changed("feedback") {
				u.Feedback = &feedback
			}
			if cmd.Flags().Changed("quota-completed") {
				u.QuotaCompleted = &quotaCompleted
			}
			for _, raw := range artifacts {
				url, name, _ := strings.Cut(raw, ",")
				if name == "" {
					name = url[strings.LastIndex(url, "/")+1:]
				}
				u.Artifacts = append(u.Artifacts, domain.ArtifactRef{URL: url, Name: name})
			}
			if target == "" {
				target = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.UpdateAssignmentStatus(ctx, actorID(), args[0], target, u)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				printAssignments([]domain.Assignment{rec})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "for", "", "record owner (defaults to --actor-id)")
	cmd.Flags().StringVar(&st, "status", "", "pending, in_progress, completed or rejected")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback text")
	cmd.Flags().IntVar(&quotaCompleted, "quota-completed", 0, "units completed so far")
	cmd.Flags().StringSliceVar(&artifacts, "artifact", nil, "artifact url, optionally url,name (repeatable)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func assignmentApproveCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "approve <work-item-id> <actor-id>",
		Short: "Approve a completed assignment record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fb *string
			if cmd.Flags().Changed("feedback") {
				fb = &feedback
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.ApproveAssignment(ctx, actorID(), args[0], args[1], fb)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				printAssignments([]domain.Assignment{rec})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "approval feedback")
	return cmd
}

func assignmentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <work-item-id>",
		Short: "List the assignment records of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.ListAssignments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				printAssignments(records)
				return nil
			})
		},
	}
}

func aggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate <work-item-id>",
		Short: "Show the per-role status view and completion statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agg, err := e.GetAggregate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"work_item":   agg.Item,
						"hierarchy":   agg.View,
						"statistics":  agg.Statistics,
						"assignments": agg.Assignments,
					})
				}
				fmt.Printf("%s  %s\n", agg.Item.ID, agg.Item.Title)
				header := table.Row{"System"}
				row := table.Row{statusCell(agg.View.System)}
				for i := len(domain.Roles) - 1; i >= 0; i-- {
					r := domain.Roles[i]
					header = append(header, r)
					row = append(row, statusCell(string(agg.View.ForRole(r))))
				}
				view := newTable()
				view.AppendHeader(header)
				view.AppendRow(row)
				view.Render()
				s := agg.Statistics
				stats := newTable()
				stats.AppendHeader(table.Row{"Assignees", "Pending", "In Progress", "Completed", "Approved", "Rejected", "Rate", "Avg Hours", "Quota"})
				stats.AppendRow(table.Row{s.TotalAssignees, s.PendingCount, s.InProgressCount, s.CompletedCount, s.ApprovedCount, s.RejectedCount,
					fmt.Sprintf("%.0f%%", s.CompletionRate*100), fmt.Sprintf("%.1f", s.AverageCompletionTimeHours), fmt.Sprintf("%d/%d", s.QuotaCompleted, s.QuotaAssigned)})
				stats.Render()
				return nil
			})
		},
	}
}

func meCmd() *cobra.Command {
	var st string
	var limit int
	cmd := &cobra.Command{
		Use:   "me",
		Short: "List your assignments across live work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mine, err := e.ListMyAssignments(ctx, actorID(), domain.AssignmentStatus(st), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(mine)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Work Item", "Title", "Due", "Priority", "Status", "Quota", "Updated"})
				for _, m := range mine {
					a := m.Assignment
					tw.AppendRow(table.Row{m.Item.ID, m.Item.Title, m.Item.Schedule.EndDate, m.Item.Priority, statusCell(string(a.Status)),
						fmt.Sprintf("%d/%d", a.QuotaCompleted, a.QuotaAssigned), a.UpdatedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&st, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max records")
	return cmd
}

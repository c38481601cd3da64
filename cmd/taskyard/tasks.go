package main

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/taskyard/engine"
	"github.com/GoCodeAlone/taskyard/task"
)

func tasksCmd(c *Client) *cobra.Command {
	var f struct {
		status, typ, priority, agent, project, search, orderBy string
		limit, offset                                          int
	}
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := map[string]string{
				"task_status":    f.status,
				"task_type":      f.typ,
				"priority":       f.priority,
				"assigned_agent": f.agent,
				"project_id":     f.project,
				"search":         f.search,
				"order_by":       f.orderBy,
			}
			if f.limit > 0 {
				params["limit"] = strconv.Itoa(f.limit)
			}
			if f.offset > 0 {
				params["offset"] = strconv.Itoa(f.offset)
			}
			var page engine.Page
			if err := c.do(http.MethodGet, "/api/tasks"+query(params), nil, &page); err != nil {
				return err
			}
			if c.JSON {
				return printJSON(cmd.OutOrStdout(), page)
			}
			printTasks(cmd.OutOrStdout(), page.Tasks)
			if page.HasMore {
				fmt.Fprintf(cmd.OutOrStdout(), "more results: --offset %d\n", page.Offset+page.Limit)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.typ, "type", "", "filter by task type")
	cmd.Flags().StringVar(&f.priority, "priority", "", "filter by priority")
	cmd.Flags().StringVar(&f.agent, "agent", "", "filter by assigned agent")
	cmd.Flags().StringVar(&f.project, "project", "", "filter by project id")
	cmd.Flags().StringVar(&f.search, "search", "", "case-insensitive text search")
	cmd.Flags().StringVar(&f.orderBy, "order-by", "", "created_at, priority or priority_asc")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "page offset")
	return cmd
}

func printTasks(w io.Writer, tasks []*task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	fmt.Fprintf(w, "%-36s %-30s %-12s %-9s %-12s\n", "ID", "TITLE", "STATUS", "PRIORITY", "AGENT")
	fmt.Fprintln(w, strings.Repeat("-", 103))
	for _, t := range tasks {
		fmt.Fprintf(w, "%-36s %-30s %-12s %-9s %-12s\n",
			t.ID, truncate(t.Title, 29), t.Status, t.Priority, t.Agent())
	}
}

func taskCmd(c *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Operate on a single task",
	}
	cmd.AddCommand(
		taskGetCmd(c),
		taskCreateCmd(c),
		taskCompleteCmd(c),
	)
	for _, action := range []string{"reserve", "unlock", "cancel", "block", "unblock"} {
		cmd.AddCommand(transitionCmd(c, action))
	}
	return cmd
}

func taskGetCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := c.do(http.MethodGet, "/api/tasks/"+args[0], nil, &t); err != nil {
				return err
			}
			if c.JSON {
				return printJSON(cmd.OutOrStdout(), t)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "id:          %s\n", t.ID)
			fmt.Fprintf(w, "title:       %s\n", t.Title)
			fmt.Fprintf(w, "type:        %s\n", t.Type)
			fmt.Fprintf(w, "status:      %s\n", t.Status)
			fmt.Fprintf(w, "priority:    %s\n", t.Priority)
			if a := t.Agent(); a != "" {
				fmt.Fprintf(w, "agent:       %s\n", a)
			}
			fmt.Fprintf(w, "instruction: %s\n", t.Instruction)
			if t.Notes != "" {
				fmt.Fprintf(w, "notes:       %s\n", t.Notes)
			}
			return nil
		},
	}
}

func taskCreateCmd(c *Client) *cobra.Command {
	var req engine.CreateRequest
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Title = strings.Join(args, " ")
			var t task.Task
			if err := c.do(http.MethodPost, "/api/tasks", req, &t); err != nil {
				return err
			}
			if c.JSON {
				return printJSON(cmd.OutOrStdout(), t)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created task %s\n", t.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.TaskType, "type", string(task.TypeConcrete), "task type")
	cmd.Flags().StringVar(&req.TaskInstruction, "instruction", "", "what the agent should do (required)")
	cmd.Flags().StringVar(&req.VerificationInstruction, "verify", "", "how to verify the result")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&req.DueDate, "due", "", "due date (ISO-8601)")
	return cmd
}

func transitionCmd(c *Client, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res engine.Result
			if err := c.do(http.MethodPost, "/api/tasks/"+args[0]+"/"+action, nil, &res); err != nil {
				return err
			}
			return printResult(cmd, c, action, res)
		},
	}
}

func taskCompleteCmd(c *Client) *cobra.Command {
	var (
		req      engine.CompleteRequest
		hours    float64
		followup engine.FollowupSpec
	)
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a reserved task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("hours") {
				req.ActualHours = &hours
			}
			if followup.Title != "" {
				req.Followup = &followup
			}
			var res engine.Result
			if err := c.do(http.MethodPost, "/api/tasks/"+args[0]+"/complete", req, &res); err != nil {
				return err
			}
			if err := printResult(cmd, c, "complete", res); err != nil {
				return err
			}
			if res.FollowupTaskID != "" && !c.JSON {
				fmt.Fprintf(cmd.OutOrStdout(), "followup task %s\n", res.FollowupTaskID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Notes, "notes", "", "completion notes")
	cmd.Flags().Float64Var(&hours, "hours", 0, "actual hours spent")
	cmd.Flags().StringVar(&followup.Title, "followup", "", "title of a followup task to create")
	cmd.Flags().StringVar(&followup.TaskInstruction, "followup-instruction", "", "instruction for the followup task")
	return cmd
}

func printResult(cmd *cobra.Command, c *Client, action string, res engine.Result) error {
	if c.JSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	if !res.Success {
		return fmt.Errorf("%s failed: %s", action, res.Reason)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: task %s is now %s\n", action, res.Task.ID, res.Task.Status)
	return nil
}

func linkCmd(c *Client) *cobra.Command {
	var relType string
	cmd := &cobra.Command{
		Use:   "link <parent-id> <child-id>",
		Short: "Relate two tasks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rel task.Relationship
			body := map[string]string{"child_task_id": args[1], "relationship_type": relType}
			if err := c.do(http.MethodPost, "/api/tasks/"+args[0]+"/relationships", body, &rel); err != nil {
				return err
			}
			if c.JSON {
				return printJSON(cmd.OutOrStdout(), rel)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked %s -> %s (%s)\n", rel.ParentID, rel.ChildID, rel.Type)
			return nil
		},
	}
	cmd.Flags().StringVar(&relType, "type", task.RelSubtask, "relationship type")
	return cmd
}

func versionsCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <task-id>",
		Short: "Show the version history of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var vs []task.Version
			if err := c.do(http.MethodGet, "/api/tasks/"+args[0]+"/versions", nil, &vs); err != nil {
				return err
			}
			if c.JSON {
				return printJSON(cmd.OutOrStdout(), vs)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-4s %-25s %-20s %-12s\n", "#", "AT", "BY", "STATUS")
			for _, v := range vs {
				fmt.Fprintf(w, "%-4d %-25s %-20s %-12s\n",
					v.Number, v.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
					truncate(v.ChangedBy, 19), strVal(v.Snapshot["task_status"]))
			}
			return nil
		},
	}
}

func diffCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <task-id> <v1> <v2>",
		Short: "Compare two versions of a task",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var changes map[string]task.FieldChange
			path := "/api/tasks/" + args[0] + "/diff" + query(map[string]string{"v1": args[1], "v2": args[2]})
			if err := c.do(http.MethodGet, path, nil, &changes); err != nil {
				return err
			}
			if c.JSON {
				return printJSON(cmd.OutOrStdout(), changes)
			}
			if len(changes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no changes")
				return nil
			}
			fields := make([]string, 0, len(changes))
			for k := range changes {
				fields = append(fields, k)
			}
			sort.Strings(fields)
			for _, k := range fields {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %v -> %v\n", k, changes[k].Old, changes[k].New)
			}
			return nil
		},
	}
}

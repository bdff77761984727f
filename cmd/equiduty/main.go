// Command equiduty is the operator CLI for the selection-process engine. It
// talks to a running API server and drives the same controllers the UI uses.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"equiduty.org/internal/auth"
	"equiduty.org/internal/detail"
	"equiduty.org/internal/routine"
	"equiduty.org/internal/selection"
	"equiduty.org/internal/selection/remote"
	"equiduty.org/internal/wizard"
)

var version = "0.3.0"

type cliOptions struct {
	baseURL string
	token   string
	timeout time.Duration
	debug   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "equiduty",
		Short:         "EquiDuty selection-process CLI",
		Long:          "Manage stable selection processes, turn orders and routine assignments against a running EquiDuty API.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.baseURL, "base-url", envOr("EQUIDUTY_BASE_URL", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("EQUIDUTY_TOKEN"), "bearer token (defaults to EQUIDUTY_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "verbose logging")

	root.AddCommand(
		newProcessesCmd(opts),
		newMembersCmd(opts),
		newRoutinesCmd(opts),
		newTokenCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *cliOptions) client() *remote.Client {
	log := zap.NewNop()
	if o.debug {
		log, _ = zap.NewDevelopment()
	}
	return remote.New(o.baseURL, remote.WithToken(o.token), remote.WithLogger(log))
}

func (o *cliOptions) context() (context.Context, context.CancelFunc) {
	return remote.WithTimeout(context.Background(), o.timeout)
}

// --- processes ---

func newProcessesCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "processes",
		Aliases: []string{"process", "proc"},
		Short:   "Manage selection processes",
	}
	cmd.AddCommand(
		newProcessListCmd(opts),
		newProcessShowCmd(opts),
		newProcessCreateCmd(opts),
		newProcessActionCmd(opts, "start", "Start a draft process", (*detail.Controller).StartProcess),
		newProcessActionCmd(opts, "complete-turn", "Complete the current turn", (*detail.Controller).CompleteTurn),
		newProcessActionCmd(opts, "cancel", "Cancel an active process", (*detail.Controller).CancelProcess),
		newProcessActionCmd(opts, "delete", "Delete a draft or cancelled process", (*detail.Controller).DeleteProcess),
		newProcessSetDatesCmd(opts),
	)
	return cmd
}

func newProcessListCmd(opts *cliOptions) *cobra.Command {
	var stableID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processes of a stable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			items, err := opts.client().ListProcesses(ctx, stableID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tALGORITHM\tWINDOW\tTURNS")
			for _, p := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s to %s\t%d/%d\n",
					p.ID, p.Name, p.Status, p.Algorithm,
					p.StartDate, p.EndDate, p.CompletedTurns, p.TurnCount)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&stableID, "stable", "", "stable identifier")
	_ = cmd.MarkFlagRequired("stable")
	return cmd
}

func newProcessShowCmd(opts *cliOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <process-id>",
		Short: "Show a process with its turn order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			pc, err := opts.client().GetProcess(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(pc)
			}
			printProcess(cmd, pc)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printProcess(cmd *cobra.Command, pc selection.ProcessContext) {
	p := pc.Process
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", p.Name, p.ID)
	if p.Description != "" {
		fmt.Fprintln(out, p.Description)
	}
	fmt.Fprintf(out, "status: %s  algorithm: %s  window: %s\n", p.Status, p.Algorithm, p.DateRange())
	if pc.HasTurn && p.Status == selection.StatusActive {
		if pc.IsCurrentTurn {
			fmt.Fprintln(out, "it is your turn")
		} else {
			fmt.Fprintf(out, "turns ahead of you: %d\n", pc.TurnsAhead)
		}
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tMEMBER\tDONE")
	cur, hasCur := p.CurrentTurn()
	for _, t := range p.Turns {
		mark := ""
		if t.Completed {
			mark = "x"
		} else if hasCur && t.Order == cur.Order {
			mark = "<- current"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", t.Order, t.UserName, mark)
	}
	_ = w.Flush()
}

func newProcessCreateCmd(opts *cliOptions) *cobra.Command {
	var (
		orgID, stableID  string
		name, desc       string
		startStr, endStr string
		algorithmStr     string
		memberIDs        []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a selection process",
		Long: `Create a process by running the creation flow end to end:
details, member selection, algorithm choice and turn-order review.
With --algorithm manual the members keep the order given on the command line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			algorithm, err := selection.ParseAlgorithm(algorithmStr)
			if err != nil {
				return err
			}
			start, err := selection.ParseDate(startStr)
			if err != nil {
				return err
			}
			end, err := selection.ParseDate(endStr)
			if err != nil {
				return err
			}

			ctx, cancel := opts.context()
			defer cancel()

			wz := wizard.New(opts.client(), nil, orgID, stableID)
			wz.SetName(name)
			wz.SetDescription(desc)
			wz.SetDates(start, end)
			if err := wz.SetAlgorithm(algorithm); err != nil {
				return err
			}

			if err := wz.Next(ctx); err != nil {
				return fmt.Errorf("load members: %w", err)
			}
			candidates := wz.State().Candidates
			byID := make(map[string]selection.Member, len(candidates))
			for _, m := range candidates {
				byID[m.UserID] = m
			}
			for _, id := range memberIDs {
				m, ok := byID[id]
				if !ok {
					return fmt.Errorf("user %s is not a member of stable %s", id, stableID)
				}
				wz.SelectMember(m)
			}

			if err := wz.GoToStep(ctx, wizard.StepReview); err != nil {
				return err
			}

			st := wz.State()
			fmt.Fprintln(cmd.OutOrStdout(), "turn order:")
			for i, m := range st.Order.Members {
				fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s\n", i+1, m.Name)
			}

			p, err := wz.Submit(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created process %s (%s)\n", p.ID, p.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization identifier")
	cmd.Flags().StringVar(&stableID, "stable", "", "stable identifier")
	cmd.Flags().StringVar(&name, "name", "", "process name")
	cmd.Flags().StringVar(&desc, "description", "", "optional description")
	cmd.Flags().StringVar(&startStr, "start", "", "selection start date (yyyy-MM-dd)")
	cmd.Flags().StringVar(&endStr, "end", "", "selection end date (yyyy-MM-dd)")
	cmd.Flags().StringVar(&algorithmStr, "algorithm", string(selection.AlgorithmFairRotation), "manual, fair_rotation or quota_based")
	cmd.Flags().StringSliceVar(&memberIDs, "member", nil, "participating member user id (repeatable, order matters for manual)")
	_ = cmd.MarkFlagRequired("stable")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

// newProcessActionCmd builds a lifecycle subcommand that loads the process
// through the detail controller and runs one action on it.
func newProcessActionCmd(opts *cliOptions, use, short string, action func(*detail.Controller, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <process-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			client := opts.client()
			ctrl := detail.New(client, client, nil, args[0], detail.Viewer{})
			if err := ctrl.Load(ctx); err != nil {
				return err
			}
			if err := action(ctrl, ctx); err != nil {
				if msg := ctrl.State().ActionError; msg != "" {
					return errors.New(msg)
				}
				return err
			}
			if msg := ctrl.State().Success; msg != "" {
				fmt.Fprintln(cmd.OutOrStdout(), msg)
			}
			return nil
		},
	}
}

func newProcessSetDatesCmd(opts *cliOptions) *cobra.Command {
	var startStr, endStr string
	cmd := &cobra.Command{
		Use:   "set-dates <process-id>",
		Short: "Change the selection window of an active process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := selection.ParseDate(startStr)
			if err != nil {
				return err
			}
			end, err := selection.ParseDate(endStr)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context()
			defer cancel()
			client := opts.client()
			ctrl := detail.New(client, client, nil, args[0], detail.Viewer{})
			if err := ctrl.Load(ctx); err != nil {
				return err
			}
			if err := ctrl.SaveDates(ctx, start, end); err != nil {
				if msg := ctrl.State().ActionError; msg != "" {
					return errors.New(msg)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ctrl.State().Success)
			return nil
		},
	}
	cmd.Flags().StringVar(&startStr, "start", "", "new start date (yyyy-MM-dd)")
	cmd.Flags().StringVar(&endStr, "end", "", "new end date (yyyy-MM-dd)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

// --- members ---

func newMembersCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Inspect stable membership",
	}
	var stableID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the members of a stable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			members, err := opts.client().GetStableMembers(ctx, stableID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USER ID\tNAME\tEMAIL")
			for _, m := range members {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.UserID, m.Name, m.Email)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&stableID, "stable", "", "stable identifier")
	_ = list.MarkFlagRequired("stable")
	cmd.AddCommand(list)
	return cmd
}

// --- routines ---

func newRoutinesCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routines",
		Short: "Browse and assign routine instances",
	}
	cmd.AddCommand(newRoutineListCmd(opts), newRoutineAssignCmd(opts))
	return cmd
}

func newRoutineListCmd(opts *cliOptions) *cobra.Command {
	var stableID, weekStr string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List routine instances of one week",
		RunE: func(cmd *cobra.Command, args []string) error {
			week := routine.WeekOf(selection.Today())
			if weekStr != "" {
				d, err := selection.ParseDate(weekStr)
				if err != nil {
					return err
				}
				week = routine.WeekOf(d)
			}
			ctx, cancel := opts.context()
			defer cancel()
			items, err := opts.client().InstancesForDateRange(ctx, stableID, week.Start, week.End())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "week %s\n", week)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDATE\tNAME\tASSIGNED TO")
			for _, inst := range items {
				assignee := "-"
				if inst.Assigned() {
					assignee = inst.AssignedUserName
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inst.ID, inst.Date, inst.Name, assignee)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&stableID, "stable", "", "stable identifier")
	cmd.Flags().StringVar(&weekStr, "week", "", "any date inside the week to show (yyyy-MM-dd, default today)")
	_ = cmd.MarkFlagRequired("stable")
	return cmd
}

func newRoutineAssignCmd(opts *cliOptions) *cobra.Command {
	var userID, userName string
	cmd := &cobra.Command{
		Use:   "assign <instance-id>",
		Short: "Assign a routine instance to a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			res, err := opts.client().AssignInstance(ctx, args[0], routine.Assignment{
				UserID:   userID,
				UserName: userName,
			})
			if err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "assigned")
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "assignee user id")
	cmd.Flags().StringVar(&userName, "name", "", "assignee display name")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// --- token ---

func newTokenCmd() *cobra.Command {
	var (
		user, name, email string
		roles             []string
		ttl               time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed token locally",
		Long:  "Sign a bearer token with the shared EQUIDUTY_AUTH_SECRET, without calling the API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.GenerateToken(user, name, email, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "subject user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"member"}, "role (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

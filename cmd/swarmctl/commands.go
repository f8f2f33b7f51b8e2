package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"swarmctl/internal/alerts"
	"swarmctl/internal/app"
	"swarmctl/internal/auth"
	"swarmctl/internal/config"
	"swarmctl/internal/delivery"
	"swarmctl/internal/domain"
	"swarmctl/internal/state"
	swarmsdk "swarmctl/sdk/go"
)

func agentsCmd() *cobra.Command {
	agents := &cobra.Command{Use: "agents", Short: "Inspect registered agents"}
	agents.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents with their runtime status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []swarmsdk.Agent
			if c, ok := remoteClient(); ok {
				var err error
				if items, err = c.Agents(cmd.Context()); err != nil {
					return err
				}
			} else {
				err := viewApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					now := time.Now()
					for _, cfg := range a.Orchestrator.Registry.List() {
						st, err := a.Orchestrator.Registry.Status(cfg.ID)
						if err != nil {
							return err
						}
						items = append(items, sdkAgent(cfg, st, now))
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Task Type", "Status", "Tasks", "Errors", "Skills"})
			for _, ag := range items {
				var skills []string
				for id, p := range ag.Permissions {
					if p["allowed"] {
						skills = append(skills, id)
					}
				}
				sort.Strings(skills)
				tw.AppendRow(table.Row{ag.ID, ag.Name, ag.TaskType, statusColor(ag.Runtime.Status), ag.Runtime.TaskCount, ag.Runtime.ErrorCount, strings.Join(skills, ",")})
			}
			tw.Render()
			return nil
		},
	})
	return agents
}

func sdkAgent(cfg domain.AgentConfig, st domain.AgentRuntimeState, now time.Time) swarmsdk.Agent {
	perms := make(map[string]map[string]bool, len(cfg.Permissions))
	for id, p := range cfg.Permissions {
		perms[id] = map[string]bool{"allowed": p.Allowed}
	}
	return swarmsdk.Agent{
		ID:          cfg.ID,
		Name:        cfg.Name,
		ModelTier:   cfg.ModelTier,
		TaskType:    cfg.TaskType,
		Permissions: perms,
		Runtime: swarmsdk.AgentRuntime{
			Status:        string(st.Status),
			TaskCount:     st.TaskCount,
			ErrorCount:    st.ErrorCount,
			LastHeartbeat: st.LastHeartbeat,
			LastError:     st.LastError,
		},
		UptimeSeconds: int64(st.Uptime(now).Seconds()),
	}
}

func approvalsCmd() *cobra.Command {
	approvals := &cobra.Command{Use: "approvals", Short: "List and decide pending approvals"}
	approvals.AddCommand(approvalsListCmd())
	approvals.AddCommand(approvalsDecideCmd())
	return approvals
}

func approvalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []domain.ApprovalRecord
			if c, ok := remoteClient(); ok {
				remote, err := c.PendingApprovals(cmd.Context())
				if err != nil {
					return err
				}
				for _, r := range remote {
					items = append(items, domain.ApprovalRecord{TaskID: r.TaskID, TaskType: r.TaskType, RequestedAt: r.RequestedAt, Status: domain.ApprovalStatus(r.Status)})
				}
			} else {
				err := viewApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					items = a.Orchestrator.Approvals.ListPending()
					return nil
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Task ID", "Type", "Requested", "Status"})
			for _, r := range items {
				tw.AppendRow(table.Row{r.TaskID, r.TaskType, r.RequestedAt.Format(time.RFC3339), statusColor(string(r.Status))})
			}
			tw.Render()
			return nil
		},
	}
}

func approvalsDecideCmd() *cobra.Command {
	var decision, note, actor string
	var replay bool
	cmd := &cobra.Command{
		Use:   "decide <task-id>",
		Short: "Approve or reject a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if decision != string(domain.ApprovalApproved) && decision != string(domain.ApprovalRejected) {
				return fmt.Errorf("--decision must be approved or rejected")
			}
			if c, ok := remoteClient(); ok {
				res, err := c.Decide(cmd.Context(), args[0], decision, actor, note, replay)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s %s\n", args[0], statusColor(res.Approval.Status))
				if res.Replayed != nil {
					fmt.Println("replayed as", res.Replayed.ID)
				}
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, replayed, err := a.Orchestrator.Decide(ctx, args[0], domain.ApprovalStatus(decision), actor, note, replay)
				if err != nil {
					return err
				}
				if replayed != nil {
					a.Orchestrator.Dispatcher.Wait()
					a.Orchestrator.Milestones.Wait()
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"approval": rec, "replayed_task": replayed})
				}
				fmt.Printf("%s %s\n", rec.TaskID, statusColor(string(rec.Status)))
				if replayed != nil {
					fmt.Println("replayed as", replayed.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved or rejected")
	cmd.Flags().StringVar(&note, "note", "", "note stored with the decision")
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "who decided")
	cmd.Flags().BoolVar(&replay, "replay", false, "re-enqueue the task after approval")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func deliveriesCmd() *cobra.Command {
	deliveries := &cobra.Command{Use: "deliveries", Short: "Inspect and drive signed event delivery"}
	deliveries.AddCommand(deliveriesListCmd())
	deliveries.AddCommand(deliveriesSweepCmd())
	deliveries.AddCommand(deliveriesRequeueCmd())
	return deliveries
}

func deliveriesListCmd() *cobra.Command {
	var kind, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delivery records",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []swarmsdk.Delivery
			if c, ok := remoteClient(); ok {
				var err error
				if items, err = c.Deliveries(cmd.Context(), kind, status); err != nil {
					return err
				}
			} else {
				err := viewApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					for _, em := range []*delivery.Emitter{a.Orchestrator.Milestones, a.Orchestrator.Demand} {
						if kind != "" && kind != em.Name() {
							continue
						}
						for _, r := range em.Records() {
							if status != "" && string(r.Status) != status {
								continue
							}
							items = append(items, swarmsdk.Delivery{
								Kind: em.Name(), IdempotencyKey: r.IdempotencyKey, Payload: r.Payload, SentAt: r.SentAt,
								Status: string(r.Status), Attempts: r.Attempts, LastAttemptAt: r.LastAttemptAt, LastError: r.LastError,
							})
						}
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Kind", "Key", "Sent", "Status", "Attempts", "Last Error"})
			for _, d := range items {
				tw.AppendRow(table.Row{d.Kind, d.IdempotencyKey, d.SentAt.Format(time.RFC3339), statusColor(d.Status), d.Attempts, truncate(d.LastError, 60)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "milestones or demand-summary")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func deliveriesSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Attempt every outstanding delivery now",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res map[string]swarmsdk.SweepResult
			if c, ok := remoteClient(); ok {
				var err error
				if res, err = c.Sweep(cmd.Context()); err != nil {
					return err
				}
			} else {
				err := withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					local, err := a.Orchestrator.Sweep(ctx)
					res = map[string]swarmsdk.SweepResult{}
					for k, v := range local {
						res[k] = swarmsdk.SweepResult{Attempted: v.Attempted, Outcomes: v.Outcomes, Skipped: v.Skipped}
					}
					if err != nil {
						a.Logger.Warn("sweep had failures", "err", err)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			for _, name := range []string{delivery.StreamMilestones, delivery.StreamDemandSummary} {
				r := res[name]
				if r.Skipped {
					fmt.Printf("%s: skipped (endpoint not configured)\n", name)
					continue
				}
				fmt.Printf("%s: attempted %d %v\n", name, r.Attempted, r.Outcomes)
			}
			return nil
		},
	}
}

func deliveriesRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <kind> <idempotency-key>",
		Short: "Move a dead-lettered record back to retrying",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remoteClient(); ok {
				d, err := c.Requeue(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", d.IdempotencyKey, statusColor(d.Status))
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				em, ok := a.Orchestrator.Emitter(args[0])
				if !ok {
					return fmt.Errorf("unknown delivery kind %q", args[0])
				}
				rec, err := em.Requeue(ctx, args[1])
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", rec.IdempotencyKey, statusColor(string(rec.Status)))
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Trigger tasks"}
	var payloadRaw string
	trigger := &cobra.Command{
		Use:   "trigger <type>",
		Short: "Enqueue a task",
		Long:  "Enqueue a task. Without --server the task runs in-process and its outcome is printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(payloadRaw)
			if err != nil {
				return err
			}
			if c, ok := remoteClient(); ok {
				res, err := c.TriggerTask(cmd.Context(), args[0], payload)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("queued %s (%s)\n", res.TaskID, res.Type)
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o := a.Orchestrator
				t, err := o.Submit(ctx, args[0], payload)
				if err != nil {
					return err
				}
				o.Dispatcher.Wait()
				o.Milestones.Wait()
				o.Demand.Wait()
				var rec domain.TaskRecord
				for _, r := range o.Store.Get().TaskHistory {
					if r.ID == t.ID {
						rec = r
					}
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("%s %s %s\n", t.ID, statusColor(string(rec.Result)), rec.Message)
				return nil
			})
		},
	}
	trigger.Flags().StringVar(&payloadRaw, "payload", "", "task payload as a JSON object")
	task.AddCommand(trigger)
	return task
}

func stateCmd() *cobra.Command {
	st := &cobra.Command{Use: "state", Short: "Inspect the persisted orchestrator state"}
	st.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the state document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remoteClient(); ok {
				s, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(s)
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			s, err := state.ReadFile(cfg.State.Path)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(s)
			}
			pending := 0
			for _, a := range s.Approvals {
				if a.Status == domain.ApprovalPending {
					pending++
				}
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendRows([]table.Row{
				{"Version", s.Version},
				{"Last started", timeOrDash(s.LastStartedAt)},
				{"Agents", len(s.Agents)},
				{"Task history", len(s.TaskHistory)},
				{"Pending approvals", pending},
				{"Invocations", len(s.Invocations)},
				{"Milestone deliveries", len(s.MilestoneDeliveries)},
				{"Last milestone delivery", timeOrDash(s.LastMilestoneDeliveryAt)},
				{"Demand deliveries", len(s.DemandSummaryDeliveries)},
				{"Last demand summary", timeOrDash(s.LastDemandSummaryAt)},
			})
			tw.Render()
			return nil
		},
	})
	return st
}

func invocationsCmd() *cobra.Command {
	inv := &cobra.Command{Use: "invocations", Short: "Inspect the capability audit trail"}
	var agentID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent capability invocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []swarmsdk.Invocation
			if c, ok := remoteClient(); ok {
				var err error
				if items, err = c.Invocations(cmd.Context(), agentID, limit); err != nil {
					return err
				}
			} else {
				err := viewApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					recs, err := a.Repo.ListInvocations(ctx, agentID, limit)
					if err != nil {
						return err
					}
					for _, r := range recs {
						items = append(items, swarmsdk.Invocation{ID: r.ID, AgentID: r.AgentID, CapabilityID: r.CapabilityID, Args: r.Args, Timestamp: r.Timestamp, Allowed: r.Allowed, Reason: r.Reason})
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Time", "Agent", "Capability", "Decision", "Reason"})
			for _, r := range items {
				decision := statusColor("approved")
				if !r.Allowed {
					decision = statusColor("rejected")
				}
				tw.AppendRow(table.Row{r.Timestamp.Format(time.RFC3339), r.AgentID, r.CapabilityID, decision, r.Reason})
			}
			tw.Render()
			return nil
		},
	}
	list.Flags().StringVar(&agentID, "agent-id", "", "filter by agent")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	inv.AddCommand(list)
	return inv
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Mint operator tokens and hash api keys"}
	var actor string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint an HS256 operator JWT signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			token, err := auth.MintToken(cfg.Auth.JWTSecret, actor, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().StringVar(&actor, "actor", "", "subject of the token")
	mint.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = mint.MarkFlagRequired("actor")
	tok.AddCommand(mint)
	tok.AddCommand(&cobra.Command{
		Use:   "hash <key>",
		Short: "Print the key_sha256 value for an api key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(auth.HashAPIKey(args[0]))
			return nil
		},
	})
	return tok
}

func alertsCmd() *cobra.Command {
	al := &cobra.Command{Use: "alerts", Short: "Alert webhook helpers"}
	var file, secret string
	sign := &cobra.Command{
		Use:   "sign",
		Short: "Compute the X-Alert-Signature header for a batch file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			if secret == "" {
				cfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				secret = cfg.Alerts.WebhookSecret
			}
			if secret == "" {
				return fmt.Errorf("no secret: pass --secret or set alerts.webhook_secret")
			}
			sig, err := delivery.SignCanonical(secret, data)
			if err != nil {
				return fmt.Errorf("batch is not valid JSON: %w", err)
			}
			fmt.Printf("%s: sha256=%s\n", alerts.SignatureHeader, sig)
			return nil
		},
	}
	sign.Flags().StringVar(&file, "file", "", "path to the JSON batch")
	sign.Flags().StringVar(&secret, "secret", "", "shared secret (defaults to alerts.webhook_secret)")
	_ = sign.MarkFlagRequired("file")
	al.AddCommand(sign)
	return al
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

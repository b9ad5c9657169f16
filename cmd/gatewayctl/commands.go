package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/go-gateway/api"
	"github.com/agentuity/go-gateway/errorlog"
	"github.com/agentuity/go-gateway/gateway"
	"github.com/agentuity/go-gateway/tui"
	"github.com/spf13/cobra"
)

func printJSON(data []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(out.String())
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the API and the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromCmd(cmd)
			ctx := cmd.Context()
			apiOK := a.api.HealthCheck(ctx)

			var status *gateway.HealthStatus
			gwErr := a.connect(ctx)
			if gwErr == nil {
				status, gwErr = a.gateway.Health(ctx)
			}
			return a.render(ctx, func(ctx context.Context) error {
				rows := [][]string{{"api", a.api.BaseURL(), okLabel(apiOK), ""}}
				gwRow := []string{"gateway", a.gateway.URL(), okLabel(gwErr == nil && status.OK), ""}
				if gwErr != nil {
					gwRow[3] = gwErr.Error()
				} else {
					detail := status.Version
					if status.UptimeMs > 0 {
						detail = strings.TrimSpace(detail + " up " + (time.Duration(status.UptimeMs) * time.Millisecond).String())
					}
					gwRow[3] = detail
				}
				rows = append(rows, gwRow)
				tui.Table(os.Stdout, []string{"Service", "URL", "Status", "Detail"}, rows)
				return nil
			})
		},
	}
}

func okLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return tui.Warning("down")
}

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents the gateway exposes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromCmd(cmd)
			ctx := cmd.Context()
			if err := a.connect(ctx); err != nil {
				a.log.Debug("listing fallback agents: %s", err)
			}
			agents, fromGateway := a.gateway.ListAgents(ctx)
			return a.render(ctx, func(ctx context.Context) error {
				rows := make([][]string, 0, len(agents))
				for _, agent := range agents {
					rows = append(rows, []string{agent.Emoji, agent.ID, agent.Name, agent.Model, tui.MaxWidth(agent.Description, 48)})
				}
				tui.Table(os.Stdout, []string{"", "ID", "Name", "Model", "Description"}, rows)
				if !fromGateway {
					tui.ShowWarning("gateway unavailable, showing the default agent list. Run %s for details", tui.Command("health"))
				}
				return nil
			})
		},
	}
}

func newIdentityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity <agent-id>",
		Short: "Show how an agent presents itself",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromCmd(cmd)
			ctx := cmd.Context()
			if err := a.connect(ctx); err != nil {
				return err
			}
			identity, err := a.gateway.AgentIdentity(ctx, args[0])
			if err != nil {
				return err
			}
			return a.render(ctx, func(ctx context.Context) error {
				fmt.Println(tui.Title(strings.TrimSpace(identity.Emoji + " " + identity.Name)))
				fmt.Println(tui.Secondary(identity.AgentID))
				if identity.Description != "" {
					fmt.Println(identity.Description)
				}
				if identity.Avatar != "" {
					fmt.Println(tui.Muted(identity.Avatar))
				}
				return nil
			})
		},
	}
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <method> [json-params]",
		Short: "Invoke a raw gateway RPC method",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromCmd(cmd)
			ctx := cmd.Context()
			var params any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params must be valid JSON")
				}
				params = json.RawMessage(args[1])
			}
			if err := a.connect(ctx); err != nil {
				return err
			}
			payload, err := a.gateway.Call(ctx, args[0], params)
			if err != nil {
				return err
			}
			return a.render(ctx, func(ctx context.Context) error {
				printJSON(payload)
				return nil
			})
		},
	}
	return cmd
}

// messageText pulls printable text out of a chat message payload, which is
// either a bare string or an object with text or content.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Text != "" {
			return obj.Text
		}
		return obj.Content
	}
	return string(raw)
}

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a chat message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromCmd(cmd)
			ctx := cmd.Context()
			session, _ := cmd.Flags().GetString("session")
			agentID, _ := cmd.Flags().GetString("agent")
			if err := a.connect(ctx); err != nil {
				return err
			}
			message := strings.Join(args, " ")
			if cmd.Flags().Changed("agent") {
				run, err := a.gateway.SendAgentMessage(ctx, gateway.AgentMessage{
					AgentID:    agentID,
					Message:    message,
					SessionKey: session,
				})
				if err != nil {
					return err
				}
				tui.ShowSuccess("run %s %s", run.RunID, run.Status)
				return nil
			}
			run, err := a.gateway.StreamChat(ctx, gateway.ChatMessage{
				SessionKey: session,
				Message:    message,
			}, func(ev gateway.ChatEvent) {
				fmt.Print(messageText(ev.Message))
			})
			fmt.Println()
			if err != nil {
				return err
			}
			a.log.Debug("chat run %s finished", run.RunID)
			return nil
		},
	}
	cmd.Flags().String("session", "main", "session key")
	cmd.Flags().String("agent", "", "send to this agent without streaming")
	return cmd
}

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request <method> <path>",
		Short: "Send a request to the API through the retrying client",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromCmd(cmd)
			ctx := cmd.Context()
			opts := &api.RequestOptions{}
			if data, _ := cmd.Flags().GetString("data"); data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data must be valid JSON")
				}
				opts.Body = json.RawMessage(data)
			}
			opts.NoRetry, _ = cmd.Flags().GetBool("no-retry")
			opts.Timeout, _ = cmd.Flags().GetDuration("timeout")
			headers, _ := cmd.Flags().GetStringToString("header")
			opts.Headers = headers
			opts.OnRetry = func(attempt int, err error) {
				a.log.Info("attempt %d failed, retrying: %s", attempt, err)
			}

			var body []byte
			err := tui.Spin(ctx, strings.ToUpper(args[0])+" "+args[1], func(ctx context.Context) error {
				return a.api.Request(ctx, strings.ToUpper(args[0]), args[1], opts, &body)
			})
			if err != nil {
				return err
			}
			return a.render(ctx, func(ctx context.Context) error {
				if len(body) > 0 {
					printJSON(body)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("data", "", "JSON request body")
	cmd.Flags().Bool("no-retry", false, "make a single attempt")
	cmd.Flags().Duration("timeout", 0, "per-attempt timeout")
	cmd.Flags().StringToString("header", nil, "extra request headers (key=value)")
	return cmd
}

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <token>",
		Short: "Store the API bearer token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromCmd(cmd)
			ctx := cmd.Context()
			if logout, _ := cmd.Flags().GetBool("logout"); logout {
				if err := a.api.ClearToken(ctx); err != nil {
					return err
				}
				tui.ShowSuccess("token removed")
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("a token is required")
			}
			if err := a.api.SetToken(ctx, args[0]); err != nil {
				return err
			}
			if a.cfg.Storage.Driver == "" || a.cfg.Storage.Driver == "memory" {
				tui.ShowWarning("storage driver is memory, the token is kept for this invocation only")
			}
			tui.ShowSuccess("token saved, remove it with %s", tui.Command("login", "--logout"))
			return nil
		},
	}
	cmd.Flags().Bool("logout", false, "remove the stored token")
	return cmd
}

func newErrorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect locally recorded errors",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded errors, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromCmd(cmd)
			ctx := cmd.Context()
			entries, err := a.errors.Entries(ctx)
			if err != nil {
				return err
			}
			verbose, _ := cmd.Flags().GetBool("verbose")
			return a.render(ctx, func(ctx context.Context) error {
				if len(entries) == 0 {
					tui.ShowSuccess("no errors recorded")
					return nil
				}
				if verbose {
					for i := len(entries) - 1; i >= 0; i-- {
						fmt.Println(tui.RenderErrorReport(entries[i].View()))
					}
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for i := len(entries) - 1; i >= 0; i-- {
					e := entries[i]
					where := ""
					if e.Context != nil {
						where = strings.Trim(e.Context.Component+"/"+e.Context.Action, "/")
					}
					rows = append(rows, []string{
						e.ID,
						e.Timestamp.Local().Format(time.DateTime),
						tui.SeverityLabel(string(e.Severity)),
						where,
						tui.MaxWidth(e.Message, 60),
					})
				}
				tui.Table(os.Stdout, []string{"ID", "Time", "Severity", "Where", "Message"}, rows)
				return nil
			})
		},
	}
	listCmd.Flags().BoolP("verbose", "v", false, "show full reports")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every recorded error",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromCmd(cmd)
			ctx := cmd.Context()
			entries, err := a.errors.Entries(ctx)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				tui.ShowSuccess("no errors recorded")
				return nil
			}
			if force, _ := cmd.Flags().GetBool("force"); !force {
				ok, err := tui.Ask("Remove "+strconv.Itoa(len(entries))+" recorded errors?", true)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			if err := a.errors.Clear(ctx); err != nil {
				return err
			}
			tui.ShowSuccess("removed %d errors", len(entries))
			return nil
		},
	}
	clearCmd.Flags().BoolP("force", "f", false, "do not ask for confirmation")

	testCmd := &cobra.Command{
		Use:    "test",
		Short:  "Record a test error through the configured sinks",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromCmd(cmd)
			id := a.errors.LogError(cmd.Context(), fmt.Errorf("test error from gatewayctl"), errorlog.SeverityLow, &errorlog.Context{
				Component: "gatewayctl",
				Action:    "errors.test",
			})
			tui.ShowSuccess("recorded %s", id)
			return nil
		},
	}

	cmd.AddCommand(listCmd, clearCmd, testCmd)
	return cmd
}

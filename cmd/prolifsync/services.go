package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/proliferate-ai/proliferate-sub003/schema"
)

func newServicesCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Inspect and control the session's services",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL, "prolifsync HTTP API base URL")

	list := &cobra.Command{
		Use:   "list",
		Short: "List services",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			var resp struct {
				List      schema.ServiceList `json:"list"`
				PollError string             `json:"poll_error"`
				Stale     bool               `json:"stale"`
			}
			if err := client.getJSON(cmd.Context(), "/api/services?refresh=true", &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if resp.PollError != "" {
				fmt.Fprintf(out, "poll error: %s\n", resp.PollError)
			}
			if resp.Stale {
				fmt.Fprintln(out, "(stale snapshot)")
			}
			printServiceList(out, resp.List)
			return nil
		},
	}

	stop := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			var resp struct {
				List schema.ServiceList `json:"list"`
			}
			if err := client.postJSONOut(cmd.Context(), "/api/services/stop", map[string]any{"name": args[0]}, &resp); err != nil {
				return err
			}
			printServiceList(cmd.OutOrStdout(), resp.List)
			return nil
		},
	}

	var command, cwd string
	restart := &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart a service, optionally with a new command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			var resp struct {
				List schema.ServiceList `json:"list"`
			}
			payload := map[string]any{"name": args[0], "command": command, "cwd": cwd}
			if err := client.postJSONOut(cmd.Context(), "/api/services/restart", payload, &resp); err != nil {
				return err
			}
			printServiceList(cmd.OutOrStdout(), resp.List)
			return nil
		},
	}
	restart.Flags().StringVar(&command, "command", "", "command line to run")
	restart.Flags().StringVar(&cwd, "cwd", "", "working directory")

	expose := &cobra.Command{
		Use:   "expose <port>",
		Short: "Expose a port on the session's public URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[0], err)
			}
			client := newAPIClient(serverURL)
			var resp struct {
				List schema.ServiceList `json:"list"`
			}
			if err := client.postJSONOut(cmd.Context(), "/api/services/expose", map[string]any{"port": port}, &resp); err != nil {
				return err
			}
			printServiceList(cmd.OutOrStdout(), resp.List)
			return nil
		},
	}

	logs := &cobra.Command{
		Use:   "logs [name]",
		Short: "Select a service log tail and print the buffered content",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			if len(args) == 1 {
				if err := client.postJSON(cmd.Context(), "/api/services/logs", map[string]any{"name": args[0]}); err != nil {
					return err
				}
			}
			var resp struct {
				Name    string `json:"name"`
				Content string `json:"content"`
			}
			if err := client.getJSON(cmd.Context(), "/api/services/logs", &resp); err != nil {
				return err
			}
			if resp.Name == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no log service selected")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), resp.Content)
			return nil
		},
	}

	cmd.AddCommand(list, stop, restart, expose, logs)
	return cmd
}

func printServiceList(out io.Writer, list schema.ServiceList) {
	if list.ExposedPort != nil {
		fmt.Fprintf(out, "exposed port: %d\n", *list.ExposedPort)
	}
	if len(list.Services) == 0 {
		fmt.Fprintln(out, "no services")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tPID\tCOMMAND")
	for _, svc := range list.Services {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", svc.Name, svc.Status, svc.PID, svc.Command)
	}
	_ = tw.Flush()
}

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/proliferate-ai/proliferate-sub003/schema"
)

func newGitCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "git",
		Short: "Inspect and act on the session's working tree",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL, "prolifsync HTTP API base URL")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the working tree snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			var resp struct {
				State          *schema.GitState `json:"state"`
				Stale          bool             `json:"stale"`
				PollFailed     bool             `json:"poll_failed"`
				ActionInFlight bool             `json:"action_in_flight"`
			}
			if err := client.getJSON(cmd.Context(), "/api/git?refresh=true", &resp); err != nil {
				return err
			}
			printGitStatus(cmd.OutOrStdout(), resp.State, resp.Stale, resp.PollFailed, resp.ActionInFlight)
			return nil
		},
	}

	branch := &cobra.Command{
		Use:   "branch <name>",
		Short: "Create and switch to a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatchGit(cmd, serverURL, "/api/git/branch", map[string]any{"name": args[0]})
		},
	}

	var message string
	var includeUntracked bool
	var files []string
	commit := &cobra.Command{
		Use:   "commit",
		Short: "Commit staged and unstaged changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatchGit(cmd, serverURL, "/api/git/commit", map[string]any{
				"message":           message,
				"include_untracked": includeUntracked,
				"files":             files,
			})
		},
	}
	commit.Flags().StringVarP(&message, "message", "m", "", "commit message")
	commit.Flags().BoolVar(&includeUntracked, "include-untracked", false, "also commit untracked files")
	commit.Flags().StringSliceVar(&files, "file", nil, "limit the commit to specific files")

	push := &cobra.Command{
		Use:   "push",
		Short: "Push the current branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatchGit(cmd, serverURL, "/api/git/push", map[string]any{})
		},
	}

	var title, prBody, baseBranch string
	pr := &cobra.Command{
		Use:   "pr",
		Short: "Create a pull request for the current branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatchGit(cmd, serverURL, "/api/git/pr", map[string]any{
				"title":       title,
				"body":        prBody,
				"base_branch": baseBranch,
			})
		},
	}
	pr.Flags().StringVar(&title, "title", "", "pull request title")
	pr.Flags().StringVar(&prBody, "body", "", "pull request body")
	pr.Flags().StringVar(&baseBranch, "base", "", "base branch")

	cmd.AddCommand(status, branch, commit, push, pr)
	return cmd
}

// dispatchGit fires a mutating git action and prints the request id;
// the result arrives later on the event stream.
func dispatchGit(cmd *cobra.Command, serverURL, path string, payload map[string]any) error {
	client := newAPIClient(serverURL)
	var resp struct {
		RequestID      string `json:"request_id"`
		Action         string `json:"action"`
		BehindAdvisory bool   `json:"behind_advisory"`
	}
	if err := client.postJSONOut(cmd.Context(), path, payload, &resp); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "dispatched %s (request %s)\n", resp.Action, resp.RequestID)
	if resp.BehindAdvisory {
		fmt.Fprintln(out, "warning: branch is behind its upstream")
	}
	return nil
}

func printGitStatus(out io.Writer, state *schema.GitState, stale, pollFailed, actionInFlight bool) {
	if state == nil {
		fmt.Fprintln(out, "no git snapshot yet")
		return
	}
	branch := state.Branch
	if state.Detached {
		branch += " (detached)"
	}
	fmt.Fprintf(out, "branch: %s\n", branch)
	if state.Ahead != nil || state.Behind != nil {
		ahead, behind := 0, 0
		if state.Ahead != nil {
			ahead = *state.Ahead
		}
		if state.Behind != nil {
			behind = *state.Behind
		}
		fmt.Fprintf(out, "ahead %d, behind %d\n", ahead, behind)
	}
	fmt.Fprintf(out, "staged %d, unstaged %d, untracked %d, conflicted %d\n",
		len(state.StagedChanges), len(state.UnstagedChanges), len(state.UntrackedFiles), len(state.ConflictedFiles))
	if state.Busy() {
		fmt.Fprintln(out, "busy: working tree operation in progress")
	}
	if stale {
		fmt.Fprintln(out, "(stale snapshot)")
	}
	if pollFailed {
		fmt.Fprintln(out, "(last poll failed)")
	}
	if actionInFlight {
		fmt.Fprintln(out, "(action in flight)")
	}
}

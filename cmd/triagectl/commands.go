package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/carepath/internal/triageapi"
)

const defaultServer = "http://localhost:8080"

type options struct {
	server string
	token  string
}

func (o *options) client() *triageapi.Client {
	return triageapi.NewClient(o.server, o.token, nil)
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "triagectl",
		Short:         "Talk to a carepath triage server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.server, "server", envOr("CAREPATH_SERVER", defaultServer), "triage API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CAREPATH_API_TOKEN"), "bearer token for the triage API")

	root.AddCommand(
		newStartCmd(opts),
		newAnswerCmd(opts),
		newStatusCmd(opts),
		newChatCmd(opts),
	)
	return root
}

func newStartCmd(opts *options) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "start <symptoms...>",
		Short: "Start a triage session from a symptom description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Start(cmd.Context(), strings.Join(args, " "), sessionID)
			if err != nil {
				return err
			}
			printReply(cmd.OutOrStdout(), resp, true)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "", "reuse a caller-chosen session ID")
	return cmd
}

func newAnswerCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "answer <session-id> <answer...>",
		Short: "Answer the pending question of a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Answer(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printReply(cmd.OutOrStdout(), resp, false)
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's phase, history and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "session:  %s\n", st.SessionID)
			fmt.Fprintf(w, "phase:    %s\n", st.Phase)
			fmt.Fprintf(w, "turns:    %d/%d\n", st.Turns, st.TurnBudget)
			if st.PendingQuestion != "" {
				fmt.Fprintf(w, "pending:  %s\n", st.PendingQuestion)
			}
			fmt.Fprintf(w, "history:\n%s\n", indent(st.History))
			if st.Result != nil {
				printResult(w, &triageapi.SessionResponse{TriageResult: st.Result})
			}
			return nil
		},
	}
}

func newChatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Run an interactive triage conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c := opts.client()
			w := cmd.OutOrStdout()
			sc := bufio.NewScanner(cmd.InOrStdin())

			fmt.Fprint(w, "What are your symptoms?\n> ")
			symptoms, ok := readLine(sc)
			if !ok {
				return sc.Err()
			}
			resp, err := c.Start(ctx, symptoms, "")
			if err != nil {
				return err
			}

			for resp.Type == "ask" {
				fmt.Fprintf(w, "%s\n> ", resp.Question)
				answer, ok := readLine(sc)
				if !ok {
					fmt.Fprintf(w, "\nsession %s left open\n", resp.SessionID)
					return sc.Err()
				}
				if resp, err = c.Answer(ctx, resp.SessionID, answer); err != nil {
					return err
				}
			}
			printReply(w, resp, true)
			return nil
		},
	}
}

// readLine returns the next non-blank line.
func readLine(sc *bufio.Scanner) (string, bool) {
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line, true
		}
	}
	return "", false
}

func printReply(w io.Writer, r *triageapi.SessionResponse, showID bool) {
	if showID {
		fmt.Fprintf(w, "session: %s\n", r.SessionID)
	}
	if r.Message != "" {
		fmt.Fprintf(w, "note: %s\n", r.Message)
	}
	if r.Type == "ask" {
		fmt.Fprintf(w, "question: %s\n", r.Question)
		return
	}
	printResult(w, r)
}

func printResult(w io.Writer, r *triageapi.SessionResponse) {
	res := r.TriageResult
	if res == nil {
		return
	}
	fmt.Fprintf(w, "level:      %s\n", res.Level)
	fmt.Fprintf(w, "confidence: %s\n", res.Confidence)
	fmt.Fprintln(w, "what to do:")
	for _, a := range res.Actions {
		fmt.Fprintf(w, "  - %s\n", a)
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintln(w, "watch for:")
		for _, x := range res.Warnings {
			fmt.Fprintf(w, "  - %s\n", x)
		}
	}
	if !res.Grounded {
		fmt.Fprintln(w, "(no reference material was available for this assessment)")
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

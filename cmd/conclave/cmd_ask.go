package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/conclave/internal/relay"
	"github.com/user/conclave/internal/types"
)

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().String("agent", "", "agent id to answer (stateful mode)")
	askCmd.Flags().String("conversation", "", "conversation id to continue")
	askCmd.Flags().Bool("collaborate", false, "run the full roster and print the synthesized answer")
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a one-shot question and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		question := strings.Join(args, " ")
		agentFlag, _ := cmd.Flags().GetString("agent")
		convFlag, _ := cmd.Flags().GetString("conversation")
		collaborate, _ := cmd.Flags().GetBool("collaborate")

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conv, err := a.conversations.Ensure(ctx, types.ParseConversationID(convFlag), question)
		if err != nil {
			return err
		}

		if collaborate {
			res, err := a.orchestrator.Collaborate(ctx, conv.ID, question)
			if err != nil {
				return err
			}
			for _, r := range res.Initial {
				fmt.Fprintf(os.Stderr, "[%s] %d chars\n", r.Name, len(r.Text))
			}
			fmt.Fprintln(os.Stdout, res.FinalAnswer)
			return nil
		}

		agent, err := a.conversations.ResolveAgent(ctx, conv, types.AgentID(agentFlag))
		if err != nil {
			return err
		}
		history, err := a.conversations.History(ctx, conv.ID, cfg.Relay.HistoryLimit)
		if err != nil {
			return err
		}
		continuation := ""
		if agent == "" {
			continuation = conv.LastCorrelationID
		}
		sess, err := a.relay.Start(ctx, &relay.Request{
			ConversationID:    conv.ID,
			History:           history,
			UserText:          question,
			AgentID:           agent,
			Model:             cfg.LLM.Model,
			ContinuationToken: continuation,
		})
		if err != nil {
			return err
		}
		for chunk := range sess.Output() {
			fmt.Fprint(os.Stdout, chunk)
		}
		fmt.Fprintln(os.Stdout)

		res := sess.Wait()
		fmt.Fprintf(os.Stderr, "conversation %s, message %s (%s)\n", conv.ID, res.MessageID, res.State)
		return res.Err
	},
}

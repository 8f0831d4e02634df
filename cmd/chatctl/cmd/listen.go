package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"carechat/internal/client"
	"carechat/internal/models"
)

var listenConversations []string

func init() {
	listenCmd.Flags().StringSliceVarP(&listenConversations, "conversation", "c", nil, "conversation ids to join (default: all of yours)")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print live conversation events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		agent, err := newAgent(client.NewAPI(serverURL), client.Config{
			OnEvent:       func(env models.Envelope) { printEvent(out, env) },
			OnStateChange: func(s client.State) { fmt.Fprintf(cmd.ErrOrStderr(), "-- %s\n", s) },
		})
		if err != nil {
			return err
		}
		for _, id := range listenConversations {
			agent.OpenConversation(id)
		}

		err = agent.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func printEvent(w io.Writer, env models.Envelope) {
	switch env.Type {
	case models.EventConnected:
		var p models.ConnectedPayload
		if env.Decode(&p) == nil {
			fmt.Fprintf(w, "connected as %s, %d conversations\n", p.User.DisplayName, len(p.Conversations))
		}
	case models.EventNewMessage:
		var p models.NewMessagePayload
		if env.Decode(&p) == nil {
			preview := models.Summarize(&p.Message).Preview
			fmt.Fprintf(w, "[%s] %s (%s): %s\n", p.ConversationID, p.SenderName, humanize.Time(p.CreatedAt), preview)
		}
	case models.EventUserTyping:
		var p models.TypingPayload
		if env.Decode(&p) == nil {
			fmt.Fprintf(w, "[%s] %s is typing...\n", p.ConversationID, p.DisplayName)
		}
	case models.EventMessagesRead:
		var p models.MessagesReadPayload
		if env.Decode(&p) == nil {
			fmt.Fprintf(w, "[%s] %s read %d message(s)\n", p.ConversationID, p.UserID, len(p.MessageIDs))
		}
	case models.EventConversationUpdated:
		var p models.ConversationUpdatedPayload
		if env.Decode(&p) == nil {
			fmt.Fprintf(w, "[%s] new activity: %s\n", p.ConversationID, p.LastMessage.Preview)
		}
	case models.EventMessageError:
		var p models.MessageErrorPayload
		if env.Decode(&p) == nil {
			fmt.Fprintf(w, "error %s: %s\n", p.Code, p.Error)
		}
	case models.EventUserStopTyping, models.EventJoined, models.EventLeft:
	default:
		fmt.Fprintf(w, "%s %s\n", env.Type, string(env.Payload))
	}
}

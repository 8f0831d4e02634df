package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"carechat/internal/client"
	"carechat/internal/models"
)

var (
	sendConversation string
	sendTimeout      time.Duration
)

func init() {
	sendCmd.Flags().StringVarP(&sendConversation, "conversation", "c", "", "conversation id")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "how long to wait for the server to confirm")
	sendCmd.MarkFlagRequired("conversation")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send [text...]",
	Short: "Send a text message and wait for the server to store it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := json.Marshal(strings.Join(args, " "))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()

		type outcome struct {
			msg *models.Message
			err error
		}
		done := make(chan outcome, 1)
		var ref string
		agent, err := newAgent(client.NewAPI(serverURL), client.Config{
			MaxAttempts: 3,
			OnEvent: func(env models.Envelope) {
				switch env.Type {
				case models.EventNewMessage:
					var p models.NewMessagePayload
					if env.Decode(&p) == nil && p.ClientRef != "" && p.ClientRef == ref {
						done <- outcome{msg: &p.Message}
					}
				case models.EventMessageError:
					var p models.MessageErrorPayload
					if env.Decode(&p) == nil && p.ClientRef != "" && p.ClientRef == ref {
						done <- outcome{err: fmt.Errorf("%s: %s", p.Code, p.Error)}
					}
				}
			},
		})
		if err != nil {
			return err
		}

		// Queued until the connection is ready
		ref = agent.Send(models.SendMessagePayload{
			ConversationID: sendConversation,
			Type:           models.TypeText,
			Content:        content,
		})

		runErr := make(chan error, 1)
		go func() { runErr <- agent.Run(ctx) }()

		select {
		case out := <-done:
			cancel()
			if out.err != nil {
				return out.err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s (seq %d)\n", out.msg.ID, out.msg.Seq)
			return nil
		case err := <-runErr:
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no confirmation within %s", sendTimeout)
			}
			return err
		}
	},
}

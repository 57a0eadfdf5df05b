package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	palai "github.com/palai/palai-go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	msgListJSON    bool
	msgSendReplyTo string
	msgSendJSON    bool
	msgDeleteYes   bool
)

var messagesCmd = &cobra.Command{
	Use:     "messages",
	Aliases: []string{"msg"},
	Short:   "Read and write messages",
}

// viewer returns the signed-in user, from the config when it was saved at
// login and from the server otherwise.
func viewer(ctx context.Context, client *palai.Client, cfg *Config) (palai.User, error) {
	if cfg.Auth.UserID != "" && cfg.Auth.Token != "" && tokenStore(cfg).Token() == cfg.Auth.Token {
		return palai.User{ID: palai.ID(cfg.Auth.UserID), Username: cfg.Auth.Username}, nil
	}
	me, err := client.Users.Current(ctx)
	if err != nil {
		return palai.User{}, apiError(err)
	}
	return *me, nil
}

// loadTimeline builds the timeline for one conversation and loads it.
func loadTimeline(ctx context.Context, client *palai.Client, cfg *Config, conversation string) (*palai.Timeline, error) {
	me, err := viewer(ctx, client, cfg)
	if err != nil {
		return nil, err
	}
	tl := palai.NewTimeline(client.Messages, palai.ID(conversation), me, palai.WithTimelineLogger(client.Logger()))
	if err := tl.Load(ctx); err != nil {
		return nil, apiError(err)
	}
	return tl, nil
}

// when renders a backend timestamp relative to now.
func when(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func formatMessage(m palai.Message) string {
	var b strings.Builder
	author := m.User.DisplayName()
	if author == "" {
		author = "user " + m.UserID.String()
	}
	if m.IsAIResponse {
		author += " (AI)"
	}
	fmt.Fprintf(&b, "[%s] %s", m.ID, author)
	if m.CreatedAt != "" {
		fmt.Fprintf(&b, ", %s", when(m.CreatedAt))
	}
	if m.IsEdited {
		b.WriteString(" (edited)")
	}
	if m.Sending {
		b.WriteString(" (sending)")
	}
	b.WriteString("\n")
	if m.ReplyToMessage != nil {
		fmt.Fprintf(&b, "  > %s: %s\n", m.ReplyToMessage.User.DisplayName(), excerpt(m.ReplyToMessage.Content, 60))
	} else if m.ReplyToMessageID != "" {
		fmt.Fprintf(&b, "  > reply to [%s]\n", m.ReplyToMessageID)
	}
	for _, line := range strings.Split(m.Content, "\n") {
		fmt.Fprintf(&b, "  %s\n", line)
	}
	for _, ai := range m.AIResponses {
		fmt.Fprintf(&b, "  AI: %s\n", excerpt(ai.Content, 200))
	}
	return strings.TrimRight(b.String(), "\n")
}

// ============================================================================
// messages list
// ============================================================================

var msgListCmd = &cobra.Command{
	Use:   "list <conversation>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		tl, err := loadTimeline(ctx, client, cfg, args[0])
		if err != nil {
			return err
		}
		msgs := tl.Messages()
		if msgListJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

// ============================================================================
// messages send
// ============================================================================

var msgSendCmd = &cobra.Command{
	Use:   "send <conversation> <text>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		tl, err := loadTimeline(ctx, client, cfg, args[0])
		if err != nil {
			return err
		}
		if msgSendReplyTo != "" {
			if err := tl.ReplyTo(palai.ID(msgSendReplyTo)); err != nil {
				return err
			}
		}
		tl.SetDraft(args[1])
		m, err := tl.Send(ctx)
		if err != nil {
			return apiError(err)
		}
		if msgSendJSON {
			return printJSON(m)
		}
		fmt.Printf("Sent message %s\n", m.ID)
		return nil
	},
}

// ============================================================================
// messages edit
// ============================================================================

var msgEditCmd = &cobra.Command{
	Use:   "edit <conversation> <message> <text>",
	Short: "Edit one of your messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		tl, err := loadTimeline(ctx, client, cfg, args[0])
		if err != nil {
			return err
		}
		if err := tl.Edit(ctx, palai.ID(args[1]), args[2]); err != nil {
			return apiError(err)
		}
		fmt.Printf("Edited message %s\n", args[1])
		return nil
	},
}

// ============================================================================
// messages delete
// ============================================================================

var msgDeleteCmd = &cobra.Command{
	Use:   "delete <conversation> <message>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		tl, err := loadTimeline(ctx, client, cfg, args[0])
		if err != nil {
			return err
		}
		var confirm palai.Confirmer = terminalConfirm
		if msgDeleteYes {
			confirm = palai.AlwaysConfirm
		}
		if err := tl.Delete(ctx, palai.ID(args[1]), confirm); err != nil {
			if errors.Is(err, palai.ErrDeleteDeclined) {
				fmt.Println("Cancelled.")
				return nil
			}
			return apiError(err)
		}
		fmt.Printf("Deleted message %s\n", args[1])
		return nil
	},
}

func init() {
	msgListCmd.Flags().BoolVar(&msgListJSON, "json", false, "Output JSON")
	msgSendCmd.Flags().StringVar(&msgSendReplyTo, "reply-to", "", "Id of the message to reply to")
	msgSendCmd.Flags().BoolVar(&msgSendJSON, "json", false, "Output JSON")
	msgDeleteCmd.Flags().BoolVarP(&msgDeleteYes, "yes", "y", false, "Do not ask for confirmation")

	messagesCmd.AddCommand(msgListCmd, msgSendCmd, msgEditCmd, msgDeleteCmd)
	rootCmd.AddCommand(messagesCmd)
}

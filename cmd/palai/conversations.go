package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	palai "github.com/palai/palai-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations list
	convListSearch   string
	convListArchived bool
	convListJSON     bool

	// conversations create
	convCreateName  string
	convCreateGroup bool
	convCreateJSON  bool
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
}

// loadedList fetches the conversation list so local rules, such as the
// group-only rename, can be checked before any write.
func loadedList(ctx context.Context, client *palai.Client) (*palai.ConversationList, error) {
	list := palai.NewConversationList(client.Conversations)
	if err := list.Refresh(ctx); err != nil {
		return nil, apiError(err)
	}
	return list, nil
}

func formatConversation(c palai.Conversation) string {
	var b strings.Builder
	if c.Pinned {
		b.WriteString("* ")
	} else {
		b.WriteString("  ")
	}
	name := c.Name
	if name == "" {
		names := make([]string, 0, len(c.Users))
		for _, u := range c.Users {
			names = append(names, u.DisplayName())
		}
		name = valueOrDefault(strings.Join(names, ", "), "(unnamed)")
	}
	fmt.Fprintf(&b, "%s: %s (%s)", c.ID, name, c.Type)
	if c.LastMessage != nil {
		fmt.Fprintf(&b, " - %s", excerpt(c.LastMessage.Content, 40))
	}
	return b.String()
}

func excerpt(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}

// ============================================================================
// conversations list
// ============================================================================

var convListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, pinned first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		list, err := loadedList(ctx, client)
		if err != nil {
			return err
		}
		list.SetSearch(convListSearch)

		convs := list.Active()
		if convListArchived {
			convs = list.Archived()
		}
		if convListJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Println(formatConversation(c))
		}
		return nil
	},
}

// ============================================================================
// conversations create
// ============================================================================

var convCreateCmd = &cobra.Command{
	Use:   "create <users>",
	Short: "Start a conversation",
	Long:  "Start a conversation with a comma separated list of usernames or emails.\nUse --name or --group to create a group conversation.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		opts := palai.CreateConversationOptions{UsersRaw: args[0], Name: strings.TrimSpace(convCreateName)}
		if convCreateGroup || opts.Name != "" {
			opts.Type = palai.ConversationGroup
		}
		conv, err := client.Conversations.Create(ctx, opts)
		if err != nil {
			return apiError(err)
		}
		if convCreateJSON {
			return printJSON(conv)
		}
		fmt.Printf("Created conversation %s\n", conv.ID)
		fmt.Println(formatConversation(*conv))
		return nil
	},
}

// ============================================================================
// conversations rename
// ============================================================================

var convRenameCmd = &cobra.Command{
	Use:   "rename <conversation> <name>",
	Short: "Rename a group conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		list, err := loadedList(ctx, client)
		if err != nil {
			return err
		}
		id := palai.ID(args[0])
		if err := list.Rename(ctx, id, args[1]); err != nil {
			return apiError(err)
		}
		c, _ := list.Get(id)
		fmt.Printf("Conversation %s is now %q\n", id, c.Name)
		return nil
	},
}

// ============================================================================
// conversations pin|unpin|archive|unarchive|leave
// ============================================================================

// flagCommand builds a command that applies one list mutation.
func flagCommand(use, short, done string, apply func(*palai.ConversationList, context.Context, palai.ID) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := getClient()

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			list, err := loadedList(ctx, client)
			if err != nil {
				return err
			}
			id := palai.ID(args[0])
			if _, ok := list.Get(id); !ok {
				return fmt.Errorf("conversation %s not found", id)
			}
			if err := apply(list, ctx, id); err != nil {
				return apiError(err)
			}
			fmt.Printf("Conversation %s %s\n", id, done)
			return nil
		},
	}
}

// ============================================================================
// conversations add-user
// ============================================================================

var convAddUserCmd = &cobra.Command{
	Use:   "add-user <conversation> <user-id>",
	Short: "Add a member to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.Conversations.AddUser(ctx, palai.ID(args[0]), palai.ID(args[1]))
		if err != nil {
			return apiError(err)
		}
		fmt.Printf("Conversation %s now has %d members\n", conv.ID, len(conv.Users))
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	convListCmd.Flags().StringVarP(&convListSearch, "search", "s", "", "Only show conversations whose name contains this text")
	convListCmd.Flags().BoolVar(&convListArchived, "archived", false, "Show archived conversations instead")
	convListCmd.Flags().BoolVar(&convListJSON, "json", false, "Output JSON")

	convCreateCmd.Flags().StringVar(&convCreateName, "name", "", "Group name")
	convCreateCmd.Flags().BoolVar(&convCreateGroup, "group", false, "Create a group conversation")
	convCreateCmd.Flags().BoolVar(&convCreateJSON, "json", false, "Output JSON")

	conversationsCmd.AddCommand(
		convListCmd,
		convCreateCmd,
		convRenameCmd,
		convAddUserCmd,
		flagCommand("pin", "Pin a conversation to the top", "pinned", (*palai.ConversationList).Pin),
		flagCommand("unpin", "Unpin a conversation", "unpinned", (*palai.ConversationList).Unpin),
		flagCommand("archive", "Archive a conversation", "archived", (*palai.ConversationList).Archive),
		flagCommand("unarchive", "Restore an archived conversation", "unarchived", (*palai.ConversationList).Unarchive),
		flagCommand("leave", "Leave a conversation", "left", (*palai.ConversationList).Leave),
	)
	rootCmd.AddCommand(conversationsCmd)
}

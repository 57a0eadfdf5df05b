package main

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	palai "github.com/palai/palai-go"
	"github.com/spf13/cobra"
)

var usersSearchJSON bool

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Look up users",
}

var usersSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find users by username",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if utf8.RuneCountInString(args[0]) < palai.MinSearchLength {
			fmt.Printf("Type at least %d characters to search.\n", palai.MinSearchLength)
			return nil
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.Users.Search(ctx, args[0])
		if err != nil {
			return apiError(err)
		}
		if usersSearchJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("  %s: %s", u.ID, u.DisplayName())
			if u.Username != "" && u.Username != u.DisplayName() {
				fmt.Printf(" (@%s)", u.Username)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	usersSearchCmd.Flags().BoolVar(&usersSearchJSON, "json", false, "Output JSON")
	usersCmd.AddCommand(usersSearchCmd)
	rootCmd.AddCommand(usersCmd)
}

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	palai "github.com/palai/palai-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var watchMetricsAddr string

const watchHelp = `Type a message and press enter to send it.
  /reply <id>          reply to a message with the next send
  /cancel              drop the reply target
  /edit <id> <text>    edit one of your messages
  /delete <id>         delete one of your messages
  /quit                stop watching`

var watchCmd = &cobra.Command{
	Use:   "watch <conversation>",
	Short: "Follow a conversation live and chat from the terminal",
	Long:  "Open a conversation, print new and edited messages as they arrive and send what you type.\n\n" + watchHelp,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		log := client.Logger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			http.Handle("/metrics", promhttp.Handler())
			go func() {
				if err := http.ListenAndServe(watchMetricsAddr, nil); err != nil {
					log.WithError(err).Error("metrics server stopped")
				}
			}()
			log.WithField("addr", watchMetricsAddr).Info("serving metrics")
		}

		bc := newBroadcaster(cfg, client)
		if c, ok := bc.(io.Closer); ok {
			defer c.Close()
		}

		opts := []palai.SessionOption{palai.WithSessionLogger(log), palai.WithAutoOpen(false)}
		cache, err := openCache(cfg)
		if err != nil {
			log.WithError(err).Warn("message cache disabled")
		} else if cache != nil {
			defer cache.Close()
			opts = append(opts, palai.WithCache(cache))
		}

		session := palai.NewSession(client.Services(), bc, opts...)

		startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := session.Start(startCtx); err != nil {
			return apiError(err)
		}
		id := palai.ID(args[0])
		if err := session.Open(startCtx, id); err != nil {
			return apiError(err)
		}
		defer session.Close(context.Background())

		tl := session.Timeline()
		if tl == nil {
			return fmt.Errorf("conversation %s could not be opened", id)
		}
		for _, m := range tl.Messages() {
			fmt.Println(formatMessage(m))
		}
		if session.Live() {
			fmt.Println("-- watching live, /quit to stop --")
		} else {
			fmt.Println("-- live updates unavailable, showing a snapshot --")
		}

		session.OnChange(func(conv palai.ID, ev palai.TimelineEvent) {
			if conv != id {
				return
			}
			switch ev.Kind {
			case palai.EventAppended:
				fmt.Println(formatMessage(ev.Message))
			case palai.EventUpdated:
				fmt.Printf("(updated) %s\n", formatMessage(ev.Message))
			case palai.EventReplaced:
				fmt.Printf("(delivered %s)\n", ev.Message.ID)
			case palai.EventRemoved:
				fmt.Printf("(deleted %s)\n", ev.Message.ID)
			case palai.EventLoaded:
				fmt.Printf("(reloaded %d messages)\n", tl.Len())
			}
		})

		lines := make(chan string)
		go func() {
			defer close(lines)
			for {
				line, err := stdin.ReadString('\n')
				if line != "" {
					lines <- strings.TrimRight(line, "\r\n")
				}
				if err != nil {
					return
				}
			}
		}()

		// stdin belongs to the reader goroutine, so prompts take their answer
		// from the same channel.
		confirm := palai.ConfirmFunc(func(ctx context.Context, prompt string) bool {
			fmt.Print(prompt + " [y/N] ")
			select {
			case answer := <-lines:
				answer = strings.ToLower(strings.TrimSpace(answer))
				return answer == "y" || answer == "yes"
			case <-ctx.Done():
				return false
			}
		})

		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := watchInput(ctx, tl, line, confirm); quit {
					return nil
				}
			}
		}
	},
}

// watchInput handles one line typed while watching. It returns true on /quit.
func watchInput(ctx context.Context, tl *palai.Timeline, line string, confirm palai.Confirmer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if !strings.HasPrefix(line, "/") {
		tl.SetDraft(line)
		if _, err := tl.Send(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", apiError(err))
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(watchHelp)
	case "/reply":
		if len(fields) != 2 {
			fmt.Println("usage: /reply <id>")
			return false
		}
		if err := tl.ReplyTo(palai.ID(fields[1])); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return false
		}
		r := tl.Reply()
		fmt.Printf("replying to %s: %s\n", r.Author, r.Excerpt)
	case "/cancel":
		tl.CancelReply()
	case "/edit":
		parts := strings.SplitN(line, " ", 3)
		if len(fields) < 3 || len(parts) < 3 {
			fmt.Println("usage: /edit <id> <text>")
			return false
		}
		if err := tl.Edit(ctx, palai.ID(fields[1]), parts[2]); err != nil {
			fmt.Fprintf(os.Stderr, "edit failed: %v\n", apiError(err))
		}
	case "/delete":
		if len(fields) != 2 {
			fmt.Println("usage: /delete <id>")
			return false
		}
		if err := tl.Delete(ctx, palai.ID(fields[1]), confirm); err != nil && !errors.Is(err, palai.ErrDeleteDeclined) {
			fmt.Fprintf(os.Stderr, "delete failed: %v\n", apiError(err))
		}
	default:
		fmt.Printf("unknown command %s, try /help\n", fields[0])
	}
	return false
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

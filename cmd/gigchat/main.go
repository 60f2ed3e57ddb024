// Command gigchat is a terminal client for the chat service.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"gigconnect-chat/internal/client"
	"gigconnect-chat/internal/models"
)

var (
	baseURL string
	wsURL   string
	token   string
)

var rootCmd = &cobra.Command{
	Use:   "gigchat",
	Short: "Terminal client for GigConnect chat",
	Long: `gigchat talks to the chat service over REST and the realtime channel.

Available commands:
  chats    List your conversations
  start    Open or create a conversation with another user
  send     Send one message
  tail     Follow a conversation and send lines from stdin`,
	SilenceUsage: true,
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		chats, err := newAPI().ListChats(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range chats {
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Content
			}
			fmt.Fprintf(out, "%d\t%s\tunread=%d\t%s\n", c.ChatID, c.Counterpart.DisplayName, c.Unread, last)
		}
		return nil
	},
}

var gigID int

var startCmd = &cobra.Command{
	Use:   "start <user_id>",
	Short: "Open the conversation with a user, creating it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		other, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		var gig *int
		if gigID > 0 {
			gig = &gigID
		}
		chat, created, err := newAPI().GetOrCreateChat(cmd.Context(), other, gig)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "chat %d (created=%t)\n", chat.ChatID, created)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat_id> <text...>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid chat id %q", args[0])
		}
		msg, err := newAPI().Send(cmd.Context(), client.SendRequest{
			ChatID:  chatID,
			Type:    models.MessageTypeText,
			Content: strings.Join(args[1:], " "),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent #%d seq=%d\n", msg.ID, msg.Seq)
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail <chat_id>",
	Short: "Follow a conversation; each stdin line is sent as a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid chat id %q", args[0])
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		ch, err := client.Dial(ctx, client.ChannelConfig{URL: wsURL, Token: token})
		if err != nil {
			return err
		}
		defer ch.Close()

		out := cmd.OutOrStdout()
		var printMu sync.Mutex
		printf := func(format string, a ...any) {
			printMu.Lock()
			defer printMu.Unlock()
			fmt.Fprintf(out, format, a...)
		}

		ctrl := client.NewController(newAPI(), ch, ch.UserID(), client.ControllerConfig{})
		ctrl.OnError(func(err error) { printf("! %v\n", err) })
		ch.OnStateChange(func(s client.ConnState) { printf("~ connection %s\n", s) })
		ch.On(models.EventTypingStarted, func(evt models.Event) {
			if evt.ChatID == chatID {
				printf("~ user %d is typing\n", evt.UserID)
			}
		})

		printed := make(map[int]bool)
		show := func(m models.Message) {
			printMu.Lock()
			defer printMu.Unlock()
			if printed[m.ID] {
				return
			}
			printed[m.ID] = true
			fmt.Fprintf(out, "[%d] %d: %s\n", m.Seq, m.SenderID, m.Content)
		}
		flush := func() {
			for _, e := range ctrl.Messages() {
				if e.Status == client.EntryConfirmed {
					show(e.Message)
				}
			}
		}
		ch.On(models.EventMessageCreated, func(evt models.Event) {
			if evt.ChatID == chatID && evt.Message != nil {
				show(*evt.Message)
			}
		})
		ctrl.OnStateChange(func(s client.State) {
			if s == client.StateReady {
				flush()
			}
		})

		if err := ctrl.Open(ctx, chatID); err != nil {
			return err
		}
		defer ctrl.Close(context.Background())
		flush()

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if _, err := ctrl.Send(ctx, line); err != nil {
					printf("! send failed: %v\n", err)
					continue
				}
				flush()
			}
		}
	},
}

func newAPI() *client.API {
	return client.NewAPI(baseURL, token, nil)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", envOr("GIGCHAT_URL", "http://localhost:8083"), "chat service base URL")
	rootCmd.PersistentFlags().StringVar(&wsURL, "ws-url", envOr("GIGCHAT_WS_URL", "ws://localhost:8083/ws"), "realtime endpoint")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("GIGCHAT_TOKEN"), "bearer token")

	startCmd.Flags().IntVar(&gigID, "gig", 0, "gig the conversation is about")

	rootCmd.AddCommand(chatsCmd, startCmd, sendCmd, tailCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

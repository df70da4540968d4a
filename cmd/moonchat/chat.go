package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	moonchat "github.com/moonchat-im/moonchat-go"
)

var historyMerged bool

// findContact resolves a name or ID against the cached roster.
func findContact(roster *moonchat.Roster, nameOrID string) (*moonchat.Contact, error) {
	for _, c := range roster.Cached() {
		if c.ID == nameOrID || c.Name == nameOrID {
			contact := c
			return &contact, nil
		}
	}
	return nil, fmt.Errorf("no contact %q in the roster (try `moonchat friends list`)", nameOrID)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <contact> <message...>",
	Short: "Send a chat message over the live connection",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		session, store, err := openSession()
		if err != nil {
			return err
		}
		defer store.Close()
		if _, err := requireUser(session); err != nil {
			return err
		}

		sync := moonchat.NewSync(newClient(cfg), session, &moonchat.SyncOptions{Logger: newLogger()})

		contact, err := findContact(sync.Roster, args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := sync.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer sync.Disconnect()

		content := strings.Join(args[1:], " ")
		if _, err := sync.SendChat(ctx, *contact, content); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		fmt.Printf("-> %s: %s\n", contact.Name, content)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <contact>",
	Short: "Show stored message history with a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		session, store, err := openSession()
		if err != nil {
			return err
		}
		defer store.Close()
		user, err := requireUser(session)
		if err != nil {
			return err
		}

		sync := moonchat.NewSync(newClient(cfg), session, &moonchat.SyncOptions{Logger: newLogger()})

		contact, err := findContact(sync.Roster, args[0])
		if err != nil {
			return err
		}

		var messages []moonchat.ChatMessage
		if historyMerged {
			messages = sync.History.LoadConversation(user.ID, contact.ID)
		} else {
			messages = sync.History.LoadHistory(user.ID, contact.ID)
		}
		if len(messages) == 0 {
			fmt.Printf("No stored messages with %s.\n", contact.Name)
			return nil
		}
		for _, m := range messages {
			who := m.Sender
			if who == "" {
				who = m.SenderID
			}
			fmt.Printf("[%s] %s: %s\n",
				time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04"), who, m.Content)
		}
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print messages as they arrive",
	Long: "Connects to the server, drains offline messages, then prints live\n" +
		"traffic until interrupted. Lines typed as `<contact> <text>` are sent.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		session, store, err := openSession()
		if err != nil {
			return err
		}
		defer store.Close()
		user, err := requireUser(session)
		if err != nil {
			return err
		}

		sync := moonchat.NewSync(newClient(cfg), session, &moonchat.SyncOptions{
			Logger: newLogger(),
			Notice: func(text string) { fmt.Println("* " + text) },
		})
		sync.Dispatcher.OnMessage(func(m moonchat.ChatMessage) {
			if m.SenderID == user.ID {
				return
			}
			who := m.Sender
			if who == "" {
				who = m.SenderID
			}
			fmt.Printf("%s: %s\n", who, m.Content)
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := sync.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer sync.Disconnect()

		// Roster lookup for outgoing lines needs a populated cache.
		if _, err := sync.Roster.LoadFriends(ctx, user.ID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		fmt.Printf("Connected as %s. Ctrl-C to quit.\n", user.Username)
		for {
			select {
			case <-sigCh:
				fmt.Println("\nDisconnecting.")
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
				if len(parts) != 2 {
					fmt.Println("usage: <contact> <text>")
					continue
				}
				contact, err := findContact(sync.Roster, parts[0])
				if err != nil {
					fmt.Println(err)
					continue
				}
				if _, err := sync.SendChat(ctx, *contact, parts[1]); err != nil {
					fmt.Fprintf(os.Stderr, "send: %v\n", err)
				}
			}
		}
	},
}

func init() {
	historyCmd.Flags().BoolVar(&historyMerged, "merged", false,
		"interleave both directions of the conversation by timestamp")
	rootCmd.AddCommand(sendCmd, historyCmd, watchCmd)
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	moonchat "github.com/moonchat-im/moonchat-go"
)

var (
	addDisplayName string
	addNote        string
)

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Roster and friend request commands",
}

// ============================================================================
// friends list
// ============================================================================

var friendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the roster (server-reconciled, cache on failure)",
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

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := sync.Roster.LoadFriends(ctx, user.ID); err != nil {
			return err
		}
		// Groups render through the same list; the endpoint is
		// optional server-side, so this never fails the command.
		contacts, err := sync.Roster.LoadGroups(ctx, user.ID)
		if err != nil {
			return err
		}
		if len(contacts) == 0 {
			fmt.Println("No friends yet.")
			return nil
		}
		for _, c := range contacts {
			fmt.Printf("%-24s  %-10s  %s\n", c.Name, c.Status, c.ID)
		}
		return nil
	},
}

// ============================================================================
// friends add
// ============================================================================

var friendsAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Send a friend request",
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
		if _, err := requireUser(session); err != nil {
			return err
		}

		sync := moonchat.NewSync(newClient(cfg), session, &moonchat.SyncOptions{Logger: newLogger()})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		req, err := sync.Requests.Submit(ctx, moonchat.RequestPayload{
			ToUsername:  args[0],
			DisplayName: addDisplayName,
			Note:        addNote,
		})
		if err != nil {
			return fmt.Errorf("add friend: %w", err)
		}

		if req.State == moonchat.RequestOrphaned {
			fmt.Printf("Server does not support friend requests; %s saved as a pending contact.\n", req.ToUsername)
			return nil
		}
		if req.RequestID != nil {
			fmt.Printf("Friend request sent to %s (request %s).\n", req.ToUsername, *req.RequestID)
		} else {
			fmt.Printf("Friend request sent to %s.\n", req.ToUsername)
		}
		return nil
	},
}

// ============================================================================
// friends requests
// ============================================================================

var friendsRequestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Show incoming friend requests",
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

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		requests, err := sync.Requests.LoadIncoming(ctx, user.ID)
		if err != nil {
			return err
		}
		if len(requests) == 0 {
			fmt.Println("No pending friend requests.")
			return nil
		}
		for _, r := range requests {
			name := r.FromUsername
			if name == "" {
				name = r.FromUserID
			}
			fmt.Printf("%-12s  from %-24s  %s\n", r.ID, name,
				time.UnixMilli(r.CreatedAt).Format(time.RFC3339))
		}
		return nil
	},
}

// ============================================================================
// friends respond
// ============================================================================

var friendsRespondCmd = &cobra.Command{
	Use:   "respond <request-id> <accepted|rejected>",
	Short: "Accept or reject an incoming friend request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision := args[1]
		if decision != moonchat.DecisionAccepted && decision != moonchat.DecisionRejected {
			return fmt.Errorf("decision must be %q or %q", moonchat.DecisionAccepted, moonchat.DecisionRejected)
		}

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

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := sync.Requests.RespondToIncoming(ctx, args[0], decision); err != nil {
			return fmt.Errorf("respond: %w", err)
		}
		fmt.Printf("Request %s %s.\n", args[0], decision)
		return nil
	},
}

func init() {
	friendsAddCmd.Flags().StringVar(&addDisplayName, "name", "", "display name for the new contact")
	friendsAddCmd.Flags().StringVar(&addNote, "note", "", "note shown with the request")

	friendsCmd.AddCommand(friendsListCmd, friendsAddCmd, friendsRequestsCmd, friendsRespondCmd)
	rootCmd.AddCommand(friendsCmd)
}

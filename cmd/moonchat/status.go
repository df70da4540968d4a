package main

import (
	"fmt"

	"github.com/spf13/cobra"

	moonchat "github.com/moonchat-im/moonchat-go"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show identity and cached state",
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

		user := session.User()
		if user == nil {
			fmt.Println("Not logged in.")
			return nil
		}
		fmt.Printf("Logged in as %s (%s)\n", user.Username, user.ID)

		baseURL := cfg.Server.BaseURL
		if baseURL == "" {
			baseURL = moonchat.DefaultBaseURL
		}
		fmt.Printf("Server: %s\n", baseURL)

		sync := moonchat.NewSync(newClient(cfg), session, &moonchat.SyncOptions{Logger: newLogger()})

		fmt.Printf("Cached friends: %d\n", len(sync.Roster.Cached()))
		if incoming := sync.Requests.CachedIncoming(); len(incoming) > 0 {
			fmt.Printf("Incoming friend requests: %d\n", len(incoming))
		}
		if outgoing := sync.Requests.Outgoing(); len(outgoing) > 0 {
			fmt.Printf("Outgoing friend requests:\n")
			for _, r := range outgoing {
				fmt.Printf("  %-24s %s\n", r.ToUsername, r.State)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

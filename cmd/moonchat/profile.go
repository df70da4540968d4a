package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	moonchat "github.com/moonchat-im/moonchat-go"
)

var (
	profileUsername string
	profileEmail    string
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "View and update the profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current profile",
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

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		info, err := newClient(cfg).GetUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if !info.Success || info.User == nil {
			return fmt.Errorf("profile lookup failed: %s", info.Message)
		}
		fmt.Printf("Username: %s\nID:       %s\n", info.User.Username, info.User.ID)
		if info.User.AvatarURL != "" {
			fmt.Printf("Avatar:   %s\n", info.User.AvatarURL)
		}
		return nil
	},
}

var profileUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update username or email",
	RunE: func(cmd *cobra.Command, args []string) error {
		if profileUsername == "" && profileEmail == "" {
			return fmt.Errorf("nothing to update (set --username or --email)")
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

		if err := sync.UpdateProfile(ctx, profileUsername, profileEmail); err != nil {
			return fmt.Errorf("update profile: %w", err)
		}

		if profileUsername != "" {
			cfg.Auth.Username = profileUsername
			if err := saveConfig(cfg); err != nil {
				return err
			}
		}
		fmt.Println("Profile updated.")
		return nil
	},
}

var profileAvatarCmd = &cobra.Command{
	Use:   "avatar <file>",
	Short: "Upload an avatar image",
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

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read avatar file: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := newClient(cfg).UploadAvatar(ctx, user.ID, filepath.Base(args[0]), data)
		if err != nil {
			return fmt.Errorf("upload avatar: %w", err)
		}
		if !res.Success {
			return fmt.Errorf("upload avatar: %s", res.Message)
		}

		user.AvatarURL = res.AvatarURL
		session.SetUser(user)
		fmt.Printf("Avatar uploaded: %s\n", res.AvatarURL)
		return nil
	},
}

func init() {
	profileUpdateCmd.Flags().StringVar(&profileUsername, "username", "", "new username")
	profileUpdateCmd.Flags().StringVar(&profileEmail, "email", "", "new email address")

	profileCmd.AddCommand(profileShowCmd, profileUpdateCmd, profileAvatarCmd)
	rootCmd.AddCommand(profileCmd)
}

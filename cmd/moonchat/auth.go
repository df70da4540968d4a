package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	moonchat "github.com/moonchat-im/moonchat-go"
)

var (
	loginUsername string
	loginPassword string

	registerUsername string
	registerPassword string
	registerConfirm  string
)

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and save the identity locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := newClient(cfg)
		session, store, err := openSession()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Login(ctx, loginUsername, loginPassword)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if !result.Success {
			return fmt.Errorf("login failed: %s", result.Message)
		}

		user := &moonchat.User{ID: result.UserID, Username: result.Username}

		// Profile details (avatar) are best-effort; the login stands
		// even when the lookup fails.
		if info, err := client.GetUser(ctx, result.UserID); err == nil && info.Success && info.User != nil {
			user.AvatarURL = info.User.AvatarURL
		}

		session.SetUser(user)

		cfg.Auth.UserID = user.ID
		cfg.Auth.Username = user.Username
		if err := saveConfig(cfg); err != nil {
			return err
		}

		fmt.Printf("Logged in as %s (%s)\n", user.Username, user.ID)
		return nil
	},
}

// ============================================================================
// register
// ============================================================================

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a new account",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Register(ctx, registerUsername, registerPassword, registerConfirm)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		if !result.Success {
			return fmt.Errorf("registration failed: %s", result.Message)
		}

		fmt.Println("Account created. Run `moonchat login` to sign in.")
		return nil
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear all locally cached state",
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

		session.Logout()

		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return err
		}

		fmt.Println("Logged out.")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "username (required)")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (required)")
	_ = loginCmd.MarkFlagRequired("username")
	_ = loginCmd.MarkFlagRequired("password")

	registerCmd.Flags().StringVarP(&registerUsername, "username", "u", "", "username (required)")
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "password (required)")
	registerCmd.Flags().StringVar(&registerConfirm, "confirm", "", "password confirmation (required)")
	_ = registerCmd.MarkFlagRequired("username")
	_ = registerCmd.MarkFlagRequired("password")
	_ = registerCmd.MarkFlagRequired("confirm")

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd)
}

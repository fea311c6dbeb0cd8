package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (read from stdin when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()

		password, err := readPassword(loginPassword)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		sess, err := a.session.SignIn(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		fmt.Println("Signed in.")
		fmt.Printf("  User:  %s\n", valueOrDefault(sess.User.FullName, sess.User.Email))
		fmt.Printf("  ID:    %s\n", sess.User.ID)
		fmt.Printf("  Role:  %s\n", sess.User.Role)
		fmt.Printf("  Token: %s\n", maskKey(sess.Token))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()

		ctx, cancel := commandContext()
		defer cancel()

		if _, err := a.restore(ctx, false); err != nil {
			// Nothing usable is stored; clear whatever is left.
			a.session.ForceSignOut()
			fmt.Println("Signed out.")
			return nil
		}
		if err := a.session.SignOut(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Server logout failed: %v\n", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

// readPassword returns flagValue, or a line read from stdin when it is empty.
func readPassword(flagValue string) (string, error) {
	password := flagValue
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("cannot read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return "", errors.New("password is required")
	}
	return password, nil
}

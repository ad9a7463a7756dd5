package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/term"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Verify a GitHub API token",
		Long:  "Prompts for a GitHub token without echoing it and checks it against the API. Use before pasting the token into the config file.",
		RunE:  runToken,
	}
}

func runToken(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	fmt.Fprint(out, "GitHub token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return fmt.Errorf("token is empty")
	}

	ctx := context.Background()
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	api := github.NewClient(oauth2.NewClient(ctx, ts))

	user, _, err := api.Users.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}

	fmt.Fprintf(out, "Token OK: authenticated as %s\n", user.GetLogin())
	return nil
}

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/cryptodo/internal/client"
	"github.com/TheMichaelB/cryptodo/internal/identity"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

var loginCmd = &cobra.Command{
	Use:   "login [token]",
	Short: "Store a bearer token for later commands",
	Long: `Login stores the token issued by your identity provider. It is
read from the prompt when not given as an argument.`,
	Example: `  cryptodo login eyJhbGciOi...
  cryptodo login < token.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogin,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development token with the server's secret",
	Long: `Token signs a bearer token with auth.jwt_secret. It is meant for
development setups without an identity provider.`,
	Example: `  cryptodo token --subject u1 --ttl 1h`,
	Args:    cobra.NoArgs,
	RunE:    runToken,
}

var (
	tokenTTL  time.Duration
	tokenSave bool
)

func init() {
	rootCmd.AddCommand(loginCmd, tokenCmd)

	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Lifetime (default auth.token_ttl)")
	tokenCmd.Flags().BoolVar(&tokenSave, "save", false, "Also store the token like login")
}

func runLogin(cmd *cobra.Command, args []string) error {
	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		var err error
		token, err = promptSecret("Token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
	}
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))

	c, err := client.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := c.Login(token); err != nil {
		return err
	}
	subject, _ := c.Subject()

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "subject": subject})
		return nil
	}
	printSuccess("Logged in as %s", subject)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	if err := models.ValidateSubject(localSubject); err != nil {
		return fmt.Errorf("--subject: %w", err)
	}
	if tokenTTL > 0 {
		cfg.Auth.TokenTTL = tokenTTL
	}

	verifier, err := identity.NewJWTVerifier(&cfg.Auth)
	if err != nil {
		return err
	}
	token, err := verifier.Issue(localSubject)
	if err != nil {
		return err
	}

	if tokenSave {
		c, err := client.New(cfg, logger)
		if err != nil {
			return err
		}
		if err := c.Login(token); err != nil {
			return err
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"token":      token,
			"subject":    localSubject,
			"expires_in": int(cfg.Auth.TokenTTL.Seconds()),
		})
		return nil
	}
	fmt.Println(token)
	return nil
}

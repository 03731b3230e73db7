package main

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/segscope/internal/analytics"
	"github.com/kalambet/segscope/internal/config"
)

const minPasswordLen = 8

var errNotLoggedIn = errors.New("not logged in; run `segscope login <email>` first")

// credentials builds the account credentials for email. The password comes
// from --password or, when that is empty, the first line of stdin.
func credentials(cmd *cobra.Command, email string) (analytics.Credentials, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return analytics.Credentials{}, errors.New("email is required")
	}

	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		fmt.Fprint(stderr, "Password: ")
		line, err := bufio.NewReader(stdin).ReadString('\n')
		fmt.Fprintln(stderr)
		if err != nil && line == "" {
			return analytics.Credentials{}, errors.New("no password given")
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return analytics.Credentials{}, errors.New("no password given")
	}
	return analytics.Credentials{Email: email, Password: password}, nil
}

// --- register ---

var registerCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Create an account on the analysis service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cred, err := credentials(cmd, args[0])
		if err != nil {
			return err
		}
		if len(cred.Password) < minPasswordLen {
			return fmt.Errorf("password must be at least %d characters", minPasswordLen)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd)
		defer stop()

		u, err := newAnalyticsClient(cfg).Register(ctx, cred)
		if err != nil {
			return fmt.Errorf("registration failed: %s", analytics.Message(err))
		}
		printSuccess("Registered %s", u.Email)
		printStatus("Next", "segscope login %s", u.Email)
		return nil
	},
}

// --- login ---

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in to the analysis service and store the access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cred, err := credentials(cmd, args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd)
		defer stop()

		tok, err := newAnalyticsClient(cfg).Login(ctx, cred)
		if err != nil {
			return fmt.Errorf("login failed: %s", analytics.Message(err))
		}
		if err := config.SetServiceToken(config.NewSecretStore(), tok); err != nil {
			return err
		}

		printSuccess("Logged in as %s", cred.Email)
		return nil
	},
}

func init() {
	registerCmd.Flags().String("password", "", "account password (read from stdin when omitted)")
	loginCmd.Flags().String("password", "", "account password (read from stdin when omitted)")
}

// --- company ---

var companyCmd = &cobra.Command{
	Use:   "company",
	Short: "Manage the company that owns uploaded datasets",
}

var companyCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a company and make it the default for uploads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.TrimSpace(args[0])
		if name == "" {
			return errors.New("company name is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Service.Token == "" {
			return errNotLoggedIn
		}
		ctx, stop := signalContext(cmd)
		defer stop()

		co, err := newAnalyticsClient(cfg).CreateCompany(ctx, name)
		if err != nil {
			return fmt.Errorf("creating company failed: %s", analytics.Message(err))
		}
		if err := config.SetKey("service.company_id", strconv.Itoa(co.ID)); err != nil {
			return fmt.Errorf("saving company id: %w", err)
		}

		printSuccess("Created company %q (id %d)", co.Name, co.ID)
		printStatus("Config", "service.company_id = %d", co.ID)
		return nil
	},
}

func init() {
	companyCmd.AddCommand(companyCreateCmd)
}

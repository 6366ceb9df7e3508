package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/cobra"

	"hookrelay/internal/engine/retry"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/repositories"
)

var integrationCmd = &cobra.Command{
	Use:     "integration",
	Aliases: []string{"integrations", "int"},
	Short:   "Manage integrations",
}

// integrationInput is what an operator may set on a new integration.
type integrationInput struct {
	OrganizationID  string
	Name            string
	TargetURL       string
	SourceType      string
	RetryPolicy     string
	IdempotencyPath string
	OrderingPath    string
}

func (in integrationInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.OrganizationID, validation.Required),
		validation.Field(&in.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.TargetURL, validation.Required, is.URL, validation.By(httpScheme)),
		validation.Field(&in.SourceType, validation.In(models.SourceGeneric, models.SourceStripe, models.SourceGitHub, models.SourceShopify)),
		validation.Field(&in.IdempotencyPath, validation.By(keyPath)),
		validation.Field(&in.OrderingPath, validation.By(keyPath)),
	)
}

func httpScheme(value interface{}) error {
	u, err := url.Parse(value.(string))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("must be an http or https URL")
	}
	return nil
}

func keyPath(value interface{}) error {
	path := value.(string)
	if path == "" {
		return nil
	}
	if strings.Trim(strings.TrimPrefix(path, "$."), ".") == "" {
		return fmt.Errorf("must name at least one field, e.g. $.id")
	}
	return nil
}

// policyJSON validates raw and returns its stored form; empty selects the
// schema default.
func policyJSON(raw string) (string, error) {
	p := retry.SchemaDefault()
	if raw != "" {
		if err := p.Scan(raw); err != nil {
			return "", err
		}
	}
	v, err := p.Value()
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var integrationCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an integration",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		in := integrationInput{}
		in.OrganizationID, _ = flags.GetString("org")
		in.Name, _ = flags.GetString("name")
		in.TargetURL, _ = flags.GetString("target")
		in.SourceType, _ = flags.GetString("source")
		in.RetryPolicy, _ = flags.GetString("retry-policy")
		in.IdempotencyPath, _ = flags.GetString("idempotency-path")
		in.OrderingPath, _ = flags.GetString("ordering-path")
		secret, _ := flags.GetString("secret")

		if err := in.Validate(); err != nil {
			return err
		}
		policy, err := policyJSON(in.RetryPolicy)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if _, err := repositories.NewOrganizationRepository(db).EnsureExists(cmd.Context(), in.OrganizationID); err != nil {
			return fmt.Errorf("ensure organization: %w", err)
		}

		integration := &models.Integration{
			OrganizationID:     in.OrganizationID,
			Name:               in.Name,
			TargetURL:          in.TargetURL,
			SourceType:         in.SourceType,
			SigningSecret:      optional(secret),
			RetryPolicy:        policy,
			IdempotencyKeyPath: optional(in.IdempotencyPath),
			OrderingKeyPath:    optional(in.OrderingPath),
			IsActive:           true,
		}
		if err := repositories.NewIntegrationRepository(db).Create(cmd.Context(), integration); err != nil {
			return fmt.Errorf("create integration: %w", err)
		}

		if format, _ := flags.GetString("output"); format == "json" {
			return printJSON(cmd, integration)
		}
		success.Printf("Integration created: %s\n", integration.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "Ingress path: /v1/webhooks/in/%s\n", integration.ID)
		return nil
	},
}

var integrationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List integrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("org")

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		list, err := repositories.NewIntegrationRepository(db).List(cmd.Context(), org)
		if err != nil {
			return err
		}

		if format, _ := cmd.Flags().GetString("output"); format == "json" {
			return printJSON(cmd, list)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tORG\tNAME\tSOURCE\tACTIVE\tTARGET")
		for _, in := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", in.ID, in.OrganizationID, in.Name, in.SourceType, in.IsActive, in.TargetURL)
		}
		return tw.Flush()
	},
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <integration-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ok, err := repositories.NewIntegrationRepository(db).SetActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("integration %s not found", args[0])
			}
			success.Printf("Integration %s %sd\n", args[0], use)
			if notice := cacheWindowNotice(active, cfg.Ingress.IntegrationCacheTTL); notice != "" {
				warn.Println(notice)
			}
			return nil
		},
	}
}

// cacheWindowNotice describes how long running servers may keep serving a
// disabled integration from their integration cache.
func cacheWindowNotice(active bool, ttl time.Duration) string {
	if active || ttl <= 0 {
		return ""
	}
	return fmt.Sprintf("Running servers may accept events for up to %s (ingress.integration_cache_ttl)", ttl)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	f := integrationCreateCmd.Flags()
	f.String("org", "", "owning organization id")
	f.String("name", "", "display name")
	f.String("target", "", "target URL deliveries are POSTed to")
	f.String("source", models.SourceGeneric, "source type: generic, stripe, github or shopify")
	f.String("secret", "", "signing secret for X-Relay-Signature")
	f.String("retry-policy", "", `retry policy JSON, e.g. {"maxAttempts":5,"backoffType":"exponential"}`)
	f.String("idempotency-path", "", "payload path of the idempotency key, e.g. $.id")
	f.String("ordering-path", "", "payload path of the ordering key")

	integrationListCmd.Flags().String("org", "", "only list this organization's integrations")

	integrationCmd.AddCommand(
		integrationCreateCmd,
		integrationListCmd,
		setActiveCmd("disable", "Stop accepting and delivering webhooks for an integration", false),
		setActiveCmd("enable", "Resume an integration", true),
	)
}

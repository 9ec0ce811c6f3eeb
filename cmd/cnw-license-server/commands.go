package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

// withApp builds the app for a command and releases it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newKeygenCmd() *cobra.Command {
	var (
		format  string
		count   int
		signing bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate license keys or an activation signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if signing {
				seed := make([]byte, ed25519.SeedSize)
				if _, err := rand.Read(seed); err != nil {
					return fmt.Errorf("generate signing seed: %w", err)
				}
				signer, err := entitlement.NewSigner(seed)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "CNW_ENGINE_SIGNING_KEY=%s\n", base64.StdEncoding.EncodeToString(seed))
				fmt.Fprintf(out, "public key: %s\n", signer.PublicKeyBase64())
				return nil
			}

			f, err := entitlement.ParseKeyFormat(format)
			if err != nil {
				return err
			}
			if count <= 0 {
				return errors.New("--count must be positive")
			}
			gen := entitlement.NewKeyGenerator(nil)
			for range count {
				key, err := gen.Generate(f)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, key)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", string(entitlement.FormatStandard), "key format: standard, long or uuid")
	cmd.Flags().IntVar(&count, "count", 1, "number of keys to generate")
	cmd.Flags().BoolVar(&signing, "signing", false, "generate an Ed25519 signing seed instead of license keys")
	return cmd
}

func newIssueCmd() *cobra.Command {
	var req struct {
		product string
		order   string
		user    string
		email   string
		name    string
	}
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue one license for a catalog product",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.catalog.Product(ctx, req.product)
				if err != nil {
					return fmt.Errorf("unknown product %q", req.product)
				}
				lic, err := a.engine.Issue(ctx, entitlement.IssueRequest{
					Product:       p,
					OrderID:       req.order,
					UserID:        req.user,
					CustomerEmail: req.email,
					CustomerName:  req.name,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), lic)
			})
		},
	}
	cmd.Flags().StringVar(&req.product, "product", "", "catalog product ID")
	cmd.Flags().StringVar(&req.order, "order", "", "order ID the license belongs to")
	cmd.Flags().StringVar(&req.user, "user", "", "owning user ID")
	cmd.Flags().StringVar(&req.email, "email", "", "customer email")
	cmd.Flags().StringVar(&req.name, "name", "", "customer name")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

// newStatusCmd builds revoke, suspend and reactivate.
func newStatusCmd(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var op func(context.Context, string) (entitlement.License, error)
				switch use {
				case "revoke":
					op = a.engine.Revoke
				case "suspend":
					op = a.engine.Suspend
				case "reactivate":
					op = a.engine.Reactivate
				default:
					return fmt.Errorf("unknown status command %q", use)
				}
				lic, err := op(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", lic.Key, lic.Status)
				return nil
			})
		},
	}
}

func newExtendCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "extend <key>",
		Short: "Push a license's expiration further out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				lic, err := a.engine.Extend(ctx, args[0], days)
				if err != nil {
					return err
				}
				exp := lic.EffectiveExpiresAt()
				if exp == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: never expires\n", lic.Key)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: expires %s\n", lic.Key, exp.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "number of days to add")
	_ = cmd.MarkFlagRequired("days")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <key>",
		Short: "Print a license with its activations and subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				details, err := a.engine.Inspect(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), details)
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var olderThan int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete revoked licenses not updated for a number of days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan > entitlement.MaxDays {
				return fmt.Errorf("--older-than must be at most %d", entitlement.MaxDays)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.engine.PurgeRevoked(ctx, time.Duration(olderThan)*24*time.Hour)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d revoked licenses\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&olderThan, "older-than", 90, "minimum age in days since the license was last updated")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Strob0t/tenantgate/internal/domain/feature"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/domain/tenant"
)

// adminActor is recorded as the principal on audit entries written by
// operator commands.
var adminActor string

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands against the tenant directory",
		Long: `Operator commands run through the same services as the gateway: every
change is audited and evicts the directory cache on running instances.`,
	}
	cmd.PersistentFlags().StringVar(&adminActor, "actor", "system:cli", "principal recorded in the audit log")

	cmd.AddCommand(
		newTenantCommand(),
		newFeatureCommand(),
		newMemberCommand(),
		newAuditCommand(),
		newTokenCommand(),
	)
	return cmd
}

// withApp loads config, builds the app and runs fn against it.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func newTenantCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Create, list and transition tenants"}

	var req tenant.CreateRequest
	var tier string
	var trialDays int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant with its partition and owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Tier = tenant.Tier(tier)
			if trialDays > 0 {
				ends := time.Now().UTC().Add(time.Duration(trialDays) * 24 * time.Hour)
				req.TrialEndsAt = &ends
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				t, err := a.tenants.Create(ctx, adminActor, req)
				if err != nil {
					return fmt.Errorf("create tenant: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant created: %s (id=%s, tier=%s, status=%s)\n", t.OrgID, t.ID, t.Tier, t.Status)
				return nil
			})
		},
	}
	create.Flags().StringVar(&req.OrgID, "org", "", "organization id (required)")
	create.Flags().StringVar(&req.Name, "name", "", "display name (required)")
	create.Flags().StringVar(&req.Slug, "slug", "", "url slug (required)")
	create.Flags().StringVar(&req.OwnerID, "owner", "", "principal id of the owner (required)")
	create.Flags().StringVar(&tier, "tier", string(tenant.TierStarter), "subscription tier")
	create.Flags().IntVar(&trialDays, "trial-days", 0, "start in trial for this many days")
	for _, f := range []string{"org", "name", "slug", "owner"} {
		_ = create.MarkFlagRequired(f)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				tenants, err := a.tenants.List(ctx)
				if err != nil {
					return fmt.Errorf("list tenants: %w", err)
				}
				return printTenants(cmd.OutOrStdout(), tenants)
			})
		},
	}

	transition := &cobra.Command{
		Use:   "transition <tenant-id> <status>",
		Short: "Move a tenant to another subscription status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := tenant.Status(args[1])
			if !to.Valid() {
				return fmt.Errorf("unknown status %q", args[1])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				t, err := a.subscriptions.Transition(ctx, adminActor, args[0], to)
				if err != nil {
					return fmt.Errorf("transition: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s is now %s\n", t.OrgID, t.Status)
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, transition)
	return cmd
}

// printTenants writes a table on a terminal and JSON lines otherwise, so the
// output can be piped into other tools.
func printTenants(out io.Writer, tenants []tenant.Tenant) error {
	if f, ok := out.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		enc := json.NewEncoder(out)
		for i := range tenants {
			if err := enc.Encode(&tenants[i]); err != nil {
				return err
			}
		}
		return nil
	}

	if len(tenants) == 0 {
		fmt.Fprintln(out, "No tenants found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tORG\tNAME\tTIER\tSTATUS\tSINCE\tGRANTS")
	for i := range tenants {
		t := &tenants[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			t.ID, t.OrgID, t.Name, t.Tier, t.Status, t.StatusSince.Format(time.RFC3339), len(t.Grants))
	}
	return w.Flush()
}

func newFeatureCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "feature", Short: "Grant or revoke feature overrides"}

	var req tenant.GrantRequest
	var expiresIn time.Duration
	grant := &cobra.Command{
		Use:   "grant <tenant-id> <feature>",
		Short: "Grant a feature outside the tenant's tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if expiresIn > 0 {
				exp := time.Now().UTC().Add(expiresIn)
				req.ExpiresAt = &exp
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				g, err := a.features.Grant(ctx, adminActor, args[0], feature.Key(args[1]), req)
				if err != nil {
					return fmt.Errorf("grant feature: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Granted %s to %s\n", g.Feature, args[0])
				return nil
			})
		},
	}
	grant.Flags().StringVar(&req.Reason, "reason", "", "why the grant exists (required)")
	grant.Flags().DurationVar(&expiresIn, "expires-in", 0, "expire the grant after this long")
	_ = grant.MarkFlagRequired("reason")

	revoke := &cobra.Command{
		Use:   "revoke <tenant-id> <feature>",
		Short: "Remove a feature grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.features.Revoke(ctx, adminActor, args[0], feature.Key(args[1])); err != nil {
					return fmt.Errorf("revoke feature: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s from %s\n", args[1], args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(grant, revoke)
	return cmd
}

func newMemberCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Synchronize memberships from the identity provider"}

	var role, name string
	add := &cobra.Command{
		Use:   "add <tenant-id> <principal-id>",
		Short: "Add a principal to a tenant or change its role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := member.ParseRole(role)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				m := &member.Membership{TenantID: args[0], PrincipalID: args[1], Role: r, DisplayName: name}
				if err := a.members.Sync(ctx, adminActor, m); err != nil {
					return fmt.Errorf("add member: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is %s of %s\n", m.PrincipalID, m.Role, m.TenantID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&role, "role", string(member.RoleViewer), "viewer, member, admin or owner")
	add.Flags().StringVar(&name, "name", "", "display name")

	cmd.AddCommand(add)
	return cmd
}

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}

	verify := &cobra.Command{
		Use:   "verify <tenant-id>",
		Short: "Recompute a tenant's hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				rep, err := a.audit.Verify(ctx, args[0])
				if err != nil {
					return fmt.Errorf("verify audit: %w", err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
				if !rep.Valid {
					return fmt.Errorf("audit chain for %s is broken at seq %d", args[0], rep.Break.Seq)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(verify)
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Session tokens for testing and service accounts"}

	var org string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue <principal-id>",
		Short: "Sign a session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(_ context.Context, a *app) error {
				if ttl <= 0 {
					ttl = a.cfg.Auth.TokenTTL
				}
				tok, err := a.verifier.Issue(args[0], org, ttl)
				if err != nil {
					return fmt.Errorf("issue token: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&org, "org", "", "organization claim to embed")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")

	cmd.AddCommand(issue)
	return cmd
}

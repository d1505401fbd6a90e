package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/clinic-portal/internal/logging"
	"github.com/rcourtman/clinic-portal/internal/portal"
	"github.com/rcourtman/clinic-portal/internal/portal/admin"
	"github.com/rcourtman/clinic-portal/internal/portal/auditlog"
	"github.com/rcourtman/clinic-portal/internal/portal/auth"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clinic-portal",
		Short:         "Clinic portal subscription entitlement service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd(), newGrantCmd(), newAuditCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return portal.Run(cmd.Context(), Version)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "clinic-portal %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

// openCLIBackend loads configuration quietly and opens the shared backend.
func openCLIBackend(ctx context.Context) (*portal.Config, *portal.Backend, error) {
	logging.Init(logging.Config{Format: "auto", Level: "warn", Component: "clinic-portal-cli"})
	cfg, err := portal.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	backend, err := portal.OpenBackend(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open backend: %w", err)
	}
	return cfg, backend, nil
}

func newGrantCmd() *cobra.Command {
	var (
		tenantID string
		days     int
		seats    int
		actor    string
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a trial to a clinic",
		Long: `Put a clinic into a trial and record the grant in the audit log.

The actor must be listed in PORTAL_OPERATOR_EMAILS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, backend, err := openCLIBackend(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			gate := auth.NewOperatorGate(cfg.OperatorEmails, "")
			if !gate.Allows(&auth.User{Email: actor}) {
				return fmt.Errorf("%q is not an operator (PORTAL_OPERATOR_EMAILS)", actor)
			}

			req := admin.GrantRequest{TenantID: tenantID}
			if cmd.Flags().Changed("days") {
				req.Days = &days
			}
			if cmd.Flags().Changed("seats") {
				req.SeatLimit = &seats
			}

			rec, err := admin.NewGranter(backend.Store, backend.Audit).Grant(ctx, req, strings.ToLower(strings.TrimSpace(actor)), map[string]string{"via": "cli"})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "clinic tenant id")
	cmd.Flags().IntVar(&days, "days", admin.DefaultTrialDays, "trial length in days (1-90)")
	cmd.Flags().IntVar(&seats, "seats", admin.DefaultSeatLimit, "seat limit (1-100)")
	cmd.Flags().StringVar(&actor, "actor", "", "operator email recorded in the audit log")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backend, err := openCLIBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			entries, err := backend.Audit.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printEntries(cmd, entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", auditlog.DefaultRecentLimit, "number of entries")
	return cmd
}

func printEntries(cmd *cobra.Command, entries []auditlog.Entry) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTENANT\tACTION\tFROM\tTO\tSOURCE\tACTOR")
	for _, e := range entries {
		actor := e.ActorEmail
		if actor == "" {
			actor = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.TenantID, e.Action, e.OldStatus, e.NewStatus, e.Source, actor)
	}
	_ = tw.Flush()
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("clinic-portal failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

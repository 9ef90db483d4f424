package main

import (
	"context"
	"fmt"
	"io"
	"os"

	environment "examdesk/internal/env"
	"examdesk/internal/storage"
	"examdesk/internal/stories/certificates"
	"examdesk/internal/stories/subjects"

	"github.com/spf13/cobra"
)

var dryRun bool

func main() {
	rootCmd := &cobra.Command{
		Use:           "examdesk-import",
		Short:         "Load accounts and test results from CSV exports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "show what would be imported without writing to DB")

	rootCmd.AddCommand(accountsCmd())
	rootCmd.AddCommand(resultsCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func accountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts [file.csv]",
		Short: "Import users, special users and organizations",
		Long: `Import accounts from a CSV file with the header

  kind,sap_id,email,name,phone,organization_sap_id

kind is one of user, special_user or organization. Existing accounts are
updated in place, keyed by sap_id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, rowErrs, err := readFile(args[0], parseAccounts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cmd.OutOrStdout(), len(accounts), rowErrs, func(ctx context.Context, store importStore) []error {
				svc := subjects.NewService(store)
				var errs []error
				for _, a := range accounts {
					if err := svc.Import(ctx, a); err != nil {
						errs = append(errs, err)
					}
				}
				return errs
			})
		},
	}
}

func resultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results [file.csv]",
		Short: "Import finished test results",
		Long: `Import test results from a CSV file with the header

  id,test_id,kind,sap_id,score,max_score,completed_at

completed_at is RFC 3339. Results are keyed by id; importing the same file
twice is harmless.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, rowErrs, err := readFile(args[0], parseResults)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cmd.OutOrStdout(), len(results), rowErrs, func(ctx context.Context, store importStore) []error {
				var errs []error
				for _, r := range results {
					if err := store.UpsertTestResult(ctx, r); err != nil {
						errs = append(errs, fmt.Errorf("result %s: %w", r.ID, err))
					}
				}
				return errs
			})
		},
	}
}

type importStore interface {
	subjects.Storage
	UpsertTestResult(ctx context.Context, result certificates.TestResult) error
	Migrate(ctx context.Context) error
}

func readFile[T any](path string, parse func(io.Reader) ([]T, []error, error)) ([]T, []error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return parse(f)
}

func run(ctx context.Context, out io.Writer, valid int, rowErrs []error, write func(context.Context, importStore) []error) error {
	for _, err := range rowErrs {
		fmt.Fprintf(out, "  SKIP %v\n", err)
	}

	if dryRun {
		fmt.Fprintf(out, "Valid: %d, Skipped: %d\n(DRY RUN - nothing was written to database)\n", valid, len(rowErrs))
		return nil
	}

	cfg, logger, err := environment.LoadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := environment.OpenDB(ctx, *cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store := storage.New(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	writeErrs := write(ctx, store)
	for _, err := range writeErrs {
		fmt.Fprintf(out, "  ERROR %v\n", err)
	}

	logger.Info("Import finished",
		"imported", valid-len(writeErrs),
		"skipped", len(rowErrs),
		"errors", len(writeErrs),
	)
	fmt.Fprintf(out, "Imported: %d, Skipped: %d, Errors: %d\n", valid-len(writeErrs), len(rowErrs), len(writeErrs))

	if len(writeErrs) > 0 {
		return fmt.Errorf("%d rows failed", len(writeErrs))
	}
	return nil
}

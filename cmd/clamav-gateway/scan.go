package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	clamav "github.com/DevHatRo/clamav-gateway-go"
	"github.com/DevHatRo/clamav-gateway-go/gateway"
)

func newScanCommand(configPath *string) *cobra.Command {
	var (
		concurrency int
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "scan [paths...]",
		Short: "Scan files through the gateway policy",
		Long: "Scan files concurrently, one daemon connection per file. Infected files are " +
			"quarantined as configured. Exits non-zero when any file is not allowed.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := newApp(ctx, *configPath, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			results := scanAll(ctx, a.gateway, args, concurrency)
			if err := printResults(cmd.OutOrStdout(), results, asJSON); err != nil {
				return err
			}

			rejected := 0
			for _, r := range results {
				if !r.Allowed() {
					rejected++
				}
			}
			if rejected > 0 {
				return fmt.Errorf("%d of %d files not allowed", rejected, len(results))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "Maximum number of files scanned at once")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON result per line")
	return cmd
}

// scanAll scans paths concurrently and returns results in argument order.
func scanAll(ctx context.Context, gw *gateway.Gateway, paths []string, concurrency int) []clamav.ScanResult {
	results := make([]clamav.ScanResult, len(paths))

	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			results[i] = gw.ScanFile(ctx, path)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func printResults(w io.Writer, results []clamav.ScanResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	for _, r := range results {
		line := fmt.Sprintf("%s: %s", r.Subject, r.Status)
		switch {
		case r.VirusName != "":
			line += " (" + r.VirusName + ")"
		case r.ErrorDetail != "":
			line += " (" + r.ErrorDetail + ")"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

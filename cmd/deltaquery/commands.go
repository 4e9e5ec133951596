package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ethanyzhang/delta-go"
	"github.com/ethanyzhang/delta-go/deltablob"
)

const (
	formatCSV  = "csv"
	formatJSON = "json"
)

func newQueryCmd(a *app) *cobra.Command {
	var (
		format     string
		outputPath string
		blobTarget string
		accountURL string
		params     []string
	)
	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a statement and write its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session, err := a.cfg.newSession(ctx, a.metrics)
			if err != nil {
				return err
			}
			parameters, err := parseParams(params)
			if err != nil {
				return err
			}
			format = strings.ToLower(format)
			if format != formatCSV && format != formatJSON {
				return fmt.Errorf("unknown format %q (want csv or json)", format)
			}

			if blobTarget != "" {
				container, blobName, ok := strings.Cut(blobTarget, "/")
				if !ok || container == "" || blobName == "" {
					return fmt.Errorf("--blob must be <container>/<name>, got %q", blobTarget)
				}
				client, err := deltablob.NewClient(accountURL, nil)
				if err != nil {
					return err
				}
				if format == formatJSON {
					return deltablob.WriteDocument(ctx, session, client, container, blobName, args[0], parameters...)
				}
				return deltablob.WriteCSV(ctx, session, client, container, blobName, args[0], parameters...)
			}

			w, closeFn, err := openOutput(cmd, outputPath)
			if err != nil {
				return err
			}
			defer closeFn()

			if format == formatJSON {
				doc, err := session.QueryDocument(ctx, args[0], parameters...)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}
			return session.QueryCSV(ctx, w, args[0], parameters...)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatCSV, "result format: csv or json")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "-", "output file, - for stdout")
	cmd.Flags().StringVar(&blobTarget, "blob", "", "upload the result to <container>/<name> instead of --output")
	cmd.Flags().StringVar(&accountURL, "blob-account-url", "", "storage account URL for --blob")
	cmd.Flags().StringArrayVar(&params, "param", nil, "statement parameter name=value, repeatable")
	return cmd
}

func newWarehouseCmd(a *app) *cobra.Command {
	var start bool
	cmd := &cobra.Command{
		Use:   "warehouse [id]",
		Short: "Show SQL warehouses",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session, err := a.cfg.newSession(ctx, a.metrics)
			if err != nil {
				return err
			}
			if len(args) == 0 && !start {
				warehouses, _, err := session.ListWarehouses(ctx)
				if err != nil {
					return err
				}
				return printWarehouses(cmd.OutOrStdout(), warehouses...)
			}

			var id string
			if len(args) == 1 {
				id = args[0]
			}
			if start {
				if _, err := session.StartWarehouse(ctx, id); err != nil {
					return err
				}
			}
			warehouse, _, err := session.GetWarehouse(ctx, id)
			if err != nil {
				return err
			}
			return printWarehouses(cmd.OutOrStdout(), *warehouse)
		},
	}
	cmd.Flags().BoolVar(&start, "start", false, "start the warehouse (the configured one when no id is given)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		maxResults int
		statuses   []string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent queries of the warehouse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			session, err := a.cfg.newSession(ctx, a.metrics)
			if err != nil {
				return err
			}
			opts := &delta.QueryHistoryOptions{Statuses: statuses}
			if maxResults > 0 {
				opts.MaxResults = &maxResults
			}
			if a.cfg.WarehouseID != "" {
				opts.WarehouseIds = []string{a.cfg.WarehouseID}
			}
			history, _, err := session.ListQueryHistory(ctx, opts)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUERY ID\tSTATUS\tDURATION MS\tROWS\tQUERY")
			for _, q := range history.Queries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", q.QueryId, q.Status, q.Duration, q.RowsProduced, oneLine(q.QueryText))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&maxResults, "max-results", 20, "number of queries to list")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only queries in these states (QUEUED, RUNNING, FINISHED, FAILED, CANCELED)")
	return cmd
}

func printWarehouses(w io.Writer, warehouses ...delta.Warehouse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tSIZE\tCLUSTERS")
	for _, wh := range warehouses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\n", wh.Id, wh.Name, wh.State, wh.ClusterSize, wh.NumClusters, wh.MaxNumClusters)
	}
	return tw.Flush()
}

// parseParams turns name=value flags into string statement parameters.
func parseParams(raw []string) ([]delta.StatementParameter, error) {
	params := make([]delta.StatementParameter, 0, len(raw))
	for _, p := range raw {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q, want name=value", p)
		}
		params = append(params, delta.NewParameter(name, value))
	}
	return params, nil
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}

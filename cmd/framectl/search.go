package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"frame-index-go/internal/model"
	"frame-index-go/internal/service"

	"github.com/spf13/cobra"
)

func newSearchCmd(cc *cliContext) *cobra.Command {
	var (
		query     string
		vector    string
		refType   string
		topK      int
		threshold float64
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the unified vector table by text or vector",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := service.SearchRequest{
				Query:         query,
				ReferenceType: model.ReferenceType(refType),
				TopK:          topK,
			}
			if vector != "" {
				if err := json.Unmarshal([]byte(vector), &req.Vector); err != nil {
					return fmt.Errorf("--vector must be a JSON array of numbers: %w", err)
				}
			}
			if cmd.Flags().Changed("threshold") {
				req.SimilarityThreshold = &threshold
			}

			a, err := cc.wire(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.Search.Search(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REFERENCE_ID\tTYPE\tSIMILARITY\tMODEL")
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%s\t%.4f\t%s\n", r.ReferenceID, r.ReferenceType, r.Similarity, r.ModelName)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "query text")
	cmd.Flags().StringVar(&vector, "vector", "", "query vector as a JSON array (overrides --query)")
	cmd.Flags().StringVar(&refType, "type", "", "restrict to frame or chunk")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 10, "maximum number of results")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum similarity (exclusive, default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

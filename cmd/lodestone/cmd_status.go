package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"lodestone/internal/query"
	"lodestone/internal/types"
)

var (
	searchLimit     int
	relatedDepth    int
	relatedRelation string
	readOffset      int64
	readBytes       int64
)

// statusCmd shows index statistics
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index and strategy statistics",
	RunE:  showStatus,
}

// searchCmd queries extracted content
var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Full-text search over extracted summaries",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

// relatedCmd walks confirmed relationships from a file
var relatedCmd = &cobra.Command{
	Use:   "related [file-id]",
	Short: "List files related to a file through confirmed edges",
	Args:  cobra.ExactArgs(1),
	RunE:  runRelated,
}

// readCmd reads a bounded snippet of a file
var readCmd = &cobra.Command{
	Use:   "read [file-id]",
	Short: "Print a bounded snippet of an indexed file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRead,
}

func showStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	svc := query.New(st, nil)
	stats, err := svc.Stats()
	if err != nil {
		return err
	}

	s := stats.Store
	fmt.Printf("roots:      %d\n", s.Roots)
	fmt.Printf("files:      %d (%d missing, %d awaiting extraction)\n", s.Files, s.FilesMissing, s.FilesPending)
	fmt.Printf("candidates: %d (%d pending review, %d awaiting audit)\n", s.Candidates, s.CandidatesPending, s.CandidatesReview)
	fmt.Printf("edges:      %d\n", s.Edges)
	fmt.Printf("audits:     %d\n", s.Audits)
	fmt.Printf("jobs:       %d pending, %d dead\n", s.JobsPending, s.JobsDead)

	if len(stats.Strategies) > 0 {
		fmt.Println("\nstrategy performance:")
		for _, sp := range stats.Strategies {
			fmt.Printf("  v%d: %d candidates, %d accepted, %d rejected, %d gated, %d pending\n",
				sp.Version, sp.Candidates, sp.Accepted, sp.Rejected, sp.NeedsAudit, sp.Pending)
		}
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	svc := query.New(st, nil)
	hits, err := svc.Search(args[0], searchLimit)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%6d  %-40s %s\n", h.FileID, h.Name, h.Snippet)
	}
	return nil
}

func runRelated(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad file id %q", args[0])
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var relations []types.Relation
	if relatedRelation != "" {
		relations = []types.Relation{types.Relation(relatedRelation)}
	}

	svc := query.New(st, nil)
	related, err := svc.FindRelated(id, relations, relatedDepth)
	if err != nil {
		return err
	}
	if len(related) == 0 {
		fmt.Println("no related files")
		return nil
	}
	for _, r := range related {
		fmt.Printf("%6d  %-12s %-40s (distance %d, confidence %.2f)\n",
			r.File.FileID, r.Edge.Relation, r.File.Path, r.Distance, r.Edge.Confidence)
	}
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad file id %q", args[0])
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	fs, err := openReadFS(st)
	if err != nil {
		return err
	}
	svc := query.New(st, fs)
	data, err := svc.ReadSnippet(id, readOffset, readBytes)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "Max hits")
	relatedCmd.Flags().IntVar(&relatedDepth, "depth", 1, "Traversal depth")
	relatedCmd.Flags().StringVar(&relatedRelation, "relation", "", "Filter by relation (notes_for, analysis_of, same_subject, mentions)")
	readCmd.Flags().Int64Var(&readOffset, "offset", 0, "Byte offset to start from")
	readCmd.Flags().Int64Var(&readBytes, "bytes", 4096, "Max bytes to print")
}

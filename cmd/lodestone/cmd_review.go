package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"lodestone/internal/linker"
	"lodestone/internal/types"
)

var (
	reviewStatus string
	reviewLimit  int
	rejectReason string
)

// reviewCmd manages the human review queue
var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review relationship candidates the scorer could not settle",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List candidates awaiting review",
	RunE:  reviewList,
}

var reviewAcceptCmd = &cobra.Command{
	Use:   "accept [candidate-id]",
	Short: "Accept a candidate and promote it to a confirmed edge",
	Args:  cobra.ExactArgs(1),
	RunE:  reviewAccept,
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject [candidate-id]",
	Short: "Reject a candidate",
	Args:  cobra.ExactArgs(1),
	RunE:  reviewReject,
}

// jobsCmd inspects the durable work queue
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the work queue",
}

var jobsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered jobs",
	RunE:  jobsDead,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Requeue a dead-lettered job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobsRetry,
}

func reviewList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	cands, err := st.ListCandidatesByStatus(types.CandidateStatus(reviewStatus), reviewLimit)
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		fmt.Println("queue is empty")
		return nil
	}
	for _, c := range cands {
		src, err := st.GetFile(c.SrcFileID)
		if err != nil {
			return err
		}
		dst, err := st.GetFile(c.DstFileID)
		if err != nil {
			return err
		}
		fmt.Printf("%6d  %.3f  %-12s %s -> %s\n", c.CandidateID, c.Score, c.Relation, src.Path, dst.Path)
		if c.Annotation != "" {
			fmt.Printf("        %s\n", c.Annotation)
		}
	}
	return nil
}

func reviewAccept(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad candidate id %q", args[0])
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.UpdateCandidateStatus(id, types.CandidateAccepted, "accepted by reviewer"); err != nil {
		return err
	}
	strat, err := st.ActiveStrategy()
	if err != nil {
		return err
	}
	edgeID, err := linker.NewResolver(st).Promote(id, strat.Params, types.CreatorHuman)
	if err != nil {
		return err
	}
	if edgeID == 0 {
		fmt.Println("accepted, but a higher-scoring rival holds the slot; candidate demoted to pending")
		return nil
	}
	fmt.Printf("promoted candidate %d to edge %d\n", id, edgeID)
	return nil
}

func reviewReject(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad candidate id %q", args[0])
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	reason := rejectReason
	if reason == "" {
		reason = "rejected by reviewer"
	}
	if err := st.UpdateCandidateStatus(id, types.CandidateRejected, reason); err != nil {
		return err
	}
	fmt.Printf("rejected candidate %d\n", id)
	return nil
}

func jobsDead(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.ListDeadJobs(100)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no dead jobs")
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%6d  %-14s %-40s attempts=%d  %s\n", j.JobID, j.Kind, j.Target, j.Attempts, j.ErrorMsg)
	}
	return nil
}

func jobsRetry(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad job id %q", args[0])
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RetryDeadJob(id); err != nil {
		return err
	}
	fmt.Printf("requeued job %d\n", id)
	return nil
}

func init() {
	reviewListCmd.Flags().StringVar(&reviewStatus, "status", string(types.CandidatePending), "Queue to list (pending, needs_audit, rejected)")
	reviewListCmd.Flags().IntVar(&reviewLimit, "limit", 50, "Max candidates to list")
	reviewRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Annotation recorded with the rejection")

	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewAcceptCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
	jobsCmd.AddCommand(jobsDeadCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
}

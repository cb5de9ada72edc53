package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lodestone/internal/audit"
	"lodestone/internal/linker"
)

var (
	linkLimit  int
	auditLimit int
)

// linkCmd scores relationship candidates for extracted files
var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Propose, score and route relationship candidates",
	Long: `Generates relationship candidates for every extracted file that has
not been linked yet, scores them against the active strategy, and routes
each by confidence: strong evidence is promoted to a confirmed edge,
weak evidence is rejected, and anything ambiguous is queued for audit
or human review.`,
	RunE: runLink,
}

// auditCmd settles gated candidates
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Settle gated candidates with the configured auditor",
	Long: `Reviews candidates that scoring flagged as ambiguous (near ties,
inferred sequence corrections, one-to-one conflicts). With an API key
configured the auditor asks the model for a verdict under a strict call
budget; without one a rule-based fallback settles what it safely can.

Verdicts adjust candidate status only. Promotion to a confirmed edge
still runs through the constraint resolver.`,
	RunE: runAudit,
}

func runLink(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	l, err := linker.New(st, cfg.Linker)
	if err != nil {
		return err
	}
	logger.Info("Linking with strategy",
		zap.Int64("version", l.Strategy().Version),
		zap.String("name", l.Strategy().Name))

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	res, err := l.LinkPending(ctx, linkLimit)
	if err != nil {
		return err
	}
	fmt.Printf("proposed %d candidates: %d accepted (%d promoted), %d pending, %d rejected, %d queued for audit\n",
		res.Proposed, res.Accepted, res.Promoted, res.Pending, res.Rejected, res.NeedsAudit)
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var client audit.Client
	if cfg.Audit.Enabled {
		if g := audit.NewGeminiClient(cfg.Audit, cfg.GetAuditTimeout(), cfg.GetRateInterval()); g != nil {
			client = g
		}
	}
	if client == nil {
		logger.Info("No auditor model configured, using rule-based fallback")
	}
	a := audit.New(st, cfg.Audit, client, nil)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	sum, err := a.Run(ctx, auditLimit)
	if err != nil {
		return err
	}
	fmt.Printf("audited %d candidates: %d accepted, %d rejected, %d need more info (%d from cache)\n",
		sum.Audited, sum.Accepted, sum.Rejected, sum.NeedsMoreInfo, sum.FromCache)
	if sum.BudgetExhausted {
		fmt.Println("call budget exhausted; remaining candidates stay queued")
	}
	return nil
}

func init() {
	linkCmd.Flags().IntVar(&linkLimit, "limit", 0, "Max files to link (0 = all)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "Max candidates to audit (0 = all gated)")
}

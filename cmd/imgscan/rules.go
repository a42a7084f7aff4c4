package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"imgscan-server/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List and validate the signature rule corpus",
	RunE:  runRules,
}

func runRules(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := loadCorpus(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for _, r := range c.Rules.ForTier(rules.TierFull) {
		colorWhite.Fprintf(w, "%-32s", r.Name)
		colorCyan.Fprintf(w, " %-6s", r.Tier)
		riskColor(severityLevel(r.Severity)).Fprintf(w, " %-9s", r.Severity)
		fmt.Fprintf(w, " %s\n", r.Category)
	}

	colorGreen.Fprintf(w, "✓ %d rules valid (%d light, %d full) from %s; %d known hashes\n",
		c.Rules.Count(rules.TierFull), c.Rules.Count(rules.TierLight), c.Rules.Count(rules.TierFull),
		c.RulesOrigin, c.Hashes.Len())
	return nil
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	stats, err := s.Stats(cmd.Context(), getDBPath(cfg))
	if err != nil {
		exitErr("stats", err)
	}

	if formatFlag == "text" {
		fmt.Printf("%s: %d rule sets, %d rules, %d revisions, %d bytes\n",
			stats.DBPath, stats.RuleSets, stats.Rules, stats.Revisions, stats.DBSizeBytes)
		if stats.LegacyRecords > 0 {
			fmt.Printf("%d records still use legacy mask encodings\n", stats.LegacyRecords)
		}
		for _, id := range stats.Identities {
			fmt.Printf("  %-40s %3d rules %3d revisions\n", id.Identity, id.Rules, id.Revisions)
		}
		return
	}
	printJSON(stats)
}

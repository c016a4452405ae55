package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/threadpin/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export rule sets as JSON",
		Long:  "Export rule sets in the interchange format. Filter identities by substring with --filter.",
		Run:   runExport,
	}

	cmd.Flags().String("filter", "", "Only identities containing this text")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	filter, _ := cmd.Flags().GetString("filter")

	cfg := loadConfig()
	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	records, err := s.ExportAll(cmd.Context(), filter)
	if err != nil {
		exitErr("export", err)
	}
	if records == nil {
		records = []store.Record{}
	}
	printJSON(records)
}

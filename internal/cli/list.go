package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type ruleSetSummary struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"display_name,omitempty"`
	Rules       int       `json:"rules"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored rule sets",
		Run:   runList,
	}

	cmd.Flags().Bool("keys-only", false, "Only output identities")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	keysOnly, _ := cmd.Flags().GetBool("keys-only")

	cfg := loadConfig()
	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	sets, err := s.ListAll(cmd.Context())
	if err != nil {
		exitErr("list", err)
	}

	if keysOnly {
		for _, rs := range sets {
			fmt.Println(rs.Identity)
		}
		return
	}

	out := make([]ruleSetSummary, 0, len(sets))
	for _, rs := range sets {
		out = append(out, ruleSetSummary{
			Identity:    rs.Identity,
			DisplayName: rs.DisplayName,
			Rules:       rs.Rules.Len(),
			UpdatedAt:   rs.UpdatedAt,
		})
	}
	printJSON(out)
}

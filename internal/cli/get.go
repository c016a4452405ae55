package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/threadpin/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show the rules of a target",
		Run:   runGet,
	}

	addIdentityFlags(cmd)
	cmd.Flags().StringP("thread", "t", "", "Only this thread's mask")
	cmd.Flags().Bool("history", false, "Return saved revisions (newest first)")
	cmd.Flags().IntP("limit", "l", 20, "Max revisions with --history")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	identity := identityFlag(cmd)
	thread, _ := cmd.Flags().GetString("thread")
	history, _ := cmd.Flags().GetBool("history")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg := loadConfig()
	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	switch {
	case history:
		revs, err := s.History(cmd.Context(), identity, limit)
		if err != nil {
			exitErr("history", err)
		}
		printJSON(revs)
	case thread != "":
		mask, err := s.GetRule(cmd.Context(), identity, thread)
		if err != nil {
			exitErr("get", err)
		}
		fmt.Printf(`{"identity":%q,"thread":%q,"mask":%q}`+"\n", identity, thread, mask.Hex())
	default:
		rs, err := s.Load(cmd.Context(), identity)
		if err != nil {
			exitErr("get", err)
		}
		printJSON(store.NewRecord(rs))
	}
}

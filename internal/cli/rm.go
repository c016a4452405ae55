package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Delete a rule or a whole rule set",
		Run:   runRm,
	}

	addIdentityFlags(cmd)
	cmd.Flags().StringP("thread", "t", "", "Delete only this thread's rule")

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	identity := identityFlag(cmd)
	thread, _ := cmd.Flags().GetString("thread")

	cfg := loadConfig()
	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if thread != "" {
		err = s.DeleteRule(cmd.Context(), identity, thread)
	} else {
		err = s.Delete(cmd.Context(), identity)
	}
	if err != nil {
		exitErr("rm", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"identity":%q,"thread":%q}`+"\n", identity, thread)
}

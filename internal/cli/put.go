package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/threadpin/internal/config"
	"github.com/rcliao/threadpin/internal/cpu"
	"github.com/rcliao/threadpin/internal/enforcer"
	"github.com/rcliao/threadpin/internal/model"
	"github.com/rcliao/threadpin/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [Thread:mask,...]",
		Short: "Store thread rules",
		Long: "Store one rule with --thread and --mask, or several as \"Thread:mask\" pairs separated by\n" +
			"commas or newlines, given as an argument or piped via stdin. Use --now to push them at once.",
		Run: runPut,
	}

	addIdentityFlags(cmd)
	cmd.Flags().StringP("thread", "t", "", "Thread name, or "+model.SelfThreadKey+" for this process")
	cmd.Flags().StringP("mask", "m", "", "Mask: hex, decimal, group label or core list")
	cmd.Flags().String("name", "", "Display name for a new rule set")
	cmd.Flags().Bool("now", false, "Push the rules immediately through the elevated shell")

	RootCmd.AddCommand(cmd)
}

// parsePairs reads "Thread:mask" entries separated by commas or newlines.
// The last colon splits, so thread names may contain colons.
func parsePairs(topo *cpu.Topology, text string) ([]model.Rule, error) {
	var rules []model.Rule
	for _, field := range strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' }) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		i := strings.LastIndex(field, ":")
		if i <= 0 {
			return nil, fmt.Errorf("entry %q is not Thread:mask", field)
		}
		mask, err := parseMask(topo, field[i+1:])
		if err != nil {
			return nil, err
		}
		rules = append(rules, model.Rule{Thread: strings.TrimSpace(field[:i]), Mask: mask})
	}
	return rules, nil
}

func runPut(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	identity := identityFlag(cmd)
	thread, _ := cmd.Flags().GetString("thread")
	maskStr, _ := cmd.Flags().GetString("mask")
	name, _ := cmd.Flags().GetString("name")
	now, _ := cmd.Flags().GetBool("now")

	cfg := loadConfig()
	topo := detectTopology(cfg)

	var content string
	if thread != "" {
		if maskStr == "" {
			exitErr("put", fmt.Errorf("--mask is required with --thread"))
		}
		content = thread + ":" + maskStr
	} else if len(args) > 0 {
		content = strings.Join(args, ",")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}

	rules, err := parsePairs(topo, content)
	if err != nil {
		exitErr("put", err)
	}
	if len(rules) == 0 {
		exitErr("put", fmt.Errorf("no rules given (--thread/--mask, positional pairs or stdin)"))
	}

	if now {
		putNow(cmd, cfg, identity, rules)
		return
	}

	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	rs, err := s.Load(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		rs = model.NewRuleSet(identity, name)
	} else if err != nil {
		exitErr("load", err)
	}
	if name != "" {
		rs.DisplayName = name
	}
	for _, r := range rules {
		rs.Rules.Set(r.Thread, r.Mask.Normalize(topo.Cores))
	}
	if err := s.Save(ctx, rs); err != nil {
		exitErr("put", err)
	}

	printJSON(store.NewRecord(rs))
}

type pushResult struct {
	Thread  string `json:"thread"`
	Mask    string `json:"mask"`
	Applied int    `json:"applied"`
	Failed  int    `json:"failed"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

func putNow(cmd *cobra.Command, cfg *config.Config, identity string, rules []model.Rule) {
	ctx := cmd.Context()
	a, err := newApp(cfg)
	if err != nil {
		exitErr("init", err)
	}
	defer a.Close()

	if err := a.open(ctx); err != nil {
		exitErr("open shell", err)
	}

	out := make([]pushResult, 0, len(rules))
	for _, r := range rules {
		res, err := a.enforcer.ApplyNow(ctx, identity, r.Thread, r.Mask)
		pr := pushResult{
			Thread:  r.Thread,
			Mask:    r.Mask.Normalize(a.topo.Cores).Hex(),
			Applied: res.Applied,
			Failed:  res.Failed,
			Running: !errors.Is(err, enforcer.ErrTargetNotRunning),
		}
		switch {
		case err != nil && pr.Running:
			exitErr("apply "+r.Thread, err)
		case res.Err != nil:
			pr.Error = res.Err.Error()
		}
		out = append(out, pr)
	}
	printJSON(out)
}

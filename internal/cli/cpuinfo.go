package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/threadpin/internal/cpu"
	"github.com/rcliao/threadpin/internal/model"
)

type cpuInfo struct {
	Cores       int               `json:"cores"`
	Description string            `json:"description"`
	Estimated   bool              `json:"estimated,omitempty"`
	Groups      []model.CoreGroup `json:"groups"`
	MaxFreqMHz  []int             `json:"max_freq_mhz"`
	CurFreqMHz  []int             `json:"cur_freq_mhz"`
	Load        *cpu.Load         `json:"load,omitempty"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "cpu-info",
		Short: "Show the core layout, frequencies and load",
		Run:   runCPUInfo,
	}
	cmd.Flags().Duration("interval", 250*time.Millisecond, "Load sampling window")

	RootCmd.AddCommand(cmd)
}

func runCPUInfo(cmd *cobra.Command, args []string) {
	interval, _ := cmd.Flags().GetDuration("interval")

	cfg := loadConfig()
	freqs := freqReader(cfg)
	topo := cpu.Detect(freqs, cfg.Store.Cores)

	info := cpuInfo{
		Cores:       topo.Cores,
		Description: topo.Description(),
		Estimated:   topo.Estimated,
		Groups:      topo.Groups,
		MaxFreqMHz:  topo.MaxFreqMHz,
		CurFreqMHz:  topo.CurrentFreqs(freqs),
	}
	if ls, err := cpu.NewLoadSampler(cfg.Sampler.ProcMount); err != nil {
		cliLog.WithError(err).Warn("cpu load unavailable")
	} else if _, _, err := ls.Sample(); err != nil {
		cliLog.WithError(err).Warn("cpu load unavailable")
	} else {
		time.Sleep(interval)
		if load, ok, err := ls.Sample(); err == nil && ok {
			info.Load = &load
		}
	}

	if formatFlag == "text" {
		fmt.Println(info.Description)
		for c := 0; c < info.Cores; c++ {
			line := fmt.Sprintf("cpu%-2d  %4d/%4d MHz", c, info.CurFreqMHz[c], info.MaxFreqMHz[c])
			if info.Load != nil && c < len(info.Load.PerCore) {
				line += fmt.Sprintf("  %5.1f%%", info.Load.PerCore[c])
			}
			fmt.Println(line)
		}
		if info.Load != nil {
			fmt.Printf("total  %5.1f%%\n", info.Load.Overall)
		}
		return
	}
	printJSON(info)
}

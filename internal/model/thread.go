package model

import "time"

// ThreadRecord is one row of a sampled thread view. Records sharing a name
// are merged; Merged counts the contributing threads.
type ThreadRecord struct {
	TID    int     `json:"tid"`
	PID    int     `json:"pid"`
	Name   string  `json:"name"`
	Usage  float64 `json:"usage"`
	Core   int     `json:"core"`
	Merged int     `json:"merged"`
}

// CoreGroup is a run of cores sharing one maximum frequency.
type CoreGroup struct {
	Label      string `json:"label"`
	First      int    `json:"first"`
	Last       int    `json:"last"`
	Mask       Mask   `json:"mask"`
	MaxFreqMHz int    `json:"max_freq_mhz"`
	Color      string `json:"color"`
}

// Range renders the core span, e.g. "3-6" or "7".
func (g CoreGroup) Range() string { return g.Mask.Ranges() }

// Size is the number of cores in the group.
func (g CoreGroup) Size() int { return g.Last - g.First + 1 }

// Snapshot is the latest pollable monitoring state.
type Snapshot struct {
	Target      string         `json:"target,omitempty"`
	TargetPID   int            `json:"target_pid,omitempty"`
	OverallCPU  float64        `json:"overall_cpu"`
	PerCoreLoad []float64      `json:"per_core_load,omitempty"`
	PerCoreFreq []int          `json:"per_core_freq_mhz,omitempty"`
	FPS         int            `json:"fps"`
	Threads     []ThreadRecord `json:"threads,omitempty"`
	System      []ThreadRecord `json:"system_threads,omitempty"`
	TakenAt     time.Time      `json:"taken_at"`
}

// Package analytics derives coordination metrics from the task board's
// event logs. The event log is the source of truth here, not the
// current status fields.
package analytics

import (
	"sort"
	"strings"
	"time"

	"github.com/agentctl/agentd/pkg/types"
)

// TaskCycle is the measured lifetime of one accepted task.
type TaskCycle struct {
	TaskID       string  `json:"taskId"`
	Title        string  `json:"title"`
	Assignee     string  `json:"assignee,omitempty"`
	CycleMinutes float64 `json:"cycleMinutes"`
}

// AccountStats aggregates per-account outcomes.
type AccountStats struct {
	Account         string  `json:"account"`
	Completed       int     `json:"completed"`
	Rejected        int     `json:"rejected"`
	InFlight        int     `json:"inFlight"`
	AvgCycleMinutes float64 `json:"avgCycleMinutes"`
}

// Report is the get_analytics payload.
type Report struct {
	TotalTasks      int            `json:"totalTasks"`
	Accepted        int            `json:"accepted"`
	InFlight        int            `json:"inFlight"`
	AvgCycleMinutes float64        `json:"avgCycleMinutes"`
	Cycles          []TaskCycle    `json:"cycles,omitempty"`
	Accounts        []AccountStats `json:"accounts,omitempty"`
	SLAEvents       int            `json:"slaEvents"`
	Rejections      int            `json:"rejections"`
	GeneratedAt     string         `json:"generatedAt"`
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// acceptedAt returns the timestamp of the status_changed event into
// accepted, if the task ever got there.
func acceptedAt(t *types.Task) (time.Time, bool) {
	for i := len(t.Events) - 1; i >= 0; i-- {
		ev := t.Events[i]
		if ev.Type == "status_changed" && ev.To == types.TaskStatusAccepted {
			return parseTime(ev.Timestamp)
		}
	}
	return time.Time{}, false
}

// CycleTime measures creation to acceptance in minutes. Tasks never
// accepted, or with unparsable timestamps, report false.
func CycleTime(t *types.Task) (float64, bool) {
	created, ok := parseTime(t.CreatedAt)
	if !ok {
		return 0, false
	}
	done, ok := acceptedAt(t)
	if !ok {
		return 0, false
	}
	minutes := done.Sub(created).Minutes()
	if minutes < 0 {
		return 0, false
	}
	return minutes, true
}

// countSLAEvents scans event types and details for the substring
// "sla", case-insensitively. This is a heuristic: it will also match
// unrelated text containing those three letters.
func countSLAEvents(t *types.Task) int {
	n := 0
	for _, ev := range t.Events {
		if strings.Contains(strings.ToLower(ev.Type), "sla") ||
			strings.Contains(strings.ToLower(ev.Detail), "sla") {
			n++
		}
	}
	return n
}

func countRejections(t *types.Task) int {
	n := 0
	for _, ev := range t.Events {
		if ev.Type == "review_rejected" {
			n++
		}
	}
	return n
}

// BuildReport computes the full analytics report for a board.
func BuildReport(brd *types.Board) *Report {
	rep := &Report{GeneratedAt: types.Now()}
	if brd == nil {
		return rep
	}
	rep.TotalTasks = len(brd.Tasks)

	byAccount := make(map[string]*AccountStats)
	accountCycles := make(map[string][]float64)
	var allCycles []float64

	for i := range brd.Tasks {
		t := &brd.Tasks[i]

		stats := byAccount[t.Assignee]
		if stats == nil && t.Assignee != "" {
			stats = &AccountStats{Account: t.Assignee}
			byAccount[t.Assignee] = stats
		}

		rep.SLAEvents += countSLAEvents(t)
		rep.Rejections += countRejections(t)
		if stats != nil {
			stats.Rejected += countRejections(t)
		}

		switch t.Status {
		case types.TaskStatusAccepted:
			rep.Accepted++
			if stats != nil {
				stats.Completed++
			}
			if minutes, ok := CycleTime(t); ok {
				rep.Cycles = append(rep.Cycles, TaskCycle{
					TaskID:       t.ID,
					Title:        t.Title,
					Assignee:     t.Assignee,
					CycleMinutes: minutes,
				})
				allCycles = append(allCycles, minutes)
				if t.Assignee != "" {
					accountCycles[t.Assignee] = append(accountCycles[t.Assignee], minutes)
				}
			}
		case types.TaskStatusTodo, types.TaskStatusInProgress, types.TaskStatusReadyForReview:
			rep.InFlight++
			if stats != nil {
				stats.InFlight++
			}
		}
	}

	rep.AvgCycleMinutes = mean(allCycles)
	for account, stats := range byAccount {
		stats.AvgCycleMinutes = mean(accountCycles[account])
		rep.Accounts = append(rep.Accounts, *stats)
	}
	sort.Slice(rep.Accounts, func(i, j int) bool {
		return rep.Accounts[i].Account < rep.Accounts[j].Account
	})
	return rep
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

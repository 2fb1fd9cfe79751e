// Package routing scores accounts against required skills and ranks
// them for assignment suggestions.
package routing

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agentctl/agentd/pkg/types"
)

// providerStrengths maps each known provider to the skill areas its
// models tend to do well at. Unknown providers score neutral.
var providerStrengths = map[types.Provider][]string{
	types.ProviderAnthropic: {"refactoring", "code-review", "testing", "documentation", "typescript", "python"},
	types.ProviderOpenAI:    {"typescript", "python", "frontend", "api-design", "sql"},
	types.ProviderGoogle:    {"data", "python", "devops", "sql", "documentation"},
	types.ProviderXAI:       {"systems", "debugging", "performance"},
	types.ProviderLocal:     {"formatting", "boilerplate"},
}

// Score is one account's full scoring breakdown.
type Score struct {
	Account string            `json:"account"`
	Total   int               `json:"total"`
	Parts   []ScorePart       `json:"parts"`
	Record  *types.Capability `json:"record,omitempty"`
}

// ScorePart is one component of the breakdown with its display reason.
type ScorePart struct {
	Name   string  `json:"name"`
	Points float64 `json:"points"`
	Reason string  `json:"reason"`
}

// RankOptions tunes RankAccounts.
type RankOptions struct {
	ExcludeAccounts []string
	// Workload inputs per account; missing entries score zero.
	Workloads map[string]Workload
	// Gate filters accounts out entirely (quarantine check).
	Gate func(account string) bool
}

// Workload captures an account's current load for the modifier.
type Workload struct {
	InProgress       int
	OpenTasks        int
	RecentThroughput int
}

// ScoreAccount computes the 0-100 score for one capability record.
func ScoreAccount(cap *types.Capability, requiredSkills []string, wl Workload, now time.Time) Score {
	var parts []ScorePart

	parts = append(parts, skillMatch(cap, requiredSkills))
	parts = append(parts, providerFit(cap, requiredSkills))
	parts = append(parts, successRate(cap))
	parts = append(parts, speed(cap))
	parts = append(parts, trust(cap))
	parts = append(parts, recency(cap, now))
	parts = append(parts, workload(wl))

	total := 0.0
	for _, p := range parts {
		total += p.Points
	}
	rounded := int(math.Round(total))
	if rounded < 0 {
		rounded = 0
	}

	return Score{Account: cap.Account, Total: rounded, Parts: parts, Record: cap}
}

func skillMatch(cap *types.Capability, required []string) ScorePart {
	if len(required) == 0 {
		return ScorePart{Name: "skillMatch", Points: 30, Reason: "no specific skills required"}
	}
	have := make(map[string]bool, len(cap.Skills))
	for _, s := range cap.Skills {
		have[strings.ToLower(s)] = true
	}
	matched := 0
	for _, s := range required {
		if have[strings.ToLower(s)] {
			matched++
		}
	}
	points := math.Ceil(float64(matched) / float64(len(required)) * 30)
	return ScorePart{
		Name:   "skillMatch",
		Points: points,
		Reason: fmt.Sprintf("matches %d of %d required skills", matched, len(required)),
	}
}

func providerFit(cap *types.Capability, required []string) ScorePart {
	strengths, known := providerStrengths[cap.Provider]
	if !known || len(required) == 0 {
		return ScorePart{Name: "providerFit", Points: 10, Reason: "provider fit unknown, scoring neutral"}
	}
	strong := make(map[string]bool, len(strengths))
	for _, s := range strengths {
		strong[s] = true
	}
	matched := 0
	for _, s := range required {
		if strong[strings.ToLower(s)] {
			matched++
		}
	}
	points := float64(matched) / float64(len(required)) * 20
	return ScorePart{
		Name:   "providerFit",
		Points: points,
		Reason: fmt.Sprintf("%s strengths cover %d of %d required skills", cap.Provider, matched, len(required)),
	}
}

func successRate(cap *types.Capability) ScorePart {
	if cap.TotalTasks == 0 {
		return ScorePart{Name: "successRate", Points: 10, Reason: "no history, scoring neutral"}
	}
	rate := float64(cap.AcceptedTasks) / float64(cap.TotalTasks)
	return ScorePart{
		Name:   "successRate",
		Points: rate * 20,
		Reason: fmt.Sprintf("%d of %d tasks accepted", cap.AcceptedTasks, cap.TotalTasks),
	}
}

func speed(cap *types.Capability) ScorePart {
	if cap.TotalTasks == 0 || cap.AvgDeliveryMs <= 0 {
		return ScorePart{Name: "speed", Points: 8, Reason: "no delivery data, scoring neutral"}
	}
	minutes := cap.AvgDeliveryMs / 60000
	var points float64
	switch {
	case minutes < 5:
		points = 15
	case minutes < 15:
		points = 12
	case minutes < 30:
		points = 8
	default:
		points = 3
	}
	return ScorePart{
		Name:   "speed",
		Points: points,
		Reason: fmt.Sprintf("average delivery %.1f minutes", minutes),
	}
}

func trust(cap *types.Capability) ScorePart {
	if cap.TrustScore == nil {
		return ScorePart{Name: "trust", Points: 5, Reason: "no trust record, scoring neutral"}
	}
	return ScorePart{
		Name:   "trust",
		Points: *cap.TrustScore / 10,
		Reason: fmt.Sprintf("trust score %.0f", *cap.TrustScore),
	}
}

func recency(cap *types.Capability, now time.Time) ScorePart {
	if cap.LastActiveAt.IsZero() {
		return ScorePart{Name: "recency", Points: 1, Reason: "never seen active"}
	}
	age := now.Sub(cap.LastActiveAt)
	var points float64
	switch {
	case age <= 10*time.Minute:
		points = 5
	case age <= 30*time.Minute:
		points = 4
	case age <= 60*time.Minute:
		points = 2
	default:
		points = 1
	}
	return ScorePart{
		Name:   "recency",
		Points: points,
		Reason: fmt.Sprintf("last active %s ago", age.Round(time.Minute)),
	}
}

func workload(wl Workload) ScorePart {
	wip := math.Max(-15, float64(wl.InProgress)*-5)
	open := math.Max(-10, float64(wl.OpenTasks)*-2)
	throughput := math.Min(15, float64(wl.RecentThroughput)*5)
	points := wip + open + throughput
	return ScorePart{
		Name:   "workload",
		Points: points,
		Reason: fmt.Sprintf("%d in progress, %d open, %d completed recently", wl.InProgress, wl.OpenTasks, wl.RecentThroughput),
	}
}

// RankAccounts scores every capability record not excluded or gated
// out and returns them sorted by descending total.
func RankAccounts(caps []*types.Capability, requiredSkills []string, opts RankOptions) []Score {
	excluded := make(map[string]bool, len(opts.ExcludeAccounts))
	for _, a := range opts.ExcludeAccounts {
		excluded[a] = true
	}

	now := time.Now()
	var scores []Score
	for _, cap := range caps {
		if excluded[cap.Account] {
			continue
		}
		if opts.Gate != nil && !opts.Gate(cap.Account) {
			continue
		}
		scores = append(scores, ScoreAccount(cap, requiredSkills, opts.Workloads[cap.Account], now))
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Total > scores[j].Total
	})
	return scores
}

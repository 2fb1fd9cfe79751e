// Package council runs multi-reviewer verification and analysis rounds.
//
//	┌──────────┐   stage 1    ┌──────────────┐   stage 2    ┌──────────┐
//	│ members  │ ──collect──► │ Review A..Z  │ ──rankings─► │ chairman │
//	└──────────┘              └──────────────┘              └──────────┘
//
// Stage 1 fans out to every member in parallel and keeps whatever
// parses. Stage 2 shows each member the anonymized set and collects a
// ranking. The chairman sees both and issues the final verdict.
package council

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentctl/agentd/pkg/filestore"
	"github.com/agentctl/agentd/pkg/llm"
	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/types"
)

// Verdict is the chairman's final call.
type Verdict string

const (
	VerdictAccept          Verdict = "ACCEPT"
	VerdictReject          Verdict = "REJECT"
	VerdictAcceptWithNotes Verdict = "ACCEPT_WITH_NOTES"
)

// NormalizeVerdict maps free-form model output onto a known verdict.
// Anything unrecognized is a rejection.
func NormalizeVerdict(s string) Verdict {
	switch Verdict(strings.ToUpper(strings.TrimSpace(s))) {
	case VerdictAccept:
		return VerdictAccept
	case VerdictAcceptWithNotes:
		return VerdictAcceptWithNotes
	default:
		return VerdictReject
	}
}

// Kind distinguishes what the council is looking at.
type Kind string

const (
	KindAnalysis     Kind = "analysis"
	KindVerification Kind = "verification"
)

// Review is one member's stage-1 output.
type Review struct {
	Account    string   `json:"account"`
	Label      string   `json:"label"`
	Summary    string   `json:"summary"`
	Strengths  []string `json:"strengths,omitempty"`
	Concerns   []string `json:"concerns,omitempty"`
	Verdict    Verdict  `json:"verdict"`
	Confidence float64  `json:"confidence"`
}

// Ranking is one member's ordering of the anonymized reviews, best
// first, as 0-based indices into Result.Reviews.
type Ranking struct {
	Reviewer string `json:"reviewer"`
	Order    []int  `json:"order"`
}

// Result is a full council round.
type Result struct {
	ID           string             `json:"id"`
	Kind         Kind               `json:"kind"`
	TaskID       string             `json:"taskId"`
	Verdict      Verdict            `json:"verdict"`
	Confidence   float64            `json:"confidence"`
	Notes        string             `json:"notes,omitempty"`
	Reviews      []Review           `json:"reviews"`
	Rankings     []Ranking          `json:"rankings,omitempty"`
	AvgPositions map[string]float64 `json:"avgPositions,omitempty"`
	Degraded     bool               `json:"degraded,omitempty"`
	Timestamp    string             `json:"timestamp"`
}

// Config names the participants and the cache files.
type Config struct {
	Members  []string
	Chairman string

	// Optional result caches, keyed by task id. Empty paths disable
	// caching.
	AnalysisPath     string
	VerificationPath string
}

// Council orchestrates the three stages over an injected caller.
type Council struct {
	caller llm.Caller
	cfg    Config
	logger zerolog.Logger

	mu sync.Mutex // serializes cache file read-modify-write
}

// New builds a council. The caller is typically an llm.HTTPCaller in
// production and a stub in tests.
func New(caller llm.Caller, cfg Config) *Council {
	return &Council{
		caller: caller,
		cfg:    cfg,
		logger: log.WithComponent("council"),
	}
}

// memberReview is the lenient shape stage 1 and 2 parse into. Models
// rarely emit exactly what they are asked for, so every field is
// optional.
type memberReview struct {
	Summary    string   `json:"summary"`
	Strengths  []string `json:"strengths"`
	Concerns   []string `json:"concerns"`
	Verdict    string   `json:"verdict"`
	Confidence float64  `json:"confidence"`
	Ranking    []int    `json:"ranking"`
	Notes      string   `json:"notes"`
}

func parseMemberOutput(raw string) (*memberReview, error) {
	obj, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var r memberReview
	if err := json.Unmarshal(obj, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func label(i int) string {
	if i >= 0 && i < 26 {
		return "Review " + string(rune('A'+i))
	}
	return fmt.Sprintf("Review %d", i+1)
}

const collectSystemPrompt = `You are one member of a review council. Analyze the material you are given and answer with a single JSON object: {"summary": string, "strengths": [string], "concerns": [string], "verdict": "ACCEPT"|"REJECT"|"ACCEPT_WITH_NOTES", "confidence": number between 0 and 1}. No prose outside the JSON.`

const rankSystemPrompt = `You are ranking anonymized peer reviews of the same material. Answer with a single JSON object: {"ranking": [indices of the reviews from best to worst, 0-based]}. No prose outside the JSON.`

const chairSystemPrompt = `You are the chairman of a review council. Given the member reviews and their peer rankings, issue the final decision as a single JSON object: {"verdict": "ACCEPT"|"REJECT"|"ACCEPT_WITH_NOTES", "confidence": number between 0 and 1, "notes": string}. No prose outside the JSON.`

// collect fans stage 1 out to every member and keeps the reviews that
// parse. Failures are logged and dropped.
func (c *Council) collect(ctx context.Context, payload string) []Review {
	results := make([]*memberReview, len(c.cfg.Members))

	g, gctx := errgroup.WithContext(ctx)
	for i, member := range c.cfg.Members {
		i, member := i, member
		g.Go(func() error {
			out, err := c.caller.Call(gctx, member, collectSystemPrompt, payload)
			if err != nil {
				c.logger.Warn().Err(err).Str("member", member).Msg("council member call failed")
				return nil
			}
			parsed, err := parseMemberOutput(out)
			if err != nil {
				c.logger.Warn().Err(err).Str("member", member).Msg("council member output unparsable")
				return nil
			}
			results[i] = parsed
			return nil
		})
	}
	_ = g.Wait()

	var reviews []Review
	for i, r := range results {
		if r == nil {
			continue
		}
		reviews = append(reviews, Review{
			Account:    c.cfg.Members[i],
			Label:      label(len(reviews)),
			Summary:    r.Summary,
			Strengths:  r.Strengths,
			Concerns:   r.Concerns,
			Verdict:    NormalizeVerdict(r.Verdict),
			Confidence: r.Confidence,
		})
	}
	return reviews
}

// anonymize renders the stage-1 reviews without account names.
func anonymize(reviews []Review) string {
	var b strings.Builder
	for _, r := range reviews {
		fmt.Fprintf(&b, "%s (verdict %s, confidence %.2f):\n%s\n", r.Label, r.Verdict, r.Confidence, r.Summary)
		for _, s := range r.Strengths {
			fmt.Fprintf(&b, "  + %s\n", s)
		}
		for _, cc := range r.Concerns {
			fmt.Fprintf(&b, "  - %s\n", cc)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// peerReview fans the anonymized set back out and collects rankings.
func (c *Council) peerReview(ctx context.Context, reviews []Review) []Ranking {
	anon := anonymize(reviews)
	results := make([]*memberReview, len(c.cfg.Members))

	g, gctx := errgroup.WithContext(ctx)
	for i, member := range c.cfg.Members {
		i, member := i, member
		g.Go(func() error {
			out, err := c.caller.Call(gctx, member, rankSystemPrompt, anon)
			if err != nil {
				c.logger.Warn().Err(err).Str("member", member).Msg("council ranking call failed")
				return nil
			}
			parsed, err := parseMemberOutput(out)
			if err != nil {
				return nil
			}
			results[i] = parsed
			return nil
		})
	}
	_ = g.Wait()

	var rankings []Ranking
	for i, r := range results {
		if r == nil || len(r.Ranking) == 0 {
			continue
		}
		order := make([]int, 0, len(r.Ranking))
		for _, idx := range r.Ranking {
			if idx >= 0 && idx < len(reviews) {
				order = append(order, idx)
			}
		}
		if len(order) > 0 {
			rankings = append(rankings, Ranking{Reviewer: c.cfg.Members[i], Order: order})
		}
	}
	return rankings
}

// AggregateRankings converts each reviewer's 0-based ordering into
// averaged 1-based positions per review label. Lower is better.
func AggregateRankings(reviews []Review, rankings []Ranking) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, rk := range rankings {
		for pos, idx := range rk.Order {
			l := reviews[idx].Label
			sums[l] += float64(pos + 1)
			counts[l]++
		}
	}
	avg := make(map[string]float64, len(sums))
	for l, sum := range sums {
		avg[l] = sum / float64(counts[l])
	}
	return avg
}

func renderPositions(avg map[string]float64, reviews []Review) string {
	var b strings.Builder
	for _, r := range reviews {
		if pos, ok := avg[r.Label]; ok {
			fmt.Fprintf(&b, "%s: average peer position %.2f\n", r.Label, pos)
		}
	}
	return b.String()
}

// Run executes a full council round over payload. All members failing
// stage 1, or the chairman failing, yields a degraded REJECT with
// confidence 0 rather than an error.
func (c *Council) Run(ctx context.Context, kind Kind, taskID, payload string) (*Result, error) {
	res := &Result{
		ID:        uuid.New().String(),
		Kind:      kind,
		TaskID:    taskID,
		Timestamp: types.Now(),
	}

	res.Reviews = c.collect(ctx, payload)
	if len(res.Reviews) == 0 {
		c.logger.Error().Str("task", taskID).Msg("all council members failed")
		res.Verdict = VerdictReject
		res.Confidence = 0
		res.Degraded = true
		res.Notes = "all council members failed"
		return res, c.cache(res)
	}

	res.Rankings = c.peerReview(ctx, res.Reviews)
	res.AvgPositions = AggregateRankings(res.Reviews, res.Rankings)

	chairPayload := fmt.Sprintf("Material under review:\n%s\n\nMember reviews:\n%s\nPeer rankings:\n%s",
		payload, anonymize(res.Reviews), renderPositions(res.AvgPositions, res.Reviews))

	out, err := c.caller.Call(ctx, c.cfg.Chairman, chairSystemPrompt, chairPayload)
	if err != nil {
		c.logger.Error().Err(err).Str("chairman", c.cfg.Chairman).Msg("chairman call failed")
		res.Verdict = VerdictReject
		res.Confidence = 0
		res.Degraded = true
		res.Notes = "chairman unavailable"
		return res, c.cache(res)
	}
	parsed, err := parseMemberOutput(out)
	if err != nil {
		res.Verdict = VerdictReject
		res.Confidence = 0
		res.Degraded = true
		res.Notes = "chairman output unparsable"
		return res, c.cache(res)
	}

	res.Verdict = NormalizeVerdict(parsed.Verdict)
	res.Confidence = parsed.Confidence
	res.Notes = parsed.Notes

	c.logger.Info().Str("task", taskID).Str("kind", string(kind)).
		Str("verdict", string(res.Verdict)).Float64("confidence", res.Confidence).
		Int("reviews", len(res.Reviews)).Msg("council round finished")
	return res, c.cache(res)
}

// AnalyzeTask runs a pre-assignment analysis round over a task goal.
func (c *Council) AnalyzeTask(ctx context.Context, taskID, goal string) (*Result, error) {
	return c.Run(ctx, KindAnalysis, taskID, goal)
}

// VerifyCompletion runs a verification round over a completion payload
// (goal, acceptance criteria, evidence).
func (c *Council) VerifyCompletion(ctx context.Context, taskID, payload string) (*Result, error) {
	return c.Run(ctx, KindVerification, taskID, payload)
}

func (c *Council) cachePath(kind Kind) string {
	if kind == KindVerification {
		return c.cfg.VerificationPath
	}
	return c.cfg.AnalysisPath
}

func (c *Council) cache(res *Result) error {
	path := c.cachePath(res.Kind)
	if path == "" || res.TaskID == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cached := make(map[string]*Result)
	if _, err := filestore.AtomicRead(path, &cached); err != nil {
		return fmt.Errorf("reading council cache: %w", err)
	}
	cached[res.TaskID] = res
	if err := filestore.AtomicWrite(path, cached); err != nil {
		return fmt.Errorf("writing council cache: %w", err)
	}
	return nil
}

// Cached returns the stored result for a task, if any.
func (c *Council) Cached(kind Kind, taskID string) (*Result, bool, error) {
	path := c.cachePath(kind)
	if path == "" {
		return nil, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cached := make(map[string]*Result)
	ok, err := filestore.AtomicRead(path, &cached)
	if err != nil || !ok {
		return nil, false, err
	}
	res, found := cached[taskID]
	return res, found, nil
}

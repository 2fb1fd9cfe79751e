package council

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentd/pkg/llm"
)

// scriptedCaller answers per (account, stage) where the stage is
// inferred from the system prompt.
type scriptedCaller struct {
	collect map[string]string
	rank    map[string]string
	chair   string
	fail    map[string]bool
}

func (s *scriptedCaller) Call(_ context.Context, account, system, _ string) (string, error) {
	if s.fail[account] {
		return "", fmt.Errorf("account %s unreachable", account)
	}
	switch {
	case strings.Contains(system, "chairman"):
		return s.chair, nil
	case strings.Contains(system, "ranking anonymized"):
		return s.rank[account], nil
	default:
		return s.collect[account], nil
	}
}

func TestNormalizeVerdict(t *testing.T) {
	assert.Equal(t, VerdictAccept, NormalizeVerdict("accept"))
	assert.Equal(t, VerdictAccept, NormalizeVerdict(" ACCEPT \n"))
	assert.Equal(t, VerdictAcceptWithNotes, NormalizeVerdict("accept_with_notes"))
	assert.Equal(t, VerdictReject, NormalizeVerdict("REJECT"))
	assert.Equal(t, VerdictReject, NormalizeVerdict("maybe?"))
	assert.Equal(t, VerdictReject, NormalizeVerdict(""))
}

func TestFullRound(t *testing.T) {
	caller := &scriptedCaller{
		collect: map[string]string{
			"alice": "```json\n{\"summary\":\"looks solid\",\"verdict\":\"ACCEPT\",\"confidence\":0.9}\n```",
			"bob":   `{"summary":"minor issues","concerns":["no tests"],"verdict":"ACCEPT_WITH_NOTES","confidence":0.7}`,
		},
		rank: map[string]string{
			"alice": `{"ranking":[0,1]}`,
			"bob":   `{"ranking":[1,0]}`,
		},
		chair: `{"verdict":"ACCEPT","confidence":0.85,"notes":"ship it"}`,
	}

	c := New(caller, Config{Members: []string{"alice", "bob"}, Chairman: "carol"})
	res, err := c.VerifyCompletion(context.Background(), "t1", "goal: do the thing")
	require.NoError(t, err)

	assert.Equal(t, VerdictAccept, res.Verdict)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
	assert.Equal(t, "ship it", res.Notes)
	assert.False(t, res.Degraded)

	require.Len(t, res.Reviews, 2)
	assert.Equal(t, "Review A", res.Reviews[0].Label)
	assert.Equal(t, "Review B", res.Reviews[1].Label)
	assert.Equal(t, "alice", res.Reviews[0].Account)

	// Both reviews ranked by both reviewers: one first and one second
	// each, so both average to 1.5.
	require.Len(t, res.Rankings, 2)
	assert.InDelta(t, 1.5, res.AvgPositions["Review A"], 1e-9)
	assert.InDelta(t, 1.5, res.AvgPositions["Review B"], 1e-9)
}

func TestFailedMemberIsDropped(t *testing.T) {
	caller := &scriptedCaller{
		collect: map[string]string{
			"bob": `{"summary":"fine","verdict":"ACCEPT","confidence":0.8}`,
		},
		rank:  map[string]string{"bob": `{"ranking":[0]}`},
		chair: `{"verdict":"ACCEPT","confidence":0.8,"notes":""}`,
		fail:  map[string]bool{"alice": true},
	}

	c := New(caller, Config{Members: []string{"alice", "bob"}, Chairman: "carol"})
	res, err := c.Run(context.Background(), KindAnalysis, "t1", "payload")
	require.NoError(t, err)

	require.Len(t, res.Reviews, 1)
	assert.Equal(t, "bob", res.Reviews[0].Account)
	assert.Equal(t, "Review A", res.Reviews[0].Label)
	assert.Equal(t, VerdictAccept, res.Verdict)
}

func TestAllMembersFailDegrades(t *testing.T) {
	caller := &scriptedCaller{fail: map[string]bool{"alice": true, "bob": true}}

	c := New(caller, Config{Members: []string{"alice", "bob"}, Chairman: "carol"})
	res, err := c.Run(context.Background(), KindVerification, "t1", "payload")
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.Equal(t, VerdictReject, res.Verdict)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, res.Reviews)
}

func TestChairmanFailureDegrades(t *testing.T) {
	caller := &scriptedCaller{
		collect: map[string]string{
			"alice": `{"summary":"ok","verdict":"ACCEPT","confidence":0.9}`,
		},
		rank: map[string]string{"alice": `{"ranking":[0]}`},
		fail: map[string]bool{"carol": true},
	}

	c := New(caller, Config{Members: []string{"alice"}, Chairman: "carol"})
	res, err := c.Run(context.Background(), KindVerification, "t1", "payload")
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.Equal(t, VerdictReject, res.Verdict)
	assert.Zero(t, res.Confidence)
	require.Len(t, res.Reviews, 1)
}

func TestUnknownChairVerdictNormalizesToReject(t *testing.T) {
	caller := &scriptedCaller{
		collect: map[string]string{
			"alice": `{"summary":"ok","verdict":"ACCEPT","confidence":0.9}`,
		},
		rank:  map[string]string{"alice": `{"ranking":[0]}`},
		chair: `{"verdict":"LGTM","confidence":0.9,"notes":"whatever"}`,
	}

	c := New(caller, Config{Members: []string{"alice"}, Chairman: "carol"})
	res, err := c.Run(context.Background(), KindVerification, "t1", "payload")
	require.NoError(t, err)
	assert.Equal(t, VerdictReject, res.Verdict)
	assert.False(t, res.Degraded)
}

func TestAggregateRankingsPartialOrders(t *testing.T) {
	reviews := []Review{{Label: "Review A"}, {Label: "Review B"}}
	rankings := []Ranking{
		{Reviewer: "alice", Order: []int{1, 0}},
		{Reviewer: "bob", Order: []int{0}},
	}

	avg := AggregateRankings(reviews, rankings)
	// A: positions 2 and 1 -> 1.5. B: position 1 only -> 1.
	assert.InDelta(t, 1.5, avg["Review A"], 1e-9)
	assert.InDelta(t, 1.0, avg["Review B"], 1e-9)
}

func TestResultCaching(t *testing.T) {
	dir := t.TempDir()
	caller := &scriptedCaller{
		collect: map[string]string{
			"alice": `{"summary":"ok","verdict":"ACCEPT","confidence":0.9}`,
		},
		rank:  map[string]string{"alice": `{"ranking":[0]}`},
		chair: `{"verdict":"ACCEPT","confidence":0.9,"notes":""}`,
	}

	c := New(caller, Config{
		Members:          []string{"alice"},
		Chairman:         "carol",
		VerificationPath: filepath.Join(dir, "council-verifications.json"),
		AnalysisPath:     filepath.Join(dir, "council-analyses.json"),
	})

	res, err := c.VerifyCompletion(context.Background(), "t1", "payload")
	require.NoError(t, err)

	cached, found, err := c.Cached(KindVerification, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.ID, cached.ID)
	assert.Equal(t, VerdictAccept, cached.Verdict)

	// Analyses land in their own file.
	_, found, err = c.Cached(KindAnalysis, "t1")
	require.NoError(t, err)
	assert.False(t, found)
}

var _ llm.Caller = (*scriptedCaller)(nil)

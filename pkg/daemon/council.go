package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentctl/agentd/pkg/board"
	"github.com/agentctl/agentd/pkg/council"
	"github.com/agentctl/agentd/pkg/events"
	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/metrics"
	"github.com/agentctl/agentd/pkg/receipt"
	"github.com/agentctl/agentd/pkg/types"
)

func (d *Daemon) councilEnabled() bool {
	return len(d.cfg.CouncilMembers) > 0 && d.cfg.CouncilChairman != ""
}

// analyzeHandoff runs a pre-assignment council analysis over the
// handoff goal. Side work: failures are logged only.
func (d *Daemon) analyzeHandoff(taskID string, payload types.HandoffPayload) {
	goal := payload.Goal
	if len(payload.AcceptanceCriteria) > 0 {
		goal += "\n\nAcceptance criteria:\n"
		for _, c := range payload.AcceptanceCriteria {
			goal += "- " + c + "\n"
		}
	}

	res, err := d.council.AnalyzeTask(context.Background(), taskID, goal)
	if err != nil {
		d.logger.Error().Err(err).Str("task", taskID).Msg("council analysis failed")
		return
	}
	metrics.CouncilRounds.WithLabelValues(string(council.KindAnalysis), string(res.Verdict)).Inc()
	d.logger.Info().Str("task", taskID).Str("verdict", string(res.Verdict)).
		Float64("confidence", res.Confidence).Msg("council analysis finished")
}

// runCouncilVerification is spawned when a task without run_commands
// reaches review and a council is configured: the reviewers see the
// review bundle, and the chairman's verdict settles the task.
func (d *Daemon) runCouncilVerification(task types.Task) {
	logger := log.WithTaskID(task.ID)
	bundle, err := d.generateReviewBundle(task.ID)
	if err != nil {
		logger.Error().Err(err).Msg("bundling for council failed")
		return
	}

	res, err := d.council.VerifyCompletion(context.Background(), task.ID, bundle.Markdown)
	if err != nil {
		logger.Error().Err(err).Msg("council verification failed")
		return
	}
	metrics.CouncilRounds.WithLabelValues(string(council.KindVerification), string(res.Verdict)).Inc()

	// A degraded round leaves the task in review for a human instead
	// of auto-rejecting on missing reviewers.
	if res.Degraded {
		logger.Warn().Str("notes", res.Notes).Msg("council degraded, leaving task in review")
		return
	}

	accepted := res.Verdict == council.VerdictAccept || res.Verdict == council.VerdictAcceptWithNotes
	reason := fmt.Sprintf("council verdict %s (confidence %.2f)", res.Verdict, res.Confidence)
	if res.Notes != "" {
		reason += ": " + res.Notes
	}

	verdict := types.VerdictAccepted
	if !accepted {
		verdict = types.VerdictRejected
	}
	rcpt, err := d.signer.CreateReceipt(receipt.Params{
		TaskID:             task.ID,
		Delegatee:          task.Assignee,
		Verdict:            verdict,
		Method:             "human-review",
		VerificationMethod: "council-review",
	})
	if err != nil {
		logger.Error().Err(err).Msg("signing council receipt failed")
		return
	}

	resultJSON, _ := json.Marshal(map[string]interface{}{
		"council": res,
		"receipt": rcpt,
	})
	d.cacheVerification(task.ID, json.RawMessage(resultJSON))

	brd, err := d.mutateBoard(func(b types.Board) (types.Board, error) {
		if accepted {
			return board.AcceptTask(b, task.ID, reason)
		}
		return board.RejectTask(b, task.ID, reason)
	})
	if err != nil {
		logger.Error().Err(err).Msg("settling task after council failed")
		return
	}

	// The settled copy carries the verdict event the cycle-time
	// calculation needs.
	if settled, err := board.GetTask(brd, task.ID); err == nil {
		task = settled
	}
	d.recordOutcome(task, accepted, reason)
	d.bus.Emit(&events.Event{Type: events.EventTaskVerified, Agent: task.Assignee, TaskID: task.ID,
		Data: map[string]interface{}{"passed": accepted, "method": "council-review"}})
}

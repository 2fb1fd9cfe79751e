package daemon

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentctl/agentd/pkg/board"
	"github.com/agentctl/agentd/pkg/filestore"
	"github.com/agentctl/agentd/pkg/types"
)

// ReviewBundle is a human-readable summary of everything a reviewer
// needs for one task.
type ReviewBundle struct {
	TaskID      string `json:"taskId"`
	Title       string `json:"title"`
	Markdown    string `json:"markdown"`
	GeneratedAt string `json:"generatedAt"`
}

// verificationEntry is one task's record in verification-results.json.
type verificationEntry struct {
	Bundle       *ReviewBundle   `json:"bundle,omitempty"`
	Verification json.RawMessage `json:"verification,omitempty"`
}

func (d *Daemon) loadVerifications() (map[string]*verificationEntry, error) {
	out := make(map[string]*verificationEntry)
	if _, err := filestore.AtomicRead(d.paths.VerificationResults(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Daemon) mutateVerifications(fn func(map[string]*verificationEntry)) error {
	d.verifMu.Lock()
	defer d.verifMu.Unlock()
	entries, err := d.loadVerifications()
	if err != nil {
		return err
	}
	fn(entries)
	return filestore.AtomicWrite(d.paths.VerificationResults(), entries)
}

// cacheVerification stores an acceptance-suite outcome for a task.
func (d *Daemon) cacheVerification(taskID string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error().Err(err).Str("task", taskID).Msg("encoding verification result failed")
		return
	}
	if err := d.mutateVerifications(func(entries map[string]*verificationEntry) {
		e := entries[taskID]
		if e == nil {
			e = &verificationEntry{}
			entries[taskID] = e
		}
		e.Verification = raw
	}); err != nil {
		d.logger.Error().Err(err).Str("task", taskID).Msg("caching verification result failed")
	}
}

func (d *Daemon) cachedBundle(taskID string) (*ReviewBundle, bool, error) {
	d.verifMu.Lock()
	defer d.verifMu.Unlock()
	entries, err := d.loadVerifications()
	if err != nil {
		return nil, false, err
	}
	e := entries[taskID]
	if e == nil || e.Bundle == nil {
		return nil, false, nil
	}
	return e.Bundle, true, nil
}

// generateReviewBundle assembles the task's story: handoff payload,
// delegation chain, event log, workspace, and recent messages.
func (d *Daemon) generateReviewBundle(taskID string) (*ReviewBundle, error) {
	brd, err := d.LoadBoard()
	if err != nil {
		return nil, Wrap(KindExternal, err, "loading board")
	}
	task, err := board.GetTask(brd, taskID)
	if err != nil {
		return nil, Wrap(KindNotFound, err, "task %s", taskID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Review bundle: %s\n\n", task.Title)
	fmt.Fprintf(&b, "- Task: `%s`\n- Status: %s\n", task.ID, task.Status)
	if task.Assignee != "" {
		fmt.Fprintf(&b, "- Assignee: %s\n", task.Assignee)
	}
	if task.Priority != "" {
		fmt.Fprintf(&b, "- Priority: %s\n", task.Priority)
	}
	fmt.Fprintf(&b, "- Created: %s\n", task.CreatedAt)

	if chain, err := d.workflow.ChainSummary(taskID); err == nil && chain != "" {
		fmt.Fprintf(&b, "\n## Delegation chain\n\n%s\n", chain)
	}

	if handoff := d.handoffForTask(task.Assignee, taskID); handoff != nil {
		var payload types.HandoffPayload
		if json.Unmarshal([]byte(handoff.Content), &payload) == nil {
			b.WriteString("\n## Handoff\n\n")
			fmt.Fprintf(&b, "**Goal.** %s\n\n", payload.Goal)
			if len(payload.AcceptanceCriteria) > 0 {
				b.WriteString("Acceptance criteria:\n")
				for _, c := range payload.AcceptanceCriteria {
					fmt.Fprintf(&b, "- %s\n", c)
				}
			}
			if len(payload.RunCommands) > 0 {
				b.WriteString("\nVerification commands:\n")
				for _, cmd := range payload.RunCommands {
					fmt.Fprintf(&b, "- `%s`\n", cmd)
				}
			}
		}
	}

	if task.Workspace != nil {
		b.WriteString("\n## Workspace\n\n")
		fmt.Fprintf(&b, "- Path: `%s`\n- Branch: `%s`\n", task.Workspace.Path, task.Workspace.Branch)
	}

	if len(task.Events) > 0 {
		b.WriteString("\n## Task history\n\n")
		for _, ev := range task.Events {
			line := ev.Type
			if ev.To != "" {
				line = fmt.Sprintf("%s -> %s", ev.Type, ev.To)
			}
			if ev.Detail != "" {
				line += ": " + ev.Detail
			}
			fmt.Fprintf(&b, "- %s (%s)\n", line, ev.Timestamp)
		}
	}

	if recent := d.bus.RecentByTask(taskID, 20); len(recent) > 0 {
		b.WriteString("\n## Recent events\n\n")
		for _, ev := range recent {
			fmt.Fprintf(&b, "- %s %s\n", ev.Timestamp, ev.Type)
		}
	}

	bundle := &ReviewBundle{
		TaskID:      taskID,
		Title:       task.Title,
		Markdown:    b.String(),
		GeneratedAt: types.Now(),
	}
	if err := d.mutateVerifications(func(entries map[string]*verificationEntry) {
		e := entries[taskID]
		if e == nil {
			e = &verificationEntry{}
			entries[taskID] = e
		}
		e.Bundle = bundle
	}); err != nil {
		d.logger.Error().Err(err).Str("task", taskID).Msg("caching review bundle failed")
	}
	return bundle, nil
}

// generateReviewBundleSideWork is the non-blocking variant used from
// update_task_status: failures are logged, never surfaced.
func (d *Daemon) generateReviewBundleSideWork(taskID string) {
	if _, err := d.generateReviewBundle(taskID); err != nil {
		d.logger.Error().Err(err).Str("task", taskID).Msg("review bundle side work failed")
	}
}

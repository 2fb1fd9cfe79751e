package daemon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agentctl/agentd/pkg/analytics"
	"github.com/agentctl/agentd/pkg/board"
	"github.com/agentctl/agentd/pkg/events"
	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/metrics"
	"github.com/agentctl/agentd/pkg/receipt"
	"github.com/agentctl/agentd/pkg/routing"
	"github.com/agentctl/agentd/pkg/storage"
	"github.com/agentctl/agentd/pkg/types"
	"github.com/agentctl/agentd/pkg/workspace"
)

func (d *Daemon) registerHandlers() {
	d.handlers = map[string]handlerFunc{
		"send_message":                 d.handleSendMessage,
		"count_unread":                 d.handleCountUnread,
		"read_messages":                d.handleReadMessages,
		"handoff_task":                 d.handleHandoffTask,
		"update_task_status":           d.handleUpdateTaskStatus,
		"prepare_worktree_for_handoff": d.handlePrepareWorktree,
		"get_workspace_status":         d.handleGetWorkspaceStatus,
		"cleanup_workspace":            d.handleCleanupWorkspace,
		"handoff_accept":               d.handleHandoffAccept,
		"suggest_assignee":             d.handleSuggestAssignee,
		"archive_messages":             d.handleArchiveMessages,
		"health_check":                 d.handleHealthCheck,
		"search_knowledge":             d.handleSearchKnowledge,
		"index_note":                   d.handleIndexNote,
		"link_task":                    d.handleLinkTask,
		"get_task_links":               d.handleGetTaskLinks,
		"get_review_bundle":            d.handleGetReviewBundle,
		"generate_review_bundle":       d.handleGenerateReviewBundle,
		"get_analytics":                d.handleGetAnalytics,
	}
}

func (d *Daemon) handleSendMessage(c *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		To      string            `json:"to"`
		Content string            `json:"content"`
		Context map[string]string `json:"context,omitempty"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, Wrap(KindValidation, err, "malformed send_message request")
	}
	if req.To == "" || req.Content == "" {
		return nil, Errf(KindValidation, "send_message requires to and content")
	}

	msg := &types.Message{
		From:    c.account,
		To:      req.To,
		Type:    types.MessageTypeMessage,
		Content: req.Content,
		Context: req.Context,
	}
	if _, err := d.messages.AddMessage(msg); err != nil {
		return nil, Wrap(KindExternal, err, "persisting message")
	}
	metrics.MessagesDelivered.Inc()

	return map[string]interface{}{
		"delivered": d.state.IsConnected(req.To),
		"queued":    true,
	}, nil
}

func (d *Daemon) handleCountUnread(c *connection, _ json.RawMessage) (map[string]interface{}, error) {
	count, err := d.messages.CountUnread(c.account)
	if err != nil {
		return nil, Wrap(KindExternal, err, "counting unread messages")
	}
	return map[string]interface{}{"count": count}, nil
}

func (d *Daemon) handleReadMessages(c *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		Limit  int `json:"limit,omitempty"`
		Offset int `json:"offset,omitempty"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, Wrap(KindValidation, err, "malformed read_messages request")
	}

	msgs, err := d.messages.GetMessages(c.account, storage.MessageQuery{Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return nil, Wrap(KindExternal, err, "reading messages")
	}

	// A read without pagination consumes the inbox.
	if req.Limit == 0 && req.Offset == 0 {
		if err := d.messages.MarkAllRead(c.account); err != nil {
			return nil, Wrap(KindExternal, err, "marking messages read")
		}
	}
	return map[string]interface{}{"messages": msgs}, nil
}

func (d *Daemon) handleHandoffTask(c *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		To      string               `json:"to"`
		Payload types.HandoffPayload `json:"payload"`
		Context map[string]string    `json:"context,omitempty"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, Wrap(KindValidation, err, "malformed handoff_task request")
	}
	if req.To == "" {
		return nil, Errf(KindValidation, "handoff_task requires a recipient")
	}
	if req.Payload.Goal == "" {
		return nil, Errf(KindValidation, "handoff payload requires a non-empty goal")
	}
	if req.Payload.AcceptanceCriteria == nil {
		return nil, Errf(KindValidation, "handoff payload requires an acceptance_criteria list")
	}

	handoffID := uuid.New().String()

	brd, task, err := func() (types.Board, types.Task, error) {
		brd, err := d.LoadBoard()
		if err != nil {
			return types.Board{}, types.Task{}, err
		}
		return board.AddTask(brd, req.Payload.Goal, req.To, board.AddOptions{})
	}()
	if err != nil {
		return nil, Wrap(KindExternal, err, "creating task for handoff")
	}
	if err := d.SaveBoard(brd); err != nil {
		return nil, Wrap(KindExternal, err, "saving board")
	}

	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, Wrap(KindValidation, err, "encoding handoff payload")
	}

	ctx := make(map[string]string, len(req.Context)+2)
	for k, v := range req.Context {
		ctx[k] = v
	}
	ctx["handoffId"] = handoffID
	ctx["taskId"] = task.ID

	msg := &types.Message{
		From:    c.account,
		To:      req.To,
		Type:    types.MessageTypeHandoff,
		Content: string(payloadJSON),
		Context: ctx,
	}
	if _, err := d.messages.AddMessage(msg); err != nil {
		return nil, Wrap(KindExternal, err, "persisting handoff")
	}
	metrics.HandoffsTotal.Inc()

	if err := d.workflow.RecordHandoff(task.ID, c.account, req.To, handoffID); err != nil {
		d.logger.Error().Err(err).Str("task", task.ID).Msg("recording workflow hop failed")
	}
	d.breaker.TrackTask(req.To, task.ID)

	d.bus.Emit(&events.Event{Type: events.EventTaskCreated, Agent: c.account, TaskID: task.ID,
		Data: map[string]interface{}{"title": task.Title}})
	d.bus.Emit(&events.Event{Type: events.EventTaskAssigned, Agent: req.To, TaskID: task.ID,
		Data: map[string]interface{}{"handoffId": handoffID}})
	d.bus.Emit(&events.Event{Type: events.EventDelegationChain, Agent: req.To, TaskID: task.ID,
		Data: map[string]interface{}{"from": c.account, "to": req.To}})

	if d.councilEnabled() {
		go d.analyzeHandoff(task.ID, req.Payload)
	}

	return map[string]interface{}{
		"delivered": d.state.IsConnected(req.To),
		"queued":    true,
		"handoffId": handoffID,
		"taskId":    task.ID,
	}, nil
}

// findHandoff locates the handoff message carrying the given id in the
// recipient's inbox.
func (d *Daemon) findHandoff(account, handoffID string) (*types.Message, error) {
	handoffs, err := d.messages.GetHandoffs(account)
	if err != nil {
		return nil, err
	}
	for _, m := range handoffs {
		if m.Context["handoffId"] == handoffID {
			return m, nil
		}
	}
	return nil, nil
}

// handoffForTask finds the newest handoff message referencing a task.
func (d *Daemon) handoffForTask(account, taskID string) *types.Message {
	handoffs, err := d.messages.GetHandoffs(account)
	if err != nil {
		return nil
	}
	for _, m := range handoffs {
		if m.Context["taskId"] == taskID {
			return m
		}
	}
	return nil
}

func (d *Daemon) handleUpdateTaskStatus(c *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		TaskID        string `json:"taskId"`
		Status        string `json:"status"`
		Reason        string `json:"reason,omitempty"`
		WorkspacePath string `json:"workspacePath,omitempty"`
		Branch        string `json:"branch,omitempty"`
		WorkspaceID   string `json:"workspaceId,omitempty"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, Wrap(KindValidation, err, "malformed update_task_status request")
	}
	if req.TaskID == "" || req.Status == "" {
		return nil, Errf(KindValidation, "update_task_status requires taskId and status")
	}

	target := types.TaskStatus(req.Status)
	brd, err := d.mutateBoard(func(b types.Board) (types.Board, error) {
		switch target {
		case types.TaskStatusReadyForReview:
			var ws *types.WorkspaceContext
			if req.WorkspacePath != "" || req.Branch != "" || req.WorkspaceID != "" {
				ws = &types.WorkspaceContext{
					WorkspaceID: req.WorkspaceID,
					Path:        req.WorkspacePath,
					Branch:      req.Branch,
				}
			}
			return board.SubmitForReview(b, req.TaskID, ws)
		case types.TaskStatusAccepted:
			return board.AcceptTask(b, req.TaskID, req.Reason)
		case types.TaskStatusRejected:
			return board.RejectTask(b, req.TaskID, req.Reason)
		default:
			return board.UpdateTaskStatus(b, req.TaskID, target)
		}
	})
	if err != nil {
		return nil, Wrap(KindInvalidTransition, err, "transitioning task %s to %s", req.TaskID, req.Status)
	}

	task, err := board.GetTask(brd, req.TaskID)
	if err != nil {
		return nil, Wrap(KindNotFound, err, "reloading task")
	}

	result := map[string]interface{}{"task": task}

	switch target {
	case types.TaskStatusReadyForReview:
		if handoff := d.handoffForTask(task.Assignee, task.ID); handoff != nil {
			var payload types.HandoffPayload
			if json.Unmarshal([]byte(handoff.Content), &payload) == nil && len(payload.RunCommands) > 0 {
				go d.runAutoAcceptance(task, handoff, payload)
				result["acceptance"] = "scheduled"
				break
			}
		}
		if d.councilEnabled() {
			go d.runCouncilVerification(task)
			result["acceptance"] = "council_scheduled"
		} else {
			go d.generateReviewBundleSideWork(task.ID)
		}
	case types.TaskStatusAccepted:
		d.recordOutcome(task, true, req.Reason)
	case types.TaskStatusRejected:
		d.recordOutcome(task, false, req.Reason)
	case types.TaskStatusInProgress:
		d.bus.Emit(&events.Event{Type: events.EventTaskStarted, Agent: task.Assignee, TaskID: task.ID})
	}

	return result, nil
}

// recordOutcome folds an accept/reject verdict into trust, capability,
// and the retro log, and emits the completion events the circuit
// breaker listens for.
func (d *Daemon) recordOutcome(task types.Task, accepted bool, reason string) {
	if task.Assignee == "" {
		return
	}

	minutes, ok := analytics.CycleTime(&task)
	if !ok {
		minutes = -1
	}

	kind := storage.OutcomeCompleted
	result := "success"
	verdict := types.VerdictAccepted
	if !accepted {
		kind = storage.OutcomeRejected
		result = "failure"
		verdict = types.VerdictRejected
	}

	rep, err := d.trust.RecordOutcome(task.Assignee, kind, minutes)
	if err != nil {
		d.logger.Error().Err(err).Str("account", task.Assignee).Msg("recording trust outcome failed")
	}
	deliveryMs := -1.0
	if minutes >= 0 {
		deliveryMs = minutes * 60_000
	}
	if err := d.capabilities.RecordTaskCompletion(task.Assignee, accepted, deliveryMs); err != nil {
		d.logger.Error().Err(err).Str("account", task.Assignee).Msg("recording capability outcome failed")
	}
	if err := d.workflow.RecordCompletion(&task, verdict, reason); err != nil {
		d.logger.Error().Err(err).Str("task", task.ID).Msg("recording retro entry failed")
	}

	trustData := map[string]interface{}{"outcome": kind}
	if rep != nil {
		trustData["score"] = rep.Score
	}
	d.bus.Emit(&events.Event{Type: events.EventTrustUpdate, Agent: task.Assignee, TaskID: task.ID, Data: trustData})
	d.bus.Emit(&events.Event{Type: events.EventTaskCompleted, Agent: task.Assignee, TaskID: task.ID,
		Data: map[string]interface{}{"result": result}})
}

// runAutoAcceptance is non-blocking side work spawned when a task with
// run_commands reaches review: run the suite in the task's worktree,
// sign a receipt, and settle the task.
func (d *Daemon) runAutoAcceptance(task types.Task, handoff *types.Message, payload types.HandoffPayload) {
	logger := log.WithTaskID(task.ID)
	dir := ""
	if task.Workspace != nil {
		dir = task.Workspace.Path
	}

	suite := d.runner.RunSuite(context.Background(), dir, payload.RunCommands)
	result := "failed"
	if suite.Passed {
		result = "passed"
	}
	metrics.AcceptanceSuites.WithLabelValues(result).Inc()

	specHash, err := receipt.ComputeSpecHash(map[string]interface{}{
		"goal":                payload.Goal,
		"acceptance_criteria": payload.AcceptanceCriteria,
	})
	if err != nil {
		logger.Error().Err(err).Msg("hashing handoff spec failed")
		return
	}

	verdict := types.VerdictAccepted
	if !suite.Passed {
		verdict = types.VerdictRejected
	}
	rcpt, err := d.signer.CreateReceipt(receipt.Params{
		TaskID:             task.ID,
		HandoffID:          handoff.Context["handoffId"],
		Delegator:          handoff.From,
		Delegatee:          handoff.To,
		SpecHash:           specHash,
		Verdict:            verdict,
		Method:             "auto-acceptance",
		VerificationMethod: "auto-test",
	})
	if err != nil {
		logger.Error().Err(err).Msg("signing receipt failed")
		return
	}

	d.cacheVerification(task.ID, map[string]interface{}{
		"taskId":  task.ID,
		"passed":  suite.Passed,
		"suite":   suite,
		"receipt": rcpt,
	})

	brd, err := d.mutateBoard(func(b types.Board) (types.Board, error) {
		if suite.Passed {
			return board.AcceptTask(b, task.ID, "acceptance suite passed")
		}
		return board.RejectTask(b, task.ID, "acceptance suite failed")
	})
	if err != nil {
		logger.Error().Err(err).Msg("settling task after acceptance suite failed")
		return
	}

	// The settled copy carries the acceptance event the cycle-time
	// calculation needs.
	if settled, err := board.GetTask(brd, task.ID); err == nil {
		task = settled
	}
	d.recordOutcome(task, suite.Passed, "auto-acceptance")
	d.bus.Emit(&events.Event{Type: events.EventTaskVerified, Agent: task.Assignee, TaskID: task.ID,
		Data: map[string]interface{}{"passed": suite.Passed, "method": "auto-test"}})
	logger.Info().Bool("passed", suite.Passed).Msg("auto-acceptance finished")
}

func (d *Daemon) handlePrepareWorktree(c *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		RepoPath  string `json:"repoPath"`
		Branch    string `json:"branch"`
		HandoffID string `json:"handoffId,omitempty"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, Wrap(KindValidation, err, "malformed prepare_worktree_for_handoff request")
	}

	ws, err := d.manager.PrepareWorktree(context.Background(), workspace.PrepareRequest{
		Account:   c.account,
		RepoPath:  req.RepoPath,
		Branch:    req.Branch,
		HandoffID: req.HandoffID,
	})
	if err != nil {
		if perr, ok := err.(*workspace.PrepareError); ok {
			return map[string]interface{}{
				"ok":         false,
				"error_code": "worktree_failed",
				"message":    perr.Reason,
			}, nil
		}
		return map[string]interface{}{
			"ok":         false,
			"error_code": "invalid_request",
			"message":    err.Error(),
		}, nil
	}
	return map[string]interface{}{"ok": true, "data": ws}, nil
}

func (d *Daemon) handleGetWorkspaceStatus(c *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		ID       string `json:"id,omitempty"`
		RepoPath string `json:"repoPath,omitempty"`
		Branch   string `json:"branch,omitempty"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, Wrap(KindValidation, err, "malformed get_workspace_status request")
	}

	var ws *types.Workspace
	var err error
	switch {
	case req.ID != "":
		ws, err = d.manager.GetWorkspace(req.ID)
	case req.RepoPath != "" && req.Branch != "":
		ws, err = d.manager.GetWorkspaceByKey(req.RepoPath, req.Branch)
	default:
		return nil, Errf(KindValidation, "get_workspace_status requires id or repoPath+branch")
	}
	if err != nil {
		return nil, Wrap(KindNotFound, err, "looking up workspace")
	}
	return map[string]interface{}{"workspace": ws}, nil
}

func (d *Daemon) handleCleanupWorkspace(_ *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" {
		return nil, Errf(KindValidation, "cleanup_workspace requires an id")
	}
	if err := d.manager.CleanupWorkspace(context.Background(), req.ID); err != nil {
		return nil, Wrap(KindExternal, err, "cleaning up workspace %s", req.ID)
	}
	return map[string]interface{}{"ok": true}, nil
}

func (d *Daemon) handleHandoffAccept(c *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		HandoffID string `json:"handoffId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.HandoffID == "" {
		return nil, Errf(KindValidation, "handoff_accept requires a handoffId")
	}

	msg, err := d.findHandoff(c.account, req.HandoffID)
	if err != nil {
		return nil, Wrap(KindExternal, err, "searching handoffs")
	}
	if msg == nil {
		return nil, Errf(KindNotFound, "no handoff %s for account %s", req.HandoffID, c.account)
	}

	var payload types.HandoffPayload
	if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
		return nil, Wrap(KindIntegrity, err, "decoding handoff payload")
	}
	_ = d.messages.MarkRead(c.account, msg.ID)

	result := map[string]interface{}{
		"handoff": map[string]interface{}{
			"handoffId": req.HandoffID,
			"from":      msg.From,
			"payload":   payload,
			"taskId":    msg.Context["taskId"],
		},
	}

	// A handoff carrying repo coordinates gets its worktree prepared
	// as part of acceptance.
	if repo, branch := msg.Context["repoPath"], msg.Context["branch"]; repo != "" && branch != "" {
		ws, err := d.manager.PrepareWorktree(context.Background(), workspace.PrepareRequest{
			Account:   c.account,
			RepoPath:  repo,
			Branch:    branch,
			HandoffID: req.HandoffID,
		})
		if err != nil {
			result["workspace"] = map[string]interface{}{"error": err.Error()}
		} else {
			result["workspace"] = ws
		}
	}

	if taskID := msg.Context["taskId"]; taskID != "" {
		if _, err := d.mutateBoard(func(b types.Board) (types.Board, error) {
			return board.UpdateTaskStatus(b, taskID, types.TaskStatusInProgress)
		}); err == nil {
			d.bus.Emit(&events.Event{Type: events.EventTaskStarted, Agent: c.account, TaskID: taskID})
		}
	}
	return result, nil
}

func (d *Daemon) handleSuggestAssignee(_ *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		Skills          []string `json:"skills"`
		ExcludeAccounts []string `json:"excludeAccounts,omitempty"`
		Priority        string   `json:"priority,omitempty"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, Wrap(KindValidation, err, "malformed suggest_assignee request")
	}

	timer := metrics.NewTimer()
	caps, err := d.capabilities.GetAll()
	if err != nil {
		return nil, Wrap(KindExternal, err, "loading capabilities")
	}
	for _, cp := range caps {
		if rep, err := d.trust.Get(cp.Account); err == nil && rep != nil {
			score := rep.Score
			cp.TrustScore = &score
		}
	}

	workloads := make(map[string]routing.Workload)
	if brd, err := d.LoadBoard(); err == nil {
		for _, t := range brd.Tasks {
			if t.Assignee == "" {
				continue
			}
			wl := workloads[t.Assignee]
			switch t.Status {
			case types.TaskStatusInProgress:
				wl.InProgress++
				wl.OpenTasks++
			case types.TaskStatusTodo, types.TaskStatusReadyForReview:
				wl.OpenTasks++
			}
			workloads[t.Assignee] = wl
		}
	}

	scores := routing.RankAccounts(caps, req.Skills, routing.RankOptions{
		ExcludeAccounts: req.ExcludeAccounts,
		Workloads:       workloads,
		Gate:            d.breaker.CheckAgent,
	})
	timer.ObserveDuration(metrics.RoutingLatency)

	return map[string]interface{}{"scores": scores}, nil
}

func (d *Daemon) handleArchiveMessages(_ *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		Days int `json:"days,omitempty"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, Wrap(KindValidation, err, "malformed archive_messages request")
	}
	days := req.Days
	if days <= 0 {
		days = d.cfg.MessageArchiveDays
	}
	archived, err := d.messages.ArchiveOld(days)
	if err != nil {
		return nil, Wrap(KindExternal, err, "archiving messages")
	}
	return map[string]interface{}{"archived": archived}, nil
}

func (d *Daemon) handleHealthCheck(_ *connection, _ json.RawMessage) (map[string]interface{}, error) {
	snap := d.watchdog.Check()
	accounts := d.state.HealthSnapshot(time.Now())

	quarantined := d.breaker.Quarantined()
	return map[string]interface{}{
		"status":      "ok",
		"memoryMiB":   snap.MemoryMiB,
		"storeOk":     snap.StoreOK,
		"accounts":    accounts,
		"connected":   d.state.ConnectedAccounts(),
		"quarantined": quarantined,
		"timestamp":   types.Now(),
	}, nil
}

func (d *Daemon) handleSearchKnowledge(_ *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.Query == "" {
		return nil, Errf(KindValidation, "search_knowledge requires a query")
	}
	notes, err := d.knowledge.Search(req.Query, req.Limit)
	if err != nil {
		return nil, Wrap(KindExternal, err, "searching knowledge")
	}
	return map[string]interface{}{"notes": notes}, nil
}

func (d *Daemon) handleIndexNote(c *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		Title string   `json:"title"`
		Body  string   `json:"body"`
		Tags  []string `json:"tags,omitempty"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, Wrap(KindValidation, err, "malformed index_note request")
	}
	if req.Title == "" {
		return nil, Errf(KindValidation, "index_note requires a title")
	}

	note := &storage.Note{Title: req.Title, Body: req.Body, Tags: req.Tags, Author: c.account}
	id, err := d.knowledge.IndexNote(note)
	if err != nil {
		return nil, Wrap(KindExternal, err, "indexing note")
	}
	return map[string]interface{}{"noteId": id}, nil
}

func (d *Daemon) handleLinkTask(_ *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		TaskID   string `json:"taskId"`
		NoteID   int64  `json:"noteId"`
		Relation string `json:"relation,omitempty"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, Wrap(KindValidation, err, "malformed link_task request")
	}
	if req.TaskID == "" || req.NoteID == 0 {
		return nil, Errf(KindValidation, "link_task requires taskId and noteId")
	}
	if err := d.knowledge.LinkTask(req.TaskID, req.NoteID, req.Relation); err != nil {
		return nil, Wrap(KindExternal, err, "linking task to note")
	}
	return map[string]interface{}{"ok": true}, nil
}

func (d *Daemon) handleGetTaskLinks(_ *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.TaskID == "" {
		return nil, Errf(KindValidation, "get_task_links requires a taskId")
	}
	links, err := d.knowledge.GetTaskLinks(req.TaskID)
	if err != nil {
		return nil, Wrap(KindExternal, err, "loading task links")
	}
	return map[string]interface{}{"links": links}, nil
}

func (d *Daemon) handleGetReviewBundle(_ *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.TaskID == "" {
		return nil, Errf(KindValidation, "get_review_bundle requires a taskId")
	}
	bundle, found, err := d.cachedBundle(req.TaskID)
	if err != nil {
		return nil, Wrap(KindExternal, err, "loading review bundle")
	}
	if !found {
		return nil, Errf(KindNotFound, "no review bundle for task %s", req.TaskID)
	}
	return map[string]interface{}{"bundle": bundle}, nil
}

func (d *Daemon) handleGenerateReviewBundle(_ *connection, raw json.RawMessage) (map[string]interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.TaskID == "" {
		return nil, Errf(KindValidation, "generate_review_bundle requires a taskId")
	}
	bundle, err := d.generateReviewBundle(req.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"bundle": bundle}, nil
}

func (d *Daemon) handleGetAnalytics(_ *connection, _ json.RawMessage) (map[string]interface{}, error) {
	brd, err := d.LoadBoard()
	if err != nil {
		return nil, Wrap(KindExternal, err, "loading board")
	}
	report := analytics.BuildReport(&brd)
	return map[string]interface{}{"report": report}, nil
}

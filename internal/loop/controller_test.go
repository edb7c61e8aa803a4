package loop

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarlson/ralph-loop/internal/attempts"
	"github.com/yarlson/ralph-loop/internal/beads"
	"github.com/yarlson/ralph-loop/internal/claude"
	"github.com/yarlson/ralph-loop/internal/eventlog"
	"github.com/yarlson/ralph-loop/internal/quota"
)

const rateLimitOutput = `{"type":"assistant","error":"rate_limit","message":{"content":[{"type":"text","text":"limit reached, resets 3pm"}]}}` + "\n"

// fakeQueue serves a scripted sequence of ready lists. The last entry repeats.
type fakeQueue struct {
	ready     [][]beads.Issue
	readyErrs []error
	readyN    int
	scopes    []string
	closed    map[string]bool
	notes     map[string][]string
	syncs     int
	syncErr   error
}

func newFakeQueue(ready ...[]beads.Issue) *fakeQueue {
	return &fakeQueue{
		ready:  ready,
		closed: map[string]bool{},
		notes:  map[string][]string{},
	}
}

func (q *fakeQueue) Ready(_ context.Context, scope string) ([]beads.Issue, error) {
	q.scopes = append(q.scopes, scope)
	n := q.readyN
	q.readyN++
	if n < len(q.readyErrs) && q.readyErrs[n] != nil {
		return nil, q.readyErrs[n]
	}
	if len(q.ready) == 0 {
		return nil, nil
	}
	if n >= len(q.ready) {
		n = len(q.ready) - 1
	}
	return q.ready[n], nil
}

func (q *fakeQueue) Show(_ context.Context, id string) (beads.Issue, error) {
	status := beads.StatusOpen
	if q.closed[id] {
		status = beads.StatusClosed
	}
	return beads.Issue{ID: id, Status: status}, nil
}

func (q *fakeQueue) AddNote(_ context.Context, id, note string) error {
	q.notes[id] = append(q.notes[id], note)
	return nil
}

func (q *fakeQueue) Sync(context.Context) error {
	q.syncs++
	return q.syncErr
}

// fakeAgent writes scripted output for each call and runs an optional hook.
type fakeAgent struct {
	outputs   []string
	exitCodes []int
	onRun     func(call int)
	err       error
	calls     []claude.Request
}

func (a *fakeAgent) Run(_ context.Context, req claude.Request) (*claude.Result, error) {
	call := len(a.calls)
	a.calls = append(a.calls, req)
	if a.err != nil {
		return nil, a.err
	}
	out := `{"type":"result","is_error":false,"result":"done"}` + "\n"
	if call < len(a.outputs) {
		out = a.outputs[call]
	}
	if err := os.WriteFile(req.OutputPath, []byte(out), 0o644); err != nil {
		return nil, err
	}
	if req.Tee != nil {
		_, _ = req.Tee.Write([]byte(out))
	}
	if a.onRun != nil {
		a.onRun(call)
	}
	code := 0
	if call < len(a.exitCodes) {
		code = a.exitCodes[call]
	}
	return &claude.Result{ExitCode: code, OutputPath: req.OutputPath, Duration: time.Second}, nil
}

// fakeBackoff voids through the tracker and returns immediately from Wait.
type fakeBackoff struct {
	tracker *attempts.Tracker
	waitErr error
	waits   int
	voided  []string
}

func (b *fakeBackoff) Void(id string) error {
	b.voided = append(b.voided, id)
	if id == "" {
		return nil
	}
	return b.tracker.Decrement(id)
}

func (b *fakeBackoff) ResumeTime(context.Context, quota.Detection) (time.Time, quota.Source) {
	return time.Date(2026, 1, 1, 15, 5, 0, 0, time.UTC), quota.SourceHint
}

func (b *fakeBackoff) Wait(context.Context, time.Time) error {
	b.waits++
	return b.waitErr
}

type fakePusher struct {
	pushes int
	err    error
}

func (p *fakePusher) Push(context.Context) error {
	p.pushes++
	return p.err
}

type harness struct {
	queue    *fakeQueue
	agent    *fakeAgent
	tracker  *attempts.Tracker
	backoff  *fakeBackoff
	pusher   *fakePusher
	events   *eventlog.Writer
	eventLog string
}

func newHarness(t *testing.T, queue *fakeQueue, agent *fakeAgent) *harness {
	t.Helper()
	tracker := attempts.NewTracker(attempts.NewMemoryStore(), zerolog.Nop())
	logPath := filepath.Join(t.TempDir(), "run.log")
	events, err := eventlog.Open(logPath, "run-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	return &harness{
		queue:    queue,
		agent:    agent,
		tracker:  tracker,
		backoff:  &fakeBackoff{tracker: tracker},
		pusher:   &fakePusher{},
		events:   events,
		eventLog: logPath,
	}
}

func (h *harness) controller(t *testing.T) *Controller {
	return NewController(Deps{
		Queue:    h.queue,
		Agent:    h.agent,
		Attempts: h.tracker,
		Backoff:  h.backoff,
		Git:      h.pusher,
		Events:   h.events,
		Logger:   zerolog.Nop(),
		TempDir:  t.TempDir(),
	})
}

// metaEvents returns the event names of loop records in the run log.
func (h *harness) metaEvents(t *testing.T) []string {
	t.Helper()
	f, err := os.Open(h.eventLog)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec struct {
			Type  string `json:"type"`
			Event string `json:"event"`
		}
		if json.Unmarshal(sc.Bytes(), &rec) != nil || rec.Type != eventlog.MetaType {
			continue
		}
		names = append(names, rec.Event)
	}
	require.NoError(t, sc.Err())
	return names
}

type iterationEndData struct {
	Iteration int  `json:"iteration"`
	Refused   bool `json:"refused"`
	Aborted   bool `json:"aborted"`
}

// iterationEnds returns the data of every iteration_end record in the run log.
func (h *harness) iterationEnds(t *testing.T) []iterationEndData {
	t.Helper()
	data, err := os.ReadFile(h.eventLog)
	require.NoError(t, err)

	var ends []iterationEndData
	for _, line := range strings.Split(string(data), "\n") {
		var rec struct {
			Type  string           `json:"type"`
			Event string           `json:"event"`
			Data  iterationEndData `json:"data"`
		}
		if json.Unmarshal([]byte(line), &rec) != nil || rec.Event != eventlog.EventIterationEnd {
			continue
		}
		ends = append(ends, rec.Data)
	}
	return ends
}

func build(max int) Configuration {
	return Configuration{Mode: ModeBuild, MaxIterations: max}
}

func TestController_EmptyQueueExitsWithoutInvokingAgent(t *testing.T) {
	h := newHarness(t, newFakeQueue([]beads.Issue{}), &fakeAgent{})

	res := h.controller(t).Run(context.Background(), build(0), "prompt")

	assert.Equal(t, OutcomeEmptyQueue, res.Outcome)
	assert.True(t, res.Outcome.Graceful())
	assert.Equal(t, 0, res.Iterations)
	assert.Empty(t, h.agent.calls)
	assert.Zero(t, h.pusher.pushes)
	assert.Equal(t, []string{eventlog.EventLoopStart, eventlog.EventLoopEnd}, h.metaEvents(t))
}

func TestController_ClosingLastItemEndsRun(t *testing.T) {
	queue := newFakeQueue([]beads.Issue{{ID: "bd-1", Title: "only"}}, nil)
	agent := &fakeAgent{}
	agent.onRun = func(int) { queue.closed["bd-1"] = true }
	h := newHarness(t, queue, agent)

	res := h.controller(t).Run(context.Background(), build(0), "prompt")

	assert.Equal(t, OutcomeEmptyQueue, res.Outcome)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []string{"bd-1"}, res.Closed)
	assert.Equal(t, 0, h.tracker.Get("bd-1"))
	assert.Equal(t, 1, queue.syncs)
	assert.Equal(t, 1, h.pusher.pushes)
	assert.Equal(t, "prompt", agent.calls[0].Prompt)
	assert.Equal(t, []string{
		eventlog.EventLoopStart,
		eventlog.EventIterationStart,
		eventlog.EventIterationEnd,
		eventlog.EventLoopEnd,
	}, h.metaEvents(t))
}

func TestController_StuckItemIsAnnotatedAndReset(t *testing.T) {
	item := []beads.Issue{{ID: "bd-7"}}
	queue := newFakeQueue(item, item, item, item, nil)
	h := newHarness(t, queue, &fakeAgent{})

	res := h.controller(t).Run(context.Background(), build(0), "prompt")

	assert.Equal(t, OutcomeEmptyQueue, res.Outcome)
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, h.agent.calls, 3)
	assert.Equal(t, []string{"bd-7"}, res.Stuck)
	assert.Equal(t, []string{fmt.Sprintf(StuckNote, 3)}, queue.notes["bd-7"])
	assert.Equal(t, 0, h.tracker.Get("bd-7"))
	assert.Contains(t, h.metaEvents(t), eventlog.EventStuck)
}

func TestController_AttemptsAccumulateWhileOpen(t *testing.T) {
	item := []beads.Issue{{ID: "bd-2"}}
	h := newHarness(t, newFakeQueue(item), &fakeAgent{})

	res := h.controller(t).Run(context.Background(), build(2), "prompt")

	assert.Equal(t, OutcomeMaxIterations, res.Outcome)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, h.tracker.Get("bd-2"))
	assert.False(t, h.tracker.IsStuck("bd-2", attempts.DefaultStuckThreshold))
}

func TestController_QuotaRefusalIsNotCounted(t *testing.T) {
	item := []beads.Issue{{ID: "bd-3"}}
	agent := &fakeAgent{outputs: []string{rateLimitOutput}}
	h := newHarness(t, newFakeQueue(item), agent)

	res := h.controller(t).Run(context.Background(), build(1), "prompt")

	assert.Equal(t, OutcomeMaxIterations, res.Outcome)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, res.QuotaWaits)
	assert.Len(t, agent.calls, 2)
	assert.Equal(t, []string{"bd-3"}, h.backoff.voided)
	assert.Equal(t, 1, h.backoff.waits)
	// Only the counted run is charged.
	assert.Equal(t, 1, h.tracker.Get("bd-3"))
	// The refused run is not published.
	assert.Equal(t, 1, h.pusher.pushes)
	assert.Equal(t, []string{
		eventlog.EventLoopStart,
		eventlog.EventIterationStart,
		eventlog.EventIterationEnd,
		eventlog.EventQuotaExhausted,
		eventlog.EventQuotaResumed,
		eventlog.EventIterationStart,
		eventlog.EventIterationEnd,
		eventlog.EventLoopEnd,
	}, h.metaEvents(t))
	assert.Equal(t, []iterationEndData{
		{Iteration: 1, Refused: true},
		{Iteration: 1},
	}, h.iterationEnds(t))

	summary, err := eventlog.SummarizeFile(h.eventLog)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Iterations)
	assert.Equal(t, 1, summary.QuotaEvents)
}

func TestController_CancelledQuotaWaitAborts(t *testing.T) {
	item := []beads.Issue{{ID: "bd-4"}}
	agent := &fakeAgent{outputs: []string{rateLimitOutput}}
	h := newHarness(t, newFakeQueue(item), agent)
	h.backoff.waitErr = fmt.Errorf("%w: %w", quota.ErrCancelled, context.Canceled)

	res := h.controller(t).Run(context.Background(), build(0), "prompt")

	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.False(t, res.Outcome.Graceful())
	assert.ErrorIs(t, res.Err, quota.ErrCancelled)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, 0, h.tracker.Get("bd-4"))
	assert.Zero(t, h.pusher.pushes)
}

func TestController_PicksHeadOfReadyQueue(t *testing.T) {
	ready := []beads.Issue{
		{ID: "bd-high", Priority: 0},
		{ID: "bd-mid", Priority: 1},
		{ID: "bd-low", Priority: 2},
	}
	h := newHarness(t, newFakeQueue(ready), &fakeAgent{})

	res := h.controller(t).Run(context.Background(), build(1), "prompt")

	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, h.tracker.Get("bd-high"))
	assert.Equal(t, 0, h.tracker.Get("bd-mid"))
	assert.Equal(t, 0, h.tracker.Get("bd-low"))
}

func TestController_ScopeIsPassedToQueue(t *testing.T) {
	queue := newFakeQueue(nil)
	h := newHarness(t, queue, &fakeAgent{})

	cfg := build(0)
	cfg.Scope = "bd-epic"
	h.controller(t).Run(context.Background(), cfg, "prompt")

	assert.Equal(t, []string{"bd-epic"}, queue.scopes)
}

func TestController_PlanModeSkipsQueue(t *testing.T) {
	queue := newFakeQueue()
	h := newHarness(t, queue, &fakeAgent{})

	res := h.controller(t).Run(context.Background(), Configuration{Mode: ModePlan, MaxIterations: 2}, "plan")

	assert.Equal(t, OutcomeMaxIterations, res.Outcome)
	assert.Equal(t, 2, res.Iterations)
	assert.Zero(t, queue.readyN)
	assert.Len(t, h.agent.calls, 2)
	assert.Equal(t, 2, queue.syncs)
	assert.Equal(t, 2, h.pusher.pushes)
}

func TestController_FailuresAreNotFatal(t *testing.T) {
	item := []beads.Issue{{ID: "bd-5"}}
	queue := newFakeQueue(item)
	queue.syncErr = errors.New("sync conflict")
	agent := &fakeAgent{exitCodes: []int{1, 0}}
	h := newHarness(t, queue, agent)
	h.pusher.err = errors.New("rejected")

	res := h.controller(t).Run(context.Background(), build(2), "prompt")

	assert.Equal(t, OutcomeMaxIterations, res.Outcome)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, h.pusher.pushes)
}

func TestController_AgentStartFailureCountsAsFailure(t *testing.T) {
	item := []beads.Issue{{ID: "bd-6"}}
	h := newHarness(t, newFakeQueue(item), &fakeAgent{err: errors.New("exec: not found")})

	res := h.controller(t).Run(context.Background(), build(1), "prompt")

	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, res.Failed)
}

func TestController_QueryFailures(t *testing.T) {
	t.Run("transient", func(t *testing.T) {
		queue := newFakeQueue(nil)
		queue.readyErrs = []error{errors.New("db locked"), errors.New("db locked")}
		h := newHarness(t, queue, &fakeAgent{})

		res := h.controller(t).Run(context.Background(), build(0), "prompt")

		assert.Equal(t, OutcomeEmptyQueue, res.Outcome)
		assert.Equal(t, 3, queue.readyN)
	})

	t.Run("persistent", func(t *testing.T) {
		queue := newFakeQueue(nil)
		failure := errors.New("bd: no database")
		queue.readyErrs = []error{failure, failure, failure}
		h := newHarness(t, queue, &fakeAgent{})

		res := h.controller(t).Run(context.Background(), build(0), "prompt")

		assert.Equal(t, OutcomeError, res.Outcome)
		assert.ErrorIs(t, res.Err, failure)
		assert.Equal(t, MaxQueryFailures, queue.readyN)
	})
}

func TestController_CancelledContext(t *testing.T) {
	h := newHarness(t, newFakeQueue([]beads.Issue{{ID: "bd-1"}}), &fakeAgent{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.controller(t).Run(ctx, build(0), "prompt")

	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, h.agent.calls)
}

func TestController_CancelDuringAgentRunVoidsAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agent := &fakeAgent{onRun: func(int) { cancel() }}
	h := newHarness(t, newFakeQueue([]beads.Issue{{ID: "bd-9"}}), agent)

	res := h.controller(t).Run(ctx, build(0), "prompt")

	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, 0, h.tracker.Get("bd-9"))
	assert.Zero(t, h.pusher.pushes)
	assert.Equal(t, []iterationEndData{{Iteration: 1, Aborted: true}}, h.iterationEnds(t))
}

func TestOutcome_IsValid(t *testing.T) {
	for _, o := range []Outcome{OutcomeMaxIterations, OutcomeEmptyQueue, OutcomeAborted, OutcomeError} {
		assert.True(t, o.IsValid(), o)
	}
	assert.False(t, Outcome("paused").IsValid())
}

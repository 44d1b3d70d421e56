package streaming

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowbot/internal/domain"
)

type editCall struct {
	ref    domain.DocumentRef
	text   string
	mode   domain.ParseMode
	markup domain.Markup
}

// fakeTransport records calls and replays scripted edit results (EditOK once
// the script is exhausted). When editStarted/editGate are set, Edit announces
// itself and then blocks until released, so tests can hold an edit in flight.
type fakeTransport struct {
	mu          sync.Mutex
	sends       []string
	edits       []editCall
	script      []domain.EditResult
	nextID      int64
	sendErr     error
	deletes     []domain.DocumentRef
	editStarted chan struct{}
	editGate    chan struct{}
}

func (f *fakeTransport) Send(_ context.Context, chatID, text string, _ domain.ParseMode, _ domain.Markup) (domain.DocumentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return domain.DocumentRef{}, f.sendErr
	}
	f.nextID++
	f.sends = append(f.sends, text)
	return domain.DocumentRef{ChatID: chatID, MessageID: f.nextID}, nil
}

func (f *fakeTransport) Edit(_ context.Context, ref domain.DocumentRef, text string, mode domain.ParseMode, markup domain.Markup) domain.EditResult {
	f.mu.Lock()
	f.edits = append(f.edits, editCall{ref: ref, text: text, mode: mode, markup: markup})
	res := domain.EditResult{Status: domain.EditOK}
	if len(f.script) > 0 {
		res = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if f.editStarted != nil {
		f.editStarted <- struct{}{}
	}
	if f.editGate != nil {
		<-f.editGate
	}
	return res
}

func (f *fakeTransport) Delete(_ context.Context, ref domain.DocumentRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, ref)
	return nil
}

func (f *fakeTransport) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits)
}

func (f *fakeTransport) lastEdit() editCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return editCall{}
	}
	return f.edits[len(f.edits)-1]
}

func newTestCoordinator(ft *fakeTransport) *Coordinator {
	return NewCoordinator(ft, CoordinatorConfig{
		MinInterval:  100 * time.Millisecond,
		MaxRetryWait: 200 * time.Millisecond,
	}, slog.Default())
}

func TestCoalescingKeepsOnlyNewestUpdate(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, err := c.SendNew(ctx, "chan", "Starting...", domain.ModePlain, nil)
	require.NoError(t, err)

	// Three updates well inside the interval: exactly one edit, carrying C.
	assert.True(t, c.ScheduleUpdate(ctx, ref, "A", domain.ModePlain, nil, false, 0))
	assert.True(t, c.ScheduleUpdate(ctx, ref, "B", domain.ModePlain, nil, false, 0))
	assert.True(t, c.ScheduleUpdate(ctx, ref, "C", domain.ModePlain, nil, false, 0))

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, ft.editCount())
	assert.Equal(t, "C", ft.lastEdit().text)
}

func TestFinalUpdateBypassesInterval(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, err := c.SendNew(ctx, "chan", "Starting...", domain.ModePlain, nil)
	require.NoError(t, err)

	assert.True(t, c.ScheduleUpdate(ctx, ref, "done", domain.ModePlain, nil, true, 0))
	assert.Equal(t, 1, ft.editCount(), "final edit fires immediately")
	assert.True(t, c.IsFinalized(ref))
}

func TestFinalizedRejectsNonFinalUpdates(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, _ := c.SendNew(ctx, "chan", "hi", domain.ModePlain, nil)
	c.ScheduleUpdate(ctx, ref, "done", domain.ModePlain, nil, true, 0)

	assert.False(t, c.ScheduleUpdate(ctx, ref, "more", domain.ModePlain, nil, false, 0))
	assert.Equal(t, 1, ft.editCount())
}

func TestIdenticalTextIsNoOp(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, _ := c.SendNew(ctx, "chan", "same", domain.ModePlain, nil)
	time.Sleep(120 * time.Millisecond)

	assert.False(t, c.ScheduleUpdate(ctx, ref, "same", domain.ModePlain, nil, false, 0))
	assert.Equal(t, 0, ft.editCount())
}

func TestHigherPriorityPendingIsKept(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, _ := c.SendNew(ctx, "chan", "hi", domain.ModePlain, nil)
	assert.True(t, c.ScheduleUpdate(ctx, ref, "important", domain.ModePlain, nil, false, 10))
	assert.False(t, c.ScheduleUpdate(ctx, ref, "routine", domain.ModePlain, nil, false, 0))

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, ft.editCount())
	assert.Equal(t, "important", ft.lastEdit().text)
}

func TestRateLimitShortWaitRetries(t *testing.T) {
	ft := &fakeTransport{script: []domain.EditResult{
		{Status: domain.EditRateLimited, RetryAfter: 30 * time.Millisecond},
	}}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, _ := c.SendNew(ctx, "chan", "hi", domain.ModePlain, nil)
	c.ScheduleUpdate(ctx, ref, "update", domain.ModePlain, nil, true, 0)

	assert.Equal(t, 2, ft.editCount(), "one retry after the required wait")
	assert.True(t, c.IsFinalized(ref))
}

func TestRateLimitLongWaitDropsNonFinal(t *testing.T) {
	ft := &fakeTransport{script: []domain.EditResult{
		{Status: domain.EditRateLimited, RetryAfter: time.Second},
	}}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, _ := c.SendNew(ctx, "chan", "hi", domain.ModePlain, nil)
	time.Sleep(120 * time.Millisecond)
	c.ScheduleUpdate(ctx, ref, "update", domain.ModePlain, nil, false, 0)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, ft.editCount(), "dropped, no retry")
}

func TestRateLimitLongWaitReArmsFinal(t *testing.T) {
	ft := &fakeTransport{script: []domain.EditResult{
		{Status: domain.EditRateLimited, RetryAfter: time.Second},
	}}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, _ := c.SendNew(ctx, "chan", "hi", domain.ModePlain, nil)
	c.ScheduleUpdate(ctx, ref, "done", domain.ModePlain, nil, true, 0)
	assert.False(t, c.IsFinalized(ref))

	// Retry is rescheduled at the max tolerated wait (200ms in this config).
	time.Sleep(350 * time.Millisecond)
	assert.Equal(t, 2, ft.editCount())
	assert.True(t, c.IsFinalized(ref))
}

func TestFinalUpdateSurvivesFailedInFlightEdit(t *testing.T) {
	ft := &fakeTransport{
		editStarted: make(chan struct{}, 2),
		editGate:    make(chan struct{}, 2),
		script:      []domain.EditResult{{Status: domain.EditFailed, Err: domain.ErrTransportFailure}},
	}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, _ := c.SendNew(ctx, "chan", "hi", domain.ModePlain, nil)
	time.Sleep(120 * time.Millisecond)

	go c.ScheduleUpdate(ctx, ref, "progress", domain.ModePlain, nil, false, 0)
	<-ft.editStarted

	// A final update arriving mid-edit parks in the pending slot.
	assert.True(t, c.ScheduleUpdate(ctx, ref, "DONE", domain.ModePlain, nil, true, 0))
	ft.editGate <- struct{}{} // the in-flight edit now fails

	// The parked final must be retried, not stranded.
	<-ft.editStarted
	ft.editGate <- struct{}{}

	deadline := time.Now().Add(time.Second)
	for !c.IsFinalized(ref) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, c.IsFinalized(ref))
	assert.Equal(t, 2, ft.editCount())
	assert.Equal(t, "DONE", ft.lastEdit().text)
}

func TestSendNewPropagatesTransportError(t *testing.T) {
	ft := &fakeTransport{sendErr: domain.ErrTransportFailure}
	c := newTestCoordinator(ft)

	_, err := c.SendNew(context.Background(), "chan", "hi", domain.ModePlain, nil)
	require.ErrorIs(t, err, domain.ErrTransportFailure)
	assert.Equal(t, 0, c.Documents(), "no state registered for a failed send")
}

func TestGoneRemovesState(t *testing.T) {
	ft := &fakeTransport{script: []domain.EditResult{
		{Status: domain.EditGone},
	}}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, _ := c.SendNew(ctx, "chan", "hi", domain.ModePlain, nil)
	require.Equal(t, 1, c.Documents())

	c.ScheduleUpdate(ctx, ref, "update", domain.ModePlain, nil, true, 0)
	assert.Equal(t, 0, c.Documents())
}

func TestMalformedFallsBackToPlainText(t *testing.T) {
	ft := &fakeTransport{script: []domain.EditResult{
		{Status: domain.EditMalformed, Err: domain.ErrInvalidInput},
	}}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, _ := c.SendNew(ctx, "chan", "hi", domain.ModeMarkdown, nil)
	c.ScheduleUpdate(ctx, ref, "*bold* text", domain.ModeMarkdown, nil, true, 0)

	require.Equal(t, 2, ft.editCount())
	last := ft.lastEdit()
	assert.Equal(t, domain.ModePlain, last.mode)
	assert.Equal(t, "bold text", last.text)
}

func TestRepeatedMalformedForcesPlainMode(t *testing.T) {
	ft := &fakeTransport{script: []domain.EditResult{
		{Status: domain.EditMalformed}, // first update, formatted attempt
		{Status: domain.EditOK},        // plain retry
		{Status: domain.EditMalformed}, // second update, formatted attempt
		{Status: domain.EditOK},        // plain retry; forcePlain now set
	}}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, _ := c.SendNew(ctx, "chan", "hi", domain.ModeMarkdown, nil)

	time.Sleep(120 * time.Millisecond)
	c.ScheduleUpdate(ctx, ref, "*one*", domain.ModeMarkdown, nil, false, 0)
	time.Sleep(150 * time.Millisecond)
	c.ScheduleUpdate(ctx, ref, "*two*", domain.ModeMarkdown, nil, false, 0)
	time.Sleep(150 * time.Millisecond)

	// Third update is pre-stripped before it ever reaches the transport.
	c.ScheduleUpdate(ctx, ref, "*three*", domain.ModeMarkdown, nil, false, 0)
	time.Sleep(150 * time.Millisecond)

	require.Equal(t, 5, ft.editCount())
	last := ft.lastEdit()
	assert.Equal(t, "three", last.text)
	assert.Equal(t, domain.ModePlain, last.mode)
}

func TestSendNewRateBasesFirstUpdate(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	start := time.Now()
	ref, _ := c.SendNew(ctx, "chan", "Starting...", domain.ModePlain, nil)
	c.ScheduleUpdate(ctx, ref, "first", domain.ModePlain, nil, false, 0)

	for ft.editCount() == 0 && time.Since(start) < time.Second {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, ft.editCount())
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond,
		"first edit waits out the interval from creation time")
}

func TestCleanupCancelsScheduledWork(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, _ := c.SendNew(ctx, "chan", "hi", domain.ModePlain, nil)
	c.ScheduleUpdate(ctx, ref, "update", domain.ModePlain, nil, false, 0)
	c.Cleanup(ref)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, ft.editCount())
	assert.Equal(t, 0, c.Documents())
}

func TestUnchangedOnFinalStillFinalizes(t *testing.T) {
	ft := &fakeTransport{script: []domain.EditResult{
		{Status: domain.EditUnchanged},
	}}
	c := newTestCoordinator(ft)
	ctx := context.Background()

	ref, _ := c.SendNew(ctx, "chan", "hi", domain.ModePlain, nil)
	c.ScheduleUpdate(ctx, ref, "hi there", domain.ModePlain, nil, true, 0)
	assert.True(t, c.IsFinalized(ref))
}

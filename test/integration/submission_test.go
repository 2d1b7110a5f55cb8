package integration

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/droponboard/internal/wizard"
	"github.com/pitabwire/droponboard/model"
)

// ==========================================================================
// At-most-once submission
// ==========================================================================

func TestSubmit_ConcurrentDoubleClick(t *testing.T) {
	h := NewTestHarness(t)
	v := h.NewVendor()
	CompleteToReview(t, v)

	gate := make(chan struct{})
	h.Backend.OnOperation(OpCreate).
		RespondAfter(gate, http.StatusOK, Reply(true, "Vendor registered", map[string]any{"vendor_id": "V-2001"}))

	// 1. First click blocks inside the backend.
	var wg sync.WaitGroup
	var first model.SubmitResponse
	wg.Add(1)
	go func() {
		defer wg.Done()
		AssertJSON(t, v.Submit(t, ""), http.StatusOK, &first)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for h.Backend.CallCount(OpCreate) == 0 {
		if time.Now().After(deadline) {
			close(gate)
			t.Fatal("first submit never reached the backend")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 2. Second click is acknowledged without a backend call.
	var second model.SubmitResponse
	AssertJSON(t, v.Submit(t, ""), http.StatusAccepted, &second)
	if second.Dispatched {
		t.Error("second submit should not be dispatched")
	}
	if second.Submission.Phase != model.PhaseInFlight {
		t.Errorf("phase = %q, want in_flight", second.Submission.Phase)
	}
	if second.Session.CanSubmit {
		t.Error("can_submit should be false while in flight")
	}

	// 3. Edits and navigation are refused while in flight.
	AssertError(t, v.Back(t), http.StatusConflict, model.ErrPreconditionFailed)
	AssertError(t, v.Reset(t), http.StatusConflict, model.ErrPreconditionFailed)

	close(gate)
	wg.Wait()

	if !first.Dispatched || first.Receipt == nil || first.Receipt.ID != "V-2001" {
		t.Errorf("first submit = %+v", first)
	}
	h.Backend.AssertCalled(t, OpCreate, 1)
}

func TestSubmit_ParallelBurst(t *testing.T) {
	h := NewTestHarness(t)
	v := h.NewVendor()
	CompleteToReview(t, v)

	h.Backend.OnOperation(OpCreate).
		RespondWithDelay(100*time.Millisecond, http.StatusOK, Reply(true, "ok", map[string]any{"vendor_id": "V-3001"}))

	const clicks = 8
	statuses := make([]int, clicks)
	var wg sync.WaitGroup
	for i := range clicks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := v.Submit(t, "")
			statuses[i] = resp.StatusCode
			resp.Body.Close()
		}()
	}
	wg.Wait()

	h.Backend.AssertCalled(t, OpCreate, 1)

	ok := 0
	for _, s := range statuses {
		switch s {
		case http.StatusOK:
			ok++
		case http.StatusAccepted, http.StatusConflict:
		default:
			t.Errorf("unexpected status %d", s)
		}
	}
	if ok != 1 {
		t.Errorf("%d submits returned 200, want exactly 1 (statuses %v)", ok, statuses)
	}
}

func TestSubmit_AfterSuccessIsRefused(t *testing.T) {
	h := NewTestHarness(t)
	v := h.NewVendor()
	CompleteToReview(t, v)

	AssertStatus(t, v.Submit(t, ""), http.StatusOK)
	AssertError(t, v.Submit(t, ""), http.StatusConflict, model.ErrPreconditionFailed)
	AssertError(t, v.SetFields(t, map[string]any{"accept_terms": false}), http.StatusConflict, model.ErrPreconditionFailed)

	h.Backend.AssertCalled(t, OpCreate, 1)
}

func TestSubmit_IdempotentReplay(t *testing.T) {
	h := NewTestHarness(t)
	v := h.NewVendor()
	CompleteToReview(t, v)

	var first, replay model.SubmitResponse
	AssertJSON(t, v.Submit(t, "click-7"), http.StatusOK, &first)
	AssertJSON(t, v.Submit(t, "click-7"), http.StatusOK, &replay)

	if replay.Dispatched {
		t.Error("replayed submit should not be dispatched")
	}
	if replay.Receipt == nil || replay.Receipt.ID != first.Receipt.ID {
		t.Errorf("replay receipt = %+v, want %+v", replay.Receipt, first.Receipt)
	}
	if h.Receipts.Len() != 1 {
		t.Errorf("cached receipts = %d, want 1", h.Receipts.Len())
	}
	h.Backend.AssertCalled(t, OpCreate, 1)
}

// ==========================================================================
// Failure and retry
// ==========================================================================

func TestSubmit_RejectedThenRetry(t *testing.T) {
	h := NewTestHarness(t)
	v := h.NewVendor()
	CompleteToReview(t, v)

	h.Backend.OnOperation(OpCreate).
		RespondWith(http.StatusOK, Reply(false, "Email already registered", nil)).
		RespondWith(http.StatusOK, Reply(true, "Vendor registered", map[string]any{"vendor_id": "V-4001"}))

	// 1. Rejection keeps the vendor on the review step with the reason.
	resp := AssertError(t, v.Submit(t, ""), http.StatusUnprocessableEntity, model.ErrSubmissionRejected)
	if resp.Error.Message != "Email already registered" {
		t.Errorf("message = %q, want backend message verbatim", resp.Error.Message)
	}
	if resp.Session == nil {
		t.Fatal("failed submit should carry the session")
	}
	if resp.Session.State != model.MachineSubmitFailed || !resp.Session.CanSubmit {
		t.Errorf("session = state %q can_submit %v", resp.Session.State, resp.Session.CanSubmit)
	}
	if resp.Session.Submission.Reason != "Email already registered" {
		t.Errorf("reason = %q", resp.Session.Submission.Reason)
	}

	// 2. Retry succeeds.
	var result model.SubmitResponse
	AssertJSON(t, v.Submit(t, ""), http.StatusOK, &result)
	if result.Submission.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Submission.Attempts)
	}
	if result.Receipt == nil || result.Receipt.ID != "V-4001" {
		t.Errorf("receipt = %+v", result.Receipt)
	}
	h.Backend.AssertCalled(t, OpCreate, 2)
}

func TestSubmit_BackendDown(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(1, time.Minute))
	v := h.NewVendor()
	CompleteToReview(t, v)

	h.Backend.OnOperation(OpCreate).RespondWithConnectionError()

	resp := AssertError(t, v.Submit(t, ""), http.StatusBadGateway, model.ErrBackendUnavailable)
	if resp.Session == nil || resp.Session.State != model.MachineSubmitFailed {
		t.Fatalf("session = %+v, want submit_failed", resp.Session)
	}
	h.Backend.AssertCalled(t, OpCreate, 1)

	// The breaker is now open: the retry fails fast without reaching the backend.
	AssertError(t, v.Submit(t, ""), http.StatusBadGateway, model.ErrBackendUnavailable)
	h.Backend.AssertCalled(t, OpCreate, 1)
}

func TestSubmit_MalformedBackendReply(t *testing.T) {
	h := NewTestHarness(t)
	v := h.NewVendor()
	CompleteToReview(t, v)

	h.Backend.OnOperation(OpCreate).RespondWithRaw(http.StatusOK, "<html>gateway</html>")

	resp := AssertError(t, v.Submit(t, ""), http.StatusBadGateway, model.ErrMalformedResponse)
	if resp.Session == nil || !resp.Session.CanSubmit {
		t.Errorf("session = %+v, want retryable", resp.Session)
	}
}

func TestSubmit_BackFromFailedReturnsToIdle(t *testing.T) {
	h := NewTestHarness(t)
	v := h.NewVendor()
	CompleteToReview(t, v)

	h.Backend.OnOperation(OpCreate).RespondWith(http.StatusOK, Reply(false, "Invalid PAN", nil))
	AssertError(t, v.Submit(t, ""), http.StatusUnprocessableEntity, model.ErrSubmissionRejected)

	var desc model.SessionDescriptor
	AssertJSON(t, v.Back(t), http.StatusOK, &desc)
	if desc.Submission.Phase != model.PhaseIdle {
		t.Errorf("phase = %q, want idle", desc.Submission.Phase)
	}
	if desc.CurrentStep.ID != "documents" {
		t.Errorf("step = %q, want documents", desc.CurrentStep.ID)
	}
}

// ==========================================================================
// Shared session store
// ==========================================================================

func TestSubmit_RedisSessionStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := NewTestHarness(t, WithSessionStore(wizard.NewRedisStore(client, "drop:")))
	v := h.NewVendor()
	CompleteToReview(t, v)

	var result model.SubmitResponse
	AssertJSON(t, v.Submit(t, ""), http.StatusOK, &result)
	if result.Session.State != model.MachineSubmitted {
		t.Errorf("state = %q, want submitted", result.Session.State)
	}
	if !mr.Exists("drop:session:" + v.SessionID) {
		t.Error("session should be stored in redis")
	}
	if len(v.Events(t)) == 0 {
		t.Error("events should be stored in redis")
	}
}

package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/engine/ingress"
	"hookrelay/internal/engine/payload"
	"hookrelay/internal/engine/retry"
	"hookrelay/internal/platform/blob"
	"hookrelay/internal/platform/config"
	"hookrelay/internal/platform/database/dbtest"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/queue"
	"hookrelay/internal/platform/repositories"
)

type scheduled struct {
	task  queue.Task
	delay time.Duration
}

// recordingQueue captures enqueued tasks so tests can drive the worker
// without waiting out real backoff delays.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []scheduled
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, task queue.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, scheduled{task, delay})
	return nil
}

func (q *recordingQueue) pop() (scheduled, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return scheduled{}, false
	}
	s := q.tasks[0]
	q.tasks = q.tasks[1:]
	return s, true
}

type workerFixture struct {
	integrations *repositories.IntegrationRepository
	webhooks     *repositories.WebhookRepository
	attempts     *repositories.AttemptRepository
	integration  *models.Integration
	queue        *recordingQueue
	blobs        *blob.FSStore
	worker       *Worker
}

func newWorkerFixture(t *testing.T, target string, policy string) *workerFixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t)

	_, err := repositories.NewOrganizationRepository(db).EnsureExists(ctx, "org_1")
	require.NoError(t, err)

	integrations := repositories.NewIntegrationRepository(db)
	secret := "whsec_test"
	in := &models.Integration{
		OrganizationID: "org_1",
		Name:           "orders",
		TargetURL:      target,
		SigningSecret:  &secret,
		RetryPolicy:    policy,
		IsActive:       true,
	}
	require.NoError(t, integrations.Create(ctx, in))

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	f := &workerFixture{
		integrations: integrations,
		webhooks:     repositories.NewWebhookRepository(db),
		attempts:     repositories.NewAttemptRepository(db),
		integration:  in,
		queue:        &recordingQueue{},
		blobs:        blobs,
	}
	forwarder := NewForwarder(config.DeliveryConfig{
		Timeout:         time.Second,
		MaxResponseBody: 4096,
		UserAgent:       "hookrelay-test",
	}, nil)
	f.worker = NewWorker(f.webhooks, f.integrations, f.attempts, f.queue, blobs, forwarder, WorkerOptions{
		Fallback:             retry.DeliveryDefault(),
		MaxInfraRedeliveries: 3,
	})
	f.worker.rnd = func() float64 { return 0.5 }
	return f
}

func (f *workerFixture) insert(t *testing.T, id string, mutate func(w *models.Webhook)) *models.Webhook {
	t.Helper()
	headers, err := payload.EncodeHeaders(map[string]string{
		"content-type":     "application/json",
		"stripe-signature": "t=1,v1=abc",
	})
	require.NoError(t, err)

	body := `{"id":"evt_1","amount":42}`
	w := &models.Webhook{
		ID:            id,
		IntegrationID: f.integration.ID,
		Headers:       headers,
		Payload:       body,
		PayloadHash:   payload.Hash(body),
	}
	if mutate != nil {
		mutate(w)
	}
	_, inserted, err := f.webhooks.InsertOrGetExisting(context.Background(), w)
	require.NoError(t, err)
	require.True(t, inserted)
	return w
}

// drain handles first and every follow-up task the worker schedules.
func (f *workerFixture) drain(t *testing.T, first queue.Task) []time.Duration {
	t.Helper()
	var delays []time.Duration
	require.NoError(t, f.worker.Handle(context.Background(), queue.Delivery{Task: first}))
	for i := 0; i < 20; i++ {
		next, ok := f.queue.pop()
		if !ok {
			return delays
		}
		delays = append(delays, next.delay)
		require.NoError(t, f.worker.Handle(context.Background(), queue.Delivery{Task: next.task}))
	}
	t.Fatal("worker kept scheduling tasks")
	return nil
}

func (f *workerFixture) webhook(t *testing.T, id string) *models.Webhook {
	t.Helper()
	w, err := f.webhooks.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, w)
	return w
}

func (f *workerFixture) attemptList(t *testing.T, id string) []*models.DeliveryAttempt {
	t.Helper()
	list, err := f.attempts.ListByWebhook(context.Background(), id)
	require.NoError(t, err)
	return list
}

func statusServer(t *testing.T, codes ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1))
		code := codes[len(codes)-1]
		if n <= len(codes) {
			code = codes[n-1]
		}
		w.WriteHeader(code)
		w.Write([]byte(http.StatusText(code)))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestWorker_RetriesUntilExhausted(t *testing.T) {
	srv, calls := statusServer(t, http.StatusInternalServerError)
	f := newWorkerFixture(t, srv.URL, "")
	f.insert(t, "wh_1", nil)

	delays := f.drain(t, queue.Task{WebhookID: "wh_1", Attempt: 1})

	assert.EqualValues(t, 5, atomic.LoadInt32(calls))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, delays)

	w := f.webhook(t, "wh_1")
	assert.Equal(t, models.StatusFailed, w.Status)
	assert.NotNil(t, w.FailedAt)

	attempts := f.attemptList(t, "wh_1")
	require.Len(t, attempts, 5)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
		require.NotNil(t, a.StatusCode)
		assert.Equal(t, 500, *a.StatusCode)
		require.NotNil(t, a.ErrorMessage)
		assert.Equal(t, "HTTP 500 Internal Server Error", *a.ErrorMessage)
	}
}

func TestWorker_PermanentFailure(t *testing.T) {
	srv, calls := statusServer(t, http.StatusNotFound)
	f := newWorkerFixture(t, srv.URL, "")
	f.insert(t, "wh_1", nil)

	delays := f.drain(t, queue.Task{WebhookID: "wh_1", Attempt: 1})

	assert.Empty(t, delays)
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
	assert.Equal(t, models.StatusFailed, f.webhook(t, "wh_1").Status)
	assert.Len(t, f.attemptList(t, "wh_1"), 1)
}

func TestWorker_RecoversAfterTransientError(t *testing.T) {
	srv, _ := statusServer(t, http.StatusServiceUnavailable, http.StatusOK)
	f := newWorkerFixture(t, srv.URL, "")
	f.insert(t, "wh_1", nil)

	f.drain(t, queue.Task{WebhookID: "wh_1", Attempt: 1})

	w := f.webhook(t, "wh_1")
	assert.Equal(t, models.StatusDelivered, w.Status)
	assert.Nil(t, w.FailedAt)

	attempts := f.attemptList(t, "wh_1")
	require.Len(t, attempts, 2)
	assert.Equal(t, 503, *attempts[0].StatusCode)
	assert.Equal(t, 200, *attempts[1].StatusCode)
	assert.Nil(t, attempts[1].ErrorMessage)
	assert.Equal(t, "OK", *attempts[1].ResponseBody)
}

func TestWorker_UsesIntegrationPolicy(t *testing.T) {
	srv, calls := statusServer(t, http.StatusBadGateway)
	f := newWorkerFixture(t, srv.URL, `{"maxAttempts":2,"backoffType":"fixed","initialDelayMs":500,"maxDelayMs":1000}`)
	f.insert(t, "wh_1", nil)

	delays := f.drain(t, queue.Task{WebhookID: "wh_1", Attempt: 1})

	assert.EqualValues(t, 2, atomic.LoadInt32(calls))
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, delays)
	assert.Equal(t, models.StatusFailed, f.webhook(t, "wh_1").Status)
}

func TestWorker_InactiveIntegration(t *testing.T) {
	srv, calls := statusServer(t, http.StatusOK)
	f := newWorkerFixture(t, srv.URL, "")
	f.insert(t, "wh_1", nil)

	ok, err := f.integrations.SetActive(context.Background(), f.integration.ID, false)
	require.NoError(t, err)
	require.True(t, ok)

	f.drain(t, queue.Task{WebhookID: "wh_1", Attempt: 1})

	assert.Zero(t, atomic.LoadInt32(calls))
	w := f.webhook(t, "wh_1")
	assert.Equal(t, models.StatusFailed, w.Status)
	assert.NotNil(t, w.FailedAt)
	assert.Empty(t, f.attemptList(t, "wh_1"))
}

func TestWorker_ForwardsHeadersAndSignature(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := newWorkerFixture(t, srv.URL, "")
	f.insert(t, "wh_1", nil)
	f.drain(t, queue.Task{WebhookID: "wh_1", Attempt: 1})

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, `{"id":"evt_1","amount":42}`, string(gotBody))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "t=1,v1=abc", got.Header.Get("Stripe-Signature"))
	assert.Equal(t, "hookrelay-test", got.Header.Get("User-Agent"))
	assert.Equal(t, "wh_1", got.Header.Get(HeaderWebhookID))
	assert.Equal(t, "1", got.Header.Get(HeaderAttempt))
	assert.True(t, Verify("whsec_test", gotBody, got.Header.Get(SignatureHeader)))
	assert.Equal(t, models.StatusDelivered, f.webhook(t, "wh_1").Status)
}

func TestWorker_ResolvesOffloadedPayload(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	f := newWorkerFixture(t, srv.URL, "")
	key, err := f.blobs.Put(context.Background(), blob.PayloadKey("wh_big"), []byte(`{"big":true}`))
	require.NoError(t, err)
	f.insert(t, "wh_big", func(w *models.Webhook) {
		w.Payload = ""
		w.PayloadLocation = &key
	})

	f.drain(t, queue.Task{WebhookID: "wh_big", Attempt: 1})

	assert.Equal(t, `{"big":true}`, string(gotBody))
	assert.Equal(t, models.StatusDelivered, f.webhook(t, "wh_big").Status)
}

func TestWorker_InfrastructureFault(t *testing.T) {
	srv, calls := statusServer(t, http.StatusOK)
	f := newWorkerFixture(t, srv.URL, "")
	missing := blob.PayloadKey("wh_1")
	f.insert(t, "wh_1", func(w *models.Webhook) {
		w.Payload = ""
		w.PayloadLocation = &missing
	})

	err := f.worker.Handle(context.Background(), queue.Delivery{Task: queue.Task{WebhookID: "wh_1", Attempt: 1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	assert.Zero(t, atomic.LoadInt32(calls))
	assert.Equal(t, models.StatusPending, f.webhook(t, "wh_1").Status)
	assert.Empty(t, f.attemptList(t, "wh_1"))

	// the ceiling turns a persistent fault into a failure
	err = f.worker.Handle(context.Background(), queue.Delivery{
		Task:         queue.Task{WebhookID: "wh_1", Attempt: 1},
		Redeliveries: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, f.webhook(t, "wh_1").Status)
	assert.Empty(t, f.attemptList(t, "wh_1"))
}

func TestWorker_EnqueueFailureIsRedelivered(t *testing.T) {
	srv, _ := statusServer(t, http.StatusInternalServerError)
	f := newWorkerFixture(t, srv.URL, "")
	f.insert(t, "wh_1", nil)
	f.queue.err = assert.AnError

	task := queue.Task{WebhookID: "wh_1", Attempt: 1}
	err := f.worker.Handle(context.Background(), queue.Delivery{Task: task})
	require.ErrorIs(t, err, assert.AnError)
	assert.Len(t, f.attemptList(t, "wh_1"), 1)

	// redelivery reuses the recorded attempt instead of calling the target again
	f.queue.err = nil
	require.NoError(t, f.worker.Handle(context.Background(), queue.Delivery{Task: task, Redeliveries: 1}))
	assert.Len(t, f.attemptList(t, "wh_1"), 1)

	next, ok := f.queue.pop()
	require.True(t, ok)
	assert.Equal(t, queue.Task{WebhookID: "wh_1", Attempt: 2}, next.task)
}

func TestWorker_ReusedAttemptSkipsScheduledFollowUp(t *testing.T) {
	srv, calls := statusServer(t, http.StatusOK)
	f := newWorkerFixture(t, srv.URL, "")
	f.insert(t, "wh_1", nil)

	code := 500
	now := time.Now().UTC()
	for n := 1; n <= 2; n++ {
		require.NoError(t, f.attempts.Create(context.Background(), &models.DeliveryAttempt{
			WebhookID:     "wh_1",
			AttemptNumber: n,
			StartedAt:     now,
			CompletedAt:   now,
			StatusCode:    &code,
		}))
	}
	_, err := f.webhooks.ScheduleAttempt(context.Background(), "wh_1", 2)
	require.NoError(t, err)

	require.NoError(t, f.worker.Handle(context.Background(), queue.Delivery{Task: queue.Task{WebhookID: "wh_1", Attempt: 1}}))

	assert.Zero(t, atomic.LoadInt32(calls))
	_, ok := f.queue.pop()
	assert.False(t, ok)
}

func TestWorker_DuplicateTaskSchedulesOneRetry(t *testing.T) {
	srv, calls := statusServer(t, http.StatusServiceUnavailable)
	f := newWorkerFixture(t, srv.URL, "")
	f.insert(t, "wh_1", nil)

	task := queue.Delivery{Task: queue.Task{WebhookID: "wh_1", Attempt: 1}}
	require.NoError(t, f.worker.Handle(context.Background(), task))
	require.NoError(t, f.worker.Handle(context.Background(), task))

	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
	assert.Equal(t, []scheduled{{queue.Task{WebhookID: "wh_1", Attempt: 2}, 2 * time.Second}}, f.queue.tasks)
	assert.Equal(t, models.StatusPending, f.webhook(t, "wh_1").Status)
}

func TestWorker_ForwardsBase64PayloadBytes(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	f := newWorkerFixture(t, srv.URL, "")
	body := []byte{0x00, 0xff, 'h', 'i', 0x00}
	f.insert(t, "wh_bin", func(w *models.Webhook) {
		w.Payload, w.PayloadEncoding = payload.Encode(body)
	})

	f.drain(t, queue.Task{WebhookID: "wh_bin", Attempt: 1})

	assert.Equal(t, body, gotBody)
	assert.Equal(t, models.StatusDelivered, f.webhook(t, "wh_bin").Status)
}

func TestWorker_ForwardsReceivedBytes(t *testing.T) {
	type captured struct {
		contentType string
		body        []byte
	}
	got := make(chan captured, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{r.Header.Get("Content-Type"), body}
	}))
	defer srv.Close()

	f := newWorkerFixture(t, srv.URL, "")
	receiver := ingress.NewReceiver(f.integrations, f.webhooks, f.queue, f.blobs, ingress.Options{OffloadThreshold: 64})

	tests := []struct {
		name        string
		contentType string
		body        []byte
	}{
		{"json key order and spacing", "application/json", []byte(`{"z":1, "a":{"y":true,"b":"<x>"}}`)},
		{"form", "application/x-www-form-urlencoded", []byte("b=2&a=1&a=3")},
		{"binary", "application/octet-stream", []byte{0x89, 'P', 'N', 'G', 0x00, 0xff, 0xfe}},
		{"large binary", "application/octet-stream", append([]byte{0x00, 0xff}, make([]byte, 128)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			h.Set("Content-Type", tt.contentType)
			res, err := receiver.Receive(context.Background(), ingress.Request{
				IntegrationID: f.integration.ID,
				Headers:       h,
				Body:          tt.body,
				ContentType:   tt.contentType,
			})
			require.NoError(t, err)

			next, ok := f.queue.pop()
			require.True(t, ok)
			require.NoError(t, f.worker.Handle(context.Background(), queue.Delivery{Task: next.task}))

			c := <-got
			assert.Equal(t, tt.contentType, c.contentType)
			assert.Equal(t, tt.body, c.body)
			assert.Equal(t, models.StatusDelivered, f.webhook(t, res.ID).Status)
		})
	}
}

func TestWorker_DropsFinishedAndMissingWebhooks(t *testing.T) {
	srv, calls := statusServer(t, http.StatusOK)
	f := newWorkerFixture(t, srv.URL, "")
	f.insert(t, "wh_done", func(w *models.Webhook) { w.Status = models.StatusDelivered })

	require.NoError(t, f.worker.Handle(context.Background(), queue.Delivery{Task: queue.Task{WebhookID: "wh_done", Attempt: 2}}))
	require.NoError(t, f.worker.Handle(context.Background(), queue.Delivery{Task: queue.Task{WebhookID: "wh_gone", Attempt: 1}}))

	assert.Zero(t, atomic.LoadInt32(calls))
	assert.Empty(t, f.attemptList(t, "wh_done"))
}

func TestWorker_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer srv.Close()

	f := newWorkerFixture(t, srv.URL, "")
	f.insert(t, "wh_1", nil)

	require.NoError(t, f.worker.Handle(context.Background(), queue.Delivery{Task: queue.Task{WebhookID: "wh_1", Attempt: 1}}))

	attempts := f.attemptList(t, "wh_1")
	require.Len(t, attempts, 1)
	assert.Nil(t, attempts[0].StatusCode)
	require.NotNil(t, attempts[0].ErrorMessage)
	assert.Equal(t, "request timed out after 1s", *attempts[0].ErrorMessage)

	next, ok := f.queue.pop()
	require.True(t, ok)
	assert.Equal(t, 2, next.task.Attempt)
	assert.Equal(t, models.StatusPending, f.webhook(t, "wh_1").Status)
}

func TestWorker_RedirectIsNotFollowed(t *testing.T) {
	var followed int32
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&followed, 1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newWorkerFixture(t, srv.URL+"/old", "")
	f.insert(t, "wh_1", nil)

	require.NoError(t, f.worker.Handle(context.Background(), queue.Delivery{Task: queue.Task{WebhookID: "wh_1", Attempt: 1}}))

	assert.Zero(t, atomic.LoadInt32(&followed))
	attempts := f.attemptList(t, "wh_1")
	require.Len(t, attempts, 1)
	assert.Equal(t, http.StatusFound, *attempts[0].StatusCode)
	_, ok := f.queue.pop()
	assert.True(t, ok)
}

func TestRun_ConsumesConcurrently(t *testing.T) {
	q := queue.NewMemory(time.Millisecond)
	defer q.Close()

	const total = 20
	for i := 0; i < total; i++ {
		require.NoError(t, q.Enqueue(context.Background(), queue.Task{WebhookID: "wh", Attempt: i + 1}, 0))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var handled int32
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, q, 4, func(context.Context, queue.Delivery) error {
			if atomic.AddInt32(&handled, 1) == total {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("consumers did not stop")
	}
	assert.EqualValues(t, total, atomic.LoadInt32(&handled))
}

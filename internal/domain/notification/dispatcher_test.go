package notification

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/domain/page"
)

// --- Mock implementations ---

type memRepo struct {
	mu   sync.Mutex
	byID map[string]Notification
	// failUpdates makes the next n Update calls fail.
	failUpdates int
}

func newMemRepo() *memRepo {
	return &memRepo{byID: make(map[string]Notification)}
}

func (m *memRepo) Create(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.DedupKey != "" {
		for _, existing := range m.byID {
			if existing.DedupKey == n.DedupKey {
				return ErrDuplicate
			}
		}
	}
	m.byID[n.ID] = *n
	return nil
}

func (m *memRepo) Update(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdates > 0 {
		m.failUpdates--
		return errors.New("transient db error")
	}
	if _, ok := m.byID[n.ID]; !ok {
		return ErrNotFound
	}
	m.byID[n.ID] = *n
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (m *memRepo) list(match func(Notification) bool, req page.Request) page.Result[Notification] {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notification
	for _, n := range m.byID {
		if match(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	start := min(req.Offset(), total)
	end := min(start+req.Size, total)
	return page.NewResult(out[start:end], total, req)
}

func (m *memRepo) ListByUser(_ context.Context, userID string, req page.Request) (page.Result[Notification], error) {
	return m.list(func(n Notification) bool { return n.UserID == userID }, req), nil
}

func (m *memRepo) ListByType(_ context.Context, t Type, req page.Request) (page.Result[Notification], error) {
	return m.list(func(n Notification) bool { return n.Type == t }, req), nil
}

func (m *memRepo) ListRetryable(_ context.Context, maxRetries int, staleBefore time.Time, limit int) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notification
	for _, n := range m.byID {
		retrying := n.Status == StatusRetrying && n.RetryCount < maxRetries
		stale := n.Status == StatusSending && n.UpdatedAt.Before(staleBefore)
		if retrying || stale {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id].Status
}

type mockSender struct {
	mu   sync.Mutex
	sent []Email
	err  error
}

func (s *mockSender) Send(_ context.Context, m Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *mockSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *mockSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *memRepo, *mockSender) {
	t.Helper()
	repo := newMemRepo()
	sender := &mockSender{}
	d, err := NewDispatcher(repo, sender, cfg)
	require.NoError(t, err)
	return d, repo, sender
}

func emailRequest() Request {
	return Request{
		UserID:    "user-1",
		Type:      TypeWelcome,
		Channel:   ChannelEmail,
		Recipient: "asha@example.com",
		Payload:   Welcome{CustomerName: "Asha"},
	}
}

// --- Tests ---

func TestSend_DeliversThroughWorkers(t *testing.T) {
	d, repo, sender := newTestDispatcher(t, Config{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	n, err := d.Send(ctx, emailRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusSending, n.Status)
	assert.Equal(t, "Welcome to CloudForge! 🎉", n.Subject)

	require.Eventually(t, func() bool { return repo.status(n.ID) == StatusSent }, time.Second, 5*time.Millisecond)

	stored, err := d.Get(ctx, n.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SentAt)
	assert.Empty(t, stored.ErrorMessage)
	assert.Equal(t, 1, sender.count())

	cancel()
	require.NoError(t, <-done)
}

func TestSend_OverridesSubjectAndContent(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Config{})

	req := emailRequest()
	req.Subject = "Custom"
	req.Content = "<p>custom</p>"
	n, err := d.Send(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Custom", n.Subject)
	assert.Equal(t, "<p>custom</p>", n.Content)
}

func TestSend_NonEmailStaysPending(t *testing.T) {
	d, repo, _ := newTestDispatcher(t, Config{})

	req := emailRequest()
	req.Channel = ChannelSMS
	req.Recipient = "+911234567890"
	n, err := d.Send(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, StatusPending, repo.status(n.ID))
}

func TestSend_QueueFullLeavesRetrying(t *testing.T) {
	d, repo, _ := newTestDispatcher(t, Config{QueueSize: 1})

	first, err := d.Send(context.Background(), emailRequest())
	require.NoError(t, err)
	second, err := d.Send(context.Background(), emailRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusSending, repo.status(first.ID))
	assert.Equal(t, StatusRetrying, repo.status(second.ID))
}

func TestSend_UpdateFailureLeftToStaleSweep(t *testing.T) {
	d, repo, sender := newTestDispatcher(t, Config{QueueSize: 1, StaleAfter: time.Minute})
	ctx := context.Background()

	_, err := d.Send(ctx, emailRequest())
	require.NoError(t, err)

	req := emailRequest()
	req.DedupKey = "evt-7:WELCOME"
	repo.mu.Lock()
	repo.failUpdates = 1
	repo.mu.Unlock()
	n, err := d.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusSending, repo.status(n.ID))

	// A redelivered event is deduplicated without losing the email.
	_, err = d.Send(ctx, req)
	require.ErrorIs(t, err, ErrDuplicate)

	d.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	count, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, StatusSent, repo.status(n.ID))
	assert.Equal(t, 2, sender.count())
}

func TestSend_Validation(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Config{})

	_, err := d.Send(context.Background(), Request{Type: "FAX", Recipient: "not-an-email"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	var names []string
	for _, f := range apperr.Fields(err) {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"userId", "type", "recipient"}, names)
}

func TestSend_DuplicateDedupKey(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Config{})

	req := emailRequest()
	req.DedupKey = "evt-1:WELCOME"
	_, err := d.Send(context.Background(), req)
	require.NoError(t, err)

	_, err = d.Send(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSweep_RetriesUntilFailed(t *testing.T) {
	d, repo, sender := newTestDispatcher(t, Config{QueueSize: 1, MaxRetries: 3})
	sender.setErr(errors.New("smtp: connection refused"))

	// Fill the queue so the second notification goes straight to the sweep.
	_, err := d.Send(context.Background(), emailRequest())
	require.NoError(t, err)
	n, err := d.Send(context.Background(), emailRequest())
	require.NoError(t, err)
	require.Equal(t, StatusRetrying, repo.status(n.ID))

	for attempt := 1; attempt <= 3; attempt++ {
		count, err := d.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		stored, err := repo.Get(context.Background(), n.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, stored.RetryCount)
		assert.Equal(t, "smtp: connection refused", stored.ErrorMessage)
	}
	assert.Equal(t, StatusFailed, repo.status(n.ID))

	count, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSweep_RecoversAfterTransientFailure(t *testing.T) {
	d, repo, sender := newTestDispatcher(t, Config{QueueSize: 1})
	sender.setErr(errors.New("timeout"))

	_, err := d.Send(context.Background(), emailRequest())
	require.NoError(t, err)
	n, err := d.Send(context.Background(), emailRequest())
	require.NoError(t, err)

	_, err = d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, repo.status(n.ID))

	sender.setErr(nil)
	_, err = d.Sweep(context.Background())
	require.NoError(t, err)

	stored, err := repo.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.SentAt)
}

func TestSweep_PicksUpStaleSending(t *testing.T) {
	d, repo, sender := newTestDispatcher(t, Config{StaleAfter: time.Minute})
	n, err := d.Send(context.Background(), emailRequest())
	require.NoError(t, err)
	require.Equal(t, StatusSending, repo.status(n.ID))

	d.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	count, err := d.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, count)
	assert.Equal(t, StatusSent, repo.status(n.ID))
	assert.Equal(t, 1, sender.count())
}

func TestListQueries(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Config{QueueSize: 10})
	ctx := context.Background()

	_, err := d.SendWelcome(ctx, "user-1", "a@example.com", "A")
	require.NoError(t, err)
	req := emailRequest()
	req.UserID = "user-2"
	req.Type = TypePromotional
	_, err = d.Send(ctx, req)
	require.NoError(t, err)

	mine, err := d.ListForUser(ctx, "user-1", page.Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, mine.Total)
	assert.Equal(t, TypeWelcome, mine.Items[0].Type)

	promos, err := d.ListByType(ctx, TypePromotional, page.Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, promos.Total)
	assert.Equal(t, "user-2", promos.Items[0].UserID)
}

package ledger

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
	"roomexpenses/internal/export"
)

type selectReply struct {
	rows []core.Record
	err  error
}

// fakeData records every call. When gate is set, each Select announces
// itself on entered and waits for its reply on gate.
type fakeData struct {
	mu        sync.Mutex
	rows      []core.Record
	selectErr error
	writeErr  error
	subErr    error
	calls     []string
	cb        func(backend.Change)
	unsubbed  int

	// feed makes SubscribeToChanges return a backend.Feed ended by endFeed.
	feed     bool
	feedDone chan struct{}

	entered chan struct{}
	gate    chan selectReply
}

func (f *fakeData) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeData) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeData) Select(ctx context.Context, table string, match backend.Match, order backend.Order) ([]core.Record, error) {
	f.record("select")
	if f.gate != nil {
		f.entered <- struct{}{}
		r := <-f.gate
		return r.rows, r.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Record(nil), f.rows...), f.selectErr
}

func (f *fakeData) Insert(_ context.Context, _ string, rows []core.Draft) error {
	f.record("insert")
	return f.writeErr
}

func (f *fakeData) Update(_ context.Context, _ string, _ core.Draft, match backend.Match) error {
	f.record("update:" + match["id"])
	return f.writeErr
}

func (f *fakeData) Delete(_ context.Context, _ string, match backend.Match) error {
	f.record("delete:" + match["id"])
	return f.writeErr
}

func (f *fakeData) SubscribeToChanges(_ context.Context, _ string, events []backend.EventType, cb func(backend.Change)) (backend.Subscription, error) {
	f.record("subscribe")
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
	unsub := backend.SubscriptionFunc(func() error {
		f.mu.Lock()
		f.unsubbed++
		f.mu.Unlock()
		return nil
	})
	if !f.feed {
		return unsub, nil
	}
	f.feedDone = make(chan struct{})
	return fakeFeed{SubscriptionFunc: unsub, done: f.feedDone}, nil
}

type fakeFeed struct {
	backend.SubscriptionFunc
	done chan struct{}
}

func (f fakeFeed) Done() <-chan struct{} { return f.done }

func (f *fakeData) endFeed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.feedDone)
}

func (f *fakeData) fire(c backend.Change) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(c)
}

func (f *fakeData) setRows(rows []core.Record) {
	f.mu.Lock()
	f.rows = rows
	f.mu.Unlock()
}

func day(s string) time.Time {
	t, err := time.Parse(core.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

// twoRecords is newest first, as the backend returns them.
func twoRecords() []core.Record {
	return []core.Record{
		{ID: "2", Description: "Internet", Amount: decimal.NewFromInt(30), Person: "Bob", CreatedAt: day("2024-02-01")},
		{ID: "1", Description: "Groceries", Amount: decimal.NewFromInt(50), Person: "Alice", CreatedAt: day("2024-01-01")},
	}
}

func mounted(t *testing.T, data *fakeData) *View {
	t.Helper()
	v := New(data, "expenses", nil)
	require.NoError(t, v.Mount(context.Background()))
	t.Cleanup(v.Unmount)
	return v
}

func always(ok bool) Confirmer {
	return ConfirmFunc(func(string) bool { return ok })
}

func TestMount_SubscribesThenFetches(t *testing.T) {
	data := &fakeData{rows: twoRecords()}
	v := mounted(t, data)

	assert.Equal(t, []string{"subscribe", "select"}, data.Calls())
	snap := v.Snapshot()
	assert.True(t, snap.Loaded)
	assert.True(t, snap.Live)
	assert.Equal(t, twoRecords(), snap.All)
	assert.Equal(t, twoRecords(), snap.Visible)
	assert.True(t, snap.Filter.IsZero())
}

func TestMount_SubscribeFailureFallsBackToManual(t *testing.T) {
	data := &fakeData{rows: twoRecords(), subErr: errors.New("realtime disabled")}
	v := mounted(t, data)

	assert.False(t, v.Live())
	assert.Len(t, v.Snapshot().All, 2)

	data.setRows(twoRecords()[:1])
	_, err := v.AddRecord(context.Background(), EntryForm{Description: "Milk", Amount: "2", Person: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"subscribe", "select", "insert", "select"}, data.Calls())
	assert.Len(t, v.Snapshot().All, 1, "direct refresh without a feed")
}

func TestFeedEnd_FallsBackToManualRefresh(t *testing.T) {
	data := &fakeData{rows: twoRecords(), feed: true}
	v := mounted(t, data)
	require.True(t, v.Live())

	updates, stop := v.Watch()
	defer stop()
	data.endFeed()

	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("no update after the feed ended")
	}
	assert.Eventually(t, func() bool { return !v.Live() }, time.Second, 10*time.Millisecond)
	assert.False(t, v.Snapshot().Live)

	data.setRows(twoRecords()[:1])
	_, err := v.AddRecord(context.Background(), EntryForm{Description: "Milk", Amount: "2", Person: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"subscribe", "select", "insert", "select"}, data.Calls())
	assert.Len(t, v.Snapshot().All, 1)
}

func TestMount_FetchErrorIsReported(t *testing.T) {
	data := &fakeData{selectErr: &backend.APIError{Status: 401, Message: "JWT expired"}}
	v := New(data, "expenses", nil)
	defer v.Unmount()

	err := v.Mount(context.Background())
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "JWT expired", apiErr.Message)
	assert.True(t, v.Live(), "subscription still opened")
	assert.False(t, v.Snapshot().Loaded)
}

func TestChangeTriggersRefetch(t *testing.T) {
	data := &fakeData{rows: twoRecords()}
	v := mounted(t, data)

	updates, stop := v.Watch()
	defer stop()

	data.setRows(twoRecords()[1:])
	data.fire(backend.Change{Table: "expenses", Type: backend.EventDelete, ID: "2"})

	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("no update after change")
	}
	assert.Equal(t, []core.Record{twoRecords()[1]}, v.Snapshot().All)
}

func TestUnmount_IgnoresLaterNotifications(t *testing.T) {
	data := &fakeData{rows: twoRecords()}
	v := New(data, "expenses", nil)
	require.NoError(t, v.Mount(context.Background()))

	updates, _ := v.Watch()
	v.Unmount()
	v.Unmount()

	_, open := <-updates
	assert.False(t, open, "watchers closed on unmount")
	assert.Equal(t, 1, data.unsubbed)
	assert.False(t, v.Active())

	data.fire(backend.Change{Table: "expenses", Type: backend.EventInsert})
	assert.Equal(t, []string{"subscribe", "select"}, data.Calls())

	assert.ErrorIs(t, v.FetchAll(context.Background()), ErrUnmounted)
	assert.ErrorIs(t, v.Mount(context.Background()), ErrUnmounted)
}

func TestFilterPersistsAcrossRefresh(t *testing.T) {
	data := &fakeData{rows: twoRecords()}
	v := mounted(t, data)

	v.ApplyFilter(core.Filter{Person: "ali"})
	assert.Equal(t, []string{"subscribe", "select"}, data.Calls(), "filtering makes no backend call")
	require.Len(t, v.Visible(), 1)
	assert.Equal(t, "1", v.Visible()[0].ID)

	data.setRows(append([]core.Record{
		{ID: "3", Description: "Soap", Amount: decimal.NewFromInt(4), Person: "ALICE", CreatedAt: day("2024-03-01")},
	}, twoRecords()...))
	require.NoError(t, v.FetchAll(context.Background()))

	snap := v.Snapshot()
	assert.Len(t, snap.All, 3)
	assert.Equal(t, core.ApplyFilter(snap.All, snap.Filter), snap.Visible)
	assert.Len(t, snap.Visible, 2)
}

func TestFetchAll_DiscardsStaleResponse(t *testing.T) {
	data := &fakeData{rows: twoRecords()}
	v := mounted(t, data)

	data.entered = make(chan struct{})
	data.gate = make(chan selectReply)

	slow := make(chan error, 1)
	go func() { slow <- v.FetchAll(context.Background()) }()
	<-data.entered

	fast := make(chan error, 1)
	go func() { fast <- v.FetchAll(context.Background()) }()
	<-data.entered

	newest := twoRecords()[:1]
	data.gate <- selectReply{rows: newest}
	require.NoError(t, <-fast)

	data.gate <- selectReply{rows: twoRecords()}
	require.NoError(t, <-slow)

	assert.Equal(t, newest, v.Snapshot().All)
}

func TestFetchAll_ErrorKeepsState(t *testing.T) {
	data := &fakeData{rows: twoRecords()}
	v := mounted(t, data)

	data.mu.Lock()
	data.selectErr = errors.New("timeout")
	data.mu.Unlock()

	assert.Error(t, v.FetchAll(context.Background()))
	assert.Len(t, v.Snapshot().All, 2)
}

func TestAddRecord(t *testing.T) {
	t.Run("empty description is rejected before any call", func(t *testing.T) {
		data := &fakeData{}
		v := mounted(t, data)

		form := EntryForm{Description: "", Amount: "10", Person: "Bob"}
		got, err := v.AddRecord(context.Background(), form)
		assert.ErrorIs(t, err, core.ErrEmptyDescription)
		assert.Equal(t, form, got)
		assert.NotContains(t, data.Calls(), "insert")
	})

	t.Run("non-numeric amount is a validation failure", func(t *testing.T) {
		data := &fakeData{}
		v := mounted(t, data)

		_, err := v.AddRecord(context.Background(), EntryForm{Description: "Milk", Amount: "abc", Person: "Bob"})
		assert.ErrorIs(t, err, core.ErrInvalidAmount)
		assert.NotContains(t, data.Calls(), "insert")
	})

	t.Run("success clears the form and refreshes", func(t *testing.T) {
		data := &fakeData{}
		v := mounted(t, data)

		milk := core.Record{ID: "9", Description: "Milk", Amount: decimal.RequireFromString("2.50"), Person: "Bob", CreatedAt: day("2024-04-01")}
		data.setRows([]core.Record{milk})
		got, err := v.AddRecord(context.Background(), EntryForm{Description: "Milk", Amount: "2.50", Person: "Bob"})
		require.NoError(t, err)
		assert.Equal(t, EntryForm{}, got)
		assert.Equal(t, []string{"subscribe", "select", "insert", "select"}, data.Calls())
		assert.Equal(t, []core.Record{milk}, v.Snapshot().All, "live feed does not delay the refresh")
	})

	t.Run("backend rejection keeps the form", func(t *testing.T) {
		data := &fakeData{rows: twoRecords(), writeErr: &backend.APIError{Status: 403, Message: "new row violates row-level security policy"}}
		v := mounted(t, data)

		form := EntryForm{Description: "Milk", Amount: "2", Person: "Bob"}
		got, err := v.AddRecord(context.Background(), form)
		var apiErr *backend.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, form, got)
		assert.Len(t, v.Snapshot().All, 2)
	})
}

func TestUpdateRecord(t *testing.T) {
	data := &fakeData{rows: twoRecords()}
	v := mounted(t, data)

	assert.ErrorIs(t, v.UpdateRecord(context.Background(), "", EntryForm{}), ErrMissingID)
	assert.ErrorIs(t, v.UpdateRecord(context.Background(), "1", EntryForm{Description: "x", Amount: "1"}), core.ErrEmptyPerson)
	assert.NotContains(t, data.Calls(), "update:1")

	updated := twoRecords()
	updated[1].Amount = decimal.NewFromInt(55)
	data.setRows(updated)
	require.NoError(t, v.UpdateRecord(context.Background(), "1", EntryForm{Description: "Groceries", Amount: "55", Person: "Alice"}))
	assert.Contains(t, data.Calls(), "update:1")
	rec, ok := v.Find("1")
	require.True(t, ok)
	assert.True(t, rec.Amount.Equal(decimal.NewFromInt(55)), "snapshot holds the updated amount on return")
}

func TestDeleteRecord(t *testing.T) {
	t.Run("no call without confirmation", func(t *testing.T) {
		data := &fakeData{rows: twoRecords()}
		v := mounted(t, data)

		assert.ErrorIs(t, v.DeleteRecord(context.Background(), "2", always(false)), ErrNotConfirmed)
		assert.ErrorIs(t, v.DeleteRecord(context.Background(), "2", nil), ErrNotConfirmed)
		assert.NotContains(t, data.Calls(), "delete:2")
		_, ok := v.Find("2")
		assert.True(t, ok, "record 2 remains")
	})

	t.Run("confirmed", func(t *testing.T) {
		data := &fakeData{rows: twoRecords()}
		v := mounted(t, data)

		var prompt string
		err := v.DeleteRecord(context.Background(), "2", ConfirmFunc(func(p string) bool {
			prompt = p
			return true
		}))
		require.NoError(t, err)
		assert.NotEmpty(t, prompt)
		assert.Contains(t, data.Calls(), "delete:2")
	})
}

func TestExport_UsesVisibleRecords(t *testing.T) {
	data := &fakeData{rows: twoRecords()}
	v := mounted(t, data)

	out, err := v.Export()
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	rows, err := f.GetRows(export.SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Description", "Amount", "Person", "Created At"}, rows[0])
	f.Close()

	v.ApplyFilter(core.Filter{Person: "bob"})
	out, err = v.Export()
	require.NoError(t, err)
	f, err = excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()
	rows, err = f.GetRows(export.SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

type fakePublisher struct {
	got []core.Record
	err error
}

func (p *fakePublisher) Publish(_ context.Context, records []core.Record) error {
	p.got = records
	return p.err
}

func TestPublishSheet(t *testing.T) {
	data := &fakeData{rows: twoRecords()}
	v := mounted(t, data)
	v.ApplyFilter(core.Filter{Person: "alice"})

	assert.ErrorIs(t, v.PublishSheet(context.Background(), nil), ErrNoPublisher)

	p := &fakePublisher{}
	require.NoError(t, v.PublishSheet(context.Background(), p))
	require.Len(t, p.got, 1)
	assert.Equal(t, "1", p.got[0].ID)

	p.err = errors.New("quota exceeded")
	assert.Error(t, v.PublishSheet(context.Background(), p))
}

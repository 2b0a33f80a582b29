// Package ledger keeps one browser's copy of the expense collection in step
// with the backend and applies the user's filter and mutations to it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
	"roomexpenses/internal/export"
)

var (
	ErrNotConfirmed = errors.New("deletion not confirmed")
	ErrUnmounted    = errors.New("ledger view is unmounted")
	ErrMissingID    = errors.New("expense id is required")
	ErrNoPublisher  = errors.New("google sheets export is not configured")
)

// Confirmer asks the user to approve an irreversible action.
type Confirmer interface {
	Confirm(prompt string) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(prompt string) bool

func (f ConfirmFunc) Confirm(prompt string) bool { return f(prompt) }

// Publisher receives the visible rows for an external spreadsheet.
type Publisher interface {
	Publish(ctx context.Context, records []core.Record) error
}

// EntryForm is the raw text of the add and edit forms.
type EntryForm struct {
	Description string
	Amount      string
	Person      string
}

func (f EntryForm) draft() (core.Draft, error) {
	return core.ParseDraft(f.Description, f.Amount, f.Person)
}

// Snapshot is a consistent copy of the view state for rendering.
type Snapshot struct {
	All     []core.Record
	Visible []core.Record
	Filter  core.Filter
	Loaded  bool
	Live    bool
}

// View is the Ledger View of one client context.
type View struct {
	data   backend.Data
	table  string
	logger *slog.Logger

	// actions serializes user-initiated mutations.
	actions sync.Mutex

	mu      sync.RWMutex
	all     []core.Record
	visible []core.Record
	filter  core.Filter
	loaded  bool
	applied uint64

	seq     atomic.Uint64
	active  atomic.Bool
	live    atomic.Bool
	mounted bool
	sub     backend.Subscription
	cancel  context.CancelFunc
	ctx     context.Context
	unmount sync.Once

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

func New(data backend.Data, table string, logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.Default()
	}
	return &View{
		data:     data,
		table:    table,
		logger:   logger.With("component", "ledger", "table", table),
		watchers: map[chan struct{}]struct{}{},
	}
}

// Mount subscribes to every change on the collection and then loads it, so
// no change committed during the first fetch is missed. A failed
// subscription leaves the view usable with manual refresh.
func (v *View) Mount(ctx context.Context) error {
	v.mu.Lock()
	if v.mounted {
		v.mu.Unlock()
		if !v.active.Load() {
			return ErrUnmounted
		}
		return nil
	}
	v.mounted = true
	v.ctx, v.cancel = context.WithCancel(context.WithoutCancel(ctx))
	feedCtx := v.ctx
	v.mu.Unlock()
	v.active.Store(true)

	sub, err := v.data.SubscribeToChanges(feedCtx, v.table, []backend.EventType{backend.EventAll}, v.onChange)
	if err != nil {
		v.logger.WarnContext(ctx, "Change feed unavailable, falling back to manual refresh", "error", err)
	} else {
		v.attach(feedCtx, sub)
	}

	fetchErr := v.FetchAll(ctx)
	v.logger.DebugContext(ctx, "Ledger view mounted", "live", v.live.Load())
	return fetchErr
}

// attach keeps sub until Unmount. A feed that ends on its own turns the
// view back to manual refresh.
func (v *View) attach(ctx context.Context, sub backend.Subscription) {
	v.mu.Lock()
	if !v.active.Load() {
		v.mu.Unlock()
		_ = sub.Unsubscribe()
		return
	}
	v.sub = sub
	v.mu.Unlock()
	v.live.Store(true)

	if feed, ok := sub.(backend.Feed); ok {
		go v.watchFeed(ctx, feed.Done())
	}
}

func (v *View) watchFeed(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-done:
	}
	if !v.active.Load() {
		return
	}
	v.live.Store(false)
	v.logger.Warn("Change feed ended, falling back to manual refresh")
	v.notify()
}

// Unmount stops reacting to the change feed. Only the first call has any
// effect.
func (v *View) Unmount() {
	v.unmount.Do(func() {
		v.active.Store(false)
		v.live.Store(false)

		v.mu.Lock()
		sub := v.sub
		v.sub = nil
		cancel := v.cancel
		v.mounted = true
		v.mu.Unlock()

		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				v.logger.Warn("Failed to release change subscription", "error", err)
			}
		}
		if cancel != nil {
			cancel()
		}

		v.watchMu.Lock()
		for ch := range v.watchers {
			close(ch)
			delete(v.watchers, ch)
		}
		v.watchMu.Unlock()
		v.logger.Debug("Ledger view unmounted")
	})
}

// Active reports whether the view is mounted and not yet unmounted.
func (v *View) Active() bool { return v.active.Load() }

// Live reports whether the change feed is delivering notifications.
func (v *View) Live() bool { return v.live.Load() }

func (v *View) onChange(c backend.Change) {
	if !v.active.Load() {
		return
	}
	v.logger.Debug("Change received", "type", c.Type, "id", c.ID)
	v.mu.RLock()
	ctx := v.ctx
	v.mu.RUnlock()
	if err := v.FetchAll(ctx); err != nil && v.active.Load() {
		v.logger.Warn("Re-sync after change failed", "error", err)
	}
}

// FetchAll replaces the snapshot with the backend's records, newest first,
// and re-applies the current filter. A response that arrives after a newer
// one was applied is dropped.
func (v *View) FetchAll(ctx context.Context) error {
	if !v.active.Load() {
		return ErrUnmounted
	}
	seq := v.seq.Add(1)

	records, err := v.data.Select(ctx, v.table, nil, backend.CreatedAtDesc)
	if err != nil {
		v.logger.WarnContext(ctx, "Failed to fetch expenses", "operation", "select", "error", err)
		return fmt.Errorf("fetch expenses: %w", err)
	}

	v.mu.Lock()
	if !v.active.Load() {
		v.mu.Unlock()
		return ErrUnmounted
	}
	if seq < v.applied {
		v.mu.Unlock()
		v.logger.DebugContext(ctx, "Discarding stale fetch", "seq", seq, "applied", v.applied)
		return nil
	}
	v.applied = seq
	v.all = records
	v.visible = core.ApplyFilter(records, v.filter)
	v.loaded = true
	v.mu.Unlock()

	v.notify()
	return nil
}

// ApplyFilter stores f and recomputes the visible records. It never calls
// the backend and the filter survives later refreshes.
func (v *View) ApplyFilter(f core.Filter) {
	v.mu.Lock()
	v.filter = f
	v.visible = core.ApplyFilter(v.all, f)
	v.mu.Unlock()
	v.notify()
}

// Snapshot returns copies of the current collections.
func (v *View) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Snapshot{
		All:     append([]core.Record(nil), v.all...),
		Visible: append([]core.Record(nil), v.visible...),
		Filter:  v.filter,
		Loaded:  v.loaded,
		Live:    v.live.Load(),
	}
}

// Visible returns a copy of the filtered records.
func (v *View) Visible() []core.Record {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]core.Record(nil), v.visible...)
}

// Find returns the record with id from the last snapshot.
func (v *View) Find(id string) (core.Record, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, r := range v.all {
		if r.ID == id {
			return r, true
		}
	}
	return core.Record{}, false
}

// resync re-reads the collection after a mutation so the caller sees its
// result at once. A live feed will deliver the same change again.
func (v *View) resync(ctx context.Context) {
	if err := v.FetchAll(ctx); err != nil {
		v.logger.WarnContext(ctx, "Refresh after mutation failed", "error", err)
	}
}

// AddRecord validates form and inserts it. On success the returned form is
// empty; on any failure it is form unchanged.
func (v *View) AddRecord(ctx context.Context, form EntryForm) (EntryForm, error) {
	d, err := form.draft()
	if err != nil {
		return form, err
	}
	if !v.active.Load() {
		return form, ErrUnmounted
	}

	v.actions.Lock()
	defer v.actions.Unlock()
	if err := v.data.Insert(ctx, v.table, []core.Draft{d}); err != nil {
		v.logger.WarnContext(ctx, "Failed to add expense", "operation", "insert", "error", err)
		return form, fmt.Errorf("add expense: %w", err)
	}
	v.logger.InfoContext(ctx, "Expense added", "person", d.Person, "amount", d.Amount.String())
	v.resync(ctx)
	return EntryForm{}, nil
}

// UpdateRecord replaces every editable field of the record with id.
func (v *View) UpdateRecord(ctx context.Context, id string, form EntryForm) error {
	if id == "" {
		return ErrMissingID
	}
	d, err := form.draft()
	if err != nil {
		return err
	}
	if !v.active.Load() {
		return ErrUnmounted
	}

	v.actions.Lock()
	defer v.actions.Unlock()
	if err := v.data.Update(ctx, v.table, d, backend.Match{"id": id}); err != nil {
		v.logger.WarnContext(ctx, "Failed to update expense", "operation", "update", "id", id, "error", err)
		return fmt.Errorf("update expense %s: %w", id, err)
	}
	v.logger.InfoContext(ctx, "Expense updated", "id", id)
	v.resync(ctx)
	return nil
}

// DeleteRecord removes the record with id once confirm approves it.
func (v *View) DeleteRecord(ctx context.Context, id string, confirm Confirmer) error {
	if id == "" {
		return ErrMissingID
	}
	if confirm == nil || !confirm.Confirm("Are you sure you want to delete this expense?") {
		return ErrNotConfirmed
	}
	if !v.active.Load() {
		return ErrUnmounted
	}

	v.actions.Lock()
	defer v.actions.Unlock()
	if err := v.data.Delete(ctx, v.table, backend.Match{"id": id}); err != nil {
		v.logger.WarnContext(ctx, "Failed to delete expense", "operation", "delete", "id", id, "error", err)
		return fmt.Errorf("delete expense %s: %w", id, err)
	}
	v.logger.InfoContext(ctx, "Expense deleted", "id", id)
	v.resync(ctx)
	return nil
}

// Export encodes the visible records as an xlsx workbook.
func (v *View) Export() ([]byte, error) {
	return export.Spreadsheet(v.Visible())
}

// PublishSheet sends the visible records to p.
func (v *View) PublishSheet(ctx context.Context, p Publisher) error {
	if p == nil {
		return ErrNoPublisher
	}
	records := v.Visible()
	if err := p.Publish(ctx, records); err != nil {
		v.logger.WarnContext(ctx, "Failed to publish to Google Sheets", "error", err)
		return fmt.Errorf("publish sheet: %w", err)
	}
	return nil
}

// Watch returns a channel that receives a value after each state change,
// coalescing bursts. The channel is closed by stop or by Unmount.
func (v *View) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	v.watchMu.Lock()
	if !v.active.Load() && v.mountedOnce() {
		v.watchMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	v.watchers[ch] = struct{}{}
	v.watchMu.Unlock()

	stop := func() {
		v.watchMu.Lock()
		defer v.watchMu.Unlock()
		if _, ok := v.watchers[ch]; ok {
			delete(v.watchers, ch)
			close(ch)
		}
	}
	return ch, stop
}

func (v *View) mountedOnce() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mounted
}

func (v *View) notify() {
	v.watchMu.Lock()
	defer v.watchMu.Unlock()
	for ch := range v.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

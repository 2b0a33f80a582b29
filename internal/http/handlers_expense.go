package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"

	"roomexpenses/internal/export"
	"roomexpenses/internal/ledger"
	"roomexpenses/internal/log"
)

// failureStatus maps a ledger error to a response status. Only 422 bodies
// are swapped into the page; the rest surface as notifications.
func failureStatus(err error) int {
	switch {
	case isValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrNotConfirmed):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnmounted):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNoPublisher):
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

func (s *Server) logMutation(ctx context.Context, op string, sess *appSession, id string, err error) {
	log.NewStructuredLogger(log.FromContext(ctx)).LogMutation(ctx, op, sess.id[:8], id, err)
}

// resyncTrigger reloads the table from the client when no change
// notification will.
func resyncTrigger(b *HTMXResponseBuilder, view *ledger.View) *HTMXResponseBuilder {
	if !view.Live() {
		b.TriggerExpensesChanged()
	}
	return b
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request, sess *appSession, view *ledger.View) {
	ctx := r.Context()
	p, errResp := ParseBodyOrFail(r)
	if errResp != nil {
		errResp.Write(w)
		return
	}

	next, err := view.AddRecord(ctx, ParseEntryForm(p))
	s.logMutation(ctx, log.OpCreate, sess, "", err)
	if err != nil {
		b := NewHTMXResponse().Status(failureStatus(err))
		if !isValidation(err) {
			b.TriggerErrorNotification(userMessage(err))
		}
		s.renderBuilder(w, r, b, "entry_form", formFrom(next, err))
		return
	}

	atomic.AddInt64(&s.appMetrics.expensesAdded, 1)
	b := resyncTrigger(NewHTMXResponse().TriggerSuccessNotification("Expense added!"), view)
	s.renderBuilder(w, r, b, "entry_form", formFrom(next, nil))
}

// handleExpenseRow renders one read-only row, used to leave edit mode.
func (s *Server) handleExpenseRow(w http.ResponseWriter, r *http.Request, _ *appSession, view *ledger.View) {
	rec, ok := view.Find(r.PathValue("id"))
	if !ok {
		resyncTrigger(NotFoundError("Expense not found"), view).Write(w)
		return
	}
	s.render(w, r, http.StatusOK, "expense_row", s.rowView(rec))
}

func (s *Server) handleEditExpense(w http.ResponseWriter, r *http.Request, _ *appSession, view *ledger.View) {
	rec, ok := view.Find(r.PathValue("id"))
	if !ok {
		resyncTrigger(NotFoundError("Expense not found"), view).Write(w)
		return
	}
	s.render(w, r, http.StatusOK, "edit_row", editData{
		rowData: s.rowView(rec),
		Form: formData{
			Description: rec.Description,
			Amount:      rec.Amount.String(),
			Person:      rec.Person,
		},
	})
}

// handleUpdateExpense saves an edit. On success the whole table is
// re-rendered so the edit row closes.
func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request, sess *appSession, view *ledger.View) {
	ctx := r.Context()
	id := r.PathValue("id")
	p, errResp := ParseBodyOrFail(r)
	if errResp != nil {
		errResp.Write(w)
		return
	}
	form := ParseEntryForm(p)

	err := view.UpdateRecord(ctx, id, form)
	s.logMutation(ctx, log.OpUpdate, sess, id, err)
	if err != nil {
		b := NewHTMXResponse().Status(failureStatus(err))
		if !isValidation(err) {
			b.TriggerErrorNotification(userMessage(err))
		}
		row := rowData{ID: id}
		if rec, ok := view.Find(id); ok {
			row = s.rowView(rec)
		}
		s.renderBuilder(w, r, b, "edit_row", editData{rowData: row, Form: formFrom(form, err)})
		return
	}

	atomic.AddInt64(&s.appMetrics.expensesUpdated, 1)
	b := NewHTMXResponse().
		Header("HX-Retarget", "#expenses").
		Header("HX-Reswap", "outerHTML").
		TriggerSuccessNotification("Expense updated!")
	s.renderBuilder(w, r, b, "expenses_table", s.tableView(view.Snapshot()))
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request, sess *appSession, view *ledger.View) {
	ctx := r.Context()
	id := r.PathValue("id")
	p, errResp := ParseBodyOrFail(r)
	if errResp != nil {
		errResp.Write(w)
		return
	}
	confirmed := Confirmed(p)

	err := view.DeleteRecord(ctx, id, ledger.ConfirmFunc(func(string) bool { return confirmed }))
	if errors.Is(err, ledger.ErrNotConfirmed) {
		NewHTMXResponse().
			Status(failureStatus(err)).
			TriggerNotification(NotificationInfo, userMessage(err), 3000).
			Write(w)
		return
	}
	s.logMutation(ctx, log.OpDelete, sess, id, err)
	if err != nil {
		NewHTMXResponse().
			Status(failureStatus(err)).
			TriggerErrorNotification(userMessage(err)).
			Write(w)
		return
	}

	atomic.AddInt64(&s.appMetrics.expensesDeleted, 1)
	resyncTrigger(NewHTMXResponse().TriggerSuccessNotification("Expense deleted!"), view).Write(w)
}

func (s *Server) handleExpensesTable(w http.ResponseWriter, r *http.Request, _ *appSession, view *ledger.View) {
	s.render(w, r, http.StatusOK, "expenses_table", s.tableView(view.Snapshot()))
}

// handleFilter stores the filter bar input. An invalid date keeps the
// previous filter and echoes the input with an error.
func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request, _ *appSession, view *ledger.View) {
	ctx := r.Context()
	p, errResp := ParseBodyOrFail(r)
	if errResp != nil {
		errResp.Write(w)
		return
	}

	f, in, err := ParseFilterForm(p)
	if err != nil {
		t := s.tableView(view.Snapshot())
		t.Filter = in
		t.Error = userMessage(err)
		s.render(w, r, http.StatusUnprocessableEntity, "expenses_table", t)
		return
	}

	view.ApplyFilter(f)
	log.FromContext(ctx).DebugContext(ctx, "Filter applied",
		log.FieldOperation, log.OpFilter,
		log.FieldPerson, f.Person,
		"from", in.From,
		"to", in.To)
	s.render(w, r, http.StatusOK, "expenses_table", s.tableView(view.Snapshot()))
}

// handleRefresh re-fetches the collection on demand. A failed fetch keeps
// the previous rows on screen.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, _ *appSession, view *ledger.View) {
	ctx := r.Context()
	b := NewHTMXResponse()
	err := view.FetchAll(ctx)
	t := s.tableView(view.Snapshot())
	if err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Manual refresh failed",
			log.FieldOperation, log.OpList,
			log.FieldErrorType, log.ErrorTypeBackend,
			log.FieldError, err)
		t.Error = userMessage(err)
		b.TriggerErrorNotification(t.Error)
	}
	s.renderBuilder(w, r, b, "expenses_table", t)
}

// handleExportXLSX downloads the visible rows as a workbook.
func (s *Server) handleExportXLSX(w http.ResponseWriter, r *http.Request, _ *appSession, view *ledger.View) {
	ctx := r.Context()
	data, err := view.Export()
	if err != nil {
		log.FromContext(ctx).ErrorContext(ctx, "Spreadsheet export failed",
			log.FieldOperation, log.OpExport,
			log.FieldError, err)
		http.Error(w, "Export failed", http.StatusInternalServerError)
		return
	}

	atomic.AddInt64(&s.appMetrics.exports, 1)
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handlePublishSheets(w http.ResponseWriter, r *http.Request, _ *appSession, view *ledger.View) {
	ctx := r.Context()
	rows := len(view.Visible())
	if err := view.PublishSheet(ctx, s.publisher); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Google Sheets publish failed",
			log.FieldOperation, log.OpPublish,
			log.FieldError, err)
		NewHTMXResponse().
			Status(failureStatus(err)).
			TriggerErrorNotification(userMessage(err)).
			Write(w)
		return
	}

	atomic.AddInt64(&s.appMetrics.publishes, 1)
	log.FromContext(ctx).InfoContext(ctx, "Published to Google Sheets", log.FieldRows, rows)
	NewHTMXResponse().
		TriggerSuccessNotification(fmt.Sprintf("Published %d %s to Google Sheets", rows, plural(rows, "expense"))).
		Write(w)
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

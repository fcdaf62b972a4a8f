package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/expense"
	"claimdesk.org/internal/obs"
	"claimdesk.org/internal/view"
)

// Source lists the current expenses; expense.Store satisfies it.
type Source interface {
	List(ctx context.Context) ([]expense.Expense, error)
	ListByEmployee(ctx context.Context, employeeIDs []string) ([]expense.Expense, error)
}

// Snapshot is the complete state a viewer renders. Each snapshot replaces the previous
// one; consumers key rows by id.
type Snapshot struct {
	Rows          []expense.Expense `json:"rows"`
	Totals        view.Totals       `json:"totals"`
	FilteredCount int               `json:"filtered_count"`
	Page          int               `json:"page"`
	PageSize      int               `json:"page_size"`
	TotalPages    int               `json:"total_pages"`
	Version       uint64            `json:"version"`
}

// Hub builds live per-viewer subscriptions on top of a Bus.
type Hub struct {
	bus      *Bus
	source   Source
	resolver *expense.Resolver
}

func NewHub(bus *Bus, source Source, resolver *expense.Resolver) *Hub {
	return &Hub{bus: bus, source: source, resolver: resolver}
}

// Snapshot computes a one-off snapshot without subscribing.
func (h *Hub) Snapshot(ctx context.Context, actor auth.Actor, q view.Query) (Snapshot, error) {
	st := newState(actor, q, h.resolver)
	if err := st.load(ctx, h.source); err != nil {
		return Snapshot{}, err
	}
	return st.snapshot(), nil
}

// Rows returns every visible row matching q in display order, unpaginated.
func (h *Hub) Rows(ctx context.Context, actor auth.Actor, q view.Query) ([]expense.Expense, error) {
	all, err := h.source.List(ctx)
	if err != nil {
		return nil, err
	}
	return view.Apply(all, h.resolver.Predicate(actor), q), nil
}

// Subscribe starts a subscription that runs in its own goroutine until ctx ends or Close
// is called. The first snapshot is available immediately.
func (h *Hub) Subscribe(ctx context.Context, actor auth.Actor, q view.Query) (*Subscription, error) {
	if !actor.Valid() {
		return nil, expense.ErrUnauthorized
	}
	ctx, cancel := context.WithCancel(ctx)
	// Subscribe before loading so no committed change falls between the two.
	rx := h.bus.Subscribe(ctx)

	st := newState(actor, q, h.resolver)
	if err := st.load(ctx, h.source); err != nil {
		cancel()
		return nil, fmt.Errorf("load visible set: %w", err)
	}

	s := &Subscription{
		out:     make(chan Snapshot, 1),
		queries: make(chan view.Query, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	s.offer(st.snapshot())
	obs.FeedSubscribed(1)
	go s.run(ctx, rx, st, h.source)
	return s, nil
}

// Subscription is one viewer's live view.
type Subscription struct {
	out     chan Snapshot
	queries chan view.Query
	done    chan struct{}
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
}

// Updates delivers snapshots, latest wins. It is closed when the subscription ends.
func (s *Subscription) Updates() <-chan Snapshot { return s.out }

// Done is closed after the subscription goroutine exits.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// SetQuery swaps the filter state; a new snapshot follows.
func (s *Subscription) SetQuery(q view.Query) {
	for {
		select {
		case s.queries <- q:
			return
		case <-s.done:
			return
		default:
			// Replace an unread query with the newer one.
			select {
			case <-s.queries:
			default:
			}
		}
	}
}

// Close ends the subscription and waits for its goroutine.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Err reports why the subscription ended, if it ended with an error.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) run(ctx context.Context, rx Receiver, st *state, source Source) {
	defer func() {
		obs.FeedSubscribed(-1)
		close(s.out)
		close(s.done)
	}()

	resync := func() {
		if err := st.load(ctx, source); err != nil {
			if !errors.Is(err, context.Canceled) {
				obs.Logger().Warn("feed resync failed", zap.String("actor", st.actor.ID), zap.Error(err))
			}
			return
		}
		s.offer(st.snapshot())
	}

	for {
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case q := <-s.queries:
			st.query = q
			s.offer(st.snapshot())
		case _, ok := <-rx.Lost:
			if !ok {
				return
			}
			resync()
		case evt, ok := <-rx.C:
			if !ok {
				return
			}
			switch evt.Kind {
			case KindMembership:
				if st.actor.Role != auth.RoleManager {
					continue
				}
				changed, err := st.rebase(ctx, source, evt.EmployeeIDs)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						continue
					}
					obs.Logger().Warn("feed membership refresh failed", zap.String("actor", st.actor.ID), zap.Error(err))
					resync()
					continue
				}
				if changed {
					s.offer(st.snapshot())
				}
			default:
				if st.apply(evt) {
					s.offer(st.snapshot())
				}
			}
		}
	}
}

// offer replaces any unread snapshot with snap. Only the subscription goroutine sends.
func (s *Subscription) offer(snap Snapshot) {
	select {
	case s.out <- snap:
		return
	default:
	}
	select {
	case <-s.out:
	default:
	}
	s.out <- snap
}

func (s *Subscription) setErr(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// state is the materialized visible set of one subscription. Events may arrive in a
// different order than their commits, so rows only move forward by Revision and deleted
// ids keep the revision they were removed at.
type state struct {
	actor    auth.Actor
	query    view.Query
	resolver *expense.Resolver
	rows     map[string]expense.Expense
	deleted  map[string]int64
	totals   view.Totals
	version  uint64
}

func newState(actor auth.Actor, q view.Query, r *expense.Resolver) *state {
	return &state{
		actor:    actor,
		query:    q,
		resolver: r,
		rows:     map[string]expense.Expense{},
		deleted:  map[string]int64{},
		totals:   view.NewTotals(),
	}
}

func (st *state) load(ctx context.Context, source Source) error {
	all, err := source.List(ctx)
	if err != nil {
		return err
	}
	rows := make(map[string]expense.Expense, len(all))
	totals := view.NewTotals()
	for _, e := range all {
		if st.resolver.Visible(st.actor, e) {
			rows[e.ID] = e
			totals.Add(e)
		}
	}
	st.rows, st.totals = rows, totals
	return nil
}

// apply folds an expense event into the visible set and reports whether it changed.
// Events at or below the revision already held are stale and ignored.
func (st *state) apply(evt Event) bool {
	if evt.Expense == nil {
		return false
	}
	e := *evt.Expense
	if rev, gone := st.deleted[e.ID]; gone && e.Revision <= rev {
		return false
	}
	prev, had := st.rows[e.ID]
	if evt.Kind == KindDelete {
		st.deleted[e.ID] = e.Revision
		if !had {
			return false
		}
		st.totals.Remove(prev)
		delete(st.rows, e.ID)
		return true
	}
	if had && e.Revision <= prev.Revision {
		return false
	}
	return st.put(e)
}

// put stores e if visible, replacing any held version, and reports whether rows changed.
func (st *state) put(e expense.Expense) bool {
	prev, had := st.rows[e.ID]
	if had {
		st.totals.Remove(prev)
		delete(st.rows, e.ID)
	}
	if !st.resolver.Visible(st.actor, e) {
		return had
	}
	st.rows[e.ID] = e
	st.totals.Add(e)
	return true
}

// rebase re-derives visibility for employees whose manager set changed. Rows of employees
// that left the team are dropped; employees that joined are read from the store by owner,
// so the cost follows the affected employees rather than the whole history.
func (st *state) rebase(ctx context.Context, source Source, employeeIDs []string) (bool, error) {
	if len(employeeIDs) == 0 {
		return false, nil
	}
	affected := make(map[string]bool, len(employeeIDs))
	for _, id := range employeeIDs {
		affected[id] = st.resolver.SeesEmployee(st.actor, id)
	}

	changed := false
	held := make(map[string]bool)
	for id, e := range st.rows {
		visible, ok := affected[e.EmployeeID]
		if !ok {
			continue
		}
		if visible {
			held[e.EmployeeID] = true
			continue
		}
		st.totals.Remove(e)
		delete(st.rows, id)
		changed = true
	}

	var joined []string
	for id, visible := range affected {
		if visible && !held[id] {
			joined = append(joined, id)
		}
	}
	if len(joined) == 0 {
		return changed, nil
	}
	sort.Strings(joined)
	rows, err := source.ListByEmployee(ctx, joined)
	if err != nil {
		return changed, err
	}
	for _, e := range rows {
		if rev, gone := st.deleted[e.ID]; gone && e.Revision <= rev {
			continue
		}
		if prev, ok := st.rows[e.ID]; ok && e.Revision <= prev.Revision {
			continue
		}
		if st.put(e) {
			changed = true
		}
	}
	return changed, nil
}

func (st *state) snapshot() Snapshot {
	rows := make([]expense.Expense, 0, len(st.rows))
	for _, e := range st.rows {
		rows = append(rows, e)
	}
	filtered := view.Apply(rows, nil, st.query)
	page := view.Paginate(filtered, st.query)
	st.version++
	return Snapshot{
		Rows:          page.Rows,
		Totals:        st.totals.Clone(),
		FilteredCount: page.FilteredCount,
		Page:          page.Page,
		PageSize:      page.PageSize,
		TotalPages:    page.TotalPages,
		Version:       st.version,
	}
}

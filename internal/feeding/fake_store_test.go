package feeding

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"smartfeeder/feeder-server/internal/model"
)

var errDiskIO = errors.New("disk I/O error")

// memStore is an in-memory Store with copy-on-write transactions.
type memStore struct {
	mu      sync.Mutex
	entries map[int64]model.ScheduleEntry
	history []model.HistoryRecord
	nextID  int64
	nextHID int64

	dueErr       error
	failInsertAt int // 1-based insert call that fails inside a tx; 0 disables
	failHistory  bool
	dueCalls     int
}

func newMemStore() *memStore {
	return &memStore{entries: map[int64]model.ScheduleEntry{}}
}

func (s *memStore) add(e model.ScheduleEntry) model.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	if e.Status == "" {
		e.Status = model.StatusPending
	}
	s.entries[e.ID] = e
	return e
}

func (s *memStore) get(id int64) model.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id]
}

func (s *memStore) historyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

func (s *memStore) all() []model.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScheduleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) DueEntries(_ context.Context, moduleID string, day model.Date, at model.TimeOfDay) ([]model.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dueCalls++
	if s.dueErr != nil {
		return nil, s.dueErr
	}
	var out []model.ScheduleEntry
	for _, e := range s.entries {
		if e.ModuleID == moduleID && e.FeedDate == day && e.FeedTime <= at && e.Status == model.StatusPending {
			out = append(out, e)
		}
	}
	// deliberately unordered: the engine owns the tie-break
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:       s,
		entries: make(map[int64]model.ScheduleEntry, len(s.entries)),
		history: append([]model.HistoryRecord(nil), s.history...),
		nextID:  s.nextID,
		nextHID: s.nextHID,
	}
	for k, v := range s.entries {
		tx.entries[k] = v
	}

	if err := fn(tx); err != nil {
		return err
	}

	s.entries = tx.entries
	s.history = tx.history
	s.nextID = tx.nextID
	s.nextHID = tx.nextHID
	return nil
}

type memTx struct {
	s       *memStore
	entries map[int64]model.ScheduleEntry
	history []model.HistoryRecord
	nextID  int64
	nextHID int64
	inserts int
}

func (t *memTx) Entry(_ context.Context, id int64) (model.ScheduleEntry, error) {
	e, ok := t.entries[id]
	if !ok {
		return model.ScheduleEntry{}, ErrNoEntry
	}
	return e, nil
}

func (t *memTx) SetStatus(_ context.Context, id int64, status model.Status) error {
	e, ok := t.entries[id]
	if !ok {
		return ErrNoEntry
	}
	e.Status = status
	t.entries[id] = e
	return nil
}

func (t *memTx) AppendHistory(_ context.Context, scheduleID int64, completedAt time.Time) (model.HistoryRecord, error) {
	if t.s.failHistory {
		return model.HistoryRecord{}, errDiskIO
	}
	for _, h := range t.history {
		if h.ScheduleID != nil && *h.ScheduleID == scheduleID {
			return model.HistoryRecord{}, errors.New("UNIQUE constraint failed: history.schedule_id")
		}
	}
	t.nextHID++
	id := scheduleID
	rec := model.HistoryRecord{ID: t.nextHID, ScheduleID: &id, CompletedAt: completedAt}
	t.history = append(t.history, rec)
	return rec, nil
}

func (t *memTx) Insert(_ context.Context, e model.ScheduleEntry) (int64, error) {
	t.nextID++
	e.ID = t.nextID
	t.entries[e.ID] = e
	return e.ID, nil
}

func (t *memTx) Update(_ context.Context, e model.ScheduleEntry) error {
	if _, ok := t.entries[e.ID]; !ok {
		return ErrNoEntry
	}
	t.entries[e.ID] = e
	return nil
}

func (t *memTx) InsertIfAbsent(_ context.Context, e model.ScheduleEntry) (int64, bool, error) {
	t.inserts++
	if t.s.failInsertAt > 0 && t.inserts == t.s.failInsertAt {
		return 0, false, errDiskIO
	}
	for _, x := range t.entries {
		if x.ModuleID == e.ModuleID && x.FeedDate == e.FeedDate && x.FeedTime == e.FeedTime {
			return x.ID, false, nil
		}
	}
	t.nextID++
	e.ID = t.nextID
	e.Status = model.StatusPending
	t.entries[e.ID] = e
	return e.ID, true, nil
}

// memRegistry answers module/camera activity from a map that tests may flip between calls.
type memRegistry struct {
	mu      sync.Mutex
	modules map[string]string
	cameras map[string]string
	err     error
}

func newMemRegistry(active ...string) *memRegistry {
	r := &memRegistry{modules: map[string]string{}, cameras: map[string]string{}}
	for _, id := range active {
		r.modules[id] = model.ModuleActive
	}
	return r
}

func (r *memRegistry) set(moduleID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[moduleID] = status
}

func (r *memRegistry) IsActiveModule(_ context.Context, moduleID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	return r.modules[moduleID] == model.ModuleActive, nil
}

func (r *memRegistry) IsActiveCamera(_ context.Context, camID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cameras[camID] == model.ModuleActive, nil
}

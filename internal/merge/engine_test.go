package merge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-crm/shrike/internal/cache"
	"github.com/opensource-crm/shrike/internal/domain"
)

const tenantID = "tenant-001"

// memStore is an in-memory RecordStore with snapshot-based rollback so
// transactional behavior can be exercised without a database.
type memStore struct {
	mu           sync.Mutex
	records      map[string]*domain.Record
	activities   map[string][]*domain.Activity
	failReassign bool

	// Optional gates for interleaving checks: a transaction signals
	// txEntered when it starts and then blocks until txResume closes.
	txEntered chan struct{}
	txResume  chan struct{}
}

func newMemStore(records ...*domain.Record) *memStore {
	s := &memStore{
		records:    make(map[string]*domain.Record),
		activities: make(map[string][]*domain.Activity),
	}
	for _, rec := range records {
		s.records[rec.ID] = rec
	}
	return s
}

func (s *memStore) SaveRecord(ctx context.Context, tenantID string, rec *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *memStore) GetRecord(ctx context.Context, tenantID string, recordID string) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok || rec.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	copied := *rec
	copied.Fields = copyFields(rec.Fields)
	return &copied, nil
}

func (s *memStore) FindCandidates(ctx context.Context, tenantID string, criteria *domain.SearchCriteria) ([]*domain.Record, error) {
	return nil, nil
}

func (s *memStore) SaveActivity(ctx context.Context, tenantID string, act *domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[act.RecordID] = append(s.activities[act.RecordID], act)
	return nil
}

func (s *memStore) ListActivities(ctx context.Context, tenantID string, recordID string) ([]*domain.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activities[recordID], nil
}

func (s *memStore) WithinTx(ctx context.Context, fn func(tx domain.MergeTx) error) error {
	if s.txEntered != nil {
		s.txEntered <- struct{}{}
	}
	if s.txResume != nil {
		<-s.txResume
	}

	s.mu.Lock()
	recordsSnap := make(map[string]*domain.Record, len(s.records))
	for id, rec := range s.records {
		copied := *rec
		copied.Fields = copyFields(rec.Fields)
		recordsSnap[id] = &copied
	}
	activitiesSnap := make(map[string][]*domain.Activity, len(s.activities))
	for id, acts := range s.activities {
		activitiesSnap[id] = append([]*domain.Activity(nil), acts...)
	}
	s.mu.Unlock()

	if err := fn(&memTx{store: s}); err != nil {
		s.mu.Lock()
		s.records = recordsSnap
		s.activities = activitiesSnap
		s.mu.Unlock()
		return err
	}
	return nil
}

type memTx struct {
	store *memStore
}

func (m *memTx) UpdateRecordFields(ctx context.Context, tenantID string, recordID string, fields map[string]string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	rec, ok := m.store.records[recordID]
	if !ok || rec.Status != domain.RecordStatusActive {
		return domain.ErrNotFound
	}
	rec.Fields = copyFields(fields)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memTx) ReassignActivities(ctx context.Context, tenantID string, fromID, toID string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.store.failReassign {
		return errors.New("injected reassign failure")
	}
	acts := m.store.activities[fromID]
	for _, act := range acts {
		act.RecordID = toID
	}
	m.store.activities[toID] = append(m.store.activities[toID], acts...)
	delete(m.store.activities, fromID)
	return nil
}

func (m *memTx) MarkSuperseded(ctx context.Context, tenantID string, recordID string, duplicateOf string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	rec, ok := m.store.records[recordID]
	if !ok || rec.Status != domain.RecordStatusActive {
		return domain.ErrNotFound
	}
	rec.Status = domain.RecordStatusSuperseded
	rec.DuplicateOf = duplicateOf
	return nil
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// fakeBus records published messages per topic.
type fakeBus struct {
	mu        sync.Mutex
	published map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string]int)}
}

func (b *fakeBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic]++
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBus) Ping(ctx context.Context) error { return nil }
func (b *fakeBus) Close() error                   { return nil }

func (b *fakeBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[topic]
}

func record(id string, fields map[string]string) *domain.Record {
	return &domain.Record{
		ID:        id,
		TenantID:  tenantID,
		Fields:    fields,
		Status:    domain.RecordStatusActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func newTestEngine(store *memStore, bus *fakeBus) *Engine {
	return NewEngine(store, cache.NewLRUCache(100), bus, nil)
}

func TestMerge(t *testing.T) {
	ctx := context.Background()

	t.Run("SourceFillsGapsAndWinsConflicts", func(t *testing.T) {
		source := record("src", map[string]string{
			"email": "old@acme.test",
			"phone": "555-0100",
		})
		target := record("dst", map[string]string{
			"email": "new@acme.test",
			"name":  "John Smith",
		})
		store := newMemStore(source, target)
		engine := newTestEngine(store, newFakeBus())

		op, err := engine.Merge(ctx, tenantID, &Request{
			SourceRecordID: "src",
			TargetRecordID: "dst",
			PerformedBy:    "user-1",
		})
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}

		if len(op.Conflicts) != 1 || op.Conflicts[0].Field != "email" {
			t.Fatalf("expected 1 email conflict, got %+v", op.Conflicts)
		}
		if op.Conflicts[0].Resolution != domain.ConflictResolutionSource {
			t.Errorf("expected default source resolution, got %s", op.Conflicts[0].Resolution)
		}

		merged, _ := store.GetRecord(ctx, tenantID, "dst")
		if merged.Fields["email"] != "old@acme.test" {
			t.Errorf("source should win the email conflict, got %s", merged.Fields["email"])
		}
		if merged.Fields["phone"] != "555-0100" {
			t.Errorf("source phone should fill the gap, got %s", merged.Fields["phone"])
		}
		if merged.Fields["name"] != "John Smith" {
			t.Errorf("target name should survive, got %s", merged.Fields["name"])
		}

		superseded, _ := store.GetRecord(ctx, tenantID, "src")
		if superseded.Status != domain.RecordStatusSuperseded {
			t.Errorf("source should be superseded, got %s", superseded.Status)
		}
		if superseded.DuplicateOf != "dst" {
			t.Errorf("source duplicateOf should be dst, got %s", superseded.DuplicateOf)
		}
	})

	t.Run("ExplicitResolutionWins", func(t *testing.T) {
		source := record("src", map[string]string{"email": "source@acme.test", "name": "S"})
		target := record("dst", map[string]string{"email": "target@acme.test", "name": "T"})
		store := newMemStore(source, target)
		engine := newTestEngine(store, newFakeBus())

		op, err := engine.Merge(ctx, tenantID, &Request{
			SourceRecordID: "src",
			TargetRecordID: "dst",
			Resolutions: map[string]FieldResolution{
				"email": {Resolution: domain.ConflictResolutionTarget},
				"name":  {Resolution: domain.ConflictResolutionCustom, CustomValue: "Custom Name"},
			},
			PerformedBy: "user-1",
		})
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		if len(op.Conflicts) != 2 {
			t.Fatalf("expected 2 conflicts, got %d", len(op.Conflicts))
		}

		merged, _ := store.GetRecord(ctx, tenantID, "dst")
		if merged.Fields["email"] != "target@acme.test" {
			t.Errorf("target resolution ignored, got %s", merged.Fields["email"])
		}
		if merged.Fields["name"] != "Custom Name" {
			t.Errorf("custom resolution ignored, got %s", merged.Fields["name"])
		}
	})

	t.Run("ActivitiesFollowTarget", func(t *testing.T) {
		source := record("src", map[string]string{"email": "a@acme.test"})
		target := record("dst", map[string]string{"email": "a@acme.test"})
		store := newMemStore(source, target)
		store.SaveActivity(ctx, tenantID, &domain.Activity{ID: "act-1", TenantID: tenantID, RecordID: "src", Type: "call"})
		store.SaveActivity(ctx, tenantID, &domain.Activity{ID: "act-2", TenantID: tenantID, RecordID: "dst", Type: "note"})
		engine := newTestEngine(store, newFakeBus())

		if _, err := engine.Merge(ctx, tenantID, &Request{
			SourceRecordID: "src",
			TargetRecordID: "dst",
			PerformedBy:    "user-1",
		}); err != nil {
			t.Fatalf("Merge failed: %v", err)
		}

		acts, _ := store.ListActivities(ctx, tenantID, "dst")
		if len(acts) != 2 {
			t.Errorf("expected 2 activities on target, got %d", len(acts))
		}
		orphaned, _ := store.ListActivities(ctx, tenantID, "src")
		if len(orphaned) != 0 {
			t.Errorf("expected no activities left on source, got %d", len(orphaned))
		}
	})

	t.Run("AuditTrailOrder", func(t *testing.T) {
		source := record("src", map[string]string{"email": "a@acme.test"})
		target := record("dst", map[string]string{"email": "b@acme.test"})
		store := newMemStore(source, target)
		engine := newTestEngine(store, newFakeBus())

		op, err := engine.Merge(ctx, tenantID, &Request{
			SourceRecordID: "src",
			TargetRecordID: "dst",
			PerformedBy:    "user-1",
		})
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}

		if len(op.AuditTrail) != 2 {
			t.Fatalf("expected 2 audit events, got %d", len(op.AuditTrail))
		}
		if op.AuditTrail[0].Action != domain.AuditMergeInitiated {
			t.Errorf("first audit event should be %s, got %s", domain.AuditMergeInitiated, op.AuditTrail[0].Action)
		}
		if op.AuditTrail[1].Action != domain.AuditMergeCompleted {
			t.Errorf("second audit event should be %s, got %s", domain.AuditMergeCompleted, op.AuditTrail[1].Action)
		}
		if op.AuditTrail[0].Actor != "user-1" {
			t.Errorf("expected actor user-1, got %s", op.AuditTrail[0].Actor)
		}
	})

	t.Run("PublishesMergeCompleted", func(t *testing.T) {
		source := record("src", map[string]string{"email": "a@acme.test"})
		target := record("dst", map[string]string{"email": "a@acme.test"})
		store := newMemStore(source, target)
		bus := newFakeBus()
		engine := newTestEngine(store, bus)

		if _, err := engine.Merge(ctx, tenantID, &Request{
			SourceRecordID: "src",
			TargetRecordID: "dst",
			PerformedBy:    "user-1",
		}); err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		if bus.count(domain.TopicMergeCompleted) != 1 {
			t.Error("expected merge.completed event")
		}
	})

	t.Run("SelfMergeRejected", func(t *testing.T) {
		store := newMemStore(record("src", map[string]string{"email": "a@acme.test"}))
		engine := newTestEngine(store, newFakeBus())

		_, err := engine.Merge(ctx, tenantID, &Request{
			SourceRecordID: "src",
			TargetRecordID: "src",
		})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("MissingRecord", func(t *testing.T) {
		store := newMemStore(record("src", map[string]string{"email": "a@acme.test"}))
		engine := newTestEngine(store, newFakeBus())

		_, err := engine.Merge(ctx, tenantID, &Request{
			SourceRecordID: "src",
			TargetRecordID: "ghost",
		})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SupersededSourceRejected", func(t *testing.T) {
		source := record("src", map[string]string{"email": "a@acme.test"})
		source.Status = domain.RecordStatusSuperseded
		target := record("dst", map[string]string{"email": "b@acme.test"})
		store := newMemStore(source, target)
		engine := newTestEngine(store, newFakeBus())

		_, err := engine.Merge(ctx, tenantID, &Request{
			SourceRecordID: "src",
			TargetRecordID: "dst",
		})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("InvalidResolution", func(t *testing.T) {
		store := newMemStore(
			record("src", map[string]string{"email": "a@acme.test"}),
			record("dst", map[string]string{"email": "b@acme.test"}),
		)
		engine := newTestEngine(store, newFakeBus())

		_, err := engine.Merge(ctx, tenantID, &Request{
			SourceRecordID: "src",
			TargetRecordID: "dst",
			Resolutions: map[string]FieldResolution{
				"email": {Resolution: "coin-flip"},
			},
		})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}

		_, err = engine.Merge(ctx, tenantID, &Request{
			SourceRecordID: "src",
			TargetRecordID: "dst",
			Resolutions: map[string]FieldResolution{
				"email": {Resolution: domain.ConflictResolutionCustom},
			},
		})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for custom without value, got %v", err)
		}
	})

	t.Run("OverlappingMergesSerialized", func(t *testing.T) {
		// Two merges sharing a source record must not both succeed:
		// the second has to wait for the first and then see the
		// superseded source.
		store := newMemStore(
			record("shared", map[string]string{"email": "shared@acme.test", "phone": "555-0100"}),
			record("first-target", map[string]string{"email": "first@acme.test"}),
			record("second-target", map[string]string{"email": "second@acme.test"}),
		)
		store.txEntered = make(chan struct{}, 1)
		store.txResume = make(chan struct{})
		engine := newTestEngine(store, newFakeBus())

		firstDone := make(chan error, 1)
		go func() {
			_, err := engine.Merge(ctx, tenantID, &Request{
				SourceRecordID: "shared",
				TargetRecordID: "first-target",
				PerformedBy:    "user-1",
			})
			firstDone <- err
		}()
		<-store.txEntered

		secondDone := make(chan error, 1)
		go func() {
			_, err := engine.Merge(ctx, tenantID, &Request{
				SourceRecordID: "shared",
				TargetRecordID: "second-target",
				PerformedBy:    "user-2",
			})
			secondDone <- err
		}()

		// The second merge must block on the shared record while the
		// first transaction is in flight.
		select {
		case err := <-secondDone:
			t.Fatalf("second merge finished while first held the shared record: %v", err)
		case <-time.After(100 * time.Millisecond):
		}

		close(store.txResume)

		if err := <-firstDone; err != nil {
			t.Fatalf("first merge failed: %v", err)
		}
		if err := <-secondDone; !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected second merge rejected with ErrInvalidInput, got %v", err)
		}

		shared, _ := store.GetRecord(ctx, tenantID, "shared")
		if shared.DuplicateOf != "first-target" {
			t.Errorf("shared record should point at the first target, got %s", shared.DuplicateOf)
		}
		untouched, _ := store.GetRecord(ctx, tenantID, "second-target")
		if untouched.Fields["phone"] != "" {
			t.Errorf("second target gained merged fields: %q", untouched.Fields["phone"])
		}
	})

	t.Run("FailureRollsBackEverything", func(t *testing.T) {
		source := record("src", map[string]string{"email": "old@acme.test"})
		target := record("dst", map[string]string{"email": "new@acme.test"})
		store := newMemStore(source, target)
		store.SaveActivity(ctx, tenantID, &domain.Activity{ID: "act-1", TenantID: tenantID, RecordID: "src", Type: "call"})
		store.failReassign = true
		bus := newFakeBus()
		engine := newTestEngine(store, bus)

		_, err := engine.Merge(ctx, tenantID, &Request{
			SourceRecordID: "src",
			TargetRecordID: "dst",
			PerformedBy:    "user-1",
		})
		if !errors.Is(err, domain.ErrMergeFailed) {
			t.Fatalf("expected ErrMergeFailed, got %v", err)
		}

		// Target untouched
		after, _ := store.GetRecord(ctx, tenantID, "dst")
		if after.Fields["email"] != "new@acme.test" {
			t.Errorf("target mutated despite rollback: %s", after.Fields["email"])
		}

		// Source still active
		src, _ := store.GetRecord(ctx, tenantID, "src")
		if src.Status != domain.RecordStatusActive {
			t.Errorf("source superseded despite rollback: %s", src.Status)
		}

		// Activities untouched
		acts, _ := store.ListActivities(ctx, tenantID, "src")
		if len(acts) != 1 {
			t.Errorf("expected source activities intact, got %d", len(acts))
		}

		if bus.count(domain.TopicMergeFailed) != 1 {
			t.Error("expected merge.failed event")
		}
		if bus.count(domain.TopicMergeCompleted) != 0 {
			t.Error("unexpected merge.completed event")
		}
	})
}

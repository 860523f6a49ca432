package journal

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"communityloans/core/types"
	"communityloans/native/loanpool"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func event(kind string, attrs map[string]string) loanpool.Event {
	evt := types.NewEvent(kind)
	for k, v := range attrs {
		evt.Attributes[k] = v
	}
	return loanpool.WrapEvent(evt)
}

func TestAppendAssignsSequentialRecords(t *testing.T) {
	j, err := New(setupTestDB(t), nil)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	ctx := context.Background()
	first, err := j.Append(ctx, event(loanpool.EventTypeProposed, map[string]string{"proposalIndex": "0"}))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	j.Emit(event(loanpool.EventTypeApproved, map[string]string{"loanIndex": "0"}))
	if first.Sequence != 1 {
		t.Fatalf("expected first sequence 1, got %d", first.Sequence)
	}
	if _, err := uuid.Parse(first.ID); err != nil {
		t.Fatalf("record id is not a uuid: %v", err)
	}

	entries, err := j.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Sequence != 2 || entries[1].Type != loanpool.EventTypeApproved {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
	if entries[1].Attributes["loanIndex"] != "0" {
		t.Fatalf("attributes not preserved: %+v", entries[1].Attributes)
	}
}

func TestListFiltersByTypeAndCursor(t *testing.T) {
	j, err := New(setupTestDB(t), nil)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	ctx := context.Background()
	kinds := []string{
		loanpool.EventTypeProposed,
		loanpool.EventTypeRejected,
		loanpool.EventTypeProposed,
		loanpool.EventTypeApproved,
	}
	for _, kind := range kinds {
		if _, err := j.Append(ctx, event(kind, nil)); err != nil {
			t.Fatalf("append %s: %v", kind, err)
		}
	}
	proposed, err := j.List(ctx, Filter{Type: loanpool.EventTypeProposed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(proposed) != 2 || proposed[0].Sequence != 1 || proposed[1].Sequence != 3 {
		t.Fatalf("unexpected filtered entries: %+v", proposed)
	}
	tail, err := j.List(ctx, Filter{After: 2, Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tail) != 1 || tail[0].Sequence != 3 {
		t.Fatalf("unexpected cursor page: %+v", tail)
	}
}

func TestNewResumesSequence(t *testing.T) {
	db := setupTestDB(t)
	j, err := New(db, nil)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := j.Append(context.Background(), event(loanpool.EventTypeLoanDeleted, nil)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	reopened, err := New(db, nil)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	entry, err := reopened.Append(context.Background(), event(loanpool.EventTypeLoanDeleted, nil))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if entry.Sequence != 4 {
		t.Fatalf("expected sequence 4 after reopen, got %d", entry.Sequence)
	}
}

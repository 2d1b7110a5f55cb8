package wizard

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/droponboard/model"
)

// storeContract exercises the Store behaviour shared by every driver.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	exp := now.Add(time.Hour)

	s := model.NewWizardState("sess-1", "signup")
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now
	s.ExpiresAt = &exp

	t.Run("create and get", func(t *testing.T) {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := store.Get(ctx, "sess-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.WizardID != "signup" || got.Version != 1 || got.CurrentStep != 1 {
			t.Errorf("got = %+v", got)
		}
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		err := store.Create(ctx, s)
		if !model.HasCode(err, model.ErrConflict) {
			t.Errorf("error = %v, want CONFLICT", err)
		}
	})

	t.Run("update increments version", func(t *testing.T) {
		got, _ := store.Get(ctx, "sess-1")
		got.Fields["email"] = model.Text("a@b.co")
		got.CurrentStep = 2
		if err := store.Update(ctx, got); err != nil {
			t.Fatalf("Update: %v", err)
		}
		after, _ := store.Get(ctx, "sess-1")
		if after.Version != 2 || after.CurrentStep != 2 || after.Fields["email"].String() != "a@b.co" {
			t.Errorf("after = %+v", after)
		}
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		stale := s
		stale.Version = 1
		err := store.Update(ctx, stale)
		if !model.HasCode(err, model.ErrConflict) {
			t.Errorf("error = %v, want CONFLICT", err)
		}
	})

	t.Run("events in order", func(t *testing.T) {
		for i, name := range []string{model.EventStepEntered, model.EventStepCompleted} {
			err := store.AppendEvent(ctx, model.WizardEvent{
				ID:        name,
				SessionID: "sess-1",
				Event:     name,
				Timestamp: now.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}
		}
		events, err := store.Events(ctx, "sess-1")
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		if len(events) != 2 || events[0].Event != model.EventStepEntered {
			t.Errorf("events = %+v", events)
		}
	})

	t.Run("find expired", func(t *testing.T) {
		found, err := store.FindExpired(ctx, now)
		if err != nil {
			t.Fatalf("FindExpired: %v", err)
		}
		if len(found) != 0 {
			t.Errorf("found %d sessions before expiry", len(found))
		}
		found, err = store.FindExpired(ctx, exp.Add(time.Minute))
		if err != nil {
			t.Fatalf("FindExpired: %v", err)
		}
		if len(found) != 1 || found[0].SessionID != "sess-1" {
			t.Errorf("found = %+v", found)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := store.Delete(ctx, "sess-1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := store.Get(ctx, "sess-1"); !model.HasCode(err, model.ErrNotFound) {
			t.Errorf("Get after delete = %v, want NOT_FOUND", err)
		}
		if _, err := store.Events(ctx, "sess-1"); !model.HasCode(err, model.ErrNotFound) {
			t.Errorf("Events after delete = %v, want NOT_FOUND", err)
		}
		if err := store.Delete(ctx, "sess-1"); !model.HasCode(err, model.ErrNotFound) {
			t.Errorf("second Delete = %v, want NOT_FOUND", err)
		}
	})
}

func TestMemoryStore_contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_expiredSessionIsNotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	s := model.NewWizardState("old", "signup")
	s.ExpiresAt = &past
	store.Create(ctx, s)

	if _, err := store.Get(ctx, "old"); !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("Get = %v, want NOT_FOUND", err)
	}
	if store.Len() != 1 {
		t.Error("expired sessions stay until swept")
	}
}

func TestMemoryStore_returnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, model.NewWizardState("s", "signup"))

	got, _ := store.Get(ctx, "s")
	got.Fields["email"] = model.Text("leak@b.co")

	again, _ := store.Get(ctx, "s")
	if _, ok := again.Fields["email"]; ok {
		t.Error("mutating a returned state changed the stored one")
	}
}

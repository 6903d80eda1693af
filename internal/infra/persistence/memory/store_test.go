package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"nanolab/internal/persistence/core"
	"nanolab/pkg/datasetapi"
)

func sampleTable(values ...float64) datasetapi.Table {
	rows := make([]datasetapi.Row, len(values))
	for i, v := range values {
		rows[i] = datasetapi.Row{"x": v}
	}
	return datasetapi.NewTable([]datasetapi.Column{{Name: "x", Type: datasetapi.TypeFloat}}, rows...)
}

func TestStoreSaveLoadList(t *testing.T) {
	store := NewStore()
	fixed := time.Date(2024, 11, 29, 10, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })
	ctx := context.Background()

	for _, name := range []string{"CHIP1B/properties", "CHIP1A/with_cnps", "CHIP1A/properties"} {
		if _, err := store.Save(ctx, name, sampleTable(1, 2)); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}
	rec, err := store.Load(ctx, "CHIP1A/properties")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Table.Len() != 2 || !rec.UpdatedAt.Equal(fixed) {
		t.Fatalf("unexpected record %+v", rec)
	}

	infos, err := store.List(ctx, "CHIP1A/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Name != "CHIP1A/properties" || infos[1].Name != "CHIP1A/with_cnps" {
		t.Fatalf("unexpected listing %+v", infos)
	}
	if infos[0].Rows != 2 || infos[0].Columns != 1 {
		t.Fatalf("unexpected summary %+v", infos[0])
	}
	if store.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", store.Driver())
	}
}

func TestStoreIsolatesCallerTables(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	tbl := sampleTable(1)
	if _, err := store.Save(ctx, "s/properties", tbl); err != nil {
		t.Fatalf("save: %v", err)
	}
	tbl.Rows[0]["x"] = 99.0

	rec, _ := store.Load(ctx, "s/properties")
	if v, _ := rec.Table.Rows[0].Float("x"); v != 1 {
		t.Fatalf("stored table aliased caller rows: %v", v)
	}
	rec.Table.Rows[0]["x"] = 42.0
	again, _ := store.Load(ctx, "s/properties")
	if v, _ := again.Table.Rows[0].Float("x"); v != 1 {
		t.Fatalf("loaded table aliased store rows: %v", v)
	}
}

func TestStoreLoadMissingAndInvalidNames(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	if _, err := store.Load(ctx, "nope/properties"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, name := range []string{"", "/abs", "a//b", "a/../b", "trailing/"} {
		if _, err := store.Save(ctx, name, sampleTable()); !errors.Is(err, core.ErrInvalidName) {
			t.Fatalf("name %q: expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestStoreTransactionRollsBack(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	boom := errors.New("boom")
	_, err := store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, err := tx.Save("s/properties", sampleTable(1)); err != nil {
			return err
		}
		if _, ok := tx.Find("s/properties"); !ok {
			t.Fatalf("expected uncommitted record visible inside transaction")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if infos, _ := store.List(ctx, ""); len(infos) != 0 {
		t.Fatalf("expected rollback, got %+v", infos)
	}
}

func TestStoreCommitHook(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	var seen []Change
	fail := false
	store.OnCommit(func(_ context.Context, changes []Change) error {
		if fail {
			return errors.New("disk full")
		}
		seen = append(seen, changes...)
		return nil
	})

	changes, err := store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, err := tx.Save("s/a", sampleTable(1)); err != nil {
			return err
		}
		_, err := tx.Save("s/b", sampleTable(2))
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if len(changes) != 2 || len(seen) != 2 || seen[1].Name != "s/b" || seen[1].Action != core.ActionSave {
		t.Fatalf("unexpected changes %+v / %+v", changes, seen)
	}

	fail = true
	if _, err := store.Delete(ctx, "s/a"); err == nil {
		t.Fatalf("expected commit failure")
	}
	if _, err := store.Load(ctx, "s/a"); err != nil {
		t.Fatalf("failed commit must keep record: %v", err)
	}

	fail = false
	existed, err := store.Delete(ctx, "s/a")
	if err != nil || !existed {
		t.Fatalf("delete: %v %v", existed, err)
	}
	if last := seen[len(seen)-1]; last.Action != core.ActionDelete || last.Record.Table.Len() != 1 {
		t.Fatalf("unexpected delete change %+v", last)
	}
	existed, _ = store.Delete(ctx, "s/a")
	if existed {
		t.Fatalf("second delete should report absence")
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	if _, err := store.Save(ctx, "s/properties", sampleTable(1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if infos, _ := store.List(ctx, ""); len(infos) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if err := store.View(ctx, func(v TransactionView) error {
		if _, ok := v.Find("s/properties"); !ok {
			return errors.New("missing restored record")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewStore()
	if _, err := store.Save(ctx, "s/x", sampleTable()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := store.List(ctx, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

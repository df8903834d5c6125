package storage

import (
	"context"
	"fmt"
	"testing"
)

func TestQueryRecentReturnsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var records []Record
	for i := 0; i < 40; i++ {
		records = append(records, textRecord(fmt.Sprintf("msg-%02d", i), "peer-1", int64(1000+i), OriginRemote))
	}
	records = append(records, textRecord("other", "peer-2", 5000, OriginLocal))
	if err := store.AppendRecords(ctx, records); err != nil {
		t.Fatalf("AppendRecords failed: %v", err)
	}

	recent, err := store.QueryRecent(ctx, "peer-1", 30)
	if err != nil {
		t.Fatalf("QueryRecent failed: %v", err)
	}
	if len(recent) != 30 {
		t.Fatalf("expected 30 records, got %d", len(recent))
	}
	if recent[0].MessageID != "msg-39" || recent[29].MessageID != "msg-10" {
		t.Fatalf("unexpected order: first %q last %q", recent[0].MessageID, recent[29].MessageID)
	}
	for _, record := range recent {
		if record.PeerID != "peer-1" {
			t.Fatalf("record of another peer returned: %+v", record)
		}
	}

	if recent[0].Content != "content of msg-39" || recent[0].Kind != KindText || recent[0].Origin != OriginRemote {
		t.Fatalf("record fields not round-tripped: %+v", recent[0])
	}
}

func TestAppendRecordsIgnoresDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := textRecord("dup", "peer-1", 10, OriginLocal)
	if err := store.AppendRecords(ctx, []Record{first}); err != nil {
		t.Fatalf("AppendRecords failed: %v", err)
	}

	second := first
	second.Content = "changed"
	if err := store.AppendRecords(ctx, []Record{second, textRecord("next", "peer-1", 11, OriginLocal)}); err != nil {
		t.Fatalf("AppendRecords with duplicate failed: %v", err)
	}

	recent, err := store.QueryRecent(ctx, "peer-1", 10)
	if err != nil {
		t.Fatalf("QueryRecent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[1].Content != "content of dup" {
		t.Fatalf("duplicate overwrote the stored record: %+v", recent[1])
	}
}

func TestAppendRecordsValidatesBeforeWriting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bad := textRecord("bad", "peer-1", 2, OriginLocal)
	bad.Kind = "video"
	err := store.AppendRecords(ctx, []Record{textRecord("good", "peer-1", 1, OriginLocal), bad})
	if err == nil {
		t.Fatal("expected invalid kind to be rejected")
	}

	recent, err := store.QueryRecent(ctx, "peer-1", 10)
	if err != nil {
		t.Fatalf("QueryRecent failed: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected no records after rejected batch, got %d", len(recent))
	}

	for _, record := range []Record{
		{PeerID: "p", Kind: KindText, Origin: OriginLocal},
		{MessageID: "m", Kind: KindText, Origin: OriginLocal},
		{MessageID: "m", PeerID: "p", Kind: KindImageHash, Origin: "nowhere"},
	} {
		if err := store.AppendRecords(ctx, []Record{record}); err == nil {
			t.Fatalf("expected record %+v to be rejected", record)
		}
	}
}

func TestQueryRecentEdgeCases(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.QueryRecent(ctx, "", 10); err == nil {
		t.Fatal("expected empty peer id to be rejected")
	}

	records, err := store.QueryRecent(ctx, "nobody", 10)
	if err != nil {
		t.Fatalf("QueryRecent failed: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", records)
	}

	if err := store.AppendRecords(ctx, nil); err != nil {
		t.Fatalf("AppendRecords(nil) failed: %v", err)
	}
}

package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qiyuhang/multisolve/internal/identity"
)

func TestGetDetail_StatusLifecycle(t *testing.T) {
	db := openTestDB(t)
	p1 := &scriptedProvider{name: "ChatGpt", reply: "answer"}
	svc := testService(t, db, &fakeLedger{allow: true}, p1)

	id := identity.Registered(11)
	res := mustSolve(t, svc, id, "lifecycle problem", []Assignment{{Model: "ChatGpt", Role: "a"}})

	detail, err := svc.GetDetail(context.Background(), res.Chat.ChatID)
	if err != nil {
		t.Fatalf("get detail: %v", err)
	}
	if detail.Status != StatusPending {
		t.Fatalf("fresh chat should be pending, got %s", detail.Status)
	}

	if err := svc.RunChain(context.Background(), res.Job.ID); err != nil {
		t.Fatalf("run chain: %v", err)
	}
	detail, _ = svc.GetDetail(context.Background(), res.Chat.ChatID)
	if detail.Status != StatusComplete {
		t.Fatalf("finished chain should be complete, got %s", detail.Status)
	}
	if len(detail.Responses) != 1 || detail.Problem.Description != "lifecycle problem" {
		t.Fatalf("detail payload incomplete")
	}
}

func TestGetDetail_FailedJobReadsStalled(t *testing.T) {
	db := openTestDB(t)
	p1 := &scriptedProvider{name: "ChatGpt", reply: "one"}
	p2 := &scriptedProvider{name: "Claude", err: errors.New("boom")}
	svc := testService(t, db, &fakeLedger{allow: true}, p1, p2)

	res := mustSolve(t, svc, identity.Registered(1), "p", []Assignment{
		{Model: "ChatGpt", Role: "a"},
		{Model: "Claude", Role: "b"},
	})
	if err := svc.RunChain(context.Background(), res.Job.ID); err != nil {
		t.Fatalf("run chain: %v", err)
	}

	detail, _ := svc.GetDetail(context.Background(), res.Chat.ChatID)
	if detail.Status != StatusStalled {
		t.Fatalf("short chain should read stalled, got %s", detail.Status)
	}
}

func TestGetDetail_UnknownChat(t *testing.T) {
	db := openTestDB(t)
	svc := testService(t, db, &fakeLedger{allow: true})

	if _, err := svc.GetDetail(context.Background(), "01UNKNOWNCHATID0000000000X"); err == nil {
		t.Fatalf("expected not found")
	}
}

func TestWaitForDetail_WakesOnCompletion(t *testing.T) {
	db := openTestDB(t)
	p1 := &scriptedProvider{name: "ChatGpt", reply: "answer"}
	svc := testService(t, db, &fakeLedger{allow: true}, p1)

	res := mustSolve(t, svc, identity.Registered(2), "wait problem", []Assignment{{Model: "ChatGpt", Role: "a"}})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = svc.RunChain(context.Background(), res.Job.ID)
	}()

	start := time.Now()
	detail, err := svc.WaitForDetail(context.Background(), res.Chat.ChatID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if detail.Status != StatusComplete {
		t.Fatalf("expected complete after wake, got %s", detail.Status)
	}
	if time.Since(start) >= 5*time.Second {
		t.Fatalf("wait should return before the timeout once the chain finishes")
	}
}

func TestWaitForDetail_TimesOutOnSilentChain(t *testing.T) {
	db := openTestDB(t)
	p1 := &scriptedProvider{name: "ChatGpt", reply: "never produced"}
	svc := testService(t, db, &fakeLedger{allow: true}, p1)

	res := mustSolve(t, svc, identity.Registered(2), "silent problem", []Assignment{{Model: "ChatGpt", Role: "a"}})

	detail, err := svc.WaitForDetail(context.Background(), res.Chat.ChatID, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if detail.Status != StatusPending {
		t.Fatalf("silent chain should still be pending, got %s", detail.Status)
	}
}

func TestHistory_ListsOwnChatsOnly(t *testing.T) {
	db := openTestDB(t)
	p1 := &scriptedProvider{name: "ChatGpt", reply: "x"}
	svc := testService(t, db, &fakeLedger{allow: true}, p1)

	mine := identity.Registered(21)
	theirs := identity.Registered(22)
	runSeededChain(t, svc, mine, []Assignment{{Model: "ChatGpt", Role: "a"}})
	runSeededChain(t, svc, theirs, []Assignment{{Model: "ChatGpt", Role: "a"}})

	entries, err := svc.History(context.Background(), mine)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly my chat, got %d entries", len(entries))
	}
	if entries[0].Description != "seeded problem" {
		t.Fatalf("unexpected description: %q", entries[0].Description)
	}
	if entries[0].Status != StatusComplete {
		t.Fatalf("expected complete status, got %s", entries[0].Status)
	}

	if _, err := svc.History(context.Background(), identity.Anonymous("deadbeef0000-a")); err == nil {
		t.Fatalf("anonymous history must be refused")
	}
}

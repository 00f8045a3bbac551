package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/qiyuhang/multisolve/internal/ai"
	"github.com/qiyuhang/multisolve/internal/identity"
	"github.com/qiyuhang/multisolve/internal/logger"
	"github.com/qiyuhang/multisolve/internal/notify"
)

type scriptedProvider struct {
	name    string
	reply   string
	err     error
	prompts []string
	files   []string
}

func (p *scriptedProvider) Invoke(ctx context.Context, prompt, fileText string) (*ai.Result, error) {
	_ = ctx
	p.prompts = append(p.prompts, prompt)
	p.files = append(p.files, fileText)
	if p.err != nil {
		return nil, p.err
	}
	return &ai.Result{Text: p.reply, Usage: ai.Usage{InputTokens: 10, OutputTokens: 20}}, nil
}

type fakeLedger struct {
	allow    bool
	allowSeq []bool
	calls    int
	recorded []string
}

func (l *fakeLedger) RecordUsage(ctx context.Context, id identity.Identity, modelName string, usage ai.Usage) error {
	_ = ctx
	_ = id
	_ = usage
	l.recorded = append(l.recorded, modelName)
	return nil
}

func (l *fakeLedger) CheckBalance(ctx context.Context, id identity.Identity) (bool, error) {
	_ = ctx
	_ = id
	if len(l.allowSeq) > 0 {
		ok := l.allowSeq[0]
		if len(l.allowSeq) > 1 {
			l.allowSeq = l.allowSeq[1:]
		}
		l.calls++
		return ok, nil
	}
	l.calls++
	return l.allow, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ProblemStatement{}, &ProblemBreakdown{}, &Chat{}, &ModelResponse{}, &ChainJob{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testService(t *testing.T, db *gorm.DB, ledger *fakeLedger, providers ...*scriptedProvider) *Service {
	t.Helper()
	reg := ai.NewRegistry()
	for _, p := range providers {
		prov := p
		reg.Register(prov.name, func(ctx context.Context) (ai.Provider, error) {
			return prov, nil
		})
	}
	return NewService(NewRepo(db), reg, ledger, nil, notify.NewHub(logger.NewNop()), logger.NewNop(), 0)
}

func mustSolve(t *testing.T, svc *Service, id identity.Identity, description string, assignments []Assignment) *SolveResult {
	t.Helper()
	res, err := svc.CreateSolve(context.Background(), SolveInput{
		Description: description,
		Assignments: assignments,
		Identity:    id,
	})
	if err != nil {
		t.Fatalf("create solve: %v", err)
	}
	return res
}

func TestAuthorColumnsPersistAcrossReload(t *testing.T) {
	db := openTestDB(t)
	svc := testService(t, db, &fakeLedger{allow: true}, &scriptedProvider{name: "ChatGpt", reply: "ok"})

	anon := identity.Anonymous("cafe0000-x")
	res := mustSolve(t, svc, anon, "an anonymous problem", []Assignment{{Model: "ChatGpt", Role: "solve"}})

	var problem ProblemStatement
	if err := db.First(&problem, res.Problem.ID).Error; err != nil {
		t.Fatalf("reload problem: %v", err)
	}
	if !problem.Anonymous || problem.AnonymousAuthor == nil || *problem.AnonymousAuthor != "cafe0000-x" {
		t.Fatalf("anonymous author not persisted: %+v", problem.AuthorRef)
	}
	if !problem.ownedBy(anon) {
		t.Fatal("reloaded problem not owned by its author")
	}

	var chatRow Chat
	if err := db.Where("chat_id = ?", res.Chat.ChatID).First(&chatRow).Error; err != nil {
		t.Fatalf("reload chat: %v", err)
	}
	if got := chatRow.AuthorRef.identity(); got.Key() != anon.Key() {
		t.Fatalf("chat identity round trip: got %q, want %q", got.Key(), anon.Key())
	}

	reg := identity.Registered(42)
	res2 := mustSolve(t, svc, reg, "a registered problem", []Assignment{{Model: "ChatGpt", Role: "solve"}})

	var breakdown ProblemBreakdown
	if err := db.Where("problem_id = ?", res2.Problem.ID).First(&breakdown).Error; err != nil {
		t.Fatalf("reload breakdown: %v", err)
	}
	if breakdown.Anonymous || breakdown.RegisteredAuthor == nil || *breakdown.RegisteredAuthor != 42 {
		t.Fatalf("registered author not persisted: %+v", breakdown.AuthorRef)
	}

	// The raw column names back the author-scoped lookup queries.
	var n int64
	if err := db.Model(&ProblemStatement{}).
		Where("anonymous = ? AND anonymous_author = ?", true, "cafe0000-x").
		Count(&n).Error; err != nil {
		t.Fatalf("raw author query: %v", err)
	}
	if n != 1 {
		t.Fatalf("raw author query matched %d rows, want 1", n)
	}
}

func TestRunChain_AllStepsSucceedInOrder(t *testing.T) {
	db := openTestDB(t)
	p1 := &scriptedProvider{name: "ChatGpt", reply: "first answer"}
	p2 := &scriptedProvider{name: "Claude", reply: "second answer"}
	p3 := &scriptedProvider{name: "Gemini", reply: "third answer"}
	svc := testService(t, db, &fakeLedger{allow: true}, p1, p2, p3)

	id := identity.Registered(7)
	res := mustSolve(t, svc, id, "sort a slice", []Assignment{
		{Model: "ChatGpt", Role: "outline the approach"},
		{Model: "Claude", Role: "write the code"},
		{Model: "Gemini", Role: "review the code"},
	})

	if err := svc.RunChain(context.Background(), res.Job.ID); err != nil {
		t.Fatalf("run chain: %v", err)
	}

	responses, err := svc.repo.ResponsesForChat(context.Background(), res.Chat.ChatID)
	if err != nil {
		t.Fatalf("load responses: %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(responses))
	}
	for i, want := range []string{"ChatGpt", "Claude", "Gemini"} {
		if responses[i].ModelName != want {
			t.Fatalf("response %d: expected model %s, got %s", i, want, responses[i].ModelName)
		}
		if responses[i].Position != i {
			t.Fatalf("response %d: expected position %d, got %d", i, i, responses[i].Position)
		}
		if !responses[i].Completed {
			t.Fatalf("response %d not marked completed", i)
		}
	}

	job, err := svc.repo.GetChainJobByID(context.Background(), res.Job.ID)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != ChainSucceeded {
		t.Fatalf("expected succeeded job, got %s", job.Status)
	}
	if job.CompletedSteps != 3 {
		t.Fatalf("expected 3 completed steps, got %d", job.CompletedSteps)
	}
}

func TestRunChain_PromptThreadsPriorResponses(t *testing.T) {
	db := openTestDB(t)
	p1 := &scriptedProvider{name: "ChatGpt", reply: "use a heap"}
	p2 := &scriptedProvider{name: "Claude", reply: "here is the code"}
	svc := testService(t, db, &fakeLedger{allow: true}, p1, p2)

	res := mustSolve(t, svc, identity.Anonymous("abc123def456-x"), "find top k elements", []Assignment{
		{Model: "ChatGpt", Role: "plan"},
		{Model: "Claude", Role: "implement"},
	})
	if err := svc.RunChain(context.Background(), res.Job.ID); err != nil {
		t.Fatalf("run chain: %v", err)
	}

	if len(p1.prompts) != 1 || len(p2.prompts) != 1 {
		t.Fatalf("expected one prompt per provider, got %d and %d", len(p1.prompts), len(p2.prompts))
	}
	if strings.Contains(p1.prompts[0], "Previous model responses") {
		t.Fatalf("first step prompt should carry no transcript: %q", p1.prompts[0])
	}
	if !strings.Contains(p1.prompts[0], "Problem: find top k elements") {
		t.Fatalf("first prompt missing problem: %q", p1.prompts[0])
	}
	if !strings.Contains(p1.prompts[0], "Your role in solving this: plan") {
		t.Fatalf("first prompt missing role: %q", p1.prompts[0])
	}
	if !strings.Contains(p2.prompts[0], "The previous model (ChatGpt) gave the response: use a heap") {
		t.Fatalf("second prompt missing prior answer: %q", p2.prompts[0])
	}
}

func TestRunChain_FailedStepIsSkipped(t *testing.T) {
	db := openTestDB(t)
	p1 := &scriptedProvider{name: "ChatGpt", reply: "plan text"}
	p2 := &scriptedProvider{name: "Claude", err: &ai.InvocationError{Provider: "Claude", Err: errors.New("rate limited upstream")}}
	p3 := &scriptedProvider{name: "Gemini", reply: "review text"}
	ledger := &fakeLedger{allow: true}
	svc := testService(t, db, ledger, p1, p2, p3)

	res := mustSolve(t, svc, identity.Registered(1), "parse a csv", []Assignment{
		{Model: "ChatGpt", Role: "plan"},
		{Model: "Claude", Role: "implement"},
		{Model: "Gemini", Role: "review"},
	})
	if err := svc.RunChain(context.Background(), res.Job.ID); err != nil {
		t.Fatalf("run chain should absorb step failures: %v", err)
	}

	responses, _ := svc.repo.ResponsesForChat(context.Background(), res.Chat.ChatID)
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses after one skip, got %d", len(responses))
	}
	if responses[0].ModelName != "ChatGpt" || responses[1].ModelName != "Gemini" {
		t.Fatalf("unexpected models: %s, %s", responses[0].ModelName, responses[1].ModelName)
	}

	// Later steps only see successful prior answers.
	if strings.Contains(p3.prompts[0], "Claude") {
		t.Fatalf("third prompt should not mention the failed model: %q", p3.prompts[0])
	}
	if !strings.Contains(p3.prompts[0], "plan text") {
		t.Fatalf("third prompt missing surviving answer: %q", p3.prompts[0])
	}

	// Usage is only billed for completed invocations.
	if len(ledger.recorded) != 2 {
		t.Fatalf("expected 2 usage records, got %d", len(ledger.recorded))
	}

	job, _ := svc.repo.GetChainJobByID(context.Background(), res.Job.ID)
	if job.Status != ChainFailed {
		t.Fatalf("short chain should end failed, got %s", job.Status)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "2 of 3") {
		t.Fatalf("expected step count in job error, got %v", job.Error)
	}
}

func TestRunChain_StopsWhenBalanceRunsOut(t *testing.T) {
	db := openTestDB(t)
	p1 := &scriptedProvider{name: "ChatGpt", reply: "first"}
	p2 := &scriptedProvider{name: "Claude", reply: "never reached"}
	ledger := &fakeLedger{allowSeq: []bool{true, false}}
	svc := testService(t, db, ledger, p1, p2)

	res := mustSolve(t, svc, identity.Registered(3), "some problem", []Assignment{
		{Model: "ChatGpt", Role: "a"},
		{Model: "Claude", Role: "b"},
	})
	if err := svc.RunChain(context.Background(), res.Job.ID); err != nil {
		t.Fatalf("run chain: %v", err)
	}

	responses, _ := svc.repo.ResponsesForChat(context.Background(), res.Chat.ChatID)
	if len(responses) != 1 {
		t.Fatalf("expected chain stopped after 1 response, got %d", len(responses))
	}
	if len(p2.prompts) != 0 {
		t.Fatalf("second provider should never be invoked")
	}

	job, _ := svc.repo.GetChainJobByID(context.Background(), res.Job.ID)
	if job.Status != ChainFailed {
		t.Fatalf("expected failed job, got %s", job.Status)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "balance") {
		t.Fatalf("expected balance reason, got %v", job.Error)
	}
}

func TestCreateSolve_ReusesProblemForSameAuthorAndText(t *testing.T) {
	db := openTestDB(t)
	svc := testService(t, db, &fakeLedger{allow: true}, &scriptedProvider{name: "ChatGpt", reply: "x"})

	id := identity.Registered(42)
	first := mustSolve(t, svc, id, "same text", []Assignment{{Model: "ChatGpt", Role: "a"}})
	second := mustSolve(t, svc, id, "same text", []Assignment{{Model: "ChatGpt", Role: "b"}})

	if first.Problem.ID != second.Problem.ID {
		t.Fatalf("expected problem reuse, got %d and %d", first.Problem.ID, second.Problem.ID)
	}
	if first.Chat.ChatID == second.Chat.ChatID {
		t.Fatalf("each solve must open a fresh chat")
	}

	// A different author with identical text gets their own problem row.
	other := mustSolve(t, svc, identity.Registered(43), "same text", []Assignment{{Model: "ChatGpt", Role: "a"}})
	if other.Problem.ID == first.Problem.ID {
		t.Fatalf("problem reuse must not cross authors")
	}
}

func TestCreateSolve_RejectsUnknownModel(t *testing.T) {
	db := openTestDB(t)
	svc := testService(t, db, &fakeLedger{allow: true}, &scriptedProvider{name: "ChatGpt", reply: "x"})

	_, err := svc.CreateSolve(context.Background(), SolveInput{
		Description: "p",
		Assignments: []Assignment{{Model: "Llama", Role: "a"}},
		Identity:    identity.Registered(1),
	})
	if err == nil {
		t.Fatalf("expected validation error for unknown model")
	}
}

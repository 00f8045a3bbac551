package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/qiyuhang/multisolve/internal/ai"
	"github.com/qiyuhang/multisolve/internal/billing"
	"github.com/qiyuhang/multisolve/internal/common"
	"github.com/qiyuhang/multisolve/internal/files"
	"github.com/qiyuhang/multisolve/internal/identity"
	"github.com/qiyuhang/multisolve/internal/logger"
	"github.com/qiyuhang/multisolve/internal/notify"
)

// Status is the client-visible completion state of a chat's chain.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPartial  Status = "partial"
	StatusComplete Status = "complete"
	// StatusStalled marks a chain that stopped short: its job failed, or no
	// step progressed within the stall timeout.
	StatusStalled Status = "stalled"
)

type Service struct {
	repo         *Repo
	registry     *ai.Registry
	ledger       billing.Ledger
	files        files.Store
	notifier     notify.Notifier
	log          *logger.Logger
	stallTimeout time.Duration
}

func NewService(repo *Repo, registry *ai.Registry, ledger billing.Ledger, fileStore files.Store, notifier notify.Notifier, log *logger.Logger, stallTimeout time.Duration) *Service {
	if stallTimeout <= 0 {
		stallTimeout = 2 * time.Minute
	}
	return &Service{
		repo:         repo,
		registry:     registry,
		ledger:       ledger,
		files:        fileStore,
		notifier:     notifier,
		log:          log.With("component", "chat.Service"),
		stallTimeout: stallTimeout,
	}
}

type SolveInput struct {
	Description string
	Assignments []Assignment
	Identity    identity.Identity
	// File is a freshly uploaded attachment, if any. When the problem
	// statement already exists with its own attachment, the new upload is
	// discarded in favor of the stored one.
	File *files.Metadata
}

type SolveResult struct {
	Chat    *Chat
	Job     *ChainJob
	Problem *ProblemStatement
}

// CreateSolve validates the request, finds or creates the problem statement,
// and persists the breakdown, chat and queued chain job. It does not run the
// chain; the dispatcher picks the job up afterwards.
func (s *Service) CreateSolve(ctx context.Context, in SolveInput) (*SolveResult, error) {
	description := strings.TrimSpace(in.Description)
	if description == "" {
		return nil, &common.ValidationError{Field: "problem_statement", Msg: "problem statement is required"}
	}
	if len(in.Assignments) == 0 {
		return nil, &common.ValidationError{Field: "model_assignments", Msg: "no roles selected for models"}
	}
	for _, a := range in.Assignments {
		if strings.TrimSpace(a.Role) == "" {
			return nil, &common.ValidationError{Field: "model_assignments", Msg: "assignment role is required"}
		}
		if !s.registry.Known(a.Model) {
			return nil, &common.ValidationError{Field: "model_assignments", Msg: "unknown model: " + a.Model}
		}
	}

	author := authorFor(in.Identity)

	problem, err := s.FindProblem(ctx, description, in.Identity)
	if err != nil {
		return nil, err
	}
	if problem == nil {
		problem = &ProblemStatement{
			Description: description,
			AuthorRef:   author,
		}
		if in.File != nil {
			problem.FileKey = in.File.Key
			problem.FileName = in.File.OriginalName
			problem.FileMime = in.File.ContentType
			problem.FileSize = in.File.Size
		}
		if err := s.repo.CreateProblem(ctx, problem); err != nil {
			return nil, err
		}
	} else if in.File != nil && s.files != nil {
		// Reused problem keeps its original attachment; drop the redundant
		// upload. Cleanup failures are logged, never re-raised.
		if delErr := s.files.Delete(ctx, in.File.Key); delErr != nil {
			s.log.Warn("orphan upload cleanup failed", "key", in.File.Key, "err", delErr)
		}
	}

	breakdown := &ProblemBreakdown{
		ProblemID:   problem.ID,
		AuthorRef:   author,
		Assignments: in.Assignments,
	}
	if err := s.repo.CreateBreakdown(ctx, breakdown); err != nil {
		return nil, err
	}

	chatID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	chatRow := &Chat{
		ChatID:        chatID,
		ProblemID:     problem.ID,
		BreakdownID:   breakdown.ID,
		AuthorRef:     author,
		ExpectedSteps: len(in.Assignments),
	}
	if err := s.repo.CreateChat(ctx, chatRow); err != nil {
		return nil, err
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	job := &ChainJob{
		ID:         jobID,
		ChatID:     chatID,
		Status:     ChainQueued,
		TotalSteps: len(in.Assignments),
	}
	if err := s.repo.CreateChainJob(ctx, job); err != nil {
		return nil, err
	}

	return &SolveResult{Chat: chatRow, Job: job, Problem: problem}, nil
}

// FindProblem returns nil without error when no matching problem exists.
func (s *Service) FindProblem(ctx context.Context, description string, id identity.Identity) (*ProblemStatement, error) {
	p, err := s.repo.FindProblemByDescription(ctx, description, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

type transcriptEntry struct {
	Model string
	Text  string
}

// buildChainPrompt threads every prior model's answer, in order, into the
// next step's prompt.
func buildChainPrompt(description, role string, transcript []transcriptEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem: %s\nYour role in solving this: %s", description, role)
	if len(transcript) > 0 {
		b.WriteString("\nPrevious model responses:\n")
		for _, t := range transcript {
			fmt.Fprintf(&b, "The previous model (%s) gave the response: %s\n", t.Model, t.Text)
		}
	}
	return b.String()
}

// RunChain executes one chain job: strictly sequential over the breakdown's
// assignments, persisting each response as it completes. A single model's
// failure is absorbed and the chain continues; absence of a response is the
// failure signal for that step.
func (s *Service) RunChain(ctx context.Context, jobID string) error {
	if err := s.repo.MarkChainJobRunning(ctx, jobID); err != nil {
		s.log.Warn("mark running failed", "job", jobID, "err", err)
	}

	job, err := s.repo.GetChainJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	chatRow, err := s.repo.GetChatByChatID(ctx, job.ChatID)
	if err != nil {
		return err
	}
	problem, err := s.repo.GetProblemByID(ctx, chatRow.ProblemID)
	if err != nil {
		return err
	}
	breakdown, err := s.repo.GetBreakdownByID(ctx, chatRow.BreakdownID)
	if err != nil {
		return err
	}

	ident := chatRow.AuthorRef.identity()

	fileText := s.extractFileText(ctx, problem)

	// A redelivered job resumes after the steps that already persisted.
	prior, err := s.repo.ResponsesForChat(ctx, chatRow.ChatID)
	if err != nil {
		return err
	}
	transcript := make([]transcriptEntry, 0, len(breakdown.Assignments))
	for _, p := range prior {
		transcript = append(transcript, transcriptEntry{Model: p.ModelName, Text: p.Response})
	}

	done := len(prior)
	for idx, a := range breakdown.Assignments {
		if idx < len(prior) {
			continue
		}

		ok, balErr := s.ledger.CheckBalance(ctx, ident)
		if balErr != nil {
			s.log.Error("balance check failed", "chat", chatRow.ChatID, "err", balErr)
		} else if !ok {
			s.log.Warn("insufficient balance, stopping chain", "chat", chatRow.ChatID, "step", idx)
			return s.repo.MarkChainJobFailed(ctx, jobID, billing.ErrInsufficientBalance.Error())
		}

		provider, err := s.registry.Get(ctx, a.Model)
		if err != nil {
			s.log.Warn("unknown model in chain, skipping", "chat", chatRow.ChatID, "model", a.Model)
			continue
		}

		// Only the first step carries the attached file text.
		stepFile := ""
		if idx == 0 {
			stepFile = fileText
		}

		prompt := buildChainPrompt(problem.Description, a.Role, transcript)
		res, err := provider.Invoke(ctx, prompt, stepFile)
		if err != nil {
			s.log.Warn("model invocation failed, skipping step",
				"chat", chatRow.ChatID, "model", a.Model, "step", idx, "err", err)
			continue
		}

		m := &ModelResponse{
			ChatID:    chatRow.ChatID,
			ModelName: a.Model,
			Role:      a.Role,
			Response:  res.Text,
			Completed: true,
		}
		if err := s.repo.AppendResponse(ctx, m); err != nil {
			s.log.Error("persist response failed", "chat", chatRow.ChatID, "model", a.Model, "err", err)
			continue
		}
		if err := s.ledger.RecordUsage(ctx, ident, a.Model, res.Usage); err != nil {
			s.log.Error("record usage failed", "chat", chatRow.ChatID, "model", a.Model, "err", err)
		}
		s.notifier.Publish(ctx, chatRow.ChatID)

		done++
		if err := s.repo.SetChainProgress(ctx, jobID, done); err != nil {
			s.log.Warn("set progress failed", "job", jobID, "err", err)
		}
		transcript = append(transcript, transcriptEntry{Model: a.Model, Text: res.Text})
	}

	if done >= job.TotalSteps {
		return s.repo.MarkChainJobSucceeded(ctx, jobID)
	}
	return s.repo.MarkChainJobFailed(ctx, jobID, fmt.Sprintf("completed %d of %d steps", done, job.TotalSteps))
}

// extractFileText is non-fatal by contract: any failure leaves the chain
// running with empty file content.
func (s *Service) extractFileText(ctx context.Context, problem *ProblemStatement) string {
	if problem == nil || !problem.HasFile() || s.files == nil {
		return ""
	}
	text, err := s.files.ExtractText(ctx, &files.Metadata{
		Key:          problem.FileKey,
		OriginalName: problem.FileName,
		ContentType:  problem.FileMime,
		Size:         problem.FileSize,
	})
	if err != nil {
		s.log.Warn("file text extraction failed", "key", problem.FileKey, "err", err)
		return ""
	}
	return text
}

// Regenerate appends a fresh response for one model given feedback text.
// Prior responses are untouched.
func (s *Service) Regenerate(ctx context.Context, id identity.Identity, chatID, modelName, feedback string) (*ModelResponse, *ProblemStatement, error) {
	if strings.TrimSpace(feedback) == "" {
		return nil, nil, &common.ValidationError{Field: "feedback", Msg: "feedback is required"}
	}

	chatRow, err := s.ownedChat(ctx, id, chatID)
	if err != nil {
		return nil, nil, err
	}
	problem, err := s.repo.GetProblemByID(ctx, chatRow.ProblemID)
	if err != nil {
		return nil, nil, err
	}

	fileText := s.extractFileText(ctx, problem)
	last, err := s.repo.LastResponseByModel(ctx, chatID, modelName)
	if err != nil {
		return nil, nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "I have this problem: %s\n", problem.Description)
	if fileText != "" {
		fmt.Fprintf(&b, "\nRelated file content:\n%s\n", fileText)
	}
	if last != nil {
		fmt.Fprintf(&b, "\nYour previous response: %s\nFeedback: %s, write how you'll fix it, then give me a new solution.", last.Response, feedback)
	} else {
		fmt.Fprintf(&b, "\nFeedback: %s, give me a solution.", feedback)
	}

	res, err := s.invokeBilled(ctx, id, modelName, b.String(), "")
	if err != nil {
		return nil, nil, err
	}

	m := &ModelResponse{
		ChatID:    chatID,
		ModelName: modelName,
		Role:      feedback,
		Response:  res.Text,
		Completed: true,
	}
	if err := s.repo.AppendResponse(ctx, m); err != nil {
		return nil, nil, err
	}
	if err := s.bumpExpectedSteps(ctx, chatRow, +1); err != nil {
		s.log.Warn("bump expected steps failed", "chat", chatID, "err", err)
	}
	s.notifier.Publish(ctx, chatID)
	return m, problem, nil
}

// Edit replaces the response with the given id in place and discards every
// response after it; downstream responses depend on the edited one and are
// no longer valid.
func (s *Service) Edit(ctx context.Context, id identity.Identity, chatID, modelName string, oldResponseID uint64, newText string) (*ModelResponse, error) {
	if strings.TrimSpace(newText) == "" {
		return nil, &common.ValidationError{Field: "new_text", Msg: "replacement text is required"}
	}

	chatRow, err := s.ownedChat(ctx, id, chatID)
	if err != nil {
		return nil, err
	}

	responses, err := s.repo.ResponsesForChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	var target *ModelResponse
	for i := range responses {
		if responses[i].ID == oldResponseID {
			target = &responses[i]
			break
		}
	}
	if target == nil {
		return nil, common.ErrNotFound
	}

	if err := s.repo.TruncateAfter(ctx, chatID, target.Position); err != nil {
		return nil, err
	}
	if err := s.setExpectedSteps(ctx, chatRow, target.Position+1); err != nil {
		s.log.Warn("set expected steps failed", "chat", chatID, "err", err)
	}

	prompt := fmt.Sprintf("Your previous response: %s\nFeedback: %s", target.Response, newText)
	res, err := s.invokeBilled(ctx, id, modelName, prompt, "")
	if err != nil {
		return nil, err
	}

	if err := s.repo.ReplaceResponseInPlace(ctx, target.ID, newText, res.Text); err != nil {
		return nil, err
	}
	if err := s.repo.TouchChat(ctx, chatID); err != nil {
		s.log.Warn("touch chat failed", "chat", chatID, "err", err)
	}

	target.Role = newText
	target.Response = res.Text
	target.Completed = true
	return target, nil
}

// invokeBilled is the synchronous invocation path shared by the regenerate
// and edit flows: balance gate, provider call, usage posted to the ledger.
func (s *Service) invokeBilled(ctx context.Context, id identity.Identity, modelName, prompt, fileText string) (*ai.Result, error) {
	ok, err := s.ledger.CheckBalance(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, billing.ErrInsufficientBalance
	}

	provider, err := s.registry.Get(ctx, modelName)
	if err != nil {
		return nil, &common.ValidationError{Field: "model_name", Msg: err.Error()}
	}
	res, err := provider.Invoke(ctx, prompt, fileText)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.RecordUsage(ctx, id, modelName, res.Usage); err != nil {
		s.log.Error("record usage failed", "model", modelName, "err", err)
	}
	return res, nil
}

func (s *Service) ownedChat(ctx context.Context, id identity.Identity, chatID string) (*Chat, error) {
	chatRow, err := s.repo.GetChatByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	// Hide existence from non-owners.
	if !chatRow.AuthorRef.ownedBy(id) {
		return nil, common.ErrNotFound
	}
	return chatRow, nil
}

func (s *Service) bumpExpectedSteps(ctx context.Context, chatRow *Chat, delta int) error {
	return s.setExpectedSteps(ctx, chatRow, chatRow.ExpectedSteps+delta)
}

func (s *Service) setExpectedSteps(ctx context.Context, chatRow *Chat, n int) error {
	chatRow.ExpectedSteps = n
	return s.repo.SetExpectedSteps(ctx, chatRow.ChatID, n)
}

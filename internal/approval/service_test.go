package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apflow/apflow/internal/invoice"
	"github.com/apflow/apflow/internal/shared"
)

type memInvoiceRepo struct {
	invoices map[uuid.UUID]invoice.Invoice
}

func (r *memInvoiceRepo) WithTx(ctx context.Context, fn func(context.Context, invoice.TxRepository) error) error {
	return errors.New("not supported")
}

func (r *memInvoiceRepo) Get(ctx context.Context, id uuid.UUID) (invoice.Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return invoice.Invoice{}, shared.ErrNotFound
	}
	return inv, nil
}

func (r *memInvoiceRepo) ListLines(ctx context.Context, invoiceID uuid.UUID) ([]invoice.LineItem, error) {
	return nil, nil
}

func (r *memInvoiceRepo) ListPendingWithDueDate(ctx context.Context) ([]invoice.Invoice, error) {
	return nil, nil
}

type memApprovalRepo struct {
	tasks           map[uuid.UUID]Task
	tokens          map[uuid.UUID]Token
	delegations     []Delegation
	matrix          []MatrixRule
	usersByRole     map[shared.Role]uuid.UUID
	invoiceStatuses map[uuid.UUID]invoice.Status
	audits          []shared.AuditEntry
}

func newMemApprovalRepo() *memApprovalRepo {
	return &memApprovalRepo{
		tasks:           make(map[uuid.UUID]Task),
		tokens:          make(map[uuid.UUID]Token),
		usersByRole:     make(map[shared.Role]uuid.UUID),
		invoiceStatuses: make(map[uuid.UUID]invoice.Status),
	}
}

func (r *memApprovalRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memApprovalTx{repo: r})
}

func (r *memApprovalRepo) GetTask(ctx context.Context, id uuid.UUID) (Task, error) {
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, shared.ErrNotFound
	}
	return t, nil
}

func (r *memApprovalRepo) ListPendingForApprover(ctx context.Context, approverID uuid.UUID) ([]Task, error) {
	var out []Task
	for _, t := range r.tasks {
		if t.ApproverID == approverID && (t.Status == TaskPending || t.Status == TaskPartiallyApproved) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memApprovalRepo) ListResolvedForApprover(ctx context.Context, approverID uuid.UUID) ([]Task, error) {
	var out []Task
	for _, t := range r.tasks {
		if t.ApproverID == approverID && (t.Status == TaskApproved || t.Status == TaskRejected) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memApprovalRepo) FindActiveDelegation(ctx context.Context, delegatorID uuid.UUID, on time.Time) (*Delegation, error) {
	for _, d := range r.delegations {
		if d.DelegatorID == delegatorID && d.Covers(on) {
			found := d
			return &found, nil
		}
	}
	return nil, nil
}

func (r *memApprovalRepo) ListActiveMatrixRules(ctx context.Context) ([]MatrixRule, error) {
	return r.matrix, nil
}

func (r *memApprovalRepo) FindActiveUserByRole(ctx context.Context, role shared.Role) (*uuid.UUID, error) {
	id, ok := r.usersByRole[role]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

type memApprovalTx struct {
	repo *memApprovalRepo
}

func (t *memApprovalTx) GetTaskForUpdate(ctx context.Context, id uuid.UUID) (Task, error) {
	return t.repo.GetTask(ctx, id)
}

func (t *memApprovalTx) InsertTask(ctx context.Context, task Task) error {
	t.repo.tasks[task.ID] = task
	return nil
}

func (t *memApprovalTx) InsertToken(ctx context.Context, token Token) error {
	t.repo.tokens[token.ID] = token
	return nil
}

func (t *memApprovalTx) FindToken(ctx context.Context, taskID uuid.UUID, hash string, action Action) (Token, error) {
	for _, tok := range t.repo.tokens {
		if tok.TaskID == taskID && tok.TokenHash == hash && tok.Action == action {
			return tok, nil
		}
	}
	return Token{}, shared.ErrNotFound
}

func (t *memApprovalTx) MarkTokenUsed(ctx context.Context, tokenID uuid.UUID, at time.Time) error {
	tok, ok := t.repo.tokens[tokenID]
	if !ok || tok.IsUsed {
		return shared.ErrNotFound
	}
	tok.IsUsed = true
	tok.UsedAt = &at
	t.repo.tokens[tokenID] = tok
	return nil
}

func (t *memApprovalTx) UpdateDecision(ctx context.Context, id uuid.UUID, status TaskStatus, channel Channel, notes string, decidedAt *time.Time) error {
	task, ok := t.repo.tasks[id]
	if !ok {
		return shared.ErrNotFound
	}
	task.Status = status
	task.DecisionChannel = channel
	task.Notes = notes
	task.DecidedAt = decidedAt
	t.repo.tasks[id] = task
	return nil
}

func (t *memApprovalTx) UpdateInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, status invoice.Status) error {
	t.repo.invoiceStatuses[invoiceID] = status
	return nil
}

func (t *memApprovalTx) AppendAudit(ctx context.Context, entry shared.AuditEntry) error {
	t.repo.audits = append(t.repo.audits, entry)
	return nil
}

type memEmailer struct {
	approveURLs []string
	rejectURLs  []string
}

func (e *memEmailer) SendApprovalRequest(ctx context.Context, task Task, inv invoice.Invoice, approveURL, rejectURL string) error {
	e.approveURLs = append(e.approveURLs, approveURL)
	e.rejectURLs = append(e.rejectURLs, rejectURL)
	return nil
}

type approvalFixture struct {
	repo      *memApprovalRepo
	invoices  *memInvoiceRepo
	emailer   *memEmailer
	svc       *Service
	invoiceID uuid.UUID
	approver  uuid.UUID
	now       time.Time
}

func newApprovalFixture(t *testing.T, inv invoice.Invoice) *approvalFixture {
	t.Helper()
	repo := newMemApprovalRepo()
	invoices := &memInvoiceRepo{invoices: map[uuid.UUID]invoice.Invoice{inv.ID: inv}}
	emailer := &memEmailer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, invoices, NewTokens([]byte("test-secret")), emailer, Config{BaseURL: "https://ap.example.com"}, logger)
	now := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	approver := uuid.New()
	repo.usersByRole[shared.RoleApprover] = approver
	repo.invoiceStatuses[inv.ID] = inv.Status

	return &approvalFixture{
		repo:      repo,
		invoices:  invoices,
		emailer:   emailer,
		svc:       svc,
		invoiceID: inv.ID,
		approver:  approver,
		now:       now,
	}
}

func matchedInvoice(total float64, fraudScore int) invoice.Invoice {
	return invoice.Invoice{
		ID:            uuid.New(),
		Status:        invoice.StatusMatched,
		InvoiceNumber: "INV-7001",
		TotalAmount:   &total,
		FraudScore:    fraudScore,
	}
}

func rawTokenFromURL(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}

func TestCreateTaskIssuesTokensAndNotifies(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 0))

	task, err := fix.svc.CreateTask(context.Background(), fix.invoiceID, fix.approver, 1, 24, 1)
	require.NoError(t, err)
	require.Equal(t, TaskPending, task.Status)
	require.Equal(t, fix.approver, task.ApproverID)
	require.Nil(t, task.DelegatedTo)
	// Task SLA follows the step's due hours, not the token lifetime.
	require.Equal(t, fix.now.Add(24*time.Hour), task.DueAt)

	require.Len(t, fix.repo.tokens, 2)
	actions := map[Action]bool{}
	for _, tok := range fix.repo.tokens {
		actions[tok.Action] = true
		require.Equal(t, task.ID, tok.TaskID)
		require.False(t, tok.IsUsed)
		// Token lifetime stays on the token TTL clock.
		require.Equal(t, fix.now.Add(48*time.Hour), tok.ExpiresAt)
	}
	require.True(t, actions[ActionApprove])
	require.True(t, actions[ActionReject])

	require.Len(t, fix.repo.audits, 1)
	require.Equal(t, "approval.task_created", fix.repo.audits[0].Action)

	// The emailed raw tokens must hash to the stored values.
	require.Len(t, fix.emailer.approveURLs, 1)
	tokens := NewTokens([]byte("test-secret"))
	for _, rawURL := range []string{fix.emailer.approveURLs[0], fix.emailer.rejectURLs[0]} {
		raw := rawTokenFromURL(t, rawURL)
		hash := tokens.Hash(raw)
		var found bool
		for _, tok := range fix.repo.tokens {
			if tok.TokenHash == hash {
				found = true
			}
		}
		require.True(t, found)
	}
}

func TestCreateTaskDefaultsDueHours(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 0))

	task, err := fix.svc.CreateTask(context.Background(), fix.invoiceID, fix.approver, 1, 0, 1)
	require.NoError(t, err)
	require.Equal(t, fix.now.Add(72*time.Hour), task.DueAt)
}

func TestCreateTaskResolvesDelegation(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 0))
	delegate := uuid.New()
	until := fix.now.Add(7 * 24 * time.Hour)
	fix.repo.delegations = append(fix.repo.delegations, Delegation{
		ID:          uuid.New(),
		DelegatorID: fix.approver,
		DelegateID:  delegate,
		ValidFrom:   fix.now.Add(-24 * time.Hour),
		ValidUntil:  &until,
		IsActive:    true,
	})

	task, err := fix.svc.CreateTask(context.Background(), fix.invoiceID, fix.approver, 1, 0, 1)
	require.NoError(t, err)
	require.Equal(t, delegate, task.ApproverID)
	require.NotNil(t, task.DelegatedTo)
	require.Equal(t, fix.approver, *task.DelegatedTo)
}

func TestCreateForInvoiceDefaultsToSingleApprover(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 50))

	require.NoError(t, fix.svc.CreateForInvoice(context.Background(), fix.invoiceID))
	require.Len(t, fix.repo.tasks, 1)
	for _, task := range fix.repo.tasks {
		require.Equal(t, 1, task.RequiredCount)
		require.Equal(t, fix.approver, task.ApproverID)
	}
}

func TestCreateForInvoiceCriticalFraudRequiresDualAuthorization(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(41666.67, 70))

	require.NoError(t, fix.svc.CreateForInvoice(context.Background(), fix.invoiceID))
	require.Len(t, fix.repo.tasks, 1)
	for _, task := range fix.repo.tasks {
		require.Equal(t, 2, task.RequiredCount)
	}
}

func TestCreateForInvoiceFollowsMatrixChain(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(60000, 0))
	admin := uuid.New()
	fix.repo.usersByRole[shared.RoleAdmin] = admin
	fix.repo.matrix = []MatrixRule{
		{ApproverRole: shared.RoleApprover, StepOrder: 1, DueHours: 24, IsActive: true},
		{AmountMin: f64(50000), ApproverRole: shared.RoleAdmin, StepOrder: 2, DueHours: 48, IsActive: true},
	}

	require.NoError(t, fix.svc.CreateForInvoice(context.Background(), fix.invoiceID))
	require.Len(t, fix.repo.tasks, 2)
	byStep := map[int]Task{}
	for _, task := range fix.repo.tasks {
		byStep[task.StepOrder] = task
	}
	require.Equal(t, fix.approver, byStep[1].ApproverID)
	require.Equal(t, admin, byStep[2].ApproverID)
	require.Equal(t, fix.now.Add(24*time.Hour), byStep[1].DueAt)
	require.Equal(t, fix.now.Add(48*time.Hour), byStep[2].DueAt)
}

func TestCreateForInvoiceNoApprover(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 0))
	delete(fix.repo.usersByRole, shared.RoleApprover)

	err := fix.svc.CreateForInvoice(context.Background(), fix.invoiceID)
	require.ErrorIs(t, err, ErrNoApprover)
	require.Empty(t, fix.repo.tasks)
}

func TestDecideWebApprove(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 0))
	task, err := fix.svc.CreateTask(context.Background(), fix.invoiceID, fix.approver, 1, 0, 1)
	require.NoError(t, err)

	decided, err := fix.svc.Decide(context.Background(), DecisionInput{
		TaskID:  task.ID,
		Action:  ActionApprove,
		Channel: ChannelWeb,
		Actor:   shared.Actor{ID: fix.approver.String(), Role: shared.RoleApprover},
	})
	require.NoError(t, err)
	require.Equal(t, TaskApproved, decided.Status)
	require.NotNil(t, decided.DecidedAt)
	require.Equal(t, invoice.StatusApproved, fix.repo.invoiceStatuses[fix.invoiceID])

	var actions []string
	for _, a := range fix.repo.audits {
		actions = append(actions, a.Action)
	}
	require.Contains(t, actions, "approval.decided")
	require.Contains(t, actions, "invoice.status_changed")
}

func TestDecideWebRejectMarksInvoiceRejected(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 0))
	task, err := fix.svc.CreateTask(context.Background(), fix.invoiceID, fix.approver, 1, 0, 1)
	require.NoError(t, err)

	decided, err := fix.svc.Decide(context.Background(), DecisionInput{
		TaskID:  task.ID,
		Action:  ActionReject,
		Channel: ChannelWeb,
		Actor:   shared.Actor{ID: fix.approver.String(), Role: shared.RoleApprover},
		Notes:   "wrong vendor",
	})
	require.NoError(t, err)
	require.Equal(t, TaskRejected, decided.Status)
	require.Equal(t, invoice.StatusRejected, fix.repo.invoiceStatuses[fix.invoiceID])
}

func TestDecideDualAuthorization(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(41666.67, 70))
	task, err := fix.svc.CreateTask(context.Background(), fix.invoiceID, fix.approver, 1, 0, 2)
	require.NoError(t, err)

	actor := shared.Actor{ID: fix.approver.String(), Role: shared.RoleApprover}

	first, err := fix.svc.Decide(context.Background(), DecisionInput{
		TaskID: task.ID, Action: ActionApprove, Channel: ChannelWeb, Actor: actor,
	})
	require.NoError(t, err)
	require.Equal(t, TaskPartiallyApproved, first.Status)
	require.Nil(t, first.DecidedAt)
	require.Equal(t, invoice.StatusMatched, fix.repo.invoiceStatuses[fix.invoiceID])

	second, err := fix.svc.Decide(context.Background(), DecisionInput{
		TaskID: task.ID, Action: ActionApprove, Channel: ChannelWeb, Actor: actor,
	})
	require.NoError(t, err)
	require.Equal(t, TaskApproved, second.Status)
	require.Equal(t, invoice.StatusApproved, fix.repo.invoiceStatuses[fix.invoiceID])
}

func TestDecideEmailReject(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 0))
	_, err := fix.svc.CreateTask(context.Background(), fix.invoiceID, fix.approver, 1, 0, 1)
	require.NoError(t, err)
	rejectRaw := rawTokenFromURL(t, fix.emailer.rejectURLs[0])

	decided, err := fix.svc.DecideByEmailToken(context.Background(), rejectRaw)
	require.NoError(t, err)
	require.Equal(t, TaskRejected, decided.Status)
	require.Equal(t, ChannelEmail, decided.DecisionChannel)
	require.Equal(t, invoice.StatusRejected, fix.repo.invoiceStatuses[fix.invoiceID])

	for _, tok := range fix.repo.tokens {
		if tok.Action == ActionReject {
			require.True(t, tok.IsUsed)
			require.NotNil(t, tok.UsedAt)
		}
	}

	// The task is terminal, so the same link cannot act again.
	_, err = fix.svc.DecideByEmailToken(context.Background(), rejectRaw)
	require.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestDecideEmailTokenReuseOnOpenTask(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(41666.67, 70))
	_, err := fix.svc.CreateTask(context.Background(), fix.invoiceID, fix.approver, 1, 0, 2)
	require.NoError(t, err)
	approveRaw := rawTokenFromURL(t, fix.emailer.approveURLs[0])

	first, err := fix.svc.DecideByEmailToken(context.Background(), approveRaw)
	require.NoError(t, err)
	require.Equal(t, TaskPartiallyApproved, first.Status)

	// The task still accepts decisions but the consumed token does not.
	_, err = fix.svc.DecideByEmailToken(context.Background(), approveRaw)
	require.ErrorIs(t, err, ErrTokenUsed)
	require.Equal(t, invoice.StatusMatched, fix.repo.invoiceStatuses[fix.invoiceID])
}

func TestDecideEmailTokenExpired(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 0))
	_, err := fix.svc.CreateTask(context.Background(), fix.invoiceID, fix.approver, 1, 0, 1)
	require.NoError(t, err)
	approveRaw := rawTokenFromURL(t, fix.emailer.approveURLs[0])

	fix.svc.now = func() time.Time { return fix.now.Add(48 * time.Hour) }
	_, err = fix.svc.DecideByEmailToken(context.Background(), approveRaw)
	require.ErrorIs(t, err, ErrTokenExpired)
	require.Equal(t, invoice.StatusMatched, fix.repo.invoiceStatuses[fix.invoiceID])
}

func TestDecideEmailTokenInvalid(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 0))
	task, err := fix.svc.CreateTask(context.Background(), fix.invoiceID, fix.approver, 1, 0, 1)
	require.NoError(t, err)

	forged := task.ID.String() + ":approve:" + uuid.NewString()
	_, err = fix.svc.DecideByEmailToken(context.Background(), forged)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestDecideWebRequiresAssignmentOrAdmin(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 0))
	task, err := fix.svc.CreateTask(context.Background(), fix.invoiceID, fix.approver, 1, 0, 1)
	require.NoError(t, err)

	_, err = fix.svc.Decide(context.Background(), DecisionInput{
		TaskID:  task.ID,
		Action:  ActionApprove,
		Channel: ChannelWeb,
		Actor:   shared.Actor{ID: uuid.NewString(), Role: shared.RoleApprover},
	})
	require.ErrorIs(t, err, ErrNotAssigned)

	decided, err := fix.svc.Decide(context.Background(), DecisionInput{
		TaskID:  task.ID,
		Action:  ActionApprove,
		Channel: ChannelWeb,
		Actor:   shared.Actor{ID: uuid.NewString(), Role: shared.RoleAdmin},
	})
	require.NoError(t, err)
	require.Equal(t, TaskApproved, decided.Status)
}

func TestDecideInvalidAction(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 0))
	_, err := fix.svc.Decide(context.Background(), DecisionInput{
		TaskID:  uuid.New(),
		Action:  Action("escalate"),
		Channel: ChannelWeb,
		Actor:   shared.Actor{ID: fix.approver.String(), Role: shared.RoleApprover},
	})
	require.ErrorIs(t, err, ErrInvalidAction)
}

func TestDecideAlreadyDecided(t *testing.T) {
	fix := newApprovalFixture(t, matchedInvoice(12000, 0))
	task, err := fix.svc.CreateTask(context.Background(), fix.invoiceID, fix.approver, 1, 0, 1)
	require.NoError(t, err)

	actor := shared.Actor{ID: fix.approver.String(), Role: shared.RoleApprover}
	_, err = fix.svc.Decide(context.Background(), DecisionInput{
		TaskID: task.ID, Action: ActionApprove, Channel: ChannelWeb, Actor: actor,
	})
	require.NoError(t, err)

	_, err = fix.svc.Decide(context.Background(), DecisionInput{
		TaskID: task.ID, Action: ActionReject, Channel: ChannelWeb, Actor: actor,
	})
	require.ErrorIs(t, err, ErrAlreadyDecided)
}

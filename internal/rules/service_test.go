package rules

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apflow/apflow/internal/shared"
)

type memoryRulesRepo struct {
	rules    map[uuid.UUID]Rule
	versions map[uuid.UUID]Version
	audits   []shared.AuditEntry
}

type memoryRulesTx struct {
	repo *memoryRulesRepo
}

func newMemoryRulesRepo() *memoryRulesRepo {
	return &memoryRulesRepo{
		rules:    make(map[uuid.UUID]Rule),
		versions: make(map[uuid.UUID]Version),
	}
}

func (r *memoryRulesRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryRulesTx{repo: r})
}

func (r *memoryRulesRepo) LatestPublished(ctx context.Context, ruleType Type) (Version, error) {
	var best Version
	found := false
	for _, v := range r.versions {
		rule := r.rules[v.RuleID]
		if rule.Type != ruleType || v.Status != VersionPublished {
			continue
		}
		if !found || (v.PublishedAt != nil && best.PublishedAt != nil && v.PublishedAt.After(*best.PublishedAt)) {
			best = v
			found = true
		}
	}
	if !found {
		return Version{}, shared.ErrNotFound
	}
	return best, nil
}

func (r *memoryRulesRepo) GetVersion(ctx context.Context, id uuid.UUID) (Version, error) {
	v, ok := r.versions[id]
	if !ok {
		return Version{}, shared.ErrNotFound
	}
	return v, nil
}

func (r *memoryRulesRepo) ListVersions(ctx context.Context, ruleID uuid.UUID) ([]Version, error) {
	var out []Version
	for _, v := range r.versions {
		if v.RuleID == ruleID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (t *memoryRulesTx) FindRuleByName(ctx context.Context, name string) (Rule, error) {
	for _, rule := range t.repo.rules {
		if rule.Name == name {
			return rule, nil
		}
	}
	return Rule{}, shared.ErrNotFound
}

func (t *memoryRulesTx) InsertRule(ctx context.Context, rule Rule) error {
	t.repo.rules[rule.ID] = rule
	return nil
}

func (t *memoryRulesTx) GetVersionForUpdate(ctx context.Context, id uuid.UUID) (Version, error) {
	return t.repo.GetVersion(ctx, id)
}

func (t *memoryRulesTx) NextVersionNumber(ctx context.Context, ruleID uuid.UUID) (int, error) {
	next := 1
	for _, v := range t.repo.versions {
		if v.RuleID == ruleID && v.VersionNumber >= next {
			next = v.VersionNumber + 1
		}
	}
	return next, nil
}

func (t *memoryRulesTx) InsertVersion(ctx context.Context, v Version) error {
	t.repo.versions[v.ID] = v
	return nil
}

func (t *memoryRulesTx) MarkPublished(ctx context.Context, id uuid.UUID, reviewer *uuid.UUID) error {
	v, ok := t.repo.versions[id]
	if !ok {
		return shared.ErrNotFound
	}
	now := time.Now()
	v.Status = VersionPublished
	v.ReviewedBy = reviewer
	v.PublishedAt = &now
	t.repo.versions[id] = v
	return nil
}

func (t *memoryRulesTx) MarkStatus(ctx context.Context, id uuid.UUID, status VersionStatus, reviewer *uuid.UUID) error {
	v, ok := t.repo.versions[id]
	if !ok {
		return shared.ErrNotFound
	}
	v.Status = status
	v.ReviewedBy = reviewer
	t.repo.versions[id] = v
	return nil
}

func (t *memoryRulesTx) SupersedePublished(ctx context.Context, ruleID uuid.UUID, exceptID uuid.UUID) error {
	for id, v := range t.repo.versions {
		if v.RuleID == ruleID && v.Status == VersionPublished && v.ID != exceptID {
			v.Status = VersionSuperseded
			t.repo.versions[id] = v
		}
	}
	return nil
}

func (t *memoryRulesTx) AppendAudit(ctx context.Context, entry shared.AuditEntry) error {
	t.repo.audits = append(t.repo.audits, entry)
	return nil
}

type stubExtractor struct {
	config json.RawMessage
}

func (s stubExtractor) ExtractRuleConfig(ctx context.Context, ruleType Type, policyText string) (json.RawMessage, error) {
	return s.config, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func adminActor() shared.Actor {
	return shared.Actor{ID: uuid.NewString(), Email: "admin@example.com", Role: shared.RoleAdmin}
}

func TestActiveReturnsDefaultsWhenNothingPublished(t *testing.T) {
	svc := NewService(newMemoryRulesRepo(), nil, nil, testLogger())

	tol, versionID, err := svc.ActiveTolerance(context.Background())
	require.NoError(t, err)
	require.Nil(t, versionID)
	require.Equal(t, DefaultTolerance(), tol)
}

func TestParseToleranceFallsBackPerKey(t *testing.T) {
	tol := ParseTolerance(json.RawMessage(`{"amount_tolerance_pct": 0.05}`))
	require.Equal(t, 0.05, tol.AmountTolerancePct)
	require.Equal(t, 50.00, tol.AmountToleranceAbs)
	require.Equal(t, 5000.00, tol.AutoApproveThreshold)
	require.True(t, tol.AutoApproveRequiresMatch)

	require.Equal(t, DefaultTolerance(), ParseTolerance(json.RawMessage(`not json`)))
	require.Equal(t, DefaultTolerance(), ParseTolerance(nil))
}

func TestPublishSupersedesPreviousVersion(t *testing.T) {
	repo := newMemoryRulesRepo()
	svc := NewService(repo, nil, nil, testLogger())
	ctx := context.Background()
	actor := adminActor()

	first, err := svc.CreateDraft(ctx, DraftInput{
		RuleName: "matching tolerances",
		RuleType: TypeMatchingTolerance,
		Config:   json.RawMessage(`{"amount_tolerance_pct": 0.02}`),
		Actor:    actor,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Publish(ctx, first.ID, actor))

	second, err := svc.CreateDraft(ctx, DraftInput{
		RuleName: "matching tolerances",
		RuleType: TypeMatchingTolerance,
		Config:   json.RawMessage(`{"amount_tolerance_pct": 0.03}`),
		Actor:    actor,
	})
	require.NoError(t, err)
	require.Equal(t, 2, second.VersionNumber)
	require.NoError(t, svc.Publish(ctx, second.ID, actor))

	require.Equal(t, VersionSuperseded, repo.versions[first.ID].Status)
	require.Equal(t, VersionPublished, repo.versions[second.ID].Status)

	tol, versionID, err := svc.ActiveTolerance(ctx)
	require.NoError(t, err)
	require.NotNil(t, versionID)
	require.Equal(t, second.ID, *versionID)
	require.Equal(t, 0.03, tol.AmountTolerancePct)
}

func TestPublishRequiresDraftOrInReview(t *testing.T) {
	repo := newMemoryRulesRepo()
	svc := NewService(repo, nil, nil, testLogger())
	ctx := context.Background()
	actor := adminActor()

	v, err := svc.CreateDraft(ctx, DraftInput{
		RuleName: "matching tolerances",
		RuleType: TypeMatchingTolerance,
		Config:   json.RawMessage(`{}`),
		Actor:    actor,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Publish(ctx, v.ID, actor))

	err = svc.Publish(ctx, v.ID, actor)
	require.ErrorIs(t, err, ErrNotPublishable)
}

func TestPublishForbiddenForNonAdmin(t *testing.T) {
	svc := NewService(newMemoryRulesRepo(), nil, nil, testLogger())
	err := svc.Publish(context.Background(), uuid.New(), shared.Actor{Role: shared.RoleAnalyst})
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestCreateDraftFromPolicyMarksAIExtracted(t *testing.T) {
	repo := newMemoryRulesRepo()
	extractor := stubExtractor{config: json.RawMessage(`{"amount_tolerance_pct": 0.01}`)}
	svc := NewService(repo, nil, extractor, testLogger())

	v, err := svc.CreateDraftFromPolicy(context.Background(), "matching tolerances",
		TypeMatchingTolerance, "tolerance is one percent", adminActor())
	require.NoError(t, err)
	require.True(t, v.AIExtracted)
	require.Equal(t, SourcePolicyUpload, v.Source)
	require.Equal(t, VersionDraft, v.Status)
	require.Equal(t, 0.01, ParseTolerance(v.Config).AmountTolerancePct)
}

package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/shared"
)

// ErrNotPublishable is returned when a version is not in a state that
// can be published or rejected.
var ErrNotPublishable = errors.New("rules: version not in draft or in_review")

// PolicyExtractor turns free-form policy text into a structured rule
// config. Backed by the LLM port; its output is never trusted directly,
// the draft it produces requires a human publish.
type PolicyExtractor interface {
	ExtractRuleConfig(ctx context.Context, ruleType Type, policyText string) (json.RawMessage, error)
}

// Service owns the rule version lifecycle and the active-rules lookup.
type Service struct {
	repo      Repository
	cache     *Cache
	extractor PolicyExtractor
	logger    *slog.Logger
}

// NewService wires the rules service.
func NewService(repo Repository, cache *Cache, extractor PolicyExtractor, logger *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, extractor: extractor, logger: logger}
}

// Active returns the latest published config for the rule type, or the
// hardcoded defaults with a nil version id when nothing is published.
// Callers must stamp the returned version id on any decision they make.
func (s *Service) Active(ctx context.Context, ruleType Type) (Snapshot, error) {
	if snap, ok := s.cache.get(ctx, ruleType); ok {
		return snap, nil
	}
	v, err := s.repo.LatestPublished(ctx, ruleType)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			snap := defaultSnapshot(ruleType)
			s.cache.set(ctx, ruleType, snap)
			return snap, nil
		}
		return Snapshot{}, fmt.Errorf("rules: load active %s: %w", ruleType, err)
	}
	id := v.ID
	snap := Snapshot{Config: v.Config, VersionID: &id}
	s.cache.set(ctx, ruleType, snap)
	return snap, nil
}

// ActiveTolerance is the typed lookup the matching engine uses.
func (s *Service) ActiveTolerance(ctx context.Context) (Tolerance, *uuid.UUID, error) {
	snap, err := s.Active(ctx, TypeMatchingTolerance)
	if err != nil {
		return Tolerance{}, nil, err
	}
	return snap.Tolerance(), snap.VersionID, nil
}

func defaultSnapshot(ruleType Type) Snapshot {
	if ruleType == TypeMatchingTolerance {
		config, _ := json.Marshal(DefaultTolerance())
		return Snapshot{Config: config}
	}
	return Snapshot{Config: json.RawMessage(`{}`)}
}

// DraftInput describes a new manual draft version.
type DraftInput struct {
	RuleName      string
	RuleType      Type
	Config        json.RawMessage
	ChangeSummary string
	ShadowMode    bool
	Actor         shared.Actor
}

// CreateDraft creates the parent rule if needed and appends a draft
// version with the next monotonic version number.
func (s *Service) CreateDraft(ctx context.Context, input DraftInput) (Version, error) {
	return s.createDraft(ctx, input, SourceManual, false)
}

// CreateDraftFromPolicy runs the policy extractor over uploaded policy
// text and stores the result as an AI-extracted draft. Publishing still
// requires a human reviewer.
func (s *Service) CreateDraftFromPolicy(ctx context.Context, ruleName string, ruleType Type, policyText string, actor shared.Actor) (Version, error) {
	if s.extractor == nil {
		return Version{}, errors.New("rules: no policy extractor configured")
	}
	config, err := s.extractor.ExtractRuleConfig(ctx, ruleType, policyText)
	if err != nil {
		return Version{}, fmt.Errorf("rules: extract policy config: %w", err)
	}
	input := DraftInput{
		RuleName:      ruleName,
		RuleType:      ruleType,
		Config:        config,
		ChangeSummary: "extracted from uploaded policy document",
		Actor:         actor,
	}
	return s.createDraft(ctx, input, SourcePolicyUpload, true)
}

func (s *Service) createDraft(ctx context.Context, input DraftInput, source VersionSource, aiExtracted bool) (Version, error) {
	if strings.TrimSpace(input.RuleName) == "" {
		return Version{}, errors.New("rules: rule name required")
	}
	if !json.Valid(input.Config) {
		return Version{}, errors.New("rules: config is not valid JSON")
	}
	var created Version
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rule, err := tx.FindRuleByName(ctx, input.RuleName)
		if errors.Is(err, shared.ErrNotFound) {
			rule = Rule{ID: uuid.New(), Name: input.RuleName, Type: input.RuleType}
			if err := tx.InsertRule(ctx, rule); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		number, err := tx.NextVersionNumber(ctx, rule.ID)
		if err != nil {
			return err
		}
		created = Version{
			ID:            uuid.New(),
			RuleID:        rule.ID,
			VersionNumber: number,
			Status:        VersionDraft,
			Source:        source,
			Config:        input.Config,
			AIExtracted:   aiExtracted,
			ShadowMode:    input.ShadowMode,
			ChangeSummary: input.ChangeSummary,
			CreatedBy:     input.Actor.UUID(),
		}
		if err := tx.InsertVersion(ctx, created); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, shared.AuditEntry{
			ActorID:    input.Actor.UUID(),
			ActorEmail: input.Actor.Email,
			Action:     "rule.version_drafted",
			EntityType: "rule_version",
			EntityID:   created.ID,
			After: map[string]any{
				"rule":    input.RuleName,
				"version": number,
				"source":  string(source),
			},
			IP: input.Actor.IP,
		})
	})
	if err != nil {
		return Version{}, err
	}
	return created, nil
}

// Publish promotes a draft or in_review version and atomically marks
// the previously published version of the same rule as superseded.
func (s *Service) Publish(ctx context.Context, versionID uuid.UUID, actor shared.Actor) error {
	if actor.Role != shared.RoleAdmin {
		return shared.ErrForbidden
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		v, err := tx.GetVersionForUpdate(ctx, versionID)
		if err != nil {
			return err
		}
		if v.Status != VersionDraft && v.Status != VersionInReview {
			return ErrNotPublishable
		}
		if err := tx.SupersedePublished(ctx, v.RuleID, v.ID); err != nil {
			return err
		}
		if err := tx.MarkPublished(ctx, v.ID, actor.UUID()); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, shared.AuditEntry{
			ActorID:    actor.UUID(),
			ActorEmail: actor.Email,
			Action:     "rule.version_published",
			EntityType: "rule_version",
			EntityID:   v.ID,
			Before:     map[string]any{"status": string(v.Status)},
			After:      map[string]any{"status": string(VersionPublished), "version": v.VersionNumber},
			IP:         actor.IP,
		})
	})
	if err != nil {
		return err
	}
	// Invalidate every type; the version row does not carry its rule type.
	for _, t := range []Type{TypeMatchingTolerance, TypeApprovalPolicy, TypeFraudThresholds} {
		s.cache.invalidate(ctx, t)
	}
	s.logger.Info("rule version published", "version_id", versionID, "actor", actor.Email)
	return nil
}

// Reject moves a draft or in_review version to rejected.
func (s *Service) Reject(ctx context.Context, versionID uuid.UUID, actor shared.Actor) error {
	if actor.Role != shared.RoleAdmin {
		return shared.ErrForbidden
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		v, err := tx.GetVersionForUpdate(ctx, versionID)
		if err != nil {
			return err
		}
		if v.Status != VersionDraft && v.Status != VersionInReview {
			return ErrNotPublishable
		}
		if err := tx.MarkStatus(ctx, v.ID, VersionRejected, actor.UUID()); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, shared.AuditEntry{
			ActorID:    actor.UUID(),
			ActorEmail: actor.Email,
			Action:     "rule.version_rejected",
			EntityType: "rule_version",
			EntityID:   v.ID,
			Before:     map[string]any{"status": string(v.Status)},
			After:      map[string]any{"status": string(VersionRejected)},
			IP:         actor.IP,
		})
	})
}

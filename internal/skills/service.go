// ABOUTME: Skill service covering CRUD, versions, marketplace, and tracked executions
// ABOUTME: Translates store errors into gateway error kinds for the HTTP layer

package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tool-gateway/internal/gwerr"
	"github.com/2389/tool-gateway/internal/store"
)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Trigger types accepted by Execute.
const (
	TriggerAgent    = "agent"
	TriggerUser     = "user"
	TriggerSchedule = "schedule"
)

// Store is the persistence the service needs.
type Store interface {
	store.SkillStore
	store.ExecutionStore
}

// Runner executes a definition. *Executor implements it.
type Runner interface {
	Execute(ctx context.Context, def *Definition, input any) Result
}

// Service implements the skill, marketplace, and execution operations.
type Service struct {
	store  Store
	runner Runner
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewService creates a Service.
func NewService(s Store, runner Runner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		runner:   runner,
		logger:   logger.With("component", "skills"),
		inflight: make(map[string]context.CancelFunc),
	}
}

// CreateSkillInput is the body of a skill creation request.
type CreateSkillInput struct {
	OrgID       string `json:"orgId"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	Category    string `json:"category"`
	AuthorID    string `json:"authorId"`
}

// SkillDetail is a skill together with its versions.
type SkillDetail struct {
	*store.Skill
	Versions []*store.SkillVersion `json:"versions"`
}

// MarketplaceEntry is a public skill and its latest version string.
type MarketplaceEntry struct {
	*store.Skill
	LatestVersion string `json:"latestVersion,omitempty"`
}

// CreateVersionInput is the body of a version creation request.
type CreateVersionInput struct {
	Version       string          `json:"version"`
	Definition    json.RawMessage `json:"definition"`
	InputSchema   json.RawMessage `json:"inputSchema,omitempty"`
	OutputMapping json.RawMessage `json:"outputMapping,omitempty"`
	IsLatest      bool            `json:"isLatest"`
}

// InstallInput identifies the organisation installing or forking a skill.
type InstallInput struct {
	OrgID    string `json:"orgId"`
	AuthorID string `json:"authorId"`
}

// RateInput is one user's rating.
type RateInput struct {
	UserID string `json:"userId"`
	Rating int    `json:"rating"`
	Review string `json:"review,omitempty"`
}

// ExecuteInput is the body of an execute request. An empty VersionID runs
// the latest version.
type ExecuteInput struct {
	VersionID   string          `json:"versionId,omitempty"`
	OrgID       string          `json:"orgId"`
	TriggeredBy string          `json:"triggeredBy"`
	TriggerType string          `json:"triggerType"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// CreateSkill stores a new private skill.
func (s *Service) CreateSkill(ctx context.Context, in CreateSkillInput) (*store.Skill, error) {
	if err := requireFields(map[string]string{
		"orgId": in.OrgID, "name": in.Name, "slug": in.Slug, "category": in.Category, "authorId": in.AuthorID,
	}); err != nil {
		return nil, err
	}

	skill := &store.Skill{
		ID:          uuid.New().String(),
		OrgID:       in.OrgID,
		Name:        in.Name,
		Slug:        in.Slug,
		Description: in.Description,
		Category:    in.Category,
		AuthorID:    in.AuthorID,
	}
	if err := s.store.CreateSkill(ctx, skill); err != nil {
		return nil, translate(err, "skill %s", in.Slug)
	}
	s.logger.Info("skill created", "skill_id", skill.ID, "slug", skill.Slug)
	return skill, nil
}

// ListSkills returns every skill, newest first.
func (s *Service) ListSkills(ctx context.Context) ([]*store.Skill, error) {
	skills, err := s.store.ListSkills(ctx, store.SkillFilter{})
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	return skills, nil
}

// GetSkill returns a skill and its versions.
func (s *Service) GetSkill(ctx context.Context, id string) (*SkillDetail, error) {
	skill, err := s.store.GetSkill(ctx, id)
	if err != nil {
		return nil, translate(err, "skill %s", id)
	}
	versions, err := s.store.ListVersions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	if versions == nil {
		versions = []*store.SkillVersion{}
	}
	return &SkillDetail{Skill: skill, Versions: versions}, nil
}

// UpdateSkill changes the mutable fields of a skill.
func (s *Service) UpdateSkill(ctx context.Context, id string, update store.SkillUpdate) (*store.Skill, error) {
	skill, err := s.store.UpdateSkill(ctx, id, update)
	if err != nil {
		return nil, translate(err, "skill %s", id)
	}
	return skill, nil
}

// DeleteSkill removes a skill, its versions, and its ratings.
func (s *Service) DeleteSkill(ctx context.Context, id string) error {
	if err := s.store.DeleteSkill(ctx, id); err != nil {
		return translate(err, "skill %s", id)
	}
	s.logger.Info("skill deleted", "skill_id", id)
	return nil
}

// PublishSkill lists a skill in the marketplace.
func (s *Service) PublishSkill(ctx context.Context, id string) (*store.Skill, error) {
	skill, err := s.store.SetSkillPublic(ctx, id, true)
	if err != nil {
		return nil, translate(err, "skill %s", id)
	}
	return skill, nil
}

// CreateVersion validates and stores a new version of a skill.
func (s *Service) CreateVersion(ctx context.Context, skillID string, in CreateVersionInput) (*store.SkillVersion, error) {
	if !semverPattern.MatchString(in.Version) {
		return nil, gwerr.New(gwerr.ErrValidation, "version %q must look like 1.2.3", in.Version)
	}
	if _, err := ParseDefinition(in.Definition); err != nil {
		return nil, err
	}
	if !emptyJSON(in.InputSchema) {
		if _, err := compileSchema(in.InputSchema); err != nil {
			return nil, gwerr.Wrap(gwerr.ErrValidation, err, "invalid input schema")
		}
	}

	v := &store.SkillVersion{
		ID:            uuid.New().String(),
		SkillID:       skillID,
		Version:       in.Version,
		Definition:    in.Definition,
		InputSchema:   in.InputSchema,
		OutputMapping: in.OutputMapping,
		IsLatest:      in.IsLatest,
	}
	if err := s.store.CreateVersion(ctx, v); err != nil {
		return nil, translate(err, "skill %s", skillID)
	}
	s.logger.Info("skill version created", "skill_id", skillID, "version", v.Version, "latest", v.IsLatest)
	return v, nil
}

// ListVersions returns a skill's versions, newest first.
func (s *Service) ListVersions(ctx context.Context, skillID string) ([]*store.SkillVersion, error) {
	if _, err := s.store.GetSkill(ctx, skillID); err != nil {
		return nil, translate(err, "skill %s", skillID)
	}
	versions, err := s.store.ListVersions(ctx, skillID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return versions, nil
}

// Marketplace lists public skills by install count, optionally in one category.
func (s *Service) Marketplace(ctx context.Context, category string) ([]MarketplaceEntry, error) {
	skills, err := s.store.ListSkills(ctx, store.SkillFilter{PublicOnly: true, Category: category, ByInstalls: true})
	if err != nil {
		return nil, fmt.Errorf("list public skills: %w", err)
	}

	entries := make([]MarketplaceEntry, 0, len(skills))
	for _, skill := range skills {
		entry := MarketplaceEntry{Skill: skill}
		latest, err := s.store.GetLatestVersion(ctx, skill.ID)
		switch {
		case err == nil:
			entry.LatestVersion = latest.Version
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("latest version of %s: %w", skill.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Install records an installation of a skill.
func (s *Service) Install(ctx context.Context, id string, in InstallInput) error {
	if err := requireFields(map[string]string{"orgId": in.OrgID, "authorId": in.AuthorID}); err != nil {
		return err
	}
	if err := s.store.IncrementInstallCount(ctx, id); err != nil {
		return translate(err, "skill %s", id)
	}
	s.logger.Info("skill installed", "skill_id", id, "org_id", in.OrgID)
	return nil
}

// Fork copies a skill and its latest version into another organisation.
func (s *Service) Fork(ctx context.Context, id string, in InstallInput) (*store.Skill, error) {
	if err := requireFields(map[string]string{"orgId": in.OrgID, "authorId": in.AuthorID}); err != nil {
		return nil, err
	}

	source, err := s.store.GetSkill(ctx, id)
	if err != nil {
		return nil, translate(err, "source skill %s", id)
	}
	latest, err := s.store.GetLatestVersion(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("latest version of %s: %w", id, err)
	}

	sourceID := source.ID
	fork := &store.Skill{
		ID:           uuid.New().String(),
		OrgID:        in.OrgID,
		Name:         source.Name + " (Forked)",
		Slug:         fmt.Sprintf("%s-fork-%d", source.Slug, time.Now().UnixMilli()),
		Description:  source.Description,
		Category:     source.Category,
		AuthorID:     in.AuthorID,
		ForkedFromID: &sourceID,
	}
	if err := s.store.CreateSkill(ctx, fork); err != nil {
		return nil, translate(err, "fork of %s", id)
	}

	if latest != nil {
		v := &store.SkillVersion{
			ID:            uuid.New().String(),
			SkillID:       fork.ID,
			Version:       latest.Version,
			Definition:    latest.Definition,
			InputSchema:   latest.InputSchema,
			OutputMapping: latest.OutputMapping,
			IsLatest:      true,
		}
		if err := s.store.CreateVersion(ctx, v); err != nil {
			return nil, fmt.Errorf("copy version: %w", err)
		}
	}

	s.logger.Info("skill forked", "skill_id", id, "fork_id", fork.ID)
	return fork, nil
}

// Rate upserts a user's rating of a skill.
func (s *Service) Rate(ctx context.Context, id string, in RateInput) error {
	if in.UserID == "" {
		return gwerr.New(gwerr.ErrValidation, "userId is required")
	}
	if in.Rating < 1 || in.Rating > 5 {
		return gwerr.New(gwerr.ErrValidation, "rating must be between 1 and 5")
	}
	if _, err := s.store.GetSkill(ctx, id); err != nil {
		return translate(err, "skill %s", id)
	}
	if err := s.store.RateSkill(ctx, &store.SkillRating{
		SkillID: id,
		UserID:  in.UserID,
		Rating:  in.Rating,
		Review:  in.Review,
	}); err != nil {
		return translate(err, "skill %s", id)
	}
	return nil
}

// Execute runs a version of a skill to completion and returns the stored
// execution. Step failures produce a failed execution, not an error.
func (s *Service) Execute(ctx context.Context, skillID string, in ExecuteInput) (*store.SkillExecution, error) {
	if err := requireFields(map[string]string{"orgId": in.OrgID, "triggeredBy": in.TriggeredBy}); err != nil {
		return nil, err
	}
	switch in.TriggerType {
	case TriggerAgent, TriggerUser, TriggerSchedule:
	default:
		return nil, gwerr.New(gwerr.ErrValidation, "triggerType must be agent, user, or schedule")
	}

	if _, err := s.store.GetSkill(ctx, skillID); err != nil {
		return nil, translate(err, "skill %s", skillID)
	}
	version, err := s.resolveVersion(ctx, skillID, in.VersionID)
	if err != nil {
		return nil, err
	}

	rawInput := in.Input
	if emptyJSON(rawInput) {
		rawInput = json.RawMessage(`{}`)
	}
	input, err := toGeneric(rawInput)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.ErrValidation, err, "input is not valid JSON")
	}
	if err := ValidateInput(version.InputSchema, input); err != nil {
		return nil, err
	}

	def, err := ParseDefinition(version.Definition)
	if err != nil {
		return nil, err
	}

	exec := &store.SkillExecution{
		ID:          uuid.New().String(),
		SkillID:     skillID,
		VersionID:   version.ID,
		OrgID:       in.OrgID,
		TriggeredBy: in.TriggeredBy,
		TriggerType: in.TriggerType,
		Input:       rawInput,
		Status:      store.ExecutionRunning,
		StepResults: json.RawMessage(`[]`),
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	s.track(exec.ID, cancel)
	defer s.untrack(exec.ID)

	s.logger.Info("skill execution started", "execution_id", exec.ID, "skill_id", skillID, "version", version.Version)
	result := s.runner.Execute(runCtx, def, input)

	finished := store.ExecutionResult{
		Status:     result.Status,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if finished.StepResults, err = json.Marshal(result.Steps); err != nil {
		return nil, fmt.Errorf("encode step results: %w", err)
	}
	if result.Output != nil {
		if finished.Output, err = json.Marshal(result.Output); err != nil {
			return nil, fmt.Errorf("encode output: %w", err)
		}
	}

	// The run may have been cancelled by a client that is gone; persist anyway.
	persistCtx := context.WithoutCancel(ctx)
	err = s.store.FinishExecution(persistCtx, exec.ID, finished)
	switch {
	case errors.Is(err, store.ErrTerminal):
		s.logger.Info("dropping result of cancelled execution", "execution_id", exec.ID, "status", result.Status)
	case err != nil:
		return nil, fmt.Errorf("finish execution: %w", err)
	default:
		s.logger.Info("skill execution finished", "execution_id", exec.ID, "status", result.Status, "duration_ms", finished.DurationMs)
	}

	stored, err := s.store.GetExecution(persistCtx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("reload execution: %w", err)
	}
	return stored, nil
}

func (s *Service) resolveVersion(ctx context.Context, skillID, versionID string) (*store.SkillVersion, error) {
	var (
		v   *store.SkillVersion
		err error
	)
	if versionID != "" {
		v, err = s.store.GetVersion(ctx, versionID)
		if err == nil && v.SkillID != skillID {
			err = store.ErrNotFound
		}
	} else {
		v, err = s.store.GetLatestVersion(ctx, skillID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, gwerr.New(gwerr.ErrValidation, "suitable version not found")
	}
	if err != nil {
		return nil, fmt.Errorf("resolve version: %w", err)
	}
	return v, nil
}

// ListExecutions returns executions newest first; an empty orgID lists all.
func (s *Service) ListExecutions(ctx context.Context, orgID string) ([]*store.SkillExecution, error) {
	execs, err := s.store.ListExecutions(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return execs, nil
}

// GetExecution returns one execution.
func (s *Service) GetExecution(ctx context.Context, id string) (*store.SkillExecution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, translate(err, "execution %s", id)
	}
	return exec, nil
}

// CancelExecution marks a running execution cancelled and stops it if it
// is running in this process.
func (s *Service) CancelExecution(ctx context.Context, id string) (*store.SkillExecution, error) {
	exec, err := s.store.CancelExecution(ctx, id)
	if err != nil {
		return nil, translate(err, "execution %s", id)
	}

	s.mu.Lock()
	cancel, ok := s.inflight[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}

	s.logger.Info("skill execution cancelled", "execution_id", id, "in_process", ok)
	return exec, nil
}

// Running reports how many executions are in flight in this process.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Service) track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[id] = cancel
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// ValidateInput checks input against a version's JSON Schema. An empty
// schema accepts anything.
func ValidateInput(schema json.RawMessage, input any) error {
	if emptyJSON(schema) {
		return nil
	}
	resolved, err := compileSchema(schema)
	if err != nil {
		return gwerr.Wrap(gwerr.ErrValidation, err, "invalid input schema")
	}
	if err := resolved.Validate(input); err != nil {
		return gwerr.Wrap(gwerr.ErrValidation, err, "input does not match schema")
	}
	return nil
}

func emptyJSON(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null" || trimmed == "{}"
}

func requireFields(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return gwerr.New(gwerr.ErrValidation, "missing required fields: %s", strings.Join(missing, ", "))
}

// translate maps store sentinels to gateway error kinds.
func translate(err error, format string, args ...any) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return gwerr.Wrap(gwerr.ErrNotFound, err, format, args...)
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrTerminal), errors.Is(err, store.ErrInUse):
		return gwerr.Wrap(gwerr.ErrConflict, err, format, args...)
	default:
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}

// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without a database

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	servers     map[string]*ToolServer     // keyed by server ID
	tools       map[string]*Tool           // keyed by tool ID
	toolIndex   map[string]string          // keyed by "serverID:name" -> tool ID
	permissions map[string]*Permission     // keyed by "toolID:callerType"
	usage       []*UsageRecord             // append-only
	skills      map[string]*Skill          // keyed by skill ID
	versions    map[string]*SkillVersion   // keyed by version ID
	ratings     map[string]*SkillRating    // keyed by "skillID:userID"
	executions  map[string]*SkillExecution // keyed by execution ID

	// PingErr, when set, is returned by Ping.
	PingErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		servers:     make(map[string]*ToolServer),
		tools:       make(map[string]*Tool),
		toolIndex:   make(map[string]string),
		permissions: make(map[string]*Permission),
		skills:      make(map[string]*Skill),
		versions:    make(map[string]*SkillVersion),
		ratings:     make(map[string]*SkillRating),
		executions:  make(map[string]*SkillExecution),
	}
}

// CreateServer stores a new server.
func (m *MockStore) CreateServer(ctx context.Context, srv *ToolServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[srv.ID]; ok {
		return fmt.Errorf("server %s: %w", srv.ID, ErrDuplicate)
	}
	if srv.Status == "" {
		srv.Status = ServerDisconnected
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now().UTC()
		srv.UpdatedAt = srv.CreatedAt
	}

	// Make a copy to avoid external modification
	s := *srv
	m.servers[s.ID] = &s
	return nil
}

// GetServer retrieves a server by ID.
func (m *MockStore) GetServer(ctx context.Context, id string) (*ToolServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *s
	return &result, nil
}

// ListServers returns all servers ordered by creation time.
func (m *MockStore) ListServers(ctx context.Context) ([]*ToolServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	servers := make([]*ToolServer, 0, len(m.servers))
	for _, s := range m.servers {
		c := *s
		servers = append(servers, &c)
	}
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].CreatedAt.Equal(servers[j].CreatedAt) {
			return servers[i].ID < servers[j].ID
		}
		return servers[i].CreatedAt.Before(servers[j].CreatedAt)
	})
	return servers, nil
}

// UpdateServerStatus records a server's connection status.
func (m *MockStore) UpdateServerStatus(ctx context.Context, id string, status ServerStatus, lastPing *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	if lastPing != nil {
		t := *lastPing
		s.LastPingAt = &t
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteServer removes a server without tools.
func (m *MockStore) DeleteServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[id]; !ok {
		return ErrNotFound
	}
	for _, t := range m.tools {
		if t.ServerID == id {
			return fmt.Errorf("server %s has tools: %w", id, ErrInUse)
		}
	}
	delete(m.servers, id)
	return nil
}

// SyncTools disables all tools of the server and upserts the reported ones.
func (m *MockStore) SyncTools(ctx context.Context, serverID string, tools []ToolSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, t := range m.tools {
		if t.ServerID == serverID {
			t.Enabled = false
			t.UpdatedAt = now
		}
	}

	for _, spec := range tools {
		key := serverID + ":" + spec.Name
		if id, ok := m.toolIndex[key]; ok {
			t := m.tools[id]
			t.Description = spec.Description
			t.InputSchema = spec.InputSchema
			t.Enabled = true
			t.UpdatedAt = now
			continue
		}
		t := &Tool{
			ID:          uuid.NewString(),
			ServerID:    serverID,
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
			Enabled:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.tools[t.ID] = t
		m.toolIndex[key] = t.ID
	}
	return nil
}

// AddTool inserts a tool directly, bypassing sync. For test setup.
func (m *MockStore) AddTool(tool *Tool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := *tool
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	m.tools[t.ID] = &t
	m.toolIndex[t.ServerID+":"+t.Name] = t.ID
	tool.ID = t.ID
}

// ListTools returns all tools of a server ordered by name.
func (m *MockStore) ListTools(ctx context.Context, serverID string) ([]*Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tools []*Tool
	for _, t := range m.tools {
		if t.ServerID == serverID {
			c := *t
			tools = append(tools, &c)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

// GetToolByName retrieves a tool by server and name.
func (m *MockStore) GetToolByName(ctx context.Context, serverID, name string) (*Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.toolIndex[serverID+":"+name]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.tools[id]
	return &result, nil
}

// SetPermission upserts the rule for (tool, callerType).
func (m *MockStore) SetPermission(ctx context.Context, toolID, callerType string, allowed bool) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := toolID + ":" + callerType
	p, ok := m.permissions[key]
	if !ok {
		p = &Permission{
			ID:         uuid.NewString(),
			ToolID:     toolID,
			CallerType: callerType,
			CreatedAt:  time.Now().UTC(),
		}
		m.permissions[key] = p
	}
	p.Allowed = allowed

	result := *p
	return &result, nil
}

// ListPermissions returns the rules of a tool ordered by caller type.
func (m *MockStore) ListPermissions(ctx context.Context, toolID string) ([]*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var perms []*Permission
	for _, p := range m.permissions {
		if p.ToolID == toolID {
			c := *p
			perms = append(perms, &c)
		}
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].CallerType < perms[j].CallerType })
	return perms, nil
}

// SaveUsage appends a usage record.
func (m *MockStore) SaveUsage(ctx context.Context, rec *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	c := *rec
	m.usage = append(m.usage, &c)
	return nil
}

// ListUsage returns usage records newest first.
func (m *MockStore) ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*UsageRecord
	for i := len(m.usage) - 1; i >= 0; i-- {
		r := m.usage[i]
		if filter.ToolID != "" && r.ToolID != filter.ToolID {
			continue
		}
		if filter.CallerType != "" && r.CallerType != filter.CallerType {
			continue
		}
		if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
			continue
		}
		c := *r
		records = append(records, &c)
		if filter.Limit > 0 && len(records) == filter.Limit {
			break
		}
	}
	return records, nil
}

// CreateSkill stores a new skill.
func (m *MockStore) CreateSkill(ctx context.Context, skill *Skill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.skills {
		if s.ID == skill.ID || (s.OrgID == skill.OrgID && s.Slug == skill.Slug) {
			return fmt.Errorf("skill %s/%s: %w", skill.OrgID, skill.Slug, ErrDuplicate)
		}
	}
	if skill.CreatedAt.IsZero() {
		skill.CreatedAt = time.Now().UTC()
		skill.UpdatedAt = skill.CreatedAt
	}
	c := *skill
	m.skills[c.ID] = &c
	return nil
}

// GetSkill retrieves a skill by ID.
func (m *MockStore) GetSkill(ctx context.Context, id string) (*Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.skills[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// ListSkills returns skills matching the filter.
func (m *MockStore) ListSkills(ctx context.Context, filter SkillFilter) ([]*Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var skills []*Skill
	for _, s := range m.skills {
		if filter.PublicOnly && !s.IsPublic {
			continue
		}
		if filter.Category != "" && s.Category != filter.Category {
			continue
		}
		c := *s
		skills = append(skills, &c)
	}
	sort.Slice(skills, func(i, j int) bool {
		if filter.ByInstalls && skills[i].InstallCount != skills[j].InstallCount {
			return skills[i].InstallCount > skills[j].InstallCount
		}
		return skills[i].CreatedAt.After(skills[j].CreatedAt)
	})
	return skills, nil
}

// UpdateSkill applies the non-nil fields of update.
func (m *MockStore) UpdateSkill(ctx context.Context, id string, update SkillUpdate) (*Skill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.skills[id]
	if !ok {
		return nil, ErrNotFound
	}
	if update.Name != nil {
		s.Name = *update.Name
	}
	if update.Description != nil {
		s.Description = *update.Description
	}
	if update.Category != nil {
		s.Category = *update.Category
	}
	s.UpdatedAt = time.Now().UTC()

	result := *s
	return &result, nil
}

// DeleteSkill removes a skill with its versions and ratings.
func (m *MockStore) DeleteSkill(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.skills[id]; !ok {
		return ErrNotFound
	}
	delete(m.skills, id)
	for vid, v := range m.versions {
		if v.SkillID == id {
			delete(m.versions, vid)
		}
	}
	for key, r := range m.ratings {
		if r.SkillID == id {
			delete(m.ratings, key)
		}
	}
	return nil
}

// SetSkillPublic toggles marketplace visibility.
func (m *MockStore) SetSkillPublic(ctx context.Context, id string, public bool) (*Skill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.skills[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.IsPublic = public
	s.UpdatedAt = time.Now().UTC()

	result := *s
	return &result, nil
}

// IncrementInstallCount bumps the install counter.
func (m *MockStore) IncrementInstallCount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.skills[id]
	if !ok {
		return ErrNotFound
	}
	s.InstallCount++
	return nil
}

// RateSkill upserts a rating and recomputes the totals.
func (m *MockStore) RateSkill(ctx context.Context, rating *SkillRating) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.skills[rating.SkillID]
	if !ok {
		return ErrNotFound
	}

	now := time.Now().UTC()
	key := rating.SkillID + ":" + rating.UserID
	if existing, ok := m.ratings[key]; ok {
		rating.CreatedAt = existing.CreatedAt
	} else if rating.CreatedAt.IsZero() {
		rating.CreatedAt = now
	}
	rating.UpdatedAt = now
	c := *rating
	m.ratings[key] = &c

	s.RatingSum, s.RatingCount = 0, 0
	for _, r := range m.ratings {
		if r.SkillID == rating.SkillID {
			s.RatingSum += r.Rating
			s.RatingCount++
		}
	}
	return nil
}

// CreateVersion stores a version, clearing the previous latest when needed.
func (m *MockStore) CreateVersion(ctx context.Context, v *SkillVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.skills[v.SkillID]; !ok {
		return ErrNotFound
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.IsLatest {
		for _, existing := range m.versions {
			if existing.SkillID == v.SkillID {
				existing.IsLatest = false
			}
		}
	}
	c := *v
	m.versions[c.ID] = &c
	return nil
}

// GetVersion retrieves a version by ID.
func (m *MockStore) GetVersion(ctx context.Context, id string) (*SkillVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *v
	return &result, nil
}

// GetLatestVersion returns the latest version of a skill.
func (m *MockStore) GetLatestVersion(ctx context.Context, skillID string) (*SkillVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.versions {
		if v.SkillID == skillID && v.IsLatest {
			result := *v
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// ListVersions returns a skill's versions newest first.
func (m *MockStore) ListVersions(ctx context.Context, skillID string) ([]*SkillVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var versions []*SkillVersion
	for _, v := range m.versions {
		if v.SkillID == skillID {
			c := *v
			versions = append(versions, &c)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].CreatedAt.After(versions[j].CreatedAt) })
	return versions, nil
}

// CreateExecution stores a new execution.
func (m *MockStore) CreateExecution(ctx context.Context, exec *SkillExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exec.Status == "" {
		exec.Status = ExecutionRunning
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
		exec.UpdatedAt = exec.CreatedAt
	}
	c := *exec
	m.executions[c.ID] = &c
	return nil
}

// GetExecution retrieves an execution by ID.
func (m *MockStore) GetExecution(ctx context.Context, id string) (*SkillExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *e
	return &result, nil
}

// ListExecutions returns executions newest first.
func (m *MockStore) ListExecutions(ctx context.Context, orgID string) ([]*SkillExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var execs []*SkillExecution
	for _, e := range m.executions {
		if orgID != "" && e.OrgID != orgID {
			continue
		}
		c := *e
		execs = append(execs, &c)
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].CreatedAt.After(execs[j].CreatedAt) })
	return execs, nil
}

// FinishExecution writes the terminal result of a running execution.
func (m *MockStore) FinishExecution(ctx context.Context, id string, result ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status.Terminal() {
		return fmt.Errorf("execution %s: %w", id, ErrTerminal)
	}
	e.Status = result.Status
	e.StepResults = result.StepResults
	e.Output = result.Output
	e.DurationMs = result.DurationMs
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// CancelExecution marks a running execution cancelled.
func (m *MockStore) CancelExecution(ctx context.Context, id string) (*SkillExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status.Terminal() {
		return nil, fmt.Errorf("execution %s is %s: %w", id, e.Status, ErrTerminal)
	}
	e.Status = ExecutionCancelled
	e.UpdatedAt = time.Now().UTC()
	e.DurationMs = e.UpdatedAt.Sub(e.CreatedAt).Milliseconds()

	result := *e
	return &result, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)

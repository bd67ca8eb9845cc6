package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/graph"
)

// EnsureUser creates the user root record. Idempotent.
func (e *Engine) EnsureUser(ctx context.Context, userID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	return e.putRecord(ctx, record{
		User: userID,
		Key:  userID,
		JSON: time.Now().UTC().Format(time.RFC3339),
	}, kindUser)
}

// CreateMemory writes a new memory node scoped to the user.
func (e *Engine) CreateMemory(ctx context.Context, userID string, m *graph.Memory) (string, error) {
	if err := validUser(userID); err != nil {
		return "", err
	}
	if m == nil || m.Content == "" {
		return "", fmt.Errorf("%w: empty memory content", graph.ErrInvalidInput)
	}

	stored := *m
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.Before(stored.CreatedAt) {
		stored.UpdatedAt = stored.CreatedAt
	}
	if stored.ExtractionStatus == "" {
		stored.ExtractionStatus = graph.ExtractionUnstarted
	}

	if err := e.EnsureUser(ctx, userID); err != nil {
		return "", err
	}
	if err := e.putPayload(ctx, kindMemory, userID, stored.ID, "", "", &stored); err != nil {
		return "", fmt.Errorf("create memory: %w", err)
	}

	e.logger.Debug("memory created",
		zap.String("user", userID),
		zap.String("id", stored.ID))
	return stored.ID, nil
}

// GetMemory returns (nil, nil) when the memory does not exist.
func (e *Engine) GetMemory(ctx context.Context, userID, id string) (*graph.Memory, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	rec, err := e.getRecord(ctx, kindMemory, userID, id)
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	var m graph.Memory
	if err := decodePayload(rec, &m); err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return &m, nil
}

// mutateMemory loads, mutates, and rewrites one memory under the process
// write lock.
func (e *Engine) mutateMemory(ctx context.Context, userID, id string, fn func(*graph.Memory) error) error {
	if err := validUser(userID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.getRecord(ctx, kindMemory, userID, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("memory %s: %w", id, graph.ErrNotFound)
	}
	var m graph.Memory
	if err := decodePayload(rec, &m); err != nil {
		return err
	}
	if err := fn(&m); err != nil {
		return err
	}
	if m.UpdatedAt.Before(m.CreatedAt) {
		m.UpdatedAt = m.CreatedAt
	}
	return e.putPayload(ctx, kindMemory, userID, id, "", "", &m)
}

// TouchMemory refreshes updatedAt and union-merges tags.
func (e *Engine) TouchMemory(ctx context.Context, userID, id string, tags []string) error {
	return e.mutateMemory(ctx, userID, id, func(m *graph.Memory) error {
		m.Tags = unionStrings(m.Tags, tags)
		m.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// ResolveMemory stamps resolvedAt and appends the "resolved" tag.
func (e *Engine) ResolveMemory(ctx context.Context, userID, id string) error {
	return e.mutateMemory(ctx, userID, id, func(m *graph.Memory) error {
		now := time.Now().UTC()
		m.ResolvedAt = &now
		m.Tags = unionStrings(m.Tags, []string{"resolved"})
		m.UpdatedAt = now
		return nil
	})
}

// InvalidateMemory tombstones the memory.
func (e *Engine) InvalidateMemory(ctx context.Context, userID, id string) error {
	return e.mutateMemory(ctx, userID, id, func(m *graph.Memory) error {
		now := time.Now().UTC()
		m.InvalidAt = &now
		m.UpdatedAt = now
		return nil
	})
}

// MarkExtraction transitions extraction status.
func (e *Engine) MarkExtraction(ctx context.Context, userID, id string, status graph.ExtractionStatus, errMsg string) error {
	return e.mutateMemory(ctx, userID, id, func(m *graph.Memory) error {
		m.ExtractionStatus = status
		switch status {
		case graph.ExtractionPending:
			m.ExtractionAttempts++
			m.ExtractionError = ""
		case graph.ExtractionFailed:
			m.ExtractionError = errMsg
		case graph.ExtractionDone:
			m.ExtractionError = ""
		}
		return nil
	})
}

// DeleteMemory removes the node and its mention and supersede records.
func (e *Engine) DeleteMemory(ctx context.Context, userID, id string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.getRecord(ctx, kindMemory, userID, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("memory %s: %w", id, graph.ErrNotFound)
	}

	uids := []string{rec.UID}
	mentions, err := e.listByAlt(ctx, kindMention, userID, id)
	if err != nil {
		return err
	}
	for _, m := range mentions {
		uids = append(uids, m.UID)
	}
	if sup, err := e.getRecord(ctx, kindSup, userID, id); err != nil {
		return err
	} else if sup != nil {
		uids = append(uids, sup.UID)
	}
	return e.deleteUIDs(ctx, uids)
}

// Supersede links newID over oldID and tombstones the old memory.
func (e *Engine) Supersede(ctx context.Context, userID, newID, oldID string) error {
	if err := validUser(userID); err != nil {
		return err
	}

	newRec, err := e.getRecord(ctx, kindMemory, userID, newID)
	if err != nil {
		return err
	}
	if newRec == nil {
		return fmt.Errorf("memory %s: %w", newID, graph.ErrNotFound)
	}

	if err := e.mutateMemory(ctx, userID, oldID, func(m *graph.Memory) error {
		now := time.Now().UTC()
		m.InvalidAt = &now
		m.UpdatedAt = now
		return nil
	}); err != nil {
		return err
	}
	return e.putRecord(ctx, record{User: userID, Key: newID, JSON: oldID}, kindSup)
}

// MergeEntity finds or creates the entity for (userID, normalizedName).
func (e *Engine) MergeEntity(ctx context.Context, userID string, in *graph.Entity) (string, bool, error) {
	if err := validUser(userID); err != nil {
		return "", false, err
	}
	if in == nil || in.Name == "" {
		return "", false, fmt.Errorf("%w: empty entity name", graph.ErrInvalidInput)
	}

	normalized := in.NormalizedName
	if normalized == "" {
		normalized = graph.NormalizeName(in.Name)
	}
	if normalized == "" {
		return "", false, fmt.Errorf("%w: entity name normalizes to empty", graph.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.findEntityRecByNorm(ctx, userID, normalized)
	if err != nil {
		return "", false, fmt.Errorf("merge entity: %w", err)
	}
	if existing != nil {
		var ent graph.Entity
		if err := decodePayload(existing, &ent); err != nil {
			return "", false, err
		}
		return ent.ID, false, nil
	}

	stored := *in
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.NormalizedName = normalized
	if stored.Type == "" {
		stored.Type = "OTHER"
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.Before(stored.CreatedAt) {
		stored.UpdatedAt = stored.CreatedAt
	}

	if err := e.putPayload(ctx, kindEntity, userID, stored.ID, normalized, "", &stored); err != nil {
		return "", false, fmt.Errorf("merge entity: %w", err)
	}

	// Someone else may have merged concurrently from another process; the
	// re-read picks one winner by lowest id.
	winner, err := e.findEntityRecByNorm(ctx, userID, normalized)
	if err == nil && winner != nil {
		var ent graph.Entity
		if decodePayload(winner, &ent) == nil && ent.ID != stored.ID {
			return ent.ID, false, nil
		}
	}
	return stored.ID, true, nil
}

// findEntityRecByNorm returns the record with the lowest entity id when
// duplicates exist, so every caller converges on the same winner.
func (e *Engine) findEntityRecByNorm(ctx context.Context, userID, normalized string) (*record, error) {
	recs, err := e.listByAlt(ctx, kindEntity, userID, normalized)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	best := 0
	for i := 1; i < len(recs); i++ {
		if recs[i].Key < recs[best].Key {
			best = i
		}
	}
	return &recs[best], nil
}

// GetEntity returns (nil, nil) when absent.
func (e *Engine) GetEntity(ctx context.Context, userID, id string) (*graph.Entity, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	rec, err := e.getRecord(ctx, kindEntity, userID, id)
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	var ent graph.Entity
	if err := decodePayload(rec, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

// FindEntityByNormalizedName returns (nil, nil) when absent.
func (e *Engine) FindEntityByNormalizedName(ctx context.Context, userID, normalized string) (*graph.Entity, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	rec, err := e.findEntityRecByNorm(ctx, userID, normalized)
	if err != nil {
		return nil, fmt.Errorf("find entity: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	var ent graph.Entity
	if err := decodePayload(rec, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

// EntitiesByNormalizedNames resolves many identity keys. Dgraph answers an
// eq() with a value list in one round trip.
func (e *Engine) EntitiesByNormalizedNames(ctx context.Context, userID string, normalized []string) (map[string]*graph.Entity, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	out := make(map[string]*graph.Entity, len(normalized))
	if len(normalized) == 0 {
		return out, nil
	}

	quoted := ""
	for i, n := range normalized {
		if i > 0 {
			quoted += ", "
		}
		quoted += fmt.Sprintf("%q", n)
	}
	q := fmt.Sprintf(`query q($user: string) {
		result(func: eq(mf.alt, [%s])) @filter(eq(mf.kind, %q) AND eq(mf.user, $user)) {
			%s
		}
	}`, quoted, kindEntity, recordFields)

	recs, err := e.queryRecords(ctx, q, map[string]string{"$user": userID})
	if err != nil {
		return nil, fmt.Errorf("batch entity lookup: %w", err)
	}
	for i := range recs {
		var ent graph.Entity
		if err := decodePayload(&recs[i], &ent); err != nil {
			continue
		}
		if prev, ok := out[recs[i].Alt]; ok && prev.ID <= ent.ID {
			continue
		}
		out[recs[i].Alt] = &ent
	}
	return out, nil
}

// PersonEntities lists PERSON-typed entities for alias matching.
func (e *Engine) PersonEntities(ctx context.Context, userID string) ([]*graph.Entity, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	recs, err := e.listRecords(ctx, kindEntity, userID)
	if err != nil {
		return nil, fmt.Errorf("person entities: %w", err)
	}
	var out []*graph.Entity
	for i := range recs {
		var ent graph.Entity
		if err := decodePayload(&recs[i], &ent); err != nil {
			continue
		}
		if ent.Type == "PERSON" {
			out = append(out, &ent)
		}
	}
	return out, nil
}

// mutateEntity loads, mutates, and rewrites one entity under the write lock.
func (e *Engine) mutateEntity(ctx context.Context, userID, id string, fn func(*graph.Entity) error) error {
	if err := validUser(userID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.getRecord(ctx, kindEntity, userID, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("entity %s: %w", id, graph.ErrNotFound)
	}
	var ent graph.Entity
	if err := decodePayload(rec, &ent); err != nil {
		return err
	}
	if err := fn(&ent); err != nil {
		return err
	}
	return e.putPayload(ctx, kindEntity, userID, id, ent.NormalizedName, "", &ent)
}

// UpdateEntity applies a partial mutation.
func (e *Engine) UpdateEntity(ctx context.Context, userID, id string, mut graph.EntityMutation) error {
	return e.mutateEntity(ctx, userID, id, func(ent *graph.Entity) error {
		if mut.Name != nil && *mut.Name != "" {
			ent.Name = *mut.Name
		}
		if mut.Type != nil && *mut.Type != "" {
			ent.Type = *mut.Type
		}
		if mut.Description != nil {
			ent.Description = *mut.Description
		}
		if len(mut.Metadata) > 0 {
			if ent.Metadata == nil {
				ent.Metadata = make(map[string]interface{}, len(mut.Metadata))
			}
			for k, v := range mut.Metadata {
				ent.Metadata[k] = v
			}
		}
		ent.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// SetEntityEmbedding writes the description embedding.
func (e *Engine) SetEntityEmbedding(ctx context.Context, userID, id string, vec []float32) error {
	return e.mutateEntity(ctx, userID, id, func(ent *graph.Entity) error {
		ent.DescriptionEmbedding = vec
		return nil
	})
}

// DeleteEntity removes the entity and cascades to incident records.
func (e *Engine) DeleteEntity(ctx context.Context, userID, id string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.getRecord(ctx, kindEntity, userID, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("entity %s: %w", id, graph.ErrNotFound)
	}
	uids := []string{rec.UID}

	outs, err := e.listByAlt(ctx, kindRel, userID, id)
	if err != nil {
		return err
	}
	for _, r := range outs {
		uids = append(uids, r.UID)
	}
	ins, err := e.listByAlt2(ctx, kindRel, userID, id)
	if err != nil {
		return err
	}
	for _, r := range ins {
		uids = append(uids, r.UID)
	}
	mentions, err := e.listByAlt2(ctx, kindMention, userID, id)
	if err != nil {
		return err
	}
	for _, m := range mentions {
		uids = append(uids, m.UID)
	}
	return e.deleteUIDs(ctx, uids)
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

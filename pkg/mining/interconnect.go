package mining

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/TeamWiseflow/wiseflow-go/pkg/store"
)

// Connect creates an interconnection between two existing tasks.
func (m *Manager) Connect(sourceID, targetID string, edgeType InterconnectionType, description string) (*Interconnection, error) {
	if !validEdgeType(edgeType) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEdgeType, edgeType)
	}

	for _, id := range []string{sourceID, targetID} {
		_, err := m.cfg.Store.ReadOne(store.CollectionMiningTasks, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingEndpoints, id)
		}
	}

	edge := &Interconnection{
		ID:           uuid.NewString(),
		SourceTaskID: sourceID,
		TargetTaskID: targetID,
		Type:         edgeType,
		Status:       InterconnectActive,
		Description:  description,
	}

	doc, docErr := toDoc(edge)
	if docErr != nil {
		return nil, docErr
	}

	m.icMu.Lock()
	defer m.icMu.Unlock()

	addErr := m.cfg.Store.Add(store.CollectionInterconnections, edge.ID, doc)
	if addErr != nil {
		return nil, fmt.Errorf("persist interconnection: %w", addErr)
	}

	return edge, nil
}

// Disconnect removes one interconnection.
func (m *Manager) Disconnect(id string) error {
	m.icMu.Lock()
	defer m.icMu.Unlock()

	err := m.cfg.Store.Delete(store.CollectionInterconnections, id)
	if err != nil {
		return fmt.Errorf("delete interconnection: %w", err)
	}

	return nil
}

// Interconnections lists edges, optionally restricted to one source task.
func (m *Manager) Interconnections(sourceID string) ([]*Interconnection, error) {
	var filter map[string]any

	if sourceID != "" {
		filter = map[string]any{"source_task_id": sourceID}
	}

	docs, err := m.cfg.Store.Read(store.CollectionInterconnections, filter)
	if err != nil {
		return nil, fmt.Errorf("list interconnections: %w", err)
	}

	edges := make([]*Interconnection, 0, len(docs))

	for _, doc := range docs {
		var edge Interconnection

		if fromDoc(doc, &edge) == nil {
			edges = append(edges, &edge)
		}
	}

	return edges, nil
}

// applyInterconnections walks the completed task's outbound active edges
// and applies each. Propagation happens strictly after the source settles.
func (m *Manager) applyInterconnections(ctx context.Context, source *Task) error {
	edges, err := m.Interconnections(source.TaskID)
	if err != nil {
		return err
	}

	for _, edge := range edges {
		if edge.Status != InterconnectActive {
			continue
		}

		var applyErr error

		switch edge.Type {
		case InterconnectFeed:
			applyErr = m.applyFeed(ctx, source, edge)
		case InterconnectFilter:
			applyErr = m.applyFilter(source, edge)
		case InterconnectCombine:
			applyErr = m.applyCombine(source, edge)
		case InterconnectSequence:
			m.runTargetAsync(ctx, edge.TargetTaskID)
		}

		if applyErr != nil {
			m.cfg.Logger.Warn("interconnection apply failed",
				slog.String("edge", edge.ID),
				slog.String("type", string(edge.Type)),
				slog.String("error", applyErr.Error()),
			)
		}
	}

	return nil
}

// applyFeed copies the source's results into the target's search params and
// runs the target.
func (m *Manager) applyFeed(ctx context.Context, source *Task, edge *Interconnection) error {
	m.taskMu.Lock()

	target, err := m.GetTask(edge.TargetTaskID)
	if err != nil {
		m.taskMu.Unlock()

		return err
	}

	if target.SearchParams == nil {
		target.SearchParams = make(map[string]any)
	}

	target.SearchParams["input_from_task"] = map[string]any{
		"task_id": source.TaskID,
		"results": source.Results,
	}
	target.UpdatedAt = time.Now().UTC()

	saveErr := m.saveTaskLocked(target)

	m.taskMu.Unlock()

	if saveErr != nil {
		return saveErr
	}

	m.runTargetAsync(ctx, edge.TargetTaskID)

	return nil
}

// applyFilter rewrites the target's results, keeping them but marking what
// filtered them.
func (m *Manager) applyFilter(source *Task, edge *Interconnection) error {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()

	target, err := m.GetTask(edge.TargetTaskID)
	if err != nil {
		return err
	}

	if target.Results == nil {
		target.Results = make(map[string]any)
	}

	target.Results["filtered_by"] = map[string]any{
		"task_id":         source.TaskID,
		"filter_criteria": source.Results,
	}
	target.UpdatedAt = time.Now().UTC()

	return m.saveTaskLocked(target)
}

// applyCombine writes a combined record referencing both sides into both
// tasks' results.
func (m *Manager) applyCombine(source *Task, edge *Interconnection) error {
	combined := map[string]any{
		"combined_from": []string{source.TaskID, edge.TargetTaskID},
		"source_results": map[string]any{
			source.TaskID: source.Results,
		},
		"combined_at": time.Now().UTC().Format(time.RFC3339),
	}

	m.taskMu.Lock()
	defer m.taskMu.Unlock()

	target, err := m.GetTask(edge.TargetTaskID)
	if err != nil {
		return err
	}

	if target.Results == nil {
		target.Results = make(map[string]any)
	}

	target.Results["combined"] = combined
	target.UpdatedAt = time.Now().UTC()

	saveErr := m.saveTaskLocked(target)
	if saveErr != nil {
		return saveErr
	}

	if source.Results == nil {
		source.Results = make(map[string]any)
	}

	source.Results["combined"] = combined
	source.UpdatedAt = time.Now().UTC()

	return m.saveTaskLocked(source)
}

// runTargetAsync runs a dependent task without blocking the source's
// settlement; refusals (target not active) only log.
func (m *Manager) runTargetAsync(ctx context.Context, targetID string) {
	runCtx := context.WithoutCancel(ctx)

	go func() {
		err := m.RunTask(runCtx, targetID)
		if err != nil {
			m.cfg.Logger.Warn("dependent task run failed",
				slog.String("task_id", targetID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

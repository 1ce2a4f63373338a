package instance

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SyncResult summarizes one reconciliation pass against upstream.
type SyncResult struct {
	Adopted int `json:"adopted"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}

// SyncWithUpstream reconciles local state with the upstream inventory.
// Run at boot: instances that exist upstream but not locally are adopted,
// local statuses are refreshed, and instances gone upstream are removed.
func (s *Service) SyncWithUpstream(ctx context.Context) (*SyncResult, error) {
	upstreamInstances, err := s.upstream.ListAllInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list upstream instances: %w", err)
	}

	byNovitaID := make(map[string]bool, len(upstreamInstances))
	result := &SyncResult{Total: len(upstreamInstances)}

	for _, ui := range upstreamInstances {
		byNovitaID[ui.ID] = true

		local := s.store.FindByNovitaID(ui.ID)
		if local == nil {
			s.adoptUpstreamInstance(ctx, ui)
			result.Adopted++
			continue
		}

		mapped := MapUpstreamStatus(ui.Status)
		if mapped == "" || mapped == local.Status {
			continue
		}
		if !CanTransition(local.Status, mapped) {
			s.logger.Warn("skipping sync transition outside the lifecycle graph",
				zap.String("instance_id", local.ID),
				zap.String("local_status", string(local.Status)),
				zap.String("upstream_status", ui.Status),
			)
			continue
		}
		if _, err := s.store.Update(ctx, local.ID, func(st *State) error {
			st.Status = mapped
			st.PortMappings = ui.PortMappings
			return nil
		}); err != nil {
			s.logger.Warn("sync status update failed",
				zap.String("instance_id", local.ID),
				zap.Error(err),
			)
			continue
		}
		result.Updated++
	}

	// Anything tracked locally with an upstream id that upstream no longer
	// knows is gone for good.
	for _, local := range s.store.List("") {
		if local.NovitaID == "" || byNovitaID[local.NovitaID] {
			continue
		}
		s.HandleInstanceNotFound(ctx, local.ID, local.NovitaID)
		result.Removed++
	}

	s.logger.Info("upstream sync finished",
		zap.Int("total_upstream", result.Total),
		zap.Int("adopted", result.Adopted),
		zap.Int("updated", result.Updated),
		zap.Int("removed", result.Removed),
	)
	return result, nil
}

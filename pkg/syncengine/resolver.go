package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/types"
)

// Resolve is the pure Conflict Resolver: invoked only for two events
// concurrent under vector-clock comparison on the same (tableName,
// recordId). Its output depends only on its inputs plus the deterministic
// tie-breakers below, so any two nodes reach the same verdict
// independently without coordination.
func Resolve(local, incoming *types.ChangeEvent) *types.ConflictResolution {
	// Delete-wins: any DELETE concurrent with an UPDATE resolves to DELETE.
	if local.Operation == types.OpDelete && incoming.Operation != types.OpDelete {
		return resolution(local, incoming, types.ConflictDeleteWins)
	}
	if incoming.Operation == types.OpDelete && local.Operation != types.OpDelete {
		return resolution(incoming, local, types.ConflictDeleteWins)
	}
	if local.Operation == types.OpDelete && incoming.Operation == types.OpDelete {
		// Both sides agree on deletion; no materialized loser. Pick the
		// lexicographically lower source as winner for a stable audit row.
		if local.SourceNodeID <= incoming.SourceNodeID {
			return resolution(local, incoming, types.ConflictDeleteWins)
		}
		return resolution(incoming, local, types.ConflictDeleteWins)
	}

	// Create/create on the same recordId from different nodes: lower
	// sourceNodeId wins; loser is materialized under a derived record id.
	if local.Operation == types.OpCreate && incoming.Operation == types.OpCreate {
		winner, loser := local, incoming
		if incoming.SourceNodeID < local.SourceNodeID {
			winner, loser = incoming, local
		}
		cr := resolution(winner, loser, types.ConflictCreateCreate)
		cr.LoserRecordID = derivedRecordID(loser)
		return cr
	}

	// Default: last-writer-wins by Lamport clock, tie-break by
	// sourceNodeId lexicographic order.
	winner, loser := local, incoming
	if incoming.LamportClock > local.LamportClock ||
		(incoming.LamportClock == local.LamportClock && incoming.SourceNodeID < local.SourceNodeID) {
		winner, loser = incoming, local
	}
	return resolution(winner, loser, types.ConflictLastWriterWins)
}

func resolution(winner, loser *types.ChangeEvent, kind types.ConflictKind) *types.ConflictResolution {
	return &types.ConflictResolution{
		ID:            uuid.New().String(),
		TableName:     winner.TableName,
		RecordID:      winner.RecordID,
		WinnerEventID: winner.EventID,
		LoserEventID:  loser.EventID,
		Kind:          kind,
		DecidedAt:     time.Now(),
	}
}

func derivedRecordID(loser *types.ChangeEvent) string {
	return fmt.Sprintf("%s~conflict~%s", loser.RecordID, loser.SourceNodeID)
}

// ApplyResolution materializes the resolver's verdict: the winner is
// (re-)applied to the business table; on a create/create verdict the
// loser's data is additionally materialized under its derived record id
// so an operator can reclaim it later.
func ApplyResolution(ctx context.Context, tx store.Tx, cr *types.ConflictResolution, winner, loser *types.ChangeEvent) error {
	if cr.Kind == types.ConflictDeleteWins && winner.Operation == types.OpDelete {
		return tx.UpsertRecord(ctx, cr.TableName, cr.RecordID, types.OpDelete, nil)
	}
	if err := tx.UpsertRecord(ctx, cr.TableName, cr.RecordID, winner.Operation, winner.ChangeData); err != nil {
		return fmt.Errorf("apply winning event: %w", err)
	}
	if cr.Kind == types.ConflictCreateCreate && cr.LoserRecordID != "" {
		if err := tx.UpsertRecord(ctx, cr.TableName, cr.LoserRecordID, types.OpCreate, loser.ChangeData); err != nil {
			return fmt.Errorf("materialize loser under derived record id: %w", err)
		}
	}
	return nil
}

package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/recordsync/internal/auth"
	"github.com/hyperengineering/recordsync/internal/registry"
	"github.com/hyperengineering/recordsync/internal/store"
	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

// ProducerOptions carries the pull paging and protocol settings.
type ProducerOptions struct {
	EnforceV2   bool
	PageDefault int
	PageMax     int
}

// Producer serves pull pages from the change log: privacy filtering,
// payload re-validation and cursor bookkeeping.
type Producer struct {
	store    *store.SQLiteStore
	registry *registry.Registry
	opts     ProducerOptions
	logger   *slog.Logger
}

// NewProducer builds the pull producer.
func NewProducer(st *store.SQLiteStore, reg *registry.Registry, opts ProducerOptions, logger *slog.Logger) *Producer {
	if opts.PageDefault <= 0 {
		opts.PageDefault = 5000
	}
	if opts.PageMax <= 0 {
		opts.PageMax = 20000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{store: st, registry: reg, opts: opts, logger: logger}
}

// Pull returns the next page of changes after sinceSeq for the actor.
// Entries the actor may not see are dropped but still advance the cursor.
func (p *Producer) Pull(ctx context.Context, actor auth.Actor, clientID string, sinceSeq int64, limit, protocolVersion int) (*recsync.PullResponse, error) {
	if p.opts.EnforceV2 && protocolVersion < recsync.ProtocolVersion {
		return nil, recsync.NewError(recsync.KindProtocolUpgrade, "", "", "protocol_version",
			fmt.Sprintf("protocol version %d required", recsync.ProtocolVersion))
	}
	if sinceSeq < 0 {
		return nil, recsync.NewError(recsync.KindValidation, "", "", "since_seq", "since_seq must not be negative")
	}
	if limit <= 0 {
		limit = p.opts.PageDefault
	}
	if limit > p.opts.PageMax {
		limit = p.opts.PageMax
	}

	entries, err := p.store.GetChangeLogAfter(ctx, sinceSeq, limit)
	if err != nil {
		return nil, err
	}

	cursor := sinceSeq
	changes := make([]recsync.ChangeLogEntry, 0, len(entries))
	invalid := make(map[string]int)

	for _, e := range entries {
		cursor = e.ServerSeq

		entry, ok := p.registry.Get(e.Table)
		if !ok {
			continue
		}
		row := decodePayload(e.Payload)
		if !p.visibleTo(actor, entry, row) {
			continue
		}
		if row != nil {
			if errs := p.registry.Validate(entry.Name, row); len(errs) > 0 {
				invalid[entry.Name]++
				continue
			}
		}
		changes = append(changes, e)
	}

	lastSeq, err := p.store.GetLatestSequence(ctx)
	if err != nil {
		return nil, err
	}

	if clientID != "" {
		if err := p.store.RecordPull(ctx, clientID, cursor, time.Now().UnixMilli()); err != nil {
			p.logger.Warn("record pull cursor failed",
				slog.String("client_id", clientID), slog.Any("error", err))
		}
	}

	if len(invalid) > 0 {
		p.logger.Warn("invalid payloads dropped from pull",
			slog.String("client_id", clientID), slog.Any("counts", invalid))
	} else {
		invalid = nil
	}

	return &recsync.PullResponse{
		SyncProtocolVersion: recsync.ProtocolVersion,
		ServerCursor:        cursor,
		ServerLastSeq:       lastSeq,
		HasMore:             cursor < lastSeq,
		Changes:             changes,
		InvalidCounts:       invalid,
	}, nil
}

// visibleTo applies the per-table privacy rule: participants and admins
// see the row, everyone else does not. Rows with a null participant value
// are global.
func (p *Producer) visibleTo(actor auth.Actor, entry registry.Entry, row map[string]any) bool {
	if entry.Privacy == nil || actor.IsAdmin() {
		return true
	}
	if row == nil {
		return false
	}
	rule := entry.Privacy
	if rule.SenderField != "" {
		if v, ok := row[rule.SenderField]; ok && v != nil {
			if s, _ := v.(string); s == actor.ID {
				return true
			}
		}
	}
	if rule.RecipientField != "" {
		v, ok := row[rule.RecipientField]
		if !ok || v == nil {
			// Broadcast row: no recipient means visible to everyone.
			return true
		}
		if s, _ := v.(string); s == actor.ID {
			return true
		}
	}
	return false
}

func decodePayload(payload json.RawMessage) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	var row map[string]any
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil
	}
	return row
}

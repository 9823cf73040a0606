package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/balanced/internal/clock"
	"github.com/smallbiznis/balanced/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OutboxParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

// Outbox stores sync jobs in the primary database. Jobs sharing a dedup key
// collapse into one row whose entitlement set is the union of all enqueues.
type Outbox struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(p OutboxParams) *Outbox {
	return &Outbox{
		db:    p.DB,
		log:   p.Log.Named("syncqueue.outbox"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (o *Outbox) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return o.upsert(ctx, tx, job)
		})
		if !db.IsDuplicateKeyErr(err) {
			return err
		}
		// lost the insert race, the second pass merges into the winner
	}
	return err
}

func (o *Outbox) upsert(ctx context.Context, tx *gorm.DB, job Job) error {
	now := o.clock.Now()

	query := `SELECT id, payload, status, version FROM balance_sync_jobs WHERE dedup_key = ?`
	if !db.IsSQLite(tx) {
		query += " FOR UPDATE"
	}
	var existing OutboxJob
	if err := tx.WithContext(ctx).Raw(query, job.DedupKey).Scan(&existing).Error; err != nil {
		return err
	}

	if existing.ID == 0 {
		payload, err := json.Marshal(job.Payload)
		if err != nil {
			return err
		}
		name := job.Name
		if name == "" {
			name = JobName
		}
		return tx.WithContext(ctx).Exec(
			`INSERT INTO balance_sync_jobs (id, name, dedup_key, group_key, region, payload, status, attempts, version, available_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.genID.Generate(),
			name,
			job.DedupKey,
			job.GroupKey,
			job.Payload.Region,
			datatypes.JSON(payload),
			StatusPending,
			0,
			1,
			now,
			now,
			now,
		).Error
	}

	var stored Payload
	if err := json.Unmarshal(existing.Payload, &stored); err != nil {
		return fmt.Errorf("decode outbox payload %s: %w", existing.ID.String(), err)
	}
	stored.EntitlementIDs = MergeIDs(stored.EntitlementIDs, job.Payload.EntitlementIDs)
	if job.Payload.EmittedAt.After(stored.EmittedAt) {
		stored.EmittedAt = job.Payload.EmittedAt
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	return tx.WithContext(ctx).Exec(
		`UPDATE balance_sync_jobs
		 SET payload = ?, status = ?, attempts = 0, version = version + 1, available_at = ?, last_error = NULL, updated_at = ?
		 WHERE id = ?`,
		datatypes.JSON(payload),
		StatusPending,
		now,
		now,
		existing.ID,
	).Error
}

package models

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

// OperatorAction names an explicit operator command
type OperatorAction string

const (
	OperatorActionConfirmMerge    OperatorAction = "confirm_merge"
	OperatorActionSplitEntity     OperatorAction = "split_entity"
	OperatorActionBackfillReorder OperatorAction = "backfill_reorder"
	OperatorActionRetire          OperatorAction = "retire"
)

// OperatorAuditEntry journals one operator command and what it touched.
type OperatorAuditEntry struct {
	ID        string                         `json:"id" db:"id"`
	TenantID  string                         `json:"tenant_id" db:"tenant_id"`
	Action    OperatorAction                 `json:"action" db:"action"`
	MasterID  string                         `json:"master_id" db:"master_id"`
	Actor     string                         `json:"actor" db:"actor"`
	Detail    database.JSONB[map[string]any] `json:"detail" db:"detail"`
	CreatedAt time.Time                      `json:"created_at" db:"created_at"`
}

package postgres

const triggerColumns = `id, kind, expression, timezone, graph_name, namespace, trigger_time, status, expires_at`

const queryInsertTrigger = `
INSERT INTO triggers (id, kind, expression, timezone, graph_name, namespace, trigger_time, status, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT DO NOTHING
`

// SKIP LOCKED lets concurrent workers each take a different due row
// instead of queueing behind the first one.
const queryClaimDueTrigger = `
UPDATE triggers
SET status = 'TRIGGERING'
WHERE id = (
    SELECT id FROM triggers
    WHERE status = 'PENDING'
      AND trigger_time <= $1
    ORDER BY trigger_time
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + triggerColumns

const queryMarkTrigger = `
UPDATE triggers
SET status = $2, expires_at = $3
WHERE id = $1
`

const queryCancelPendingTriggers = `
UPDATE triggers
SET status = 'CANCELLED', expires_at = $6
WHERE status = 'PENDING'
  AND namespace = $1
  AND graph_name = $2
  AND ($3 = '' OR kind = $3)
  AND (
      cardinality($4::text[]) = 0
      OR (expression, timezone) IN (SELECT * FROM unnest($4::text[], $5::text[]))
  )
`

const queryMarkLegacyTriggersCancelled = `
UPDATE triggers
SET status = 'CANCELLED', expires_at = $1
WHERE status IN ('TRIGGERED', 'FAILED')
  AND expires_at IS NULL
`

const queryPurgeExpiredTriggers = `
DELETE FROM triggers
WHERE status IN ('TRIGGERED', 'FAILED', 'CANCELLED')
  AND expires_at IS NOT NULL
  AND expires_at <= $1
`

const queryListTriggers = `
SELECT ` + triggerColumns + `
FROM triggers
WHERE namespace = $1 AND graph_name = $2
ORDER BY trigger_time DESC
`

const queryGetTemplate = `
SELECT spec, created_at, updated_at
FROM graph_templates
WHERE namespace = $1 AND name = $2
`

const queryUpsertTemplate = `
INSERT INTO graph_templates (namespace, name, spec, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (namespace, name) DO UPDATE
SET spec = EXCLUDED.spec, updated_at = EXCLUDED.updated_at
`

const stateColumns = `
    id, node_name, namespace_name, graph_name, run_id, identifier,
    status, inputs, outputs, error, parents, does_unites,
    fanout_id, manual_retry_fanout_id, retry_count, enqueue_after,
    timeout_minutes, timeout_at, created_at, updated_at`

const queryInsertState = `
INSERT INTO states (
    id, node_name, namespace_name, graph_name, run_id, identifier,
    status, inputs, outputs, error, parents, does_unites,
    fanout_id, manual_retry_fanout_id, retry_count, enqueue_after,
    timeout_minutes, timeout_at, fingerprint, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $20)
`

const queryGetState = `SELECT` + stateColumns + `
FROM states
WHERE id = $1
`

const queryUpdateStateStatus = `
UPDATE states
SET status = $2, error = $3, updated_at = now()
WHERE id = $1
`

const queryQueueState = `
UPDATE states
SET status = 'QUEUED', timeout_at = $2, updated_at = now()
WHERE id = $1 AND status = 'CREATED'
`

const queryStateExists = `SELECT EXISTS (SELECT 1 FROM states WHERE id = $1)`

const queryMarkTimedOutStates = `
UPDATE states
SET status = 'TIMEDOUT', error = $2, updated_at = now()
WHERE status = 'QUEUED'
  AND timeout_at IS NOT NULL
  AND timeout_at <= $1
`

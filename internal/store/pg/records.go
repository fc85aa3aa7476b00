package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"certeon.org/internal/identity"
	"certeon.org/internal/store"
)

// Records persists the identity-attached records that outlive a
// certification: attribute assignments, mitigation expirations and decision
// history. The certification aggregate itself stays in the host's session
// store; these records are queried by downstream jobs (expiry scans,
// entitlement correlation) long after the campaign is signed.
type Records struct {
	db *sql.DB
}

// Open connects a Records store.
func Open(dsn string) (*Records, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Records{db: db}, nil
}

// NewRecords wraps an existing handle, for tests.
func NewRecords(db *sql.DB) *Records { return &Records{db: db} }

func (r *Records) Close() error { return r.db.Close() }

func (r *Records) DB() *sql.DB { return r.db }

// SaveAssignment upserts one attribute assignment on the removal-matching
// key plus value.
func (r *Records) SaveAssignment(ctx context.Context, identityName string, a identity.AttributeAssignment) error {
	_, err := r.db.ExecContext(ctx, `
		insert into attribute_assignments
			(identity_name, application, instance, native_identity, name, value, source, assigner, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (identity_name, application, instance, native_identity, name, value) do update
		set source = excluded.source, assigner = excluded.assigner, created_at = excluded.created_at
	`, identityName, a.Application, a.Instance, a.NativeIdentity, a.Name, a.Value, a.Source, a.Assigner, a.Created)
	return err
}

// DeleteAssignments removes assignments matching the key; an empty value
// matches every value under the key. Returns how many rows went away.
func (r *Records) DeleteAssignments(ctx context.Context, identityName string, a identity.AttributeAssignment) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		delete from attribute_assignments
		where identity_name=$1 and application=$2 and instance=$3 and native_identity=$4 and name=$5
		  and ($6 = '' or value = $6)
	`, identityName, a.Application, a.Instance, a.NativeIdentity, a.Name, a.Value)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AssignmentsFor lists the assignments recorded against an identity.
func (r *Records) AssignmentsFor(ctx context.Context, identityName string) ([]identity.AttributeAssignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		select application, instance, native_identity, name, value, source, assigner, created_at
		from attribute_assignments
		where identity_name=$1
		order by created_at
	`, identityName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.AttributeAssignment
	for rows.Next() {
		var a identity.AttributeAssignment
		if err := rows.Scan(&a.Application, &a.Instance, &a.NativeIdentity, &a.Name, &a.Value, &a.Source, &a.Assigner, &a.Created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveMitigation upserts one mitigation expiration on its target key,
// matching the in-memory eviction semantics: a second mitigation of the same
// target replaces the first.
func (r *Records) SaveMitigation(ctx context.Context, identityName string, m identity.MitigationExpiration) error {
	_, err := r.db.ExecContext(ctx, `
		insert into mitigation_expirations
			(id, identity_name, application, native_identity, item_type, name, value,
			 expiration, action, mitigator, comments, source_item, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		on conflict (identity_name, application, native_identity, item_type, name, value) do update
		set id = excluded.id, expiration = excluded.expiration, action = excluded.action,
		    mitigator = excluded.mitigator, comments = excluded.comments,
		    source_item = excluded.source_item, created_at = excluded.created_at
	`, m.ID, identityName, m.Application, m.NativeIdentity, m.ItemType, m.Name, m.Value,
		m.Expiration, string(m.Action), m.Mitigator, m.Comments, m.SourceItem, m.Created)
	return err
}

// DeleteMitigation removes the record with the given id.
func (r *Records) DeleteMitigation(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `delete from mitigation_expirations where id=$1`, id)
	return err
}

// MitigationsFor lists an identity's mitigation records.
func (r *Records) MitigationsFor(ctx context.Context, identityName string) ([]identity.MitigationExpiration, error) {
	rows, err := r.db.QueryContext(ctx, `
		select id, application, native_identity, item_type, name, value,
		       expiration, action, mitigator, comments, source_item, created_at
		from mitigation_expirations
		where identity_name=$1
		order by created_at
	`, identityName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMitigations(rows)
}

// ExpiredMitigations lists records past their expiration, oldest first, for
// the sweep that fires expiration actions.
func (r *Records) ExpiredMitigations(ctx context.Context, now time.Time) ([]store.ExpiredMitigation, error) {
	rows, err := r.db.QueryContext(ctx, `
		select identity_name, id, application, native_identity, item_type, name, value,
		       expiration, action, mitigator, comments, source_item, created_at
		from mitigation_expirations
		where expiration <= $1
		order by expiration
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ExpiredMitigation
	for rows.Next() {
		var e store.ExpiredMitigation
		var action string
		if err := rows.Scan(&e.IdentityName, &e.Record.ID, &e.Record.Application,
			&e.Record.NativeIdentity, &e.Record.ItemType, &e.Record.Name, &e.Record.Value,
			&e.Record.Expiration, &action, &e.Record.Mitigator, &e.Record.Comments,
			&e.Record.SourceItem, &e.Record.Created); err != nil {
			return nil, err
		}
		e.Record.Action = identity.ExpirationAction(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddDecisionRecord appends one entry to the identity's decision history.
func (r *Records) AddDecisionRecord(ctx context.Context, identityName string, rec identity.DecisionRecord) error {
	_, err := r.db.ExecContext(ctx, `
		insert into decision_history
			(identity_name, certification_id, item_id, status, actor, comments, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, identityName, rec.CertificationID, rec.ItemID, rec.Status, rec.Actor, rec.Comments, rec.Created)
	return err
}

// DecisionHistory lists an identity's decision history newest first. limit
// <= 0 means no limit.
func (r *Records) DecisionHistory(ctx context.Context, identityName string, limit int) ([]identity.DecisionRecord, error) {
	q := `
		select certification_id, item_id, status, actor, comments, created_at
		from decision_history
		where identity_name=$1
		order by created_at desc
	`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, q+` limit $2`, identityName, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, q, identityName)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.DecisionRecord
	for rows.Next() {
		var rec identity.DecisionRecord
		if err := rows.Scan(&rec.CertificationID, &rec.ItemID, &rec.Status, &rec.Actor, &rec.Comments, &rec.Created); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanMitigations(rows *sql.Rows) ([]identity.MitigationExpiration, error) {
	var out []identity.MitigationExpiration
	for rows.Next() {
		var m identity.MitigationExpiration
		var action string
		if err := rows.Scan(&m.ID, &m.Application, &m.NativeIdentity, &m.ItemType, &m.Name, &m.Value,
			&m.Expiration, &action, &m.Mitigator, &m.Comments, &m.SourceItem, &m.Created); err != nil {
			return nil, err
		}
		m.Action = identity.ExpirationAction(action)
		out = append(out, m)
	}
	return out, rows.Err()
}

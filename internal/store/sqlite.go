package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/rehouzd/skiptrace/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It serves local CLI
// use and tests; writes are serialized over a single connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Transactions must not wait on a second connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS lookup_results (
	id                 TEXT PRIMARY KEY,
	normalized_address TEXT NOT NULL,
	normalized_owner   TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	phones             TEXT NOT NULL DEFAULT '[]',
	emails             TEXT NOT NULL DEFAULT '[]',
	mailing_addresses  TEXT NOT NULL DEFAULT '[]',
	owner_names        TEXT NOT NULL DEFAULT '[]',
	dnc_status         TEXT NOT NULL DEFAULT '',
	litigator_status   TEXT NOT NULL DEFAULT '',
	confidence_score   REAL NOT NULL DEFAULT 0,
	total_cost_cents   INTEGER NOT NULL DEFAULT 0,
	error_code         TEXT NOT NULL DEFAULT '',
	error_message      TEXT NOT NULL DEFAULT '',
	response_time_ms   INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL,
	last_refreshed_at  DATETIME NOT NULL,
	total_lookup_count INTEGER NOT NULL DEFAULT 1,
	version            INTEGER NOT NULL DEFAULT 1,
	UNIQUE (normalized_address, normalized_owner)
);

CREATE TABLE IF NOT EXISTS lookup_access (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	lookup_result_id TEXT NOT NULL,
	buyer_id         TEXT NOT NULL,
	buyer_name       TEXT NOT NULL DEFAULT '',
	search_address   TEXT NOT NULL,
	search_owner     TEXT NOT NULL DEFAULT '',
	credit_type      TEXT NOT NULL DEFAULT 'none',
	credit_charged   BOOLEAN NOT NULL DEFAULT 0,
	was_cached       BOOLEAN NOT NULL DEFAULT 0,
	outcome          TEXT NOT NULL,
	accessed_at      DATETIME NOT NULL,
	UNIQUE (user_id, buyer_id, outcome)
);

CREATE TABLE IF NOT EXISTS credit_accounts (
	user_id        TEXT PRIMARY KEY,
	free_remaining INTEGER NOT NULL DEFAULT 0 CHECK (free_remaining >= 0),
	paid_remaining INTEGER NOT NULL DEFAULT 0 CHECK (paid_remaining >= 0),
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	free_delta INTEGER NOT NULL DEFAULT 0,
	paid_delta INTEGER NOT NULL DEFAULT 0,
	type       TEXT NOT NULL,
	reference  TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS user_subscriptions (
	user_id   TEXT PRIMARY KEY,
	plan      TEXT NOT NULL,
	active    BOOLEAN NOT NULL DEFAULT 1,
	renews_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS verification_votes (
	user_id       TEXT NOT NULL,
	contact_value TEXT NOT NULL,
	buyer_name    TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('verified', 'invalid')),
	updated_at    DATETIME NOT NULL,
	PRIMARY KEY (user_id, contact_value, buyer_name)
);

CREATE INDEX IF NOT EXISTS idx_lookup_access_user_accessed ON lookup_access(user_id, accessed_at);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_verification_votes_value ON verification_votes(buyer_name, contact_value);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(classify(err), "sqlite: begin %s", op)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrapf(classify(tx.Commit()), "sqlite: commit %s", op)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// --- lookup results ---

func (s *SQLiteStore) GetLookupResult(ctx context.Context, key model.ContactLookupKey) (*model.SharedLookupResult, error) {
	r, err := scanLookupResult(s.db.QueryRowContext(ctx,
		`SELECT `+lookupColumns+` FROM lookup_results WHERE normalized_address = ? AND normalized_owner = ?`,
		key.Address, key.Owner,
	))
	if isNoRows(err) {
		return nil, nil
	}
	return r, eris.Wrapf(err, "sqlite: get lookup result %s", key)
}

func (s *SQLiteStore) InsertLookupResult(ctx context.Context, r *model.SharedLookupResult) error {
	prepareInsert(r)
	phones, emails, mailing, owners, err := lookupArgs(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal lookup result")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lookup_results (`+lookupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Key.Address, r.Key.Owner, string(r.Status), phones, emails, mailing, owners,
		r.DNCStatus, r.LitigatorStatus, r.ConfidenceScore, r.TotalCostCents,
		r.ErrorCode, r.ErrorMessage, r.ResponseTimeMs, r.CreatedAt.UTC(), r.LastRefreshedAt.UTC(),
		r.TotalLookupCount, r.Version,
	)
	return eris.Wrapf(classify(err), "sqlite: insert lookup result %s", r.Key)
}

func (s *SQLiteStore) ReplaceLookupResult(ctx context.Context, r *model.SharedLookupResult, expectedVersion int) (bool, error) {
	phones, emails, mailing, owners, err := lookupArgs(r)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal lookup result")
	}
	if r.LastRefreshedAt.IsZero() {
		r.LastRefreshedAt = utcNow()
	}

	err = s.db.QueryRowContext(ctx,
		`UPDATE lookup_results SET
			status = ?, phones = ?, emails = ?, mailing_addresses = ?, owner_names = ?,
			dnc_status = ?, litigator_status = ?, confidence_score = ?, total_cost_cents = ?,
			error_code = ?, error_message = ?, response_time_ms = ?,
			last_refreshed_at = ?, total_lookup_count = ?, version = version + 1
		WHERE normalized_address = ? AND normalized_owner = ? AND version = ?
		RETURNING id, created_at, version`,
		string(r.Status), phones, emails, mailing, owners,
		r.DNCStatus, r.LitigatorStatus, r.ConfidenceScore, r.TotalCostCents,
		r.ErrorCode, r.ErrorMessage, r.ResponseTimeMs,
		r.LastRefreshedAt.UTC(), r.TotalLookupCount,
		r.Key.Address, r.Key.Owner, expectedVersion,
	).Scan(&r.ID, &r.CreatedAt, &r.Version)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: replace lookup result %s", r.Key)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return true, nil
}

func (s *SQLiteStore) IncrementLookupCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE lookup_results SET total_lookup_count = total_lookup_count + 1 WHERE id = ? RETURNING total_lookup_count`,
		id,
	).Scan(&n)
	if isNoRows(err) {
		return 0, eris.Wrapf(model.ErrNotFound, "sqlite: lookup result %s", id)
	}
	return n, eris.Wrapf(err, "sqlite: increment lookup count %s", id)
}

func (s *SQLiteStore) DeleteLookupResult(ctx context.Context, key model.ContactLookupKey) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM lookup_results WHERE normalized_address = ? AND normalized_owner = ?`,
		key.Address, key.Owner,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete lookup result %s", key)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) DeleteAllLookupResults(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lookup_results`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete lookup results")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- access ---

func (s *SQLiteStore) GetSuccessfulAccess(ctx context.Context, userID, buyerID string) (*model.AccessWithResult, error) {
	a, err := scanAccess(s.db.QueryRowContext(ctx,
		`SELECT `+accessColumns+` FROM lookup_access WHERE user_id = ? AND buyer_id = ? AND outcome = ?`,
		userID, buyerID, string(model.AccessOutcomeSuccess),
	))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get access %s/%s", userID, buyerID)
	}

	r, err := scanLookupResult(s.db.QueryRowContext(ctx,
		`SELECT `+lookupColumns+` FROM lookup_results WHERE id = ?`, a.LookupResultID,
	))
	if err != nil && !isNoRows(err) {
		return nil, eris.Wrapf(err, "sqlite: get lookup result %s", a.LookupResultID)
	}
	return &model.AccessWithResult{UserLookupAccess: *a, Result: r}, nil
}

func (s *SQLiteStore) ChargeAndRecordAccess(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	access := req.Access
	prepareAccess(&access, model.AccessOutcomeSuccess)

	var res *ChargeResult
	err := s.inTx(ctx, "charge access", func(tx *sql.Tx) error {
		existing, err := scanAccess(tx.QueryRowContext(ctx,
			`SELECT `+accessColumns+` FROM lookup_access WHERE user_id = ? AND buyer_id = ? AND outcome = ?`,
			access.UserID, access.BuyerID, string(model.AccessOutcomeSuccess),
		))
		switch {
		case err == nil:
			res = &ChargeResult{Access: *existing}
			return nil
		case !isNoRows(err):
			return eris.Wrap(err, "sqlite: check access")
		}

		var txn *model.CreditTransaction
		if req.Billable {
			ref := req.Reference
			if ref == "" {
				ref = "lookup:" + access.ID
			}
			if txn, err = sqliteDebit(ctx, tx, access.UserID, 1, ref); err != nil {
				return err
			}
		}

		access = chargedAccess(access, txn)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lookup_access (`+accessColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			access.ID, access.UserID, access.LookupResultID, access.BuyerID, access.BuyerName,
			access.SearchAddress, access.SearchOwner, string(access.CreditType), access.CreditCharged,
			access.WasCached, string(access.Outcome), access.AccessedAt.UTC(),
		); err != nil {
			return eris.Wrap(classify(err), "sqlite: insert access")
		}
		res = &ChargeResult{Access: access, Inserted: true, Transaction: txn}
		return nil
	})
	if err == nil {
		return res, nil
	}
	if !eris.Is(err, ErrUniqueViolation) {
		return nil, err
	}

	// Another process sharing the file committed first.
	prior, gerr := s.GetSuccessfulAccess(ctx, access.UserID, access.BuyerID)
	if gerr != nil {
		return nil, gerr
	}
	if prior == nil {
		return nil, eris.Wrap(ErrConflict, "sqlite: access vanished after unique violation")
	}
	return &ChargeResult{Access: prior.UserLookupAccess}, nil
}

func (s *SQLiteStore) RecordFailedAccess(ctx context.Context, access model.UserLookupAccess) error {
	prepareAccess(&access, model.AccessOutcomeFailed)
	access.CreditType = model.CreditTypeNone
	access.CreditCharged = false

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lookup_access (`+accessColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, buyer_id, outcome) DO UPDATE SET
			lookup_result_id = excluded.lookup_result_id,
			buyer_name = excluded.buyer_name,
			search_address = excluded.search_address,
			search_owner = excluded.search_owner,
			was_cached = excluded.was_cached,
			accessed_at = excluded.accessed_at`,
		access.ID, access.UserID, access.LookupResultID, access.BuyerID, access.BuyerName,
		access.SearchAddress, access.SearchOwner, string(access.CreditType), access.CreditCharged,
		access.WasCached, string(access.Outcome), access.AccessedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record failed access %s/%s", access.UserID, access.BuyerID)
}

func (s *SQLiteStore) ListAccess(ctx context.Context, userID string, page Page) ([]model.AccessWithResult, error) {
	page = page.normalized()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accessColumns+` FROM lookup_access WHERE user_id = ?
		ORDER BY accessed_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list access %s", userID)
	}
	var out []model.AccessWithResult
	var ids []string
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan access")
		}
		out = append(out, model.AccessWithResult{UserLookupAccess: *a})
		ids = append(ids, a.LookupResultID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate access")
	}
	if len(ids) == 0 {
		return out, nil
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT `+lookupColumns+` FROM lookup_results WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load history results")
	}
	defer rows.Close()
	byID := make(map[string]*model.SharedLookupResult, len(ids))
	for rows.Next() {
		r, err := scanLookupResult(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lookup result")
		}
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate lookup results")
	}
	for i := range out {
		out[i].Result = byID[out[i].LookupResultID]
	}
	return out, nil
}

// --- ledger ---

func (s *SQLiteStore) GetCreditAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	acct := &model.CreditAccount{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT free_remaining, paid_remaining, updated_at FROM credit_accounts WHERE user_id = ?`,
		userID,
	).Scan(&acct.FreeRemaining, &acct.PaidRemaining, &acct.UpdatedAt)
	if isNoRows(err) {
		return acct, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get credit account %s", userID)
	}
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

func (s *SQLiteStore) Debit(ctx context.Context, userID string, amount int, reference string) (*model.CreditTransaction, error) {
	var txn *model.CreditTransaction
	err := s.inTx(ctx, "debit", func(tx *sql.Tx) error {
		var err error
		txn, err = sqliteDebit(ctx, tx, userID, amount, reference)
		return err
	})
	if eris.Is(err, ErrUniqueViolation) {
		return nil, eris.Wrapf(model.ErrDuplicateRequest, "sqlite: debit reference %s", reference)
	}
	return txn, err
}

func sqliteDebit(ctx context.Context, tx *sql.Tx, userID string, amount int, reference string) (*model.CreditTransaction, error) {
	var free, paid int
	err := tx.QueryRowContext(ctx,
		`SELECT free_remaining, paid_remaining FROM credit_accounts WHERE user_id = ?`, userID,
	).Scan(&free, &paid)
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrInsufficientCredits, "user %s has no credit account", userID)
	}
	if err != nil {
		return nil, eris.Wrap(classify(err), "sqlite: read balance")
	}

	freeUsed, paidUsed, ok := debitSplit(free, paid, amount)
	if !ok {
		return nil, eris.Wrapf(model.ErrInsufficientCredits, "user %s has %d credits, needs %d", userID, free+paid, amount)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts
		SET free_remaining = free_remaining - ?, paid_remaining = paid_remaining - ?, updated_at = ?
		WHERE user_id = ? AND free_remaining = ? AND paid_remaining = ?`,
		freeUsed, paidUsed, utcNow(), userID, free, paid,
	)
	if err != nil {
		return nil, eris.Wrap(classify(err), "sqlite: update balance")
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, eris.Wrapf(ErrConflict, "sqlite: balance of %s changed", userID)
	}

	txn := newTransaction(userID, -freeUsed, -paidUsed, model.TransactionUsed, reference)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.UserID, txn.FreeDelta, txn.PaidDelta, string(txn.Type), txn.Reference, txn.CreatedAt,
	); err != nil {
		return nil, eris.Wrap(classify(err), "sqlite: insert debit")
	}
	return txn, nil
}

func (s *SQLiteStore) Credit(ctx context.Context, userID string, freeDelta, paidDelta int, typ model.TransactionType, reference string) (*model.CreditTransaction, bool, error) {
	txn := newTransaction(userID, freeDelta, paidDelta, typ, reference)
	var prior *model.CreditTransaction
	err := s.inTx(ctx, "credit", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO credit_transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (reference) DO NOTHING`,
			txn.ID, txn.UserID, txn.FreeDelta, txn.PaidDelta, string(txn.Type), txn.Reference, txn.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(classify(err), "sqlite: insert credit")
		}
		if n, err := res.RowsAffected(); err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		} else if n == 0 {
			prior, err = scanTransaction(tx.QueryRowContext(ctx,
				`SELECT `+transactionColumns+` FROM credit_transactions WHERE reference = ?`, reference,
			))
			return eris.Wrapf(err, "sqlite: get transaction %s", reference)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO credit_accounts (user_id, free_remaining, paid_remaining, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				free_remaining = free_remaining + excluded.free_remaining,
				paid_remaining = paid_remaining + excluded.paid_remaining,
				updated_at = excluded.updated_at`,
			userID, freeDelta, paidDelta, txn.CreatedAt,
		)
		return eris.Wrap(classify(err), "sqlite: apply credit")
	})
	if err != nil {
		return nil, false, err
	}
	if prior != nil {
		return prior, false, nil
	}
	return txn, true, nil
}

func (s *SQLiteStore) SumTransactions(ctx context.Context, userID string) (int, int, error) {
	var free, paid int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(free_delta), 0), COALESCE(SUM(paid_delta), 0) FROM credit_transactions WHERE user_id = ?`,
		userID,
	).Scan(&free, &paid)
	return free, paid, eris.Wrapf(err, "sqlite: sum transactions %s", userID)
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, userID string, page Page) ([]model.CreditTransaction, error) {
	page = page.normalized()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list transactions %s", userID)
	}
	defer rows.Close()

	var out []model.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate transactions")
}

// --- subscriptions ---

func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub model.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_subscriptions (user_id, plan, active, renews_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET plan = excluded.plan, active = excluded.active, renews_at = excluded.renews_at`,
		sub.UserID, sub.Plan, sub.Active, sub.RenewsAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert subscription %s", sub.UserID)
}

func (s *SQLiteStore) ListActiveSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, plan, active, renews_at FROM user_subscriptions WHERE active ORDER BY user_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list subscriptions")
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		if err := rows.Scan(&sub.UserID, &sub.Plan, &sub.Active, &sub.RenewsAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan subscription")
		}
		sub.RenewsAt = sub.RenewsAt.UTC()
		out = append(out, sub)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate subscriptions")
}

// --- votes ---

func (s *SQLiteStore) UpsertVote(ctx context.Context, vote model.VerificationVote) (*model.VerificationRecord, error) {
	if vote.UpdatedAt.IsZero() {
		vote.UpdatedAt = utcNow()
	}
	var rec model.VerificationRecord
	err := s.inTx(ctx, "vote", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO verification_votes (user_id, contact_value, buyer_name, status, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, contact_value, buyer_name) DO UPDATE SET
				status = excluded.status, updated_at = excluded.updated_at`,
			vote.UserID, vote.ContactValue, vote.BuyerName, string(vote.Status), vote.UpdatedAt.UTC(),
		); err != nil {
			return eris.Wrap(classify(err), "sqlite: upsert vote")
		}
		var err error
		rec, err = sqliteVoteRecord(ctx, tx, vote.ContactValue, vote.BuyerName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) DeleteVote(ctx context.Context, userID, contactValue, buyerName string) (*model.VerificationRecord, error) {
	var rec model.VerificationRecord
	err := s.inTx(ctx, "delete vote", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM verification_votes WHERE user_id = ? AND contact_value = ? AND buyer_name = ?`,
			userID, contactValue, buyerName,
		); err != nil {
			return eris.Wrap(err, "sqlite: delete vote")
		}
		var err error
		rec, err = sqliteVoteRecord(ctx, tx, contactValue, buyerName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func sqliteVoteRecord(ctx context.Context, tx *sql.Tx, contactValue, buyerName string) (model.VerificationRecord, error) {
	var verified, invalid int
	if err := tx.QueryRowContext(ctx,
		voteCountsSQL+` WHERE contact_value = ? AND buyer_name = ?`,
		contactValue, buyerName,
	).Scan(&verified, &invalid); err != nil {
		return model.VerificationRecord{}, eris.Wrap(err, "sqlite: count votes")
	}
	return model.NewVerificationRecord(contactValue, buyerName, verified, invalid), nil
}

func (s *SQLiteStore) AggregateVotes(ctx context.Context, buyerName string, values []string) ([]model.VerificationRecord, error) {
	if len(values) == 0 {
		return []model.VerificationRecord{}, nil
	}
	args := append([]any{buyerName}, stringArgs(values)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT contact_value,
			COALESCE(SUM(CASE WHEN status = 'verified' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'invalid' THEN 1 ELSE 0 END), 0)
		FROM verification_votes
		WHERE buyer_name = ? AND contact_value IN (`+placeholders(len(values))+`)
		GROUP BY contact_value`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: aggregate votes")
	}
	defer rows.Close()

	counts := make(map[string][2]int, len(values))
	for rows.Next() {
		var value string
		var verified, invalid int
		if err := rows.Scan(&value, &verified, &invalid); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vote counts")
		}
		counts[value] = [2]int{verified, invalid}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate vote counts")
	}
	return orderRecords(buyerName, values, counts), nil
}

var _ Store = (*SQLiteStore)(nil)

package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/rehouzd/skiptrace/internal/db"
	"github.com/rehouzd/skiptrace/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `SELECT 1`)
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: begin %s", op)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrapf(classify(err), "postgres: commit %s", op)
	}
	return nil
}

// --- lookup results ---

func (s *PostgresStore) GetLookupResult(ctx context.Context, key model.ContactLookupKey) (*model.SharedLookupResult, error) {
	r, err := scanLookupResult(s.pool.QueryRow(ctx,
		`SELECT `+lookupColumns+` FROM lookup_results WHERE normalized_address = $1 AND normalized_owner = $2`,
		key.Address, key.Owner,
	))
	if isNoRows(err) {
		return nil, nil
	}
	return r, eris.Wrapf(err, "postgres: get lookup result %s", key)
}

func (s *PostgresStore) getLookupResultByID(ctx context.Context, id string) (*model.SharedLookupResult, error) {
	r, err := scanLookupResult(s.pool.QueryRow(ctx,
		`SELECT `+lookupColumns+` FROM lookup_results WHERE id = $1`, id,
	))
	if isNoRows(err) {
		return nil, nil
	}
	return r, eris.Wrapf(err, "postgres: get lookup result %s", id)
}

func (s *PostgresStore) InsertLookupResult(ctx context.Context, r *model.SharedLookupResult) error {
	prepareInsert(r)
	phones, emails, mailing, owners, err := lookupArgs(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal lookup result")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO lookup_results (`+lookupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		r.ID, r.Key.Address, r.Key.Owner, string(r.Status), phones, emails, mailing, owners,
		r.DNCStatus, r.LitigatorStatus, r.ConfidenceScore, r.TotalCostCents,
		r.ErrorCode, r.ErrorMessage, r.ResponseTimeMs, r.CreatedAt, r.LastRefreshedAt,
		r.TotalLookupCount, r.Version,
	)
	return eris.Wrapf(classify(err), "postgres: insert lookup result %s", r.Key)
}

func (s *PostgresStore) ReplaceLookupResult(ctx context.Context, r *model.SharedLookupResult, expectedVersion int) (bool, error) {
	phones, emails, mailing, owners, err := lookupArgs(r)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal lookup result")
	}
	if r.LastRefreshedAt.IsZero() {
		r.LastRefreshedAt = utcNow()
	}

	err = s.pool.QueryRow(ctx,
		`UPDATE lookup_results SET
			status = $3, phones = $4, emails = $5, mailing_addresses = $6, owner_names = $7,
			dnc_status = $8, litigator_status = $9, confidence_score = $10, total_cost_cents = $11,
			error_code = $12, error_message = $13, response_time_ms = $14,
			last_refreshed_at = $15, total_lookup_count = $16, version = version + 1
		WHERE normalized_address = $1 AND normalized_owner = $2 AND version = $17
		RETURNING id, created_at, version`,
		r.Key.Address, r.Key.Owner, string(r.Status), phones, emails, mailing, owners,
		r.DNCStatus, r.LitigatorStatus, r.ConfidenceScore, r.TotalCostCents,
		r.ErrorCode, r.ErrorMessage, r.ResponseTimeMs, r.LastRefreshedAt,
		r.TotalLookupCount, expectedVersion,
	).Scan(&r.ID, &r.CreatedAt, &r.Version)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: replace lookup result %s", r.Key)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return true, nil
}

func (s *PostgresStore) IncrementLookupCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`UPDATE lookup_results SET total_lookup_count = total_lookup_count + 1 WHERE id = $1 RETURNING total_lookup_count`,
		id,
	).Scan(&n)
	if isNoRows(err) {
		return 0, eris.Wrapf(model.ErrNotFound, "postgres: lookup result %s", id)
	}
	return n, eris.Wrapf(err, "postgres: increment lookup count %s", id)
}

func (s *PostgresStore) DeleteLookupResult(ctx context.Context, key model.ContactLookupKey) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM lookup_results WHERE normalized_address = $1 AND normalized_owner = $2`,
		key.Address, key.Owner,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete lookup result %s", key)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteAllLookupResults(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM lookup_results`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete lookup results")
	}
	return int(tag.RowsAffected()), nil
}

// --- access ---

func (s *PostgresStore) GetSuccessfulAccess(ctx context.Context, userID, buyerID string) (*model.AccessWithResult, error) {
	a, err := scanAccess(s.pool.QueryRow(ctx,
		`SELECT `+accessColumns+` FROM lookup_access WHERE user_id = $1 AND buyer_id = $2 AND outcome = $3`,
		userID, buyerID, string(model.AccessOutcomeSuccess),
	))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get access %s/%s", userID, buyerID)
	}

	r, err := s.getLookupResultByID(ctx, a.LookupResultID)
	if err != nil {
		return nil, err
	}
	return &model.AccessWithResult{UserLookupAccess: *a, Result: r}, nil
}

func (s *PostgresStore) ChargeAndRecordAccess(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	access := req.Access
	prepareAccess(&access, model.AccessOutcomeSuccess)

	var res *ChargeResult
	err := s.inTx(ctx, "charge access", func(tx pgx.Tx) error {
		// Serializes charges for one user and buyer. A waiter resumes after
		// the winner commits and its next read sees the winner's access.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
			access.UserID+"|"+access.BuyerID); err != nil {
			return eris.Wrap(classify(err), "postgres: lock access")
		}

		existing, err := scanAccess(tx.QueryRow(ctx,
			`SELECT `+accessColumns+` FROM lookup_access WHERE user_id = $1 AND buyer_id = $2 AND outcome = $3 FOR UPDATE`,
			access.UserID, access.BuyerID, string(model.AccessOutcomeSuccess),
		))
		switch {
		case err == nil:
			res = &ChargeResult{Access: *existing}
			return nil
		case !isNoRows(err):
			return eris.Wrap(err, "postgres: check access")
		}

		var txn *model.CreditTransaction
		if req.Billable {
			ref := req.Reference
			if ref == "" {
				ref = "lookup:" + access.ID
			}
			if txn, err = pgDebit(ctx, tx, access.UserID, 1, ref); err != nil {
				return err
			}
		}

		access = chargedAccess(access, txn)
		if _, err := tx.Exec(ctx,
			`INSERT INTO lookup_access (`+accessColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			access.ID, access.UserID, access.LookupResultID, access.BuyerID, access.BuyerName,
			access.SearchAddress, access.SearchOwner, string(access.CreditType), access.CreditCharged,
			access.WasCached, string(access.Outcome), access.AccessedAt,
		); err != nil {
			return eris.Wrap(classify(err), "postgres: insert access")
		}
		res = &ChargeResult{Access: access, Inserted: true, Transaction: txn}
		return nil
	})
	if err == nil {
		return res, nil
	}
	lostRace := eris.Is(err, ErrUniqueViolation)
	if !lostRace && !eris.Is(err, model.ErrInsufficientCredits) {
		return nil, err
	}

	// A concurrent request for the same user and buyer may have committed
	// first and spent the last credit; its charge stands and ours was
	// rolled back.
	prior, gerr := s.GetSuccessfulAccess(ctx, access.UserID, access.BuyerID)
	if gerr != nil {
		return nil, gerr
	}
	if prior != nil {
		return &ChargeResult{Access: prior.UserLookupAccess}, nil
	}
	if lostRace {
		return nil, eris.Wrap(ErrConflict, "postgres: access vanished after unique violation")
	}
	return nil, err
}

func (s *PostgresStore) RecordFailedAccess(ctx context.Context, access model.UserLookupAccess) error {
	prepareAccess(&access, model.AccessOutcomeFailed)
	access.CreditType = model.CreditTypeNone
	access.CreditCharged = false

	_, err := s.pool.Exec(ctx,
		`INSERT INTO lookup_access (`+accessColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, buyer_id, outcome) DO UPDATE SET
			lookup_result_id = EXCLUDED.lookup_result_id,
			buyer_name = EXCLUDED.buyer_name,
			search_address = EXCLUDED.search_address,
			search_owner = EXCLUDED.search_owner,
			was_cached = EXCLUDED.was_cached,
			accessed_at = EXCLUDED.accessed_at`,
		access.ID, access.UserID, access.LookupResultID, access.BuyerID, access.BuyerName,
		access.SearchAddress, access.SearchOwner, string(access.CreditType), access.CreditCharged,
		access.WasCached, string(access.Outcome), access.AccessedAt,
	)
	return eris.Wrapf(err, "postgres: record failed access %s/%s", access.UserID, access.BuyerID)
}

func (s *PostgresStore) ListAccess(ctx context.Context, userID string, page Page) ([]model.AccessWithResult, error) {
	page = page.normalized()
	rows, err := s.pool.Query(ctx,
		`SELECT `+accessColumns+` FROM lookup_access WHERE user_id = $1
		ORDER BY accessed_at DESC, id DESC LIMIT $2 OFFSET $3`,
		userID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list access %s", userID)
	}
	var out []model.AccessWithResult
	var ids []string
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan access")
		}
		out = append(out, model.AccessWithResult{UserLookupAccess: *a})
		ids = append(ids, a.LookupResultID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate access")
	}
	if len(ids) == 0 {
		return out, nil
	}

	rows, err = s.pool.Query(ctx, `SELECT `+lookupColumns+` FROM lookup_results WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load history results")
	}
	defer rows.Close()
	byID := make(map[string]*model.SharedLookupResult, len(ids))
	for rows.Next() {
		r, err := scanLookupResult(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lookup result")
		}
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate lookup results")
	}
	for i := range out {
		out[i].Result = byID[out[i].LookupResultID]
	}
	return out, nil
}

// --- ledger ---

func (s *PostgresStore) GetCreditAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	acct := &model.CreditAccount{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT free_remaining, paid_remaining, updated_at FROM credit_accounts WHERE user_id = $1`,
		userID,
	).Scan(&acct.FreeRemaining, &acct.PaidRemaining, &acct.UpdatedAt)
	if isNoRows(err) {
		return acct, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get credit account %s", userID)
	}
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

func (s *PostgresStore) Debit(ctx context.Context, userID string, amount int, reference string) (*model.CreditTransaction, error) {
	var txn *model.CreditTransaction
	err := s.inTx(ctx, "debit", func(tx pgx.Tx) error {
		var err error
		txn, err = pgDebit(ctx, tx, userID, amount, reference)
		return err
	})
	if eris.Is(err, ErrUniqueViolation) {
		return nil, eris.Wrapf(model.ErrDuplicateRequest, "postgres: debit reference %s", reference)
	}
	return txn, err
}

// pgDebit draws amount credits, free pool first, inside tx. The balance row
// is locked and the update re-checks the balances it read.
func pgDebit(ctx context.Context, tx pgx.Tx, userID string, amount int, reference string) (*model.CreditTransaction, error) {
	var free, paid int
	err := tx.QueryRow(ctx,
		`SELECT free_remaining, paid_remaining FROM credit_accounts WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&free, &paid)
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrInsufficientCredits, "user %s has no credit account", userID)
	}
	if err != nil {
		return nil, eris.Wrap(classify(err), "postgres: read balance")
	}

	freeUsed, paidUsed, ok := debitSplit(free, paid, amount)
	if !ok {
		return nil, eris.Wrapf(model.ErrInsufficientCredits, "user %s has %d credits, needs %d", userID, free+paid, amount)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE credit_accounts
		SET free_remaining = free_remaining - $2, paid_remaining = paid_remaining - $3, updated_at = $6
		WHERE user_id = $1 AND free_remaining = $4 AND paid_remaining = $5`,
		userID, freeUsed, paidUsed, free, paid, utcNow(),
	)
	if err != nil {
		return nil, eris.Wrap(classify(err), "postgres: update balance")
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrConflict, "postgres: balance of %s changed", userID)
	}

	txn := newTransaction(userID, -freeUsed, -paidUsed, model.TransactionUsed, reference)
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (`+transactionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		txn.ID, txn.UserID, txn.FreeDelta, txn.PaidDelta, string(txn.Type), txn.Reference, txn.CreatedAt,
	); err != nil {
		return nil, eris.Wrap(classify(err), "postgres: insert debit")
	}
	return txn, nil
}

func (s *PostgresStore) Credit(ctx context.Context, userID string, freeDelta, paidDelta int, typ model.TransactionType, reference string) (*model.CreditTransaction, bool, error) {
	txn := newTransaction(userID, freeDelta, paidDelta, typ, reference)
	applied := false
	err := s.inTx(ctx, "credit", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO credit_transactions (`+transactionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (reference) DO NOTHING`,
			txn.ID, txn.UserID, txn.FreeDelta, txn.PaidDelta, string(txn.Type), txn.Reference, txn.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(classify(err), "postgres: insert credit")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_accounts (user_id, free_remaining, paid_remaining, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE SET
				free_remaining = credit_accounts.free_remaining + EXCLUDED.free_remaining,
				paid_remaining = credit_accounts.paid_remaining + EXCLUDED.paid_remaining,
				updated_at = EXCLUDED.updated_at`,
			userID, freeDelta, paidDelta, txn.CreatedAt,
		); err != nil {
			return eris.Wrap(classify(err), "postgres: apply credit")
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		return txn, true, nil
	}

	prior, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions WHERE reference = $1`, reference,
	))
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: get transaction %s", reference)
	}
	return prior, false, nil
}

func (s *PostgresStore) SumTransactions(ctx context.Context, userID string) (int, int, error) {
	var free, paid int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(free_delta), 0), COALESCE(SUM(paid_delta), 0) FROM credit_transactions WHERE user_id = $1`,
		userID,
	).Scan(&free, &paid)
	return free, paid, eris.Wrapf(err, "postgres: sum transactions %s", userID)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, page Page) ([]model.CreditTransaction, error) {
	page = page.normalized()
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions WHERE user_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		userID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list transactions %s", userID)
	}
	defer rows.Close()

	var out []model.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate transactions")
}

// --- subscriptions ---

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub model.Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_subscriptions (user_id, plan, active, renews_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET plan = EXCLUDED.plan, active = EXCLUDED.active, renews_at = EXCLUDED.renews_at`,
		sub.UserID, sub.Plan, sub.Active, sub.RenewsAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert subscription %s", sub.UserID)
}

func (s *PostgresStore) ListActiveSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, plan, active, renews_at FROM user_subscriptions WHERE active ORDER BY user_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list subscriptions")
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		if err := rows.Scan(&sub.UserID, &sub.Plan, &sub.Active, &sub.RenewsAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan subscription")
		}
		sub.RenewsAt = sub.RenewsAt.UTC()
		out = append(out, sub)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate subscriptions")
}

// --- votes ---

const voteCountsSQL = `SELECT
	COALESCE(SUM(CASE WHEN status = 'verified' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'invalid' THEN 1 ELSE 0 END), 0)
FROM verification_votes`

func (s *PostgresStore) UpsertVote(ctx context.Context, vote model.VerificationVote) (*model.VerificationRecord, error) {
	if vote.UpdatedAt.IsZero() {
		vote.UpdatedAt = utcNow()
	}
	var rec model.VerificationRecord
	err := s.inTx(ctx, "vote", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO verification_votes (user_id, contact_value, buyer_name, status, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, contact_value, buyer_name) DO UPDATE SET
				status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
			vote.UserID, vote.ContactValue, vote.BuyerName, string(vote.Status), vote.UpdatedAt,
		); err != nil {
			return eris.Wrap(classify(err), "postgres: upsert vote")
		}
		var err error
		rec, err = pgVoteRecord(ctx, tx, vote.ContactValue, vote.BuyerName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) DeleteVote(ctx context.Context, userID, contactValue, buyerName string) (*model.VerificationRecord, error) {
	var rec model.VerificationRecord
	err := s.inTx(ctx, "delete vote", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM verification_votes WHERE user_id = $1 AND contact_value = $2 AND buyer_name = $3`,
			userID, contactValue, buyerName,
		); err != nil {
			return eris.Wrap(err, "postgres: delete vote")
		}
		var err error
		rec, err = pgVoteRecord(ctx, tx, contactValue, buyerName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func pgVoteRecord(ctx context.Context, tx pgx.Tx, contactValue, buyerName string) (model.VerificationRecord, error) {
	var verified, invalid int
	if err := tx.QueryRow(ctx,
		voteCountsSQL+` WHERE contact_value = $1 AND buyer_name = $2`,
		contactValue, buyerName,
	).Scan(&verified, &invalid); err != nil {
		return model.VerificationRecord{}, eris.Wrap(err, "postgres: count votes")
	}
	return model.NewVerificationRecord(contactValue, buyerName, verified, invalid), nil
}

func (s *PostgresStore) AggregateVotes(ctx context.Context, buyerName string, values []string) ([]model.VerificationRecord, error) {
	if len(values) == 0 {
		return []model.VerificationRecord{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT contact_value,
			COALESCE(SUM(CASE WHEN status = 'verified' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'invalid' THEN 1 ELSE 0 END), 0)
		FROM verification_votes
		WHERE buyer_name = $1 AND contact_value = ANY($2)
		GROUP BY contact_value`,
		buyerName, values,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: aggregate votes")
	}
	defer rows.Close()

	counts := make(map[string][2]int, len(values))
	for rows.Next() {
		var value string
		var verified, invalid int
		if err := rows.Scan(&value, &verified, &invalid); err != nil {
			return nil, eris.Wrap(err, "postgres: scan vote counts")
		}
		counts[value] = [2]int{verified, invalid}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate vote counts")
	}
	return orderRecords(buyerName, values, counts), nil
}

var _ Store = (*PostgresStore)(nil)

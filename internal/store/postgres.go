package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresOptions holds connection parameters for the PostgreSQL pool.
type PostgresOptions struct {
	DSN      string
	MaxConns int
	MinConns int
}

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, opts PostgresOptions) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = int32(opts.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// RunMigrations applies the embedded migrations/*.sql files in
// lexicographic order and tracks them in schema_migrations.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision
// and read back through ::TEXT.
type PostgresStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// numerics collects NUMERIC::TEXT scan targets and parses them into
// decimals once the row has been scanned.
type numerics struct {
	raws []*string
	dsts []*decimal.Decimal
}

func (n *numerics) at(dst *decimal.Decimal) *string {
	raw := new(string)
	n.raws = append(n.raws, raw)
	n.dsts = append(n.dsts, dst)
	return raw
}

func (n *numerics) parse() error {
	for i, raw := range n.raws {
		d, err := decimal.NewFromString(*raw)
		if err != nil {
			return fmt.Errorf("postgres: parse numeric %q: %w", *raw, err)
		}
		*n.dsts[i] = d
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// translate maps driver errors onto the store's error vocabulary.
func translate(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(entity, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s %s", ErrConflict, entity, id)
	}
	return fmt.Errorf("postgres: %s %s: %w", entity, id, err)
}

// pgReader implements Reader over any querier.
type pgReader struct {
	q querier
}

// --- Portfolios ---

func (r pgReader) GetPortfolio(ctx context.Context, id string) (model.Portfolio, error) {
	var p model.Portfolio
	err := r.q.QueryRow(ctx,
		`SELECT id, name, user_id, investable, created_at FROM portfolios WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.UserID, &p.Investable, &p.CreatedAt)
	if err != nil {
		return model.Portfolio{}, translate(err, "portfolio", id)
	}
	return p, nil
}

// --- Accounts ---

const accountColumns = `id, name, type, currency, asset_type, group_name, portfolio_id,
	user_id, investable, balance::TEXT, created_at`

func scanAccount(row scanner) (model.Account, error) {
	var a model.Account
	var n numerics
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &a.Currency, &a.AssetType, &a.Group,
		&a.PortfolioID, &a.UserID, &a.Investable, n.at(&a.Balance), &a.CreatedAt); err != nil {
		return model.Account{}, err
	}
	return a, n.parse()
}

func (r pgReader) GetAccount(ctx context.Context, id string) (model.Account, error) {
	a, err := scanAccount(r.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return model.Account{}, translate(err, "account", id)
	}
	return a, nil
}

func (r pgReader) FindAccount(ctx context.Context, key model.AccountKey) (model.Account, error) {
	a, err := scanAccount(r.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE key = $1`, key.String()))
	if err != nil {
		return model.Account{}, translate(err, "account", key.String())
	}
	return a, nil
}

// --- Transactions ---

const transactionColumns = `id, debit_account_id, credit_account_id, amount::TEXT, currency,
	transacted_at, transactable_type, transactable_id, leg, tag, description, created_at, updated_at`

func scanTransaction(row scanner) (model.Transaction, error) {
	var t model.Transaction
	var n numerics
	if err := row.Scan(&t.ID, &t.DebitAccountID, &t.CreditAccountID, n.at(&t.Amount), &t.Currency,
		&t.TransactedAt, &t.Transactable.Kind, &t.Transactable.ID, &t.Leg, &t.Tag, &t.Description,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return model.Transaction{}, err
	}
	return t, n.parse()
}

func (r pgReader) GetTransaction(ctx context.Context, id string) (model.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return model.Transaction{}, translate(err, "transaction", id)
	}
	return t, nil
}

func (r pgReader) listTransactions(ctx context.Context, query string, args ...any) ([]model.Transaction, error) {
	rows, err := r.q.Query(ctx, `SELECT `+transactionColumns+` FROM transactions `+query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions: %w", err)
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (r pgReader) ListTransactionsByEvent(ctx context.Context, ref model.EventRef) ([]model.Transaction, error) {
	return r.listTransactions(ctx,
		`WHERE transactable_type = $1 AND transactable_id = $2 ORDER BY leg`, ref.Kind, ref.ID)
}

func (r pgReader) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return r.listTransactions(ctx,
		`WHERE debit_account_id = $1 OR credit_account_id = $1 ORDER BY transacted_at, id`, accountID)
}

func (r pgReader) ListCashflows(ctx context.Context, transactionID string) ([]model.Cashflow, error) {
	rows, err := r.q.Query(ctx,
		`SELECT transaction_id, account_id, amount::TEXT, transacted_at
		 FROM cashflows WHERE transaction_id = $1 ORDER BY amount DESC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cashflows: %w", err)
	}
	defer rows.Close()

	var result []model.Cashflow
	for rows.Next() {
		var c model.Cashflow
		var n numerics
		if err := rows.Scan(&c.TransactionID, &c.AccountID, n.at(&c.Amount), &c.TransactedAt); err != nil {
			return nil, err
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// --- Positions ---

const positionColumns = `id, portfolio_id, account_id, code, asset_type, currency, side,
	size::TEXT, entry_price::TEXT, cost::TEXT, price::TEXT, margin::TEXT, margin_currency,
	realized_pnl::TEXT, unrealized_pnl::TEXT, opened_at, closed_at, created_at`

func scanPosition(row scanner) (model.Position, error) {
	var p model.Position
	var n numerics
	if err := row.Scan(&p.ID, &p.PortfolioID, &p.AccountID, &p.Code, &p.AssetType, &p.Currency, &p.Side,
		n.at(&p.Size), n.at(&p.EntryPrice), n.at(&p.Cost), n.at(&p.Price), n.at(&p.Margin), &p.MarginCurrency,
		n.at(&p.RealizedPnl), n.at(&p.UnrealizedPnl), &p.OpenedAt, &p.ClosedAt, &p.CreatedAt); err != nil {
		return model.Position{}, err
	}
	return p, n.parse()
}

func (r pgReader) GetPosition(ctx context.Context, id string) (model.Position, error) {
	p, err := scanPosition(r.q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return model.Position{}, translate(err, "position", id)
	}
	return p, nil
}

func (r pgReader) ListPositions(ctx context.Context, filter model.PositionFilter) ([]model.Position, error) {
	var conds []string
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("portfolio_id", filter.PortfolioID)
	add("account_id", filter.AccountID)
	add("code", filter.Code)
	add("currency", filter.Currency)
	add("asset_type", string(filter.AssetType))
	add("side", string(filter.Side))
	if filter.OpenOnly {
		conds = append(conds, "closed_at IS NULL")
	}

	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY seq`

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var result []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- Flows ---

const flowColumns = `id, position_id, seq, type, size::TEXT, price::TEXT, margin::TEXT, pnl::TEXT,
	transacted_at, transaction_id, trade_id`

func scanFlow(row scanner) (model.PositionFlow, error) {
	var f model.PositionFlow
	var n numerics
	if err := row.Scan(&f.ID, &f.PositionID, &f.Seq, &f.Type, n.at(&f.Size), n.at(&f.Price),
		n.at(&f.Margin), n.at(&f.Pnl), &f.TransactedAt, &f.TransactionID, &f.TradeID); err != nil {
		return model.PositionFlow{}, err
	}
	return f, n.parse()
}

func (r pgReader) GetFlow(ctx context.Context, id string) (model.PositionFlow, error) {
	f, err := scanFlow(r.q.QueryRow(ctx,
		`SELECT `+flowColumns+` FROM position_flows WHERE id = $1`, id))
	if err != nil {
		return model.PositionFlow{}, translate(err, "position flow", id)
	}
	return f, nil
}

func (r pgReader) FlowExists(ctx context.Context, transactionID string, typ model.FlowType) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM position_flows WHERE transaction_id = $1 AND type = $2)`,
		transactionID, typ).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: flow exists: %w", err)
	}
	return exists, nil
}

func (r pgReader) listFlows(ctx context.Context, column, value string) ([]model.PositionFlow, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+flowColumns+` FROM position_flows WHERE `+column+` = $1 ORDER BY seq`, value)
	if err != nil {
		return nil, fmt.Errorf("postgres: list flows: %w", err)
	}
	defer rows.Close()

	var result []model.PositionFlow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r pgReader) ListFlows(ctx context.Context, positionID string) ([]model.PositionFlow, error) {
	return r.listFlows(ctx, "position_id", positionID)
}

func (r pgReader) ListFlowsByTransaction(ctx context.Context, transactionID string) ([]model.PositionFlow, error) {
	return r.listFlows(ctx, "transaction_id", transactionID)
}

func (r pgReader) ListFlowsByTrade(ctx context.Context, tradeID string) ([]model.PositionFlow, error) {
	return r.listFlows(ctx, "trade_id", tradeID)
}

// --- Lots ---

func (r pgReader) ListSubPositions(ctx context.Context, positionID string) ([]model.SubPosition, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, position_id, seq, size::TEXT, entry_price::TEXT, cost::TEXT, price::TEXT,
		        realized_pnl::TEXT, unrealized_pnl::TEXT, opened_at, closed_at
		 FROM sub_positions WHERE position_id = $1 ORDER BY seq`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sub positions: %w", err)
	}
	defer rows.Close()

	var lots []model.SubPosition
	index := make(map[string]int)
	for rows.Next() {
		var sp model.SubPosition
		var n numerics
		if err := rows.Scan(&sp.ID, &sp.PositionID, &sp.Seq, n.at(&sp.Size), n.at(&sp.EntryPrice),
			n.at(&sp.Cost), n.at(&sp.Price), n.at(&sp.RealizedPnl), n.at(&sp.UnrealizedPnl),
			&sp.OpenedAt, &sp.ClosedAt); err != nil {
			return nil, err
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		index[sp.ID] = len(lots)
		lots = append(lots, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	links, err := r.q.Query(ctx,
		`SELECT la.sub_position_id, la.position_flow_id
		 FROM lot_allocations la JOIN position_flows f ON f.id = la.position_flow_id
		 WHERE f.position_id = $1 ORDER BY f.seq`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list lot flows: %w", err)
	}
	defer links.Close()

	for links.Next() {
		var lotID, flowID string
		if err := links.Scan(&lotID, &flowID); err != nil {
			return nil, err
		}
		if i, ok := index[lotID]; ok {
			lots[i].FlowIDs = append(lots[i].FlowIDs, flowID)
		}
	}
	return lots, links.Err()
}

func (r pgReader) ListLotAllocations(ctx context.Context, flowID string) ([]model.LotAllocation, error) {
	rows, err := r.q.Query(ctx,
		`SELECT la.sub_position_id, la.position_flow_id, la.size::TEXT, la.pnl::TEXT
		 FROM lot_allocations la JOIN sub_positions sp ON sp.id = la.sub_position_id
		 WHERE la.position_flow_id = $1 ORDER BY sp.seq`, flowID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list lot allocations: %w", err)
	}
	defer rows.Close()

	var result []model.LotAllocation
	for rows.Next() {
		var a model.LotAllocation
		var n numerics
		if err := rows.Scan(&a.SubPositionID, &a.FlowID, n.at(&a.Size), n.at(&a.Pnl)); err != nil {
			return nil, err
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- Events ---

func (r pgReader) GetEvent(ctx context.Context, ref model.EventRef) (model.EventRecord, error) {
	var rec model.EventRecord
	var payload string
	err := r.q.QueryRow(ctx,
		`SELECT kind, id, status, payload::TEXT, created_at, updated_at
		 FROM events WHERE kind = $1 AND id = $2`, ref.Kind, ref.ID).
		Scan(&rec.Kind, &rec.ID, &rec.Status, &payload, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return model.EventRecord{}, translate(err, string(ref.Kind), ref.ID)
	}
	rec.Payload = []byte(payload)
	return rec, nil
}

// pgTx implements Tx inside one pgx transaction.
type pgTx struct {
	pgReader
}

var _ Tx = (*pgTx)(nil)

// exec runs a write that must touch exactly one existing row.
func (t *pgTx) exec(ctx context.Context, entity, id, sql string, args ...any) error {
	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return translate(err, entity, id)
	}
	if tag.RowsAffected() == 0 {
		return notFound(entity, id)
	}
	return nil
}

func (t *pgTx) UpsertPortfolio(ctx context.Context, p model.Portfolio) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO portfolios (id, name, user_id, investable, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, user_id = EXCLUDED.user_id,
		     investable = EXCLUDED.investable`,
		p.ID, p.Name, p.UserID, p.Investable, p.CreatedAt)
	if err != nil {
		return translate(err, "portfolio", p.ID)
	}
	return nil
}

func (t *pgTx) InsertAccount(ctx context.Context, a model.Account) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO accounts (id, key, name, type, currency, asset_type, group_name, portfolio_id,
		     user_id, investable, balance, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::NUMERIC, $12)`,
		a.ID, a.Key().String(), a.Name, a.Type, a.Currency, a.AssetType, a.Group, a.PortfolioID,
		a.UserID, a.Investable, a.Balance.String(), a.CreatedAt)
	if err != nil {
		return translate(err, "account", a.Key().String())
	}
	return nil
}

func (t *pgTx) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	return t.exec(ctx, "account", id,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE id = $1`, id, balance.String())
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr model.Transaction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO transactions (id, debit_account_id, credit_account_id, amount, currency,
		     transacted_at, transactable_type, transactable_id, leg, tag, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tr.ID, tr.DebitAccountID, tr.CreditAccountID, tr.Amount.String(), tr.Currency,
		tr.TransactedAt, tr.Transactable.Kind, tr.Transactable.ID, tr.Leg, tr.Tag, tr.Description,
		tr.CreatedAt, tr.UpdatedAt)
	if err != nil {
		return translate(err, "transaction", tr.ID)
	}
	return nil
}

func (t *pgTx) UpdateTransaction(ctx context.Context, tr model.Transaction) error {
	return t.exec(ctx, "transaction", tr.ID,
		`UPDATE transactions
		 SET debit_account_id = $2, credit_account_id = $3, amount = $4::NUMERIC, currency = $5,
		     transacted_at = $6, tag = $7, description = $8, updated_at = $9
		 WHERE id = $1`,
		tr.ID, tr.DebitAccountID, tr.CreditAccountID, tr.Amount.String(), tr.Currency,
		tr.TransactedAt, tr.Tag, tr.Description, tr.UpdatedAt)
}

func (t *pgTx) DeleteTransaction(ctx context.Context, id string) error {
	return t.exec(ctx, "transaction", id, `DELETE FROM transactions WHERE id = $1`, id)
}

func (t *pgTx) ReplaceCashflows(ctx context.Context, transactionID string, flows []model.Cashflow) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM cashflows WHERE transaction_id = $1`, transactionID); err != nil {
		return translate(err, "cashflows", transactionID)
	}
	for _, c := range flows {
		_, err := t.q.Exec(ctx,
			`INSERT INTO cashflows (transaction_id, account_id, amount, transacted_at)
			 VALUES ($1, $2, $3::NUMERIC, $4)`,
			c.TransactionID, c.AccountID, c.Amount.String(), c.TransactedAt)
		if err != nil {
			return translate(err, "cashflow", transactionID)
		}
	}
	return nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (id, portfolio_id, account_id, code, asset_type, currency, side,
		     size, entry_price, cost, price, margin, margin_currency, realized_pnl, unrealized_pnl,
		     opened_at, closed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		     $12::NUMERIC, $13, $14::NUMERIC, $15::NUMERIC, $16, $17, $18)
		 ON CONFLICT (id) DO UPDATE SET
		     size = EXCLUDED.size, entry_price = EXCLUDED.entry_price, cost = EXCLUDED.cost,
		     price = EXCLUDED.price, margin = EXCLUDED.margin, margin_currency = EXCLUDED.margin_currency,
		     realized_pnl = EXCLUDED.realized_pnl, unrealized_pnl = EXCLUDED.unrealized_pnl,
		     opened_at = EXCLUDED.opened_at, closed_at = EXCLUDED.closed_at`,
		p.ID, p.PortfolioID, p.AccountID, p.Code, p.AssetType, p.Currency, p.Side,
		p.Size.String(), p.EntryPrice.String(), p.Cost.String(), p.Price.String(),
		p.Margin.String(), p.MarginCurrency, p.RealizedPnl.String(), p.UnrealizedPnl.String(),
		p.OpenedAt, p.ClosedAt, p.CreatedAt)
	if err != nil {
		return translate(err, "position", p.ID)
	}
	return nil
}

func (t *pgTx) InsertFlow(ctx context.Context, f *model.PositionFlow) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO position_flows (id, position_id, type, size, price, margin, pnl,
		     transacted_at, transaction_id, trade_id)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
		 RETURNING seq`,
		f.ID, f.PositionID, f.Type, f.Size.String(), f.Price.String(), f.Margin.String(),
		f.Pnl.String(), f.TransactedAt, f.TransactionID, f.TradeID).Scan(&f.Seq)
	if err != nil {
		return translate(err, "position flow", f.ID)
	}
	return nil
}

func (t *pgTx) DeleteFlow(ctx context.Context, id string) error {
	return t.exec(ctx, "position flow", id, `DELETE FROM position_flows WHERE id = $1`, id)
}

func (t *pgTx) UpsertSubPosition(ctx context.Context, sp model.SubPosition) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO sub_positions (id, position_id, seq, size, entry_price, cost, price,
		     realized_pnl, unrealized_pnl, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		     $9::NUMERIC, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		     size = EXCLUDED.size, entry_price = EXCLUDED.entry_price, cost = EXCLUDED.cost,
		     price = EXCLUDED.price, realized_pnl = EXCLUDED.realized_pnl,
		     unrealized_pnl = EXCLUDED.unrealized_pnl, opened_at = EXCLUDED.opened_at,
		     closed_at = EXCLUDED.closed_at`,
		sp.ID, sp.PositionID, sp.Seq, sp.Size.String(), sp.EntryPrice.String(), sp.Cost.String(),
		sp.Price.String(), sp.RealizedPnl.String(), sp.UnrealizedPnl.String(), sp.OpenedAt, sp.ClosedAt)
	if err != nil {
		return translate(err, "sub position", sp.ID)
	}
	return nil
}

func (t *pgTx) InsertLotAllocations(ctx context.Context, allocs []model.LotAllocation) error {
	if len(allocs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range allocs {
		batch.Queue(`INSERT INTO lot_allocations (sub_position_id, position_flow_id, size, pnl)
			VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)`,
			a.SubPositionID, a.FlowID, a.Size.String(), a.Pnl.String())
	}
	tx, ok := t.q.(pgx.Tx)
	if !ok {
		return errors.New("postgres: lot allocations must be written inside a transaction")
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return translate(err, "lot allocation", allocs[0].FlowID)
	}
	return nil
}

func (t *pgTx) UpsertEvent(ctx context.Context, rec model.EventRecord) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO events (kind, id, status, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5, $6)
		 ON CONFLICT (kind, id) DO UPDATE SET
		     status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		rec.Kind, rec.ID, rec.Status, string(rec.Payload), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return translate(err, string(rec.Kind), rec.ID)
	}
	return nil
}

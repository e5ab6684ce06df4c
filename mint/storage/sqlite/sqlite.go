package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/elnosh/provablegbp/mint/storage"
	"github.com/elnosh/provablegbp/pgbp"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/holiman/uint256"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// single writer, transactions are serialized by the connection
	db.SetMaxOpenConns(1)

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) NextRequestSeq() (uint64, error) {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq uint64
	row := tx.QueryRow("UPDATE mint_state SET request_seq = request_seq + 1 WHERE id = 1 RETURNING request_seq")
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (sqlite *SQLiteDB) SaveMintRequest(request storage.MintRequest, event pgbp.Event) (pgbp.Event, error) {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return pgbp.Event{}, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow("SELECT COUNT(*) FROM mint_requests WHERE id = ?", request.Id).Scan(&exists)
	if err != nil {
		return pgbp.Event{}, err
	}
	if exists > 0 {
		return pgbp.Event{}, storage.ErrMintRequestExists
	}

	_, err = tx.Exec(
		`INSERT INTO mint_requests (id, requester, amount, expiration, status, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		request.Id,
		request.Requester,
		request.Amount.Dec(),
		request.Expiration,
		request.Status.String(),
		request.CreatedAt,
		request.Seq,
	)
	if err != nil {
		return pgbp.Event{}, err
	}

	event, err = insertEvent(tx, event)
	if err != nil {
		return pgbp.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return pgbp.Event{}, err
	}
	return event, nil
}

func (sqlite *SQLiteDB) GetMintRequest(id string) (storage.MintRequest, error) {
	row := sqlite.db.QueryRow(
		"SELECT id, requester, amount, expiration, status, created_at, seq FROM mint_requests WHERE id = ?",
		id,
	)
	return scanMintRequest(row)
}

func scanMintRequest(row *sql.Row) (storage.MintRequest, error) {
	var request storage.MintRequest
	var amount, status string

	err := row.Scan(
		&request.Id,
		&request.Requester,
		&amount,
		&request.Expiration,
		&status,
		&request.CreatedAt,
		&request.Seq,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MintRequest{}, storage.ErrMintRequestNotFound
		}
		return storage.MintRequest{}, err
	}

	request.Amount, err = uint256.FromDecimal(amount)
	if err != nil {
		return storage.MintRequest{}, fmt.Errorf("invalid stored amount: %v", err)
	}
	request.Status = pgbp.StringToStatus(status)

	return request, nil
}

func (sqlite *SQLiteDB) UpdateMintRequestStatus(
	id string,
	from, to pgbp.Status,
	event pgbp.Event,
) (pgbp.Event, error) {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return pgbp.Event{}, err
	}
	defer tx.Rollback()

	if err := updateStatus(tx, id, from, to); err != nil {
		return pgbp.Event{}, err
	}

	event, err = insertEvent(tx, event)
	if err != nil {
		return pgbp.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return pgbp.Event{}, err
	}
	return event, nil
}

func (sqlite *SQLiteDB) SettleMintRequest(
	id, account string,
	minted *uint256.Int,
	event pgbp.Event,
) (pgbp.Event, error) {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return pgbp.Event{}, err
	}
	defer tx.Rollback()

	if err := updateStatus(tx, id, pgbp.Granted, pgbp.Settled); err != nil {
		return pgbp.Event{}, err
	}

	var supplyStr string
	if err := tx.QueryRow("SELECT total_supply FROM mint_state WHERE id = 1").Scan(&supplyStr); err != nil {
		return pgbp.Event{}, err
	}
	supply, err := uint256.FromDecimal(supplyStr)
	if err != nil {
		return pgbp.Event{}, fmt.Errorf("invalid stored supply: %v", err)
	}
	newSupply, overflow := new(uint256.Int).AddOverflow(supply, minted)
	if overflow {
		return pgbp.Event{}, storage.ErrSupplyOverflow
	}

	balance, err := getBalance(tx, account)
	if err != nil {
		return pgbp.Event{}, err
	}
	// balance <= supply so it cannot overflow if the supply did not
	newBalance := new(uint256.Int).Add(balance, minted)

	if _, err := tx.Exec("UPDATE mint_state SET total_supply = ? WHERE id = 1", newSupply.Dec()); err != nil {
		return pgbp.Event{}, err
	}
	_, err = tx.Exec(
		`INSERT INTO balances (account, balance) VALUES (?, ?)
		ON CONFLICT(account) DO UPDATE SET balance = excluded.balance`,
		account, newBalance.Dec(),
	)
	if err != nil {
		return pgbp.Event{}, err
	}

	event, err = insertEvent(tx, event)
	if err != nil {
		return pgbp.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return pgbp.Event{}, err
	}
	return event, nil
}

func updateStatus(tx *sql.Tx, id string, from, to pgbp.Status) error {
	result, err := tx.Exec(
		"UPDATE mint_requests SET status = ? WHERE id = ? AND status = ?",
		to.String(), id, from.String(),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 1 {
		return nil
	}

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM mint_requests WHERE id = ?", id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return storage.ErrMintRequestNotFound
	}
	return storage.ErrStatusConflict
}

func insertEvent(tx *sql.Tx, event pgbp.Event) (pgbp.Event, error) {
	result, err := tx.Exec(
		`INSERT INTO events (kind, request_id, requester, amount, expiration, encrypted_data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.Kind.String(),
		event.RequestId,
		event.Requester,
		event.Amount,
		event.Expiration,
		event.EncryptedData,
		event.Timestamp,
	)
	if err != nil {
		return pgbp.Event{}, err
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return pgbp.Event{}, err
	}
	event.Seq = uint64(seq)
	return event, nil
}

func (sqlite *SQLiteDB) GetEvents(filter pgbp.EventFilter) ([]pgbp.Event, error) {
	query := "SELECT seq, kind, request_id, requester, amount, expiration, encrypted_data, timestamp FROM events"
	conditions := []string{}
	args := []any{}

	if filter.FromSeq > 0 {
		conditions = append(conditions, "seq >= ?")
		args = append(args, filter.FromSeq)
	}
	if len(filter.Requester) > 0 {
		conditions = append(conditions, "requester = ?")
		args = append(args, filter.Requester)
	}
	if len(filter.RequestId) > 0 {
		conditions = append(conditions, "request_id = ?")
		args = append(args, filter.RequestId)
	}
	if len(filter.Kinds) > 0 {
		conditions = append(conditions, "kind IN (?"+strings.Repeat(",?", len(filter.Kinds)-1)+")")
		for _, kind := range filter.Kinds {
			args = append(args, kind.String())
		}
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []pgbp.Event{}
	for rows.Next() {
		var event pgbp.Event
		var kind string
		var amount sql.NullString
		var expiration sql.NullInt64

		err := rows.Scan(
			&event.Seq,
			&kind,
			&event.RequestId,
			&event.Requester,
			&amount,
			&expiration,
			&event.EncryptedData,
			&event.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		event.Kind = pgbp.StringToEventKind(kind)
		event.Amount = amount.String
		event.Expiration = expiration.Int64
		if len(event.EncryptedData) == 0 {
			event.EncryptedData = nil
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getBalance(q querier, account string) (*uint256.Int, error) {
	var balance string
	err := q.QueryRow("SELECT balance FROM balances WHERE account = ?", account).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uint256.NewInt(0), nil
		}
		return nil, err
	}

	value, err := uint256.FromDecimal(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid stored balance: %v", err)
	}
	return value, nil
}

func (sqlite *SQLiteDB) GetBalance(account string) (*uint256.Int, error) {
	return getBalance(sqlite.db, account)
}

func (sqlite *SQLiteDB) GetTotalSupply() (*uint256.Int, error) {
	var supply string
	if err := sqlite.db.QueryRow("SELECT total_supply FROM mint_state WHERE id = 1").Scan(&supply); err != nil {
		return nil, err
	}
	return uint256.FromDecimal(supply)
}

func (sqlite *SQLiteDB) SetPaused(paused bool) error {
	_, err := sqlite.db.Exec("UPDATE mint_state SET paused = ? WHERE id = 1", paused)
	return err
}

func (sqlite *SQLiteDB) GetPaused() (bool, error) {
	var paused bool
	if err := sqlite.db.QueryRow("SELECT paused FROM mint_state WHERE id = 1").Scan(&paused); err != nil {
		return false, err
	}
	return paused, nil
}

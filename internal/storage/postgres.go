package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/users"
	"github.com/eion/relay/internal/zerrors"
)

const resourceLedger = "processed_commands"

// LedgerSchema represents the processed_commands table schema in PostgreSQL
type LedgerSchema struct {
	bun.BaseModel `bun:"table:processed_commands,alias:pc"`

	RequestID   string    `bun:"request_id,pk" json:"request_id"`
	Operation   string    `bun:"operation,notnull" json:"operation"`
	Entity      string    `bun:"entity,notnull" json:"entity"`
	Fingerprint string    `bun:"fingerprint,notnull" json:"fingerprint"`
	Status      string    `bun:"status,notnull" json:"status"`
	Payload     string    `bun:"payload,type:text" json:"payload"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// LedgerIndexes are created alongside the processed_commands table. The
// payload is kept as text so a replay returns the recorded bytes; jsonb
// would normalize key order and whitespace.
var LedgerIndexes = []string{
	`CREATE INDEX IF NOT EXISTS processed_commands_created_at_idx ON processed_commands (created_at)`,
	`ALTER TABLE processed_commands ALTER COLUMN payload TYPE text`,
}

// OpenDB connects to PostgreSQL and verifies the connection
func OpenDB(databaseURL string, maxConnections int) (*bun.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	if maxConnections <= 0 {
		maxConnections = 10
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(databaseURL)))
	sqldb.SetMaxOpenConns(maxConnections)
	sqldb.SetMaxIdleConns(maxConnections / 2)
	sqldb.SetConnMaxLifetime(time.Hour)

	db := bun.NewDB(sqldb, pgdialect.New())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// PostgresStorage runs units of work as PostgreSQL transactions
type PostgresStorage struct {
	db *bun.DB
}

// NewPostgresStorage wraps an open database
func NewPostgresStorage(db *bun.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// DB returns the underlying database handle
func (p *PostgresStorage) DB() *bun.DB {
	return p.db
}

// Atomically runs fn inside one transaction, rolled back when fn fails
func (p *PostgresStorage) Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &postgresTx{tx: tx})
	})
}

// Ping checks the database connection
func (p *PostgresStorage) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database
func (p *PostgresStorage) Close() error {
	return p.db.Close()
}

type postgresTx struct {
	tx bun.Tx
}

func (t *postgresTx) Users() users.UserStore { return users.NewUserStore(t.tx) }
func (t *postgresTx) Ledger() Ledger         { return NewPostgresLedger(t.tx) }

// PostgresLedger implements Ledger on the processed_commands table
type PostgresLedger struct {
	db bun.IDB
}

// NewPostgresLedger creates a ledger over db
func NewPostgresLedger(db bun.IDB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Lookup finds the record for requestID
func (l *PostgresLedger) Lookup(ctx context.Context, requestID string) (*Record, error) {
	var schema LedgerSchema
	err := l.db.NewSelect().
		Model(&schema).
		Where("request_id = ?", requestID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, zerrors.Classify("lookup", resourceLedger, err)
	}
	return LedgerSchemaToRecord(schema), nil
}

// Record inserts rec. A second record for the same request_id is a
// constraint violation.
func (l *PostgresLedger) Record(ctx context.Context, rec *Record) error {
	schema := RecordToLedgerSchema(rec)
	if schema.CreatedAt.IsZero() {
		schema.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.NewInsert().
		Model(&schema).
		Exec(ctx)
	if err != nil {
		return zerrors.Classify("record", resourceLedger, err)
	}
	return nil
}

// Helper conversion functions
func LedgerSchemaToRecord(schema LedgerSchema) *Record {
	rec := &Record{
		RequestID:   schema.RequestID,
		Operation:   command.Operation(schema.Operation),
		Entity:      schema.Entity,
		Fingerprint: schema.Fingerprint,
		Status:      command.Status(schema.Status),
		CreatedAt:   schema.CreatedAt,
	}
	if schema.Payload != "" {
		rec.Payload = []byte(schema.Payload)
	}
	return rec
}

func RecordToLedgerSchema(rec *Record) LedgerSchema {
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	return LedgerSchema{
		RequestID:   rec.RequestID,
		Operation:   string(rec.Operation),
		Entity:      rec.Entity,
		Fingerprint: rec.Fingerprint,
		Status:      string(rec.Status),
		Payload:     payload,
		CreatedAt:   rec.CreatedAt,
	}
}

package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/flare-foundation/contract-event-indexer/pkg/config"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	defaultBatchSize = 1000
	globalVersionID  = 1
)

type DB struct {
	g *gorm.DB
}

func InitVersion() *Version {
	return &Version{
		ID: globalVersionID,
	}
}

// New connects to the configured database and migrates the engine tables
// together with the given source entities.
func New(cfg *config.DB, entities []interface{}) (*DB, error) {
	db, err := Connect(cfg)
	if err != nil {
		return nil, err
	}

	logger.Debug("connected to the DB")

	all := append([]interface{}{Checkpoint{}, Version{}, ContractEvent{}}, entities...)

	if cfg.DropTableAtStart {
		logger.Info("DB tables dropped at start")

		if err := db.Migrator().DropTable(all...); err != nil {
			return nil, err
		}
	}

	if err := db.AutoMigrate(all...); err != nil {
		return nil, err
	}

	logger.Debug("migrated DB entities")

	return &DB{g: db}, nil
}

func Connect(cfg *config.DB) (*gorm.DB, error) {
	gormCfg := gorm.Config{
		Logger:          gormlogger.Default.LogMode(getGormLogLevel(cfg)),
		CreateBatchSize: defaultBatchSize,
		TranslateError:  true,
	}

	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := gorm.Open(sqlite.Open(cfg.Path), &gormCfg)
		if err != nil {
			return nil, err
		}

		// sqlite allows a single writer; the write-behind buffer flushes from
		// its own goroutine.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)

		return db, nil

	case config.DriverPostgres, "":
		return gorm.Open(postgres.Open(formatDSN(cfg)), &gormCfg)

	default:
		return nil, errors.Errorf("unsupported db driver %q", cfg.Driver)
	}
}

func getGormLogLevel(cfg *config.DB) gormlogger.LogLevel {
	if cfg.LogQueries {
		return gormlogger.Info
	}

	return gormlogger.Silent
}

func formatDSN(cfg *config.DB) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.DBName,
	}

	return u.String()
}

func (db *DB) Close() error {
	sqlDB, err := db.g.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// GetCheckpoint returns the checkpoint for sourceID, creating a zero row on
// first observation.
func (db *DB) GetCheckpoint(ctx context.Context, sourceID string) (*Checkpoint, error) {
	cp := &Checkpoint{SourceID: sourceID}

	err := db.g.WithContext(ctx).
		Where(Checkpoint{SourceID: sourceID}).
		Attrs(Checkpoint{UpdatedAt: time.Now()}).
		FirstOrCreate(cp).
		Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load checkpoint for %s", sourceID)
	}

	return cp, nil
}

// SetCheckpoint moves the watermark of sourceID forward to height. A height
// lower than or equal to the stored one leaves the row untouched.
func (db *DB) SetCheckpoint(ctx context.Context, sourceID string, height uint64) error {
	cp := Checkpoint{
		SourceID:         sourceID,
		LastSyncedHeight: height,
		UpdatedAt:        time.Now(),
	}

	err := db.g.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_synced_height", "updated_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "checkpoints.last_synced_height < excluded.last_synced_height"},
			}},
		}).
		Create(&cp).
		Error
	if err != nil {
		return errors.Wrapf(err, "failed to save checkpoint for %s", sourceID)
	}

	return nil
}

// InsertIfAbsent appends record. A duplicate key is not an error: it reports
// inserted == false.
func (db *DB) InsertIfAbsent(ctx context.Context, record Record) (bool, error) {
	err := db.g.WithContext(ctx).Create(record).Error
	if err == nil {
		return true, nil
	}

	if IsDuplicateKey(err) {
		return false, nil
	}

	return false, errors.Wrapf(err, "insert into %s", record.TableName())
}

// Upsert writes a derived state row with last-writer-wins semantics ordered
// by (last_height, last_log_index), independent of call order.
func (db *DB) Upsert(ctx context.Context, record DerivedRecord) error {
	table := record.TableName()

	conflict := record.ConflictColumns()
	columns := make([]clause.Column, len(conflict))
	for i := range conflict {
		columns[i] = clause.Column{Name: conflict[i]}
	}

	newer := clause.Expr{SQL: fmt.Sprintf(
		"%[1]s.last_height < excluded.last_height OR "+
			"(%[1]s.last_height = excluded.last_height AND %[1]s.last_log_index < excluded.last_log_index)",
		table,
	)}

	err := db.g.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   columns,
			DoUpdates: clause.AssignmentColumns(record.UpdateColumns()),
			Where:     clause.Where{Exprs: []clause.Expression{newer}},
		}).
		Create(record).
		Error
	if err != nil {
		return errors.Wrapf(err, "upsert into %s", table)
	}

	return nil
}

// Flush is a no-op: records are written synchronously.
func (db *DB) Flush(context.Context) error {
	return nil
}

func (db *DB) SaveVersion(ctx context.Context, version *Version) error {
	return db.g.WithContext(ctx).Save(version).Error
}

// Gorm exposes the underlying handle for read-side tooling and tests.
func (db *DB) Gorm() *gorm.DB {
	return db.g
}

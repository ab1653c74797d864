// Package metastore provides the SQLite side store: catalog event metadata
// for the toolkit and API, and the dead-letter table the pipeline writes
// failed work items to.
package metastore

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3" // migration for sqlite3
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite metadata store.
type Store struct {
	log   zerolog.Logger
	sqlDB *sql.DB
}

// New opens the database at dbURI and runs pending migrations.
func New(dbURI string) (*Store, error) {
	sqlDB, err := otelsql.Open("sqlite3", dbURI, otelsql.WithAttributes(
		attribute.String("name", "metastore"),
	))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "connecting to db")
	}
	sqlDB.SetMaxIdleConns(0)
	if err := otelsql.RegisterDBStatsMetrics(sqlDB, otelsql.WithAttributes(
		attribute.String("name", "metastore"),
	)); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "registering dbstats")
	}

	log := logger.With().
		Str("component", "metastore").
		Logger()

	s := &Store{
		log:   log,
		sqlDB: sqlDB,
	}
	if err := s.executeMigration(dbURI); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "initializing db connection")
	}
	return s, nil
}

// SaveCatalogEvents upserts validated catalog events.
func (s *Store) SaveCatalogEvents(ctx context.Context, evs []seismic.CatalogEvent) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "begin tx")
	}
	defer tx.Rollback() //nolint
	now := time.Now().UnixMilli()
	for _, ev := range evs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_events
			   ("id", "origin_time", "latitude", "longitude", "depth_km", "magnitude", "scale", "agency", "fetched_at")
			 VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)
			 ON CONFLICT(id) DO UPDATE SET
			   magnitude = excluded.magnitude, scale = excluded.scale, fetched_at = excluded.fetched_at`,
			ev.ID, ev.OriginTime.UnixMilli(), ev.Latitude, ev.Longitude,
			ev.DepthKm, ev.Magnitude, string(ev.Scale), ev.Agency, now,
		)
		if err != nil {
			return errors.Wrap(errors.KindInternal, err, "insert into catalog_events")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.KindInternal, err, "commit")
	}
	return nil
}

// CatalogEvents returns stored catalog events inside the range, ascending.
func (s *Store) CatalogEvents(ctx context.Context, tr seismic.TimeRange) ([]seismic.CatalogEvent, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, origin_time, latitude, longitude, depth_km, magnitude, scale, agency
		   FROM catalog_events
		  WHERE origin_time >= ?1 AND origin_time < ?2
		  ORDER BY origin_time ASC`,
		tr.Start.UnixMilli(), tr.End.UnixMilli(),
	)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "query catalog_events")
	}
	defer rows.Close()
	var out []seismic.CatalogEvent
	for rows.Next() {
		var ev seismic.CatalogEvent
		var origin int64
		var scale string
		if err := rows.Scan(&ev.ID, &origin, &ev.Latitude, &ev.Longitude,
			&ev.DepthKm, &ev.Magnitude, &scale, &ev.Agency); err != nil {
			return nil, errors.Wrap(errors.KindInternal, err, "scan catalog event")
		}
		ev.OriginTime = time.UnixMilli(origin).UTC()
		ev.Scale = seismic.MagnitudeScale(scale)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeadLetter is one failed pipeline work item.
type DeadLetter struct {
	ID         int64
	DetectorID string
	Stage      string
	Reason     string
	Payload    []byte
	CreatedAt  time.Time
}

// SaveDeadLetter records a failed work item for later inspection.
func (s *Store) SaveDeadLetter(ctx context.Context, dl DeadLetter) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO dead_letters ("detector_id", "stage", "reason", "payload", "created_at")
		 VALUES (?1, ?2, ?3, ?4, ?5)`,
		dl.DetectorID, dl.Stage, dl.Reason, dl.Payload, time.Now().UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "insert into dead_letters")
	}
	return nil
}

// DeadLetters returns the most recent dead letters, newest first.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, detector_id, stage, reason, payload, created_at
		   FROM dead_letters ORDER BY created_at DESC LIMIT ?1`, limit)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "query dead_letters")
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var created int64
		if err := rows.Scan(&dl.ID, &dl.DetectorID, &dl.Stage, &dl.Reason, &dl.Payload, &created); err != nil {
			return nil, errors.Wrap(errors.KindInternal, err, "scan dead letter")
		}
		dl.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.sqlDB.Close(); err != nil {
		return errors.Wrap(errors.KindInternal, err, "close")
	}
	return nil
}

// executeMigration runs db migrations against the SQLite database.
func (s *Store) executeMigration(dbURI string) error {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "creating source driver")
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, "sqlite3://"+dbURI)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "creating migration")
	}
	version, dirty, err := m.Version()
	s.log.Info().
		Uint("dbVersion", version).
		Bool("dirty", dirty).
		Err(err).
		Msg("database migration executed")

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(errors.KindInternal, err, "running migration up")
	}
	return nil
}

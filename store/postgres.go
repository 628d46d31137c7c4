package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	_ "github.com/lib/pq"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/reading"
)

const DefaultPostgresTimeout = 5 * time.Second

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS reading (
	id uuid PRIMARY KEY,
	sensor_id integer NOT NULL,
	ts text NOT NULL,
	temperature real NOT NULL,
	pressure real NOT NULL,
	humidity real NOT NULL,
	created timestamptz NOT NULL
)`
	createIndexSQL = `CREATE INDEX IF NOT EXISTS reading_sensor_ts ON reading (sensor_id, ts)`
	insertSQL      = `INSERT INTO reading (id, sensor_id, ts, temperature, pressure, humidity, created) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	selectSQL      = `SELECT id, sensor_id, ts, temperature, pressure, humidity, created FROM reading`
)

type PostgresOptions struct {
	Log     *log2.Log
	URL     string
	Timeout time.Duration
	Migrate bool
}

type Postgres struct {
	db  *sql.DB
	log *log2.Log
	now func() time.Time
	opt PostgresOptions
}

func OpenPostgres(ctx context.Context, opt PostgresOptions) (*Postgres, error) {
	if opt.URL == "" {
		return nil, errors.NotValidf("postgres url empty")
	}
	db, err := sql.Open("postgres", opt.URL)
	if err != nil {
		return nil, errors.Annotate(err, "postgres open")
	}
	p, err := NewPostgres(ctx, db, opt)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an open connection pool, pings and optionally creates the table.
func NewPostgres(ctx context.Context, db *sql.DB, opt PostgresOptions) (*Postgres, error) {
	if opt.Timeout == 0 {
		opt.Timeout = DefaultPostgresTimeout
	}
	p := &Postgres{db: db, log: opt.Log, now: time.Now, opt: opt}

	pingCtx, cancel := context.WithTimeout(ctx, opt.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, errors.Annotate(err, "postgres ping")
	}
	if opt.Migrate {
		if err := p.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.opt.Timeout)
	defer cancel()
	for _, q := range []string{createTableSQL, createIndexSQL} {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return errors.Annotate(err, "postgres migrate")
		}
	}
	p.log.Debugf("postgres migrate ok")
	return nil
}

func (p *Postgres) Insert(ctx context.Context, r reading.SensorReading) (Record, error) {
	rec := newRecord(r, p.now())
	ctx, cancel := context.WithTimeout(ctx, p.opt.Timeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, insertSQL,
		rec.ID.String(), rec.SensorID, rec.Timestamp, rec.Temperature, rec.Pressure, rec.Humidity, rec.Created)
	if err != nil {
		return Record{}, errors.Annotatef(err, "postgres insert sensor=%d", r.SensorID)
	}
	return rec, nil
}

func (p *Postgres) List(ctx context.Context, f Filter) ([]Record, error) {
	query, args := listQuery(f)
	ctx, cancel := context.WithTimeout(ctx, p.opt.Timeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Annotate(err, "postgres list")
	}
	defer rows.Close()

	result := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var id string
		if err := rows.Scan(&id, &rec.SensorID, &rec.Timestamp, &rec.Temperature, &rec.Pressure, &rec.Humidity, &rec.Created); err != nil {
			return nil, errors.Annotate(err, "postgres scan")
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, errors.Annotatef(err, "postgres scan id=%q", id)
		}
		result = append(result, rec)
	}
	// newest first from query, callers get oldest first
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, errors.Annotate(rows.Err(), "postgres rows")
}

func (p *Postgres) Close() error { return p.db.Close() }

func listQuery(f Filter) (string, []interface{}) {
	var b strings.Builder
	args := make([]interface{}, 0, 3)
	b.WriteString(selectSQL)
	where := make([]string, 0, 2)
	if f.SensorID != nil {
		args = append(args, *f.SensorID)
		where = append(where, "sensor_id = $"+strconv.Itoa(len(args)))
	}
	if f.Since != "" {
		args = append(args, f.Since)
		where = append(where, "ts >= $"+strconv.Itoa(len(args)))
	}
	if len(where) != 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, f.limit())
	b.WriteString(" ORDER BY ts DESC, created DESC LIMIT $" + strconv.Itoa(len(args)))
	return b.String(), args
}

package harvest

import (
	"context"
	"database/sql"
	"fmt"
	"omoharvest-backend/internal/harvest/db"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists harvest runs and their records in sqlite. A record is keyed
// by app, record type and id, saving it again overwrites the previous copy.
type Store struct {
	conn   *sql.DB
	qry    *db.Queries
	makeTx db.MakeTx
}

func OpenStore(ctx context.Context, path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps :memory: databases
	// shared between calls
	conn.SetMaxOpenConns(1)

	_, err = conn.ExecContext(ctx, db.Schema)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		conn:   conn,
		qry:    db.New(conn),
		makeTx: db.NewMakeTx(conn),
	}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) StartRun(ctx context.Context, id, job, appName string, startedAt time.Time) error {
	return s.qry.CreateRun(ctx, db.CreateRunParams{
		ID:        id,
		Job:       job,
		AppName:   appName,
		StartedAt: startedAt.UnixMilli(),
		Status:    string(db.RUN_STATUS_RUNNING),
	})
}

type RunSummary struct {
	Status  db.RunStatus
	Pages   int
	Hits    int
	Message string
}

func (s *Store) FinishRun(ctx context.Context, id string, finishedAt time.Time, summary RunSummary) error {
	return s.qry.FinishRun(ctx, db.FinishRunParams{
		ID:         id,
		FinishedAt: sql.NullInt64{Int64: finishedAt.UnixMilli(), Valid: true},
		Status:     string(summary.Status),
		Pages:      int64(summary.Pages),
		Hits:       int64(summary.Hits),
		Message:    summary.Message,
	})
}

func (s *Store) GetRun(ctx context.Context, id string) (db.HarvestRun, error) {
	return s.qry.GetRun(ctx, id)
}

// SaveRecords upserts the records in one transaction and returns how many
// were written, records without an id are skipped.
func (s *Store) SaveRecords(ctx context.Context, runID, appName, recordType string, records []Record, now time.Time) (int, error) {
	tx, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		return 0, err
	}
	defer discard()

	written := 0
	for _, record := range records {
		if record.ID == "" {
			continue
		}
		createdAt := sql.NullInt64{}
		if record.CreatedAt != nil {
			createdAt = sql.NullInt64{Int64: *record.CreatedAt, Valid: true}
		}
		err = tx.UpsertRecord(ctx, db.UpsertRecordParams{
			AppName:    appName,
			RecordType: recordType,
			ID:         record.ID,
			RunId:      runID,
			CreatedAt:  createdAt,
			Data:       string(record.Raw),
			UpdatedAt:  now.UnixMilli(),
		})
		if err != nil {
			return 0, fmt.Errorf("upsert record %s: %w", record.ID, err)
		}
		written++
	}

	err = commit()
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (s *Store) GetRecord(ctx context.Context, appName, recordType, id string) (db.Record, error) {
	return s.qry.GetRecord(ctx, db.GetRecordParams{
		AppName:    appName,
		RecordType: recordType,
		ID:         id,
	})
}

func (s *Store) CountRecords(ctx context.Context, appName, recordType string) (int, error) {
	count, err := s.qry.CountRecords(ctx, db.CountRecordsParams{
		AppName:    appName,
		RecordType: recordType,
	})
	return int(count), err
}

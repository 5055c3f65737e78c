// Package tracklog records every tracked observation of a run in SQLite so
// track histories can be queried after the video has been processed.
package tracklog

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"vidtrack/pipeline"
)

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id        TEXT PRIMARY KEY,
		input             TEXT,
		started_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		finished_at       TIMESTAMP,
		frames_read       BIGINT,
		frames_written    BIGINT,
		cancelled         BOOLEAN
	);
	CREATE TABLE IF NOT EXISTS track_observations (
		session_id        TEXT NOT NULL,
		frame_index       BIGINT NOT NULL,
		track_id          BIGINT NOT NULL,
		class_id          BIGINT,
		confidence        DOUBLE,
		x1                BIGINT,
		y1                BIGINT,
		x2                BIGINT,
		y2                BIGINT,
		FOREIGN KEY(session_id) REFERENCES sessions(session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_track_observations_track
		ON track_observations(session_id, track_id, frame_index);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// DB is the track history store for one session.
type DB struct {
	*sql.DB
	session string
}

// Open creates or opens the database at path and registers a new session.
func Open(path, sessionID, input string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer keeps WAL mode simple for the single pipeline goroutine
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO sessions (session_id, input) VALUES (?, ?)`, sessionID, input); err != nil {
		db.Close()
		return nil, fmt.Errorf("register session %s: %w", sessionID, err)
	}
	return &DB{DB: db, session: sessionID}, nil
}

// Session returns the session this store writes to.
func (db *DB) Session() string {
	return db.session
}

// OnFrame stores one row per tracked object of the frame.
func (db *DB) OnFrame(rec pipeline.FrameRecord) error {
	if len(rec.Tracked) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO track_observations (
			session_id, frame_index, track_id, class_id, confidence, x1, y1, x2, y2
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, td := range rec.Tracked {
		b := td.Track.Box
		if _, err := stmt.Exec(db.session, rec.Index, td.Track.ID, td.Detection.ClassID,
			td.Detection.Confidence, b.Min.X, b.Min.Y, b.Max.X, b.Max.Y); err != nil {
			tx.Rollback()
			return fmt.Errorf("record track %d: %w", td.Track.ID, err)
		}
	}
	return tx.Commit()
}

// Finish stores the run totals on the session row.
func (db *DB) Finish(res pipeline.Result) error {
	_, err := db.Exec(`
		UPDATE sessions
		SET finished_at = ?, frames_read = ?, frames_written = ?, cancelled = ?
		WHERE session_id = ?`,
		time.Now().UTC(), res.FramesRead, res.FramesWritten, res.Cancelled, db.session)
	return err
}

// TrackSummary is the lifetime of one track within a session.
type TrackSummary struct {
	TrackID       int
	ClassID       int
	FirstFrame    int
	LastFrame     int
	Observations  int
	AvgConfidence float64
}

// Tracks summarises every track of the session, ordered by ID.
func (db *DB) Tracks() ([]TrackSummary, error) {
	rows, err := db.Query(`
		SELECT track_id, MAX(class_id), MIN(frame_index), MAX(frame_index), COUNT(*), AVG(confidence)
		FROM track_observations
		WHERE session_id = ?
		GROUP BY track_id
		ORDER BY track_id`, db.session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrackSummary
	for rows.Next() {
		var s TrackSummary
		if err := rows.Scan(&s.TrackID, &s.ClassID, &s.FirstFrame, &s.LastFrame, &s.Observations, &s.AvgConfidence); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ pipeline.Observer = (*DB)(nil)

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/handlink/internal/protocol"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Recording is a stored landmark stream.
type Recording struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Frames    int       `json:"frames"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordedFrame is one frame of a recording in emission order.
type RecordedFrame struct {
	Sequence int
	Frame    protocol.Frame
}

// RecordingRepository provides CRUD operations for recordings.
type RecordingRepository struct {
	db *sql.DB
}

// Recordings returns the recording repository for this store.
func (s *Store) Recordings() *RecordingRepository {
	return &RecordingRepository{db: s.db}
}

// Create inserts an empty recording with a fresh id.
func (r *RecordingRepository) Create(name string) (*Recording, error) {
	now := time.Now()
	rec := &Recording{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.Exec(
		`INSERT INTO recordings (id, name, frames, created_at, updated_at)
		 VALUES (?, ?, 0, ?, ?)`,
		rec.ID, rec.Name, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	return rec, nil
}

// Get retrieves a recording by its ID.
func (r *RecordingRepository) Get(id string) (*Recording, error) {
	rec := &Recording{}
	err := r.db.QueryRow(
		`SELECT id, name, frames, created_at, updated_at
		 FROM recordings WHERE id = ?`,
		id,
	).Scan(&rec.ID, &rec.Name, &rec.Frames, &rec.CreatedAt, &rec.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// List retrieves all recordings, newest first.
func (r *RecordingRepository) List() ([]*Recording, error) {
	rows, err := r.db.Query(
		`SELECT id, name, frames, created_at, updated_at
		 FROM recordings ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recordings []*Recording
	for rows.Next() {
		rec := &Recording{}
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Frames, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		recordings = append(recordings, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recordings, nil
}

// Delete removes a recording and its frames.
func (r *RecordingRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendFrame stores f at position seq and bumps the recording's frame count.
func (r *RecordingRepository) AppendFrame(id string, seq int, f *protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE recordings SET frames = frames + 1, updated_at = ? WHERE id = ?`,
		time.Now(), id,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(
		`INSERT INTO recording_frames (recording_id, sequence, timestamp, data) VALUES (?, ?, ?, ?)`,
		id, seq, f.Timestamp, string(data),
	); err != nil {
		return fmt.Errorf("insert frame %d: %w", seq, err)
	}

	return tx.Commit()
}

// Frames returns every frame of a recording ordered by sequence.
func (r *RecordingRepository) Frames(id string) ([]RecordedFrame, error) {
	rows, err := r.db.Query(
		`SELECT sequence, data FROM recording_frames
		 WHERE recording_id = ?
		 ORDER BY sequence`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []RecordedFrame
	for rows.Next() {
		var rf RecordedFrame
		var data string
		if err := rows.Scan(&rf.Sequence, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &rf.Frame); err != nil {
			return nil, fmt.Errorf("frame %d: %w", rf.Sequence, err)
		}
		frames = append(frames, rf)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

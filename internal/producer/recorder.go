package producer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ayusman/handlink/internal/logging"
	"github.com/ayusman/handlink/internal/protocol"
	"github.com/ayusman/handlink/internal/store"
)

// Recorder wraps a Source and stores every frame it emits.
type Recorder struct {
	src  Source
	repo *store.RecordingRepository
	rec  *store.Recording
	seq  int
	log  *zap.Logger
}

// NewRecorder creates a recording called name and returns a Source that
// saves src's frames into it.
func NewRecorder(src Source, repo *store.RecordingRepository, name string, log *zap.Logger) (*Recorder, error) {
	rec, err := repo.Create(name)
	if err != nil {
		return nil, fmt.Errorf("start recording: %w", err)
	}

	r := &Recorder{
		src:  src,
		repo: repo,
		rec:  rec,
		log:  logging.Component(log, "recorder"),
	}
	r.log.Info("recording", zap.String("id", rec.ID), zap.String("name", name))
	return r, nil
}

// Recording returns the recording being written.
func (r *Recorder) Recording() *store.Recording { return r.rec }

// Next forwards src.Next and stores the frame when there is one. Storage
// failures are logged and do not interrupt the stream.
func (r *Recorder) Next(ctx context.Context) (*protocol.Frame, error) {
	f, err := r.src.Next(ctx)
	if err != nil || f == nil {
		return f, err
	}

	if err := r.repo.AppendFrame(r.rec.ID, r.seq, f); err != nil {
		r.log.Error("failed to store frame", zap.Int("sequence", r.seq), zap.Error(err))
		return f, nil
	}
	r.seq++
	return f, nil
}

// Close closes the wrapped source.
func (r *Recorder) Close() error {
	r.log.Info("recording finished", zap.String("id", r.rec.ID), zap.Int("frames", r.seq))
	return r.src.Close()
}

package producer

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ayusman/handlink/internal/logging"
	"github.com/ayusman/handlink/internal/protocol"
	"github.com/ayusman/handlink/internal/store"
)

// maxReplayGap caps the pause between two replayed frames so a long idle
// stretch in a recording does not stall the stream.
const maxReplayGap = time.Second

// ReplaySource plays back a stored recording at its original pace. Frames
// are restamped with the current time so consumers see a live stream.
type ReplaySource struct {
	frames []store.RecordedFrame
	loop   bool
	now    func() time.Time
	log    *zap.Logger

	index int
	last  float64
	timer *time.Timer
}

// NewReplaySource loads recording id from repo.
func NewReplaySource(repo *store.RecordingRepository, id string, loop bool, log *zap.Logger) (*ReplaySource, error) {
	rec, err := repo.Get(id)
	if err != nil {
		return nil, fmt.Errorf("load recording %s: %w", id, err)
	}
	frames, err := repo.Frames(id)
	if err != nil {
		return nil, fmt.Errorf("load recording %s frames: %w", id, err)
	}

	r := &ReplaySource{
		frames: frames,
		loop:   loop,
		now:    time.Now,
		log:    logging.Component(log, "replay"),
	}
	r.log.Info("replaying recording",
		zap.String("id", rec.ID),
		zap.String("name", rec.Name),
		zap.Int("frames", len(frames)),
		zap.Bool("loop", loop),
	)
	return r, nil
}

// Next waits for the next frame's slot and returns it. It returns io.EOF
// at the end of a non-looping recording.
func (r *ReplaySource) Next(ctx context.Context) (*protocol.Frame, error) {
	if len(r.frames) == 0 {
		return nil, io.EOF
	}
	if r.index >= len(r.frames) {
		if !r.loop {
			return nil, io.EOF
		}
		r.index = 0
	}

	rf := r.frames[r.index]
	if r.index > 0 {
		if err := r.wait(ctx, gap(r.last, rf.Frame.Timestamp)); err != nil {
			return nil, err
		}
	}
	r.index++
	r.last = rf.Frame.Timestamp

	f := rf.Frame
	f.Landmarks = append([][3]float64(nil), rf.Frame.Landmarks...)
	f.Timestamp = protocol.Timestamp(r.now())
	return &f, nil
}

func (r *ReplaySource) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if r.timer == nil {
		r.timer = time.NewTimer(d)
	} else {
		r.timer.Reset(d)
	}
	select {
	case <-r.timer.C:
		return nil
	case <-ctx.Done():
		r.timer.Stop()
		return ctx.Err()
	}
}

// Close stops the pacing timer.
func (r *ReplaySource) Close() error {
	if r.timer != nil {
		r.timer.Stop()
	}
	return nil
}

func gap(prev, next float64) time.Duration {
	d := time.Duration((next - prev) * float64(time.Second))
	if d > maxReplayGap {
		return maxReplayGap
	}
	return d
}

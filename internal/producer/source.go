package producer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/handlink/internal/capture"
	"github.com/ayusman/handlink/internal/detector"
	"github.com/ayusman/handlink/internal/logging"
	"github.com/ayusman/handlink/internal/protocol"
)

// Key codes that end a preview session.
const (
	KeyEscape = 27
	KeyQuit   = 'q'
)

// Preview shows annotated frames to the operator.
type Preview interface {
	// Show displays the frame, drawing hand when it is not nil, and reports
	// whether the operator asked to quit.
	Show(frame *gocv.Mat, hand *detector.HandLandmarks) (quit bool)
	Close() error
}

// CameraSource produces frames from a camera and a hand detector.
type CameraSource struct {
	camera   capture.Camera
	detector detector.Detector
	preview  Preview
	now      func() time.Time
	log      *zap.Logger
}

// NewCameraSource opens camera and returns a source reading from it. The
// preview may be nil. The source owns all three and closes them.
func NewCameraSource(camera capture.Camera, det detector.Detector, preview Preview, log *zap.Logger) (*CameraSource, error) {
	if err := camera.Open(); err != nil {
		return nil, fmt.Errorf("could not open camera: %w", err)
	}
	c := &CameraSource{
		camera:   camera,
		detector: det,
		preview:  preview,
		now:      time.Now,
		log:      logging.Component(log, "camera-source"),
	}
	c.log.Info("camera opened", zap.Int("fps", camera.FPS()), zap.Bool("preview", preview != nil))
	return c, nil
}

// Next reads and analyzes one camera frame. Only the first detected hand is
// reported.
func (c *CameraSource) Next(ctx context.Context) (*protocol.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := c.camera.ReadFrame()
	if err != nil {
		if errors.Is(err, capture.ErrReadFailed) {
			return nil, fmt.Errorf("%w: %v", ErrCaptureMiss, err)
		}
		return nil, err
	}
	defer mat.Close()

	width, height := mat.Cols(), mat.Rows()

	hands, err := c.detector.Detect(mat)
	if err != nil {
		hands = nil
	}

	var hand *detector.HandLandmarks
	if len(hands) > 0 {
		hand = &hands[0]
	}

	if c.preview != nil && c.preview.Show(mat, hand) {
		return nil, ErrQuit
	}
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if hand == nil {
		return nil, nil
	}

	return &protocol.Frame{
		Landmarks: hand.Pixels(width, height),
		ImageSize: [2]int{width, height},
		Timestamp: protocol.Timestamp(c.now()),
	}, nil
}

// Close releases the camera, the detector and the preview window.
func (c *CameraSource) Close() error {
	var errs []error
	if err := c.camera.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close camera: %w", err))
	}
	if err := c.detector.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close detector: %w", err))
	}
	if c.preview != nil {
		if err := c.preview.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close preview: %w", err))
		}
	}
	return errors.Join(errs...)
}

var (
	landmarkColor   = color.RGBA{G: 255}
	connectionColor = color.RGBA{B: 255}
)

// Window is a Preview backed by an OpenCV window.
type Window struct {
	window *gocv.Window
}

// NewWindow opens a preview window with the given title.
func NewWindow(title string) *Window {
	return &Window{window: gocv.NewWindow(title)}
}

// Show draws the hand onto frame, displays it and polls the keyboard for 1ms.
func (w *Window) Show(frame *gocv.Mat, hand *detector.HandLandmarks) bool {
	if hand != nil {
		DrawHand(frame, hand)
	}
	w.window.IMShow(*frame)

	key := w.window.WaitKey(1) & 0xFF
	return key == KeyEscape || key == KeyQuit
}

// Close destroys the window.
func (w *Window) Close() error {
	return w.window.Close()
}

// DrawHand draws the landmarks and the skeleton connecting them onto frame.
func DrawHand(frame *gocv.Mat, hand *detector.HandLandmarks) {
	width, height := frame.Cols(), frame.Rows()
	pt := func(i int) image.Point {
		p := hand.Points[i]
		return image.Pt(int(p.X*float64(width)), int(p.Y*float64(height)))
	}

	for _, c := range detector.HandConnections {
		gocv.Line(frame, pt(c[0]), pt(c[1]), connectionColor, 2)
	}
	for i := range hand.Points {
		gocv.Circle(frame, pt(i), 2, landmarkColor, 2)
	}
}

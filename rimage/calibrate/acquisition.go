package calibrate

import (
	"bufio"
	"context"
	"image"
	"io"
	"strings"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage"
	"go.viam.com/camcalib/utils"
)

// PatternDetector locates the ordered inner corners of a rows x cols chessboard. Corners must be
// returned in PatternGeometry.ObjectPoints order. A board that cannot be found is reported
// with an error wrapping utils.ErrDetectionFailure.
type PatternDetector interface {
	DetectPatternCorners(img image.Image, rows, cols int) ([]r2.Point, error)
}

// ClickSource is an ordered stream of pointer clicks in image coordinates. The stream is
// closed when the user gives up.
type ClickSource interface {
	Clicks(ctx context.Context) <-chan r2.Point
}

// MarkerDrawer echoes accepted points back to the user.
type MarkerDrawer interface {
	DrawMarker(pt r2.Point)
	Show() error
}

// MethodKind selects how correspondences are acquired.
type MethodKind int

const (
	// MethodChessboard detects and refines chessboard corners.
	MethodChessboard MethodKind = iota
	// MethodManual collects clicked points.
	MethodManual
)

func (k MethodKind) String() string {
	switch k {
	case MethodChessboard:
		return "chess"
	case MethodManual:
		return "manual"
	}
	return "unknown"
}

// ParseMethodKind reads "chess" or "manual" ("default" is accepted for manual).
func ParseMethodKind(s string) (MethodKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chess", "chessboard":
		return MethodChessboard, nil
	case "manual", "default":
		return MethodManual, nil
	}
	return 0, utils.NewInputError("unknown acquisition method %q", s)
}

// Method is the acquisition strategy for one image. Only the fields of its Kind are used.
type Method struct {
	Kind MethodKind

	// chessboard
	Pattern  PatternGeometry
	Detector PatternDetector
	SubPix   SubPixConfig

	// manual
	NumPoints int
	Clicks    ClickSource
	Display   MarkerDrawer
}

// ChessboardMethod detects the given pattern with detector and refines it with the default window.
func ChessboardMethod(pattern PatternGeometry, detector PatternDetector) Method {
	return Method{Kind: MethodChessboard, Pattern: pattern, Detector: detector, SubPix: DefaultSubPixConfig()}
}

// ManualMethod collects n clicks from clicks, echoing them on display.
func ManualMethod(n int, clicks ClickSource, display MarkerDrawer) Method {
	return Method{Kind: MethodManual, NumPoints: n, Clicks: clicks, Display: display}
}

// Acquire returns the image points of img using method.
func Acquire(ctx context.Context, method Method, img image.Image) ([]r2.Point, error) {
	switch method.Kind {
	case MethodChessboard:
		return acquireChessboard(method, img)
	case MethodManual:
		return acquireManual(ctx, method)
	default:
		return nil, utils.NewInputError("unknown acquisition method %d", method.Kind)
	}
}

func acquireChessboard(method Method, img image.Image) ([]r2.Point, error) {
	if err := method.Pattern.CheckValid(); err != nil {
		return nil, err
	}
	if method.Detector == nil {
		return nil, utils.NewInputError("chessboard acquisition needs a detector")
	}
	corners, err := method.Detector.DetectPatternCorners(img, method.Pattern.Rows, method.Pattern.Cols)
	if err != nil {
		if errors.Is(err, utils.ErrDetectionFailure) {
			return nil, err
		}
		return nil, utils.NewDetectionFailureError("%v", err)
	}
	if len(corners) != method.Pattern.NumPoints() {
		return nil, utils.NewDetectionFailureError("detector returned %d corners, want %d", len(corners), method.Pattern.NumPoints())
	}
	lum := rimage.ConvertImageToLuminanceFloat(img, 0)
	return RefineCorners(lum, corners, method.SubPix), nil
}

// manualSession is the state of one manual acquisition. It is owned by the acquireManual call
// and reached by the click handler only through its closure.
type manualSession struct {
	wanted  int
	points  []r2.Point
	display MarkerDrawer
}

// handleClick records pt unless the session is already full, and reports whether it is full.
func (s *manualSession) handleClick(pt r2.Point) (bool, error) {
	if len(s.points) >= s.wanted {
		return true, nil
	}
	s.points = append(s.points, pt)
	s.display.DrawMarker(pt)
	if err := s.display.Show(); err != nil {
		return false, err
	}
	return len(s.points) >= s.wanted, nil
}

func acquireManual(ctx context.Context, method Method) ([]r2.Point, error) {
	if method.NumPoints <= 0 {
		return nil, utils.NewInputError("manual acquisition needs a positive point count, got %d", method.NumPoints)
	}
	if method.Clicks == nil {
		return nil, utils.NewInputError("manual acquisition needs a click source")
	}
	display := method.Display
	if display == nil {
		display = NoopDisplay{}
	}
	session := &manualSession{wanted: method.NumPoints, display: display}
	onClick := func(pt r2.Point) (bool, error) {
		return session.handleClick(pt)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	clicks := method.Clicks.Clicks(ctx)
	for {
		// a done context wins over clicks that are already waiting
		if ctx.Err() != nil {
			return nil, utils.NewAcquisitionCancelledError(len(session.points), session.wanted)
		}
		select {
		case <-ctx.Done():
			return nil, utils.NewAcquisitionCancelledError(len(session.points), session.wanted)
		case pt, ok := <-clicks:
			if !ok {
				return nil, utils.NewAcquisitionCancelledError(len(session.points), session.wanted)
			}
			done, err := onClick(pt)
			if err != nil {
				return nil, err
			}
			if done {
				return session.points, nil
			}
		}
	}
}

// NoopDisplay ignores markers, for headless use.
type NoopDisplay struct{}

// DrawMarker does nothing.
func (NoopDisplay) DrawMarker(r2.Point) {}

// Show does nothing.
func (NoopDisplay) Show() error { return nil }

// ChannelClickSource delivers clicks sent on the channel.
type ChannelClickSource chan r2.Point

// Clicks returns the channel.
func (c ChannelClickSource) Clicks(context.Context) <-chan r2.Point {
	return c
}

// LineClickSource reads clicks typed as "x,y" lines, for picking points from a terminal.
// One reader goroutine serves every acquisition, so lines typed for the next image wait for
// the next Clicks call.
type LineClickSource struct {
	r      io.Reader
	logger logging.Logger

	startOnce sync.Once
	closeOnce sync.Once
	clicks    chan r2.Point
	closed    chan struct{}
}

// NewLineClickSource reads clicks from r. Malformed lines are logged and skipped.
func NewLineClickSource(r io.Reader, logger logging.Logger) *LineClickSource {
	return &LineClickSource{
		r:      r,
		logger: logger,
		clicks: make(chan r2.Point),
		closed: make(chan struct{}),
	}
}

// Clicks returns the shared stream, closed at end of input or after Close. Callers stop
// receiving when ctx is done; unread clicks stay queued for the next caller.
func (lcs *LineClickSource) Clicks(context.Context) <-chan r2.Point {
	lcs.startOnce.Do(func() {
		go lcs.read()
	})
	return lcs.clicks
}

// Close stops the reader. A reader blocked on input exits once its current line arrives.
func (lcs *LineClickSource) Close() {
	lcs.closeOnce.Do(func() {
		close(lcs.closed)
	})
}

func (lcs *LineClickSource) read() {
	defer close(lcs.clicks)
	scanner := bufio.NewScanner(lcs.r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pt, err := parseClick(line)
		if err != nil {
			lcs.logger.Warnw("ignoring click", "line", line, "error", err)
			continue
		}
		select {
		case <-lcs.closed:
			return
		default:
		}
		select {
		case lcs.clicks <- pt:
		case <-lcs.closed:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		lcs.logger.Warnw("stopped reading clicks", "error", err)
	}
}

func parseClick(line string) (r2.Point, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(fields) != 2 {
		return r2.Point{}, errors.Errorf("expected x,y but got %q", line)
	}
	x, err := cast.ToFloat64E(fields[0])
	if err != nil {
		return r2.Point{}, err
	}
	y, err := cast.ToFloat64E(fields[1])
	if err != nil {
		return r2.Point{}, err
	}
	return r2.Point{X: x, Y: y}, nil
}

package calibration

import (
	"context"
	"image"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage"
	"go.viam.com/camcalib/rimage/calibrate"
	"go.viam.com/camcalib/utils"
)

// CollectViews loads every image at paths and acquires the image points of objectPoints in
// it. Images that cannot be read or in which acquisition fails are logged and skipped, as are
// images whose size differs from the first usable one. Chessboard detection runs in parallel;
// manual acquisition visits the images in order.
func CollectViews(
	ctx context.Context,
	paths []string,
	objectPoints []r3.Vector,
	method calibrate.Method,
	logger logging.Logger,
) ([]calibrate.CorrespondenceSet, image.Point, error) {
	type acquired struct {
		points []r2.Point
		size   image.Point
	}
	results := make([]*acquired, len(paths))
	acquire := func(ctx context.Context, i int) error {
		img, err := rimage.LoadImage(paths[i])
		if err != nil {
			logger.Warnw("skipping unreadable image", "path", paths[i], "error", err)
			return nil
		}
		pts, err := calibrate.Acquire(ctx, method, img)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warnw("skipping image", "path", paths[i], "error", err)
			return nil
		}
		if len(pts) != len(objectPoints) {
			logger.Warnw("skipping image", "path", paths[i], "points", len(pts), "object_points", len(objectPoints))
			return nil
		}
		results[i] = &acquired{points: pts, size: img.Bounds().Size()}
		return nil
	}

	if method.Kind == calibrate.MethodChessboard {
		// each call writes only its own slot of results
		if err := utils.RunParallel(ctx, len(paths), acquire); err != nil {
			return nil, image.Point{}, err
		}
	} else {
		for i := range paths {
			if err := acquire(ctx, i); err != nil {
				return nil, image.Point{}, err
			}
		}
	}

	var views []calibrate.CorrespondenceSet
	var size image.Point
	for i, res := range results {
		if res == nil {
			continue
		}
		if len(views) == 0 {
			size = res.size
		} else if res.size != size {
			logger.Warnw("skipping image with a different size", "path", paths[i], "size", res.size, "expected", size)
			continue
		}
		views = append(views, calibrate.CorrespondenceSet{ObjectPoints: objectPoints, ImagePoints: res.points})
	}
	if len(views) == 0 {
		return nil, image.Point{}, utils.NewInsufficientDataError(0, 1)
	}
	logger.Infow("collected views", "usable", len(views), "images", len(paths))
	return views, size, nil
}

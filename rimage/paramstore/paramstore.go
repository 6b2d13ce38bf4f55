// Package paramstore reads and writes camera parameter documents. A document may hold the
// intrinsic model, the pose, or both:
//
//	intrinsic:   3x3 camera matrix
//	distortion:  k1, k2, p1, p2[, k3]
//	rotation:    axis-angle vector, radians
//	translation: 3 values
//	image_size:  [width, height], optional
//
// Files ending in .yaml or .yml are YAML; everything else is JSON.
package paramstore

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"go.viam.com/camcalib/rimage/transform"
	"go.viam.com/camcalib/utils"
)

// Document is the on-disk layout. Absent fields are nil.
type Document struct {
	Intrinsic   [][]float64 `json:"intrinsic,omitempty" yaml:"intrinsic,omitempty"`
	Distortion  []float64   `json:"distortion,omitempty" yaml:"distortion,omitempty"`
	Rotation    []float64   `json:"rotation,omitempty" yaml:"rotation,omitempty"`
	Translation []float64   `json:"translation,omitempty" yaml:"translation,omitempty"`
	ImageSize   []int       `json:"image_size,omitempty" yaml:"image_size,omitempty"`
}

type format int

const (
	formatJSON format = iota
	formatYAML
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// NewDocument builds a document from a model, a pose or both. The distortion is written only
// when the model has one.
func NewDocument(model *transform.PinholeCameraModel, pose *transform.Pose) (*Document, error) {
	if model == nil && pose == nil {
		return nil, utils.NewInputError("nothing to save")
	}
	doc := &Document{}
	if model != nil {
		if err := model.CheckValid(); err != nil {
			return nil, utils.NewInputError("%v", err)
		}
		k := model.GetCameraMatrix()
		doc.Intrinsic = [][]float64{mat.Row(nil, 0, k), mat.Row(nil, 1, k), mat.Row(nil, 2, k)}
		if model.Distortion != nil {
			doc.Distortion = model.Distortion.Coefficients()
		}
		if model.Width > 0 && model.Height > 0 {
			doc.ImageSize = []int{model.Width, model.Height}
		}
	}
	if pose != nil {
		doc.Rotation = []float64{pose.Rotation.X, pose.Rotation.Y, pose.Rotation.Z}
		doc.Translation = []float64{pose.Translation.X, pose.Translation.Y, pose.Translation.Z}
	}
	return doc, nil
}

// Model returns the intrinsic model of the document, or nil if it has none.
func (doc *Document) Model() (*transform.PinholeCameraModel, error) {
	if doc.Intrinsic == nil {
		if doc.Distortion != nil {
			return nil, utils.NewParseError("distortion given without intrinsic")
		}
		if doc.ImageSize != nil {
			return nil, utils.NewParseError("image_size given without intrinsic")
		}
		return nil, nil
	}
	if len(doc.Intrinsic) != 3 {
		return nil, utils.NewParseError("intrinsic must have 3 rows, got %d", len(doc.Intrinsic))
	}
	k := mat.NewDense(3, 3, nil)
	for r, row := range doc.Intrinsic {
		if len(row) != 3 {
			return nil, utils.NewParseError("intrinsic row %d must have 3 values, got %d", r, len(row))
		}
		k.SetRow(r, row)
	}
	var width, height int
	if doc.ImageSize != nil {
		if len(doc.ImageSize) != 2 || doc.ImageSize[0] < 0 || doc.ImageSize[1] < 0 {
			return nil, utils.NewParseError("image_size must be [width, height], got %v", doc.ImageSize)
		}
		width, height = doc.ImageSize[0], doc.ImageSize[1]
	}
	intrinsics, err := transform.NewPinholeCameraIntrinsicsFromMatrix(k, width, height)
	if err != nil {
		return nil, utils.NewParseError("intrinsic: %v", err)
	}
	model := &transform.PinholeCameraModel{PinholeCameraIntrinsics: intrinsics}
	if doc.Distortion != nil {
		if model.Distortion, err = transform.NewBrownConradyFromCoefficients(doc.Distortion); err != nil {
			return nil, utils.NewParseError("distortion: %v", err)
		}
	}
	return model, nil
}

// Pose returns the pose of the document, or nil if it has none.
func (doc *Document) Pose() (*transform.Pose, error) {
	switch {
	case doc.Rotation == nil && doc.Translation == nil:
		return nil, nil
	case doc.Rotation == nil:
		return nil, utils.NewParseError("translation given without rotation")
	case doc.Translation == nil:
		return nil, utils.NewParseError("rotation given without translation")
	}
	rot, err := vector(doc.Rotation, "rotation")
	if err != nil {
		return nil, err
	}
	t, err := vector(doc.Translation, "translation")
	if err != nil {
		return nil, err
	}
	return &transform.Pose{Rotation: rot, Translation: t}, nil
}

func vector(v []float64, field string) (r3.Vector, error) {
	if len(v) != 3 {
		return r3.Vector{}, utils.NewParseError("%s must have 3 values, got %d", field, len(v))
	}
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return r3.Vector{}, utils.NewParseError("%s is not finite", field)
		}
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

// Save writes model and pose to path; either may be nil but not both.
func Save(path string, model *transform.PinholeCameraModel, pose *transform.Pose) (err error) {
	doc, err := NewDocument(model, pose)
	if err != nil {
		return err
	}
	var data []byte
	switch formatOf(path) {
	case formatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		data = buf.Bytes()
	default:
		if data, err = json.MarshalIndent(doc, "", "  "); err != nil {
			return err
		}
		data = append(data, '\n')
	}

	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return utils.NewIOError(err, path)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			err = multierr.Combine(err, utils.NewIOError(closeErr, path))
		}
	}()
	if _, err := f.Write(data); err != nil {
		return utils.NewIOError(err, path)
	}
	return nil
}

// ReadDocument parses the document at path.
func ReadDocument(path string) (*Document, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.NewIOError(err, path)
	}
	doc := &Document{}
	switch formatOf(path) {
	case formatYAML:
		err = yaml.Unmarshal(data, doc)
	default:
		err = json.Unmarshal(data, doc)
	}
	if err != nil {
		return nil, utils.NewParseError("%s: %v", path, err)
	}
	if doc.Intrinsic == nil && doc.Distortion == nil && doc.Rotation == nil && doc.Translation == nil {
		return nil, utils.NewParseError("%s: document has no camera parameters", path)
	}
	return doc, nil
}

// Load reads whichever of the model and the pose the document at path holds. At least one of
// them is non-nil on success.
func Load(path string) (*transform.PinholeCameraModel, *transform.Pose, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, nil, err
	}
	model, err := doc.Model()
	if err != nil {
		return nil, nil, err
	}
	pose, err := doc.Pose()
	if err != nil {
		return nil, nil, err
	}
	return model, pose, nil
}

// LoadModel reads the document at path and requires it to hold an intrinsic model.
func LoadModel(path string) (*transform.PinholeCameraModel, error) {
	model, _, err := Load(path)
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, utils.NewParseError("%s: no intrinsic parameters", path)
	}
	return model, nil
}

// LoadPose reads the document at path and requires it to hold a pose.
func LoadPose(path string) (*transform.Pose, error) {
	_, pose, err := Load(path)
	if err != nil {
		return nil, err
	}
	if pose == nil {
		return nil, utils.NewParseError("%s: no rotation and translation", path)
	}
	return pose, nil
}

package vision

import (
	"image"
	"strconv"
)

// COCO class ids recognized by the pipeline. Id 4 (aeroplane) sits inside
// the vehicle range but is deliberately not a vehicle.
const PersonClassID = 0

var vehicleClassIDs = map[int]bool{
	1: true, // bicycle
	2: true, // car
	3: true, // motorbike
	5: true, // bus
	6: true, // train
	7: true, // truck
}

var classNames = []string{"person", "bicycle", "car", "motorbike", "_", "bus", "train", "truck"}

// IsVehicleClass reports whether a COCO class id counts as a vehicle.
func IsVehicleClass(id int) bool {
	return vehicleClassIDs[id]
}

// ClassName returns the label for a COCO class id, or a numeric fallback for
// ids outside the range this pipeline names.
func ClassName(id int) string {
	if id >= 0 && id < len(classNames) {
		return classNames[id]
	}
	return "class_" + strconv.Itoa(id)
}

// Box is an axis-aligned rectangle in pixel coordinates, x/y being the top
// left corner.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// BoxFromRect converts an image.Rectangle into a Box.
func BoxFromRect(r image.Rectangle) Box {
	return Box{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// Rect converts the box into an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Area returns the box area in pixels.
func (b Box) Area() int {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Detection is one classified object: its box in original frame
// coordinates, the model confidence, the class label and a JPEG crop of the
// region.
type Detection struct {
	Box   Box
	Score float32
	Label string
	Crop  []byte
}

// Predictions groups classifier output by downstream lane.
type Predictions struct {
	Persons  []Detection
	Vehicles []Detection
}

// Empty reports whether the classifier found nothing of interest.
func (p Predictions) Empty() bool {
	return len(p.Persons) == 0 && len(p.Vehicles) == 0
}

// ClipRect clamps a rectangle to an image of the given dimensions. The
// result may be empty when the rectangle lies fully outside.
func ClipRect(r image.Rectangle, width, height int) image.Rectangle {
	return r.Intersect(image.Rect(0, 0, width, height))
}

package roadsentry

// Kind identifies one detection specialty. The set is closed: every frame fans
// out to exactly these kinds and the merge overlay order is defined over them.
// Use the exported constants instead of raw strings to avoid typos.
type Kind string

const (
	// KindVehicle detects vehicle bounding boxes.
	KindVehicle Kind = "vehicle"
	// KindPlate reads license plate text.
	KindPlate Kind = "plate"
	// KindHelmet detects helmet violations.
	KindHelmet Kind = "helmet"
)

// AllKinds lists every kind in the fixed overlay order used by the merge:
// vehicle boxes first, then plate text, then helmet-violation markers.
var AllKinds = []Kind{KindVehicle, KindPlate, KindHelmet}

// String returns the raw string value of the kind.
func (k Kind) String() string { return string(k) }

// ParseKind converts a string into a Kind, returning ErrUnknownKind for
// anything outside the closed set.
func ParseKind(s string) (Kind, error) {
	switch s {
	case string(KindVehicle):
		return KindVehicle, nil
	case string(KindPlate):
		return KindPlate, nil
	case string(KindHelmet):
		return KindHelmet, nil
	default:
		return "", ErrUnknownKind
	}
}

package linkage

import (
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// ElementKind is one elementary transform.
type ElementKind int

const (
	TX ElementKind = iota
	TY
	TZ
	RX
	RY
	RZ
)

var elementNames = [...]string{"tx", "ty", "tz", "Rx", "Ry", "Rz"}

// ErrInvalidTransform is the cause of every ParseTransform error.
var ErrInvalidTransform = errors.New("invalid transform")

func (k ElementKind) String() string {
	if k < TX || k > RZ {
		return "unknown"
	}
	return elementNames[k]
}

// IsRotation reports whether k rotates about an axis.
func (k ElementKind) IsRotation() bool {
	return k >= RX
}

func (k ElementKind) axis() r3.Vector {
	switch k {
	case TX, RX:
		return r3.Vector{X: 1}
	case TY, RY:
		return r3.Vector{Y: 1}
	default:
		return r3.Vector{Z: 1}
	}
}

// Element is a translation in metres or a rotation in degrees. A Variable
// element is driven by the joint coordinate.
type Element struct {
	Kind     ElementKind
	Value    float64
	Variable bool
}

func (e Element) String() string {
	if e.Variable {
		return e.Kind.String() + "()"
	}
	return e.Kind.String() + "(" + strconv.FormatFloat(e.Value, 'g', -1, 64) + ")"
}

// Transform returns the rigid transform of the element at value v.
func (e Element) Transform(v float64) Transform {
	if e.Kind.IsRotation() {
		return Rotation(e.Kind.axis(), v)
	}
	return Translation(e.Kind.axis().Mul(v))
}

// ParseTransform parses a space separated list of elementary transforms
// such as "tx(0.0234) tz(0.1105) Rx(-90) Rz()".
func ParseTransform(s string) ([]Element, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, errors.Wrap(ErrInvalidTransform, "empty")
	}
	elems := make([]Element, 0, len(fields))
	for _, f := range fields {
		open := strings.IndexByte(f, '(')
		if open <= 0 || !strings.HasSuffix(f, ")") {
			return nil, errors.Wrapf(ErrInvalidTransform, "malformed element %q", f)
		}
		kind, ok := parseKind(f[:open])
		if !ok {
			return nil, errors.Wrapf(ErrInvalidTransform, "unknown element %q", f[:open])
		}
		arg := strings.TrimSpace(f[open+1 : len(f)-1])
		if arg == "" {
			elems = append(elems, Element{Kind: kind, Variable: true})
			continue
		}
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Wrapf(ErrInvalidTransform, "invalid value in %q", f)
		}
		elems = append(elems, Element{Kind: kind, Value: v})
	}
	return elems, nil
}

func parseKind(name string) (ElementKind, bool) {
	for i, n := range elementNames {
		if strings.EqualFold(name, n) {
			return ElementKind(i), true
		}
	}
	return 0, false
}

// Transform is a rigid transform: a rotation followed by a translation.
type Transform struct {
	Translation r3.Vector
	Rotation    quat.Number
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{Rotation: quat.Number{Real: 1}}
}

// Translation returns a pure translation.
func Translation(v r3.Vector) Transform {
	return Transform{Translation: v, Rotation: quat.Number{Real: 1}}
}

// Rotation returns a rotation of deg degrees about axis.
func Rotation(axis r3.Vector, deg float64) Transform {
	half := deg * math.Pi / 360
	a := axis.Normalize().Mul(math.Sin(half))
	return Transform{Rotation: quat.Number{Real: math.Cos(half), Imag: a.X, Jmag: a.Y, Kmag: a.Z}}
}

// Compose returns t followed by o, expressed in t's parent frame.
func (t Transform) Compose(o Transform) Transform {
	return Transform{
		Translation: t.Translation.Add(t.Rotate(o.Translation)),
		Rotation:    quat.Mul(t.Rotation, o.Rotation),
	}
}

// Rotate applies only the rotation of t to v.
func (t Transform) Rotate(v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(t.Rotation, p), quat.Conj(t.Rotation))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Apply maps a point from the child frame into t's parent frame.
func (t Transform) Apply(v r3.Vector) r3.Vector {
	return t.Translation.Add(t.Rotate(v))
}

// ApproxEqual compares two transforms. q and -q are the same rotation.
func (t Transform) ApproxEqual(o Transform, eps float64) bool {
	if t.Translation.Sub(o.Translation).Norm() > eps {
		return false
	}
	d := quat.Abs(quat.Sub(t.Rotation, o.Rotation))
	s := quat.Abs(quat.Add(t.Rotation, o.Rotation))
	return d <= eps || s <= eps
}

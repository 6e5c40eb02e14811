// Package linkage reads the declarative joint chain of a serial arm.
//
// A descriptor lists the joints from the base outwards. Each joint has a
// transform made of elementary translations (metres) and rotations
// (degrees) ending in exactly one variable element driven by the joint
// coordinate, and a [min, max] travel limit in the joint's units:
//
//	name: parol6
//	joints:
//	  - name: L1
//	    transform: "Rz()"
//	    limits: [-180, 180]
//	  - name: L2
//	    transform: "tx(0.02342) tz(0.1105) Rx(-90) Rz()"
//	    limits: [-90, 90]
//
// Descriptors are data. Nothing in them is executed.
package linkage

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// MaxJoints is the number of joint axes the toolhead can address.
const MaxJoints = 6

// ErrInvalidDescriptor is the cause of every descriptor validation error.
var ErrInvalidDescriptor = errors.New("invalid linkage descriptor")

// Format selects the descriptor encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the encoding from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", errors.Errorf("unsupported linkage descriptor extension %q", filepath.Ext(path))
	}
}

type jointConfig struct {
	Name      string    `json:"name" yaml:"name"`
	Transform string    `json:"transform" yaml:"transform"`
	Limits    []float64 `json:"limits" yaml:"limits"`
}

type chainConfig struct {
	Name   string        `json:"name" yaml:"name"`
	Joints []jointConfig `json:"joints" yaml:"joints"`
}

// Joint is one link of the chain.
type Joint struct {
	Name     string
	Elements []Element
	Min      float64
	Max      float64
}

// Variable returns the element driven by the joint coordinate.
func (j Joint) Variable() Element {
	return j.Elements[len(j.Elements)-1]
}

// Static composes the fixed elements preceding the variable one.
func (j Joint) Static() Transform {
	t := Identity()
	for _, e := range j.Elements[:len(j.Elements)-1] {
		t = t.Compose(e.Transform(e.Value))
	}
	return t
}

// At returns the joint transform with the variable element at q.
func (j Joint) At(q float64) Transform {
	return j.Static().Compose(j.Variable().Transform(q))
}

// Limits returns the joint travel limit.
func (j Joint) Limits() (float64, float64) {
	return j.Min, j.Max
}

// Chain is an ordered serial linkage.
type Chain struct {
	Name   string
	Joints []Joint
	Source string
}

// Len returns the number of joints.
func (c *Chain) Len() int {
	return len(c.Joints)
}

// Load reads a descriptor file. The encoding follows the extension.
func Load(path string) (*Chain, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read linkage descriptor")
	}
	c, err := Parse(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "linkage %s", path)
	}
	c.Source = path
	return c, nil
}

// Parse decodes and validates a descriptor. Unknown fields are rejected.
func Parse(data []byte, format Format) (*Chain, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.Wrap(ErrInvalidDescriptor, "empty descriptor")
	}
	var cfg chainConfig
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal json descriptor")
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "failed to unmarshal yaml descriptor")
		}
	default:
		return nil, errors.Errorf("unsupported descriptor format %q", format)
	}
	return cfg.build()
}

func (cfg *chainConfig) build() (*Chain, error) {
	n := len(cfg.Joints)
	if n == 0 || n > MaxJoints {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "chain must have 1 to %d joints, got %d", MaxJoints, n)
	}
	c := &Chain{Name: cfg.Name, Joints: make([]Joint, 0, n)}
	seen := make(map[string]bool, n)
	for i, jc := range cfg.Joints {
		name := strings.TrimSpace(jc.Name)
		if name == "" {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "joint %d has no name", i)
		}
		if seen[name] {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "duplicate joint name %s", name)
		}
		seen[name] = true

		j, err := jc.build(name)
		if err != nil {
			return nil, errors.Wrapf(err, "joint %s", name)
		}
		c.Joints = append(c.Joints, j)
	}
	return c, nil
}

func (jc *jointConfig) build(name string) (Joint, error) {
	elems, err := ParseTransform(jc.Transform)
	if err != nil {
		return Joint{}, multierr.Combine(ErrInvalidDescriptor, err)
	}
	variables := 0
	for _, e := range elems {
		if e.Variable {
			variables++
		}
	}
	if variables != 1 {
		return Joint{}, errors.Wrapf(ErrInvalidDescriptor, "transform needs exactly one variable element, has %d", variables)
	}
	if !elems[len(elems)-1].Variable {
		return Joint{}, errors.Wrap(ErrInvalidDescriptor, "variable element must be last")
	}
	if len(jc.Limits) != 2 {
		return Joint{}, errors.Wrapf(ErrInvalidDescriptor, "limits need [min, max], got %v", jc.Limits)
	}
	lo, hi := jc.Limits[0], jc.Limits[1]
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return Joint{}, errors.Wrap(ErrInvalidDescriptor, "limits must be finite")
	}
	if lo > hi {
		return Joint{}, errors.Wrapf(ErrInvalidDescriptor, "limit min %v above max %v", lo, hi)
	}
	return Joint{Name: name, Elements: elems, Min: lo, Max: hi}, nil
}

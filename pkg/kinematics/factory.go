// Factory functions for creating kinematics instances from configuration.
package kinematics

import (
	"strings"

	"klipper-go-kinematics/pkg/config"
	"klipper-go-kinematics/pkg/event"
)

type constructor func(th Toolhead, cfg *config.Config, bus *event.Bus) (Kinematics, error)

var constructors = map[string]constructor{
	"hexa": func(th Toolhead, cfg *config.Config, bus *event.Bus) (Kinematics, error) {
		return NewHexaFromConfig(th, cfg, bus)
	},
	"joints": func(th Toolhead, cfg *config.Config, bus *event.Bus) (Kinematics, error) {
		return NewJointsFromConfig(th, cfg, bus)
	},
}

// NewFromConfig creates the kinematics named by [printer] kinematics.
func NewFromConfig(th Toolhead, cfg *config.Config, bus *event.Bus) (Kinematics, error) {
	printer, err := cfg.GetSection("printer")
	if err != nil {
		return nil, err
	}
	kinType, err := printer.GetChoice("kinematics", SupportedTypes())
	if err != nil {
		return nil, err
	}
	return constructors[kinType](th, cfg, bus)
}

// SupportedTypes returns a list of all supported kinematic types.
func SupportedTypes() []string {
	return []string{"hexa", "joints"}
}

// IsSupported checks if a kinematic type is supported.
func IsSupported(kinType string) bool {
	_, ok := constructors[strings.ToLower(strings.TrimSpace(kinType))]
	return ok
}

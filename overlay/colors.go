package overlay

import (
	"fmt"
	"image/color"
	"sort"
	"strconv"
	"strings"
)

// ColorPolicy maps a class id to its box color. Classes not listed use
// Default.
type ColorPolicy struct {
	Classes map[int]color.RGBA
	Default color.RGBA
}

var (
	// Blue is used for class 0 by default.
	Blue = color.RGBA{R: 0, G: 0, B: 255, A: 0}
	// Orange is used for every other class by default.
	Orange = color.RGBA{R: 255, G: 165, B: 0, A: 0}
	// textColor is the label foreground.
	textColor = color.RGBA{R: 255, G: 255, B: 255, A: 0}
)

// DefaultColorPolicy returns class 0 in blue and everything else in orange.
func DefaultColorPolicy() ColorPolicy {
	return ColorPolicy{
		Classes: map[int]color.RGBA{0: Blue},
		Default: Orange,
	}
}

// Color returns the color for classID.
func (p ColorPolicy) Color(classID int) color.RGBA {
	if c, ok := p.Classes[classID]; ok {
		return c
	}
	return p.Default
}

// ParseColorPolicy builds a policy from a {"<class id>": "#rrggbb",
// "default": "#rrggbb"} map. A missing default keeps orange.
func ParseColorPolicy(table map[string]string) (ColorPolicy, error) {
	policy := ColorPolicy{Classes: make(map[int]color.RGBA), Default: Orange}

	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		c, err := parseHexColor(table[key])
		if err != nil {
			return ColorPolicy{}, fmt.Errorf("class %q: %w", key, err)
		}
		if strings.EqualFold(key, "default") {
			policy.Default = c
			continue
		}
		id, err := strconv.Atoi(key)
		if err != nil || id < 0 {
			return ColorPolicy{}, fmt.Errorf("invalid class id %q", key)
		}
		policy.Classes[id] = c
	}
	return policy, nil
}

// parseHexColor converts a "#rrggbb" string to a color
func parseHexColor(hexColor string) (color.RGBA, error) {
	hexColor = strings.TrimPrefix(strings.TrimSpace(hexColor), "#")

	if len(hexColor) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid hex color format: %s", hexColor)
	}

	rgb, err := strconv.ParseUint(hexColor, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("failed to parse hex color %s: %v", hexColor, err)
	}

	return color.RGBA{
		R: uint8((rgb >> 16) & 0xFF),
		G: uint8((rgb >> 8) & 0xFF),
		B: uint8(rgb & 0xFF),
	}, nil
}

package plan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ianktoo/image-converter/internal/errs"
)

// MaxDimension bounds any literal or preset edge length.
const MaxDimension = 4096

// SizeKind tags which dimensions a size specifier constrains.
type SizeKind int

const (
	SizeOriginal SizeKind = iota
	SizeExact
	SizeWidth
	SizeHeight
)

// SizeSpec is a parsed size specifier. Presets are resolved to SizeExact at
// parse time so nothing downstream sees a preset name.
type SizeSpec struct {
	Kind   SizeKind
	Width  int
	Height int
}

// Original is the "keep source dimensions" specifier.
var Original = SizeSpec{Kind: SizeOriginal}

// Suffix is the label used in output file names.
func (s SizeSpec) Suffix() string {
	switch s.Kind {
	case SizeExact:
		return fmt.Sprintf("%dx%d", s.Width, s.Height)
	case SizeWidth:
		return fmt.Sprintf("%dx", s.Width)
	case SizeHeight:
		return fmt.Sprintf("x%d", s.Height)
	default:
		return "original"
	}
}

// ParseSize parses "original", a preset name, "WxH", "Wx" or "xH".
func ParseSize(raw string, presets map[string][2]int) (SizeSpec, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" || name == "original" {
		return Original, nil
	}
	if dims, ok := presets[name]; ok {
		if !validEdge(dims[0]) || !validEdge(dims[1]) {
			return SizeSpec{}, fmt.Errorf("%w: preset %q has invalid dimensions", errs.ErrPlanRejected, name)
		}
		return SizeSpec{Kind: SizeExact, Width: dims[0], Height: dims[1]}, nil
	}
	a, b, found := strings.Cut(name, "x")
	if !found {
		return SizeSpec{}, fmt.Errorf("%w: unknown size %q", errs.ErrPlanRejected, raw)
	}
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)

	var spec SizeSpec
	switch {
	case a != "" && b != "":
		spec.Kind = SizeExact
	case a != "":
		spec.Kind = SizeWidth
	case b != "":
		spec.Kind = SizeHeight
	default:
		return SizeSpec{}, fmt.Errorf("%w: empty size %q", errs.ErrPlanRejected, raw)
	}
	if a != "" {
		w, err := parseEdge(a)
		if err != nil {
			return SizeSpec{}, fmt.Errorf("%w: width in %q: %v", errs.ErrPlanRejected, raw, err)
		}
		spec.Width = w
	}
	if b != "" {
		h, err := parseEdge(b)
		if err != nil {
			return SizeSpec{}, fmt.Errorf("%w: height in %q: %v", errs.ErrPlanRejected, raw, err)
		}
		spec.Height = h
	}
	return spec, nil
}

func parseEdge(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if !validEdge(v) {
		return 0, fmt.Errorf("%d outside 1..%d", v, MaxDimension)
	}
	return v, nil
}

func validEdge(v int) bool { return v >= 1 && v <= MaxDimension }

// Dimensions is a pixel size.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Known reports whether both edges are positive.
func (d Dimensions) Known() bool { return d.Width > 0 && d.Height > 0 }

// resolve turns the specifier into a concrete target against the source
// dimensions. With an unknown source, partial and original specs stay open
// (zero edges) and the codec resolves them after decoding.
func (s SizeSpec) resolve(src Dimensions) Target {
	t := Target{Suffix: s.Suffix()}
	switch s.Kind {
	case SizeExact:
		t.Width, t.Height, t.Canvas = s.Width, s.Height, true
	case SizeWidth:
		t.Width = s.Width
		if src.Known() {
			t.Height = scaleEdge(src.Height, s.Width, src.Width)
		}
	case SizeHeight:
		t.Height = s.Height
		if src.Known() {
			t.Width = scaleEdge(src.Width, s.Height, src.Height)
		}
	default:
		t.Keep = true
		if src.Known() {
			t.Width, t.Height = src.Width, src.Height
		}
	}
	return t
}

// scaleEdge returns round(edge * num / den), at least 1.
func scaleEdge(edge, num, den int) int {
	v := (2*edge*num + den) / (2 * den)
	if v < 1 {
		return 1
	}
	return v
}

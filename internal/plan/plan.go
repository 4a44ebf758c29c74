package plan

import (
	"fmt"
	"image/color"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ianktoo/image-converter/internal/errs"
)

// FillPolicy reconciles an exact canvas with the source aspect ratio.
type FillPolicy string

const (
	FillCrop  FillPolicy = "crop"
	FillColor FillPolicy = "color"
	FillBlur  FillPolicy = "blur"
)

const (
	minQuality = 25
	maxQuality = 95
)

// DefaultFillColor is the letterbox color used when none is given.
var DefaultFillColor = color.NRGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}

// Rect is a normalised crop region; every field is in 0..1.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether the rect is non-empty and inside the unit square.
func (r Rect) Valid() bool {
	return r.X >= 0 && r.Y >= 0 && r.Width > 0 && r.Height > 0 &&
		r.X+r.Width <= 1 && r.Y+r.Height <= 1
}

// Apply returns the pixel dimensions of the region on a source of the given size.
func (r Rect) Apply(src Dimensions) (x0, y0, x1, y1 int) {
	x0 = clampInt(int(r.X*float64(src.Width)), 0, src.Width-1)
	y0 = clampInt(int(r.Y*float64(src.Height)), 0, src.Height-1)
	x1 = clampInt(int((r.X+r.Width)*float64(src.Width)), x0+1, src.Width)
	y1 = clampInt(int((r.Y+r.Height)*float64(src.Height)), y0+1, src.Height)
	return x0, y0, x1, y1
}

// Request is an unvalidated conversion request for one input.
type Request struct {
	Formats          []string
	Sizes            []string
	Fill             string
	FillColor        string
	ReductionPercent int
	StripMetadata    bool
	Progressive      bool
	Aggressive       bool
	WebOptimized     bool
	Crop             *Rect
}

// Options are shared by every job of a plan.
type Options struct {
	Quality       int         `json:"quality"`
	Fill          FillPolicy  `json:"fill"`
	FillColor     color.NRGBA `json:"fill_color"`
	StripMetadata bool        `json:"strip_metadata"`
	Progressive   bool        `json:"progressive"`
	Aggressive    bool        `json:"aggressive"`
	WebOptimized  bool        `json:"web_optimized"`
	Crop          *Rect       `json:"crop,omitempty"`
}

// Target is a resolved output size. Canvas targets are produced exactly
// through the fill policy; others are plain aspect-preserving scales. Keep
// means the source pixels are re-encoded without resizing.
type Target struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Canvas bool   `json:"canvas"`
	Keep   bool   `json:"keep"`
	Suffix string `json:"suffix"`
}

// Job is one (format, size) conversion inside a task.
type Job struct {
	Format  string  `json:"format"`
	Target  Target  `json:"target"`
	Options Options `json:"options"`
}

// Plan is a validated request. It carries parsed specifiers and is turned
// into jobs once the source dimensions are known.
type Plan struct {
	Formats []string
	Sizes   []SizeSpec
	Options Options
}

// Settings configures a Builder.
type Settings struct {
	Formats             []string
	Presets             map[string][2]int
	DefaultQuality      int
	WebOptimizedQuality int
}

// Builder validates requests and expands them into jobs.
type Builder struct {
	formats  map[string]struct{}
	settings Settings
}

// NewBuilder creates a builder accepting the given output formats.
func NewBuilder(s Settings) *Builder {
	allowed := make(map[string]struct{}, len(s.Formats))
	for _, f := range s.Formats {
		allowed[NormalizeFormat(f)] = struct{}{}
	}
	return &Builder{formats: allowed, settings: s}
}

// NormalizeFormat lowercases a format name and folds jpg into jpeg.
func NormalizeFormat(f string) string {
	f = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(f)), ".")
	if f == "jpg" {
		return "jpeg"
	}
	return f
}

// Build validates the request. Any failure wraps errs.ErrPlanRejected.
func (b *Builder) Build(req Request) (Plan, error) {
	formats := make([]string, 0, len(req.Formats))
	seen := make(map[string]struct{}, len(req.Formats))
	for _, raw := range req.Formats {
		f := NormalizeFormat(raw)
		if f == "" {
			continue
		}
		if _, ok := b.formats[f]; !ok {
			return Plan{}, fmt.Errorf("%w: unsupported format %q", errs.ErrPlanRejected, raw)
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		formats = append(formats, f)
	}
	if len(formats) == 0 {
		return Plan{}, fmt.Errorf("%w: no output formats requested", errs.ErrPlanRejected)
	}

	sizes := make([]SizeSpec, 0, len(req.Sizes))
	for _, raw := range req.Sizes {
		s, err := ParseSize(raw, b.settings.Presets)
		if err != nil {
			return Plan{}, err
		}
		sizes = append(sizes, s)
	}
	if len(sizes) == 0 {
		sizes = append(sizes, Original)
	}

	opts, err := b.options(req)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Formats: formats, Sizes: sizes, Options: opts}, nil
}

func (b *Builder) options(req Request) (Options, error) {
	if req.ReductionPercent < 0 || req.ReductionPercent > 100 {
		return Options{}, fmt.Errorf("%w: size reduction %d outside 0..100", errs.ErrPlanRejected, req.ReductionPercent)
	}
	fill := FillPolicy(strings.ToLower(strings.TrimSpace(req.Fill)))
	switch fill {
	case "":
		fill = FillCrop
	case FillCrop, FillColor, FillBlur:
	default:
		return Options{}, fmt.Errorf("%w: unknown fill policy %q", errs.ErrPlanRejected, req.Fill)
	}
	opts := Options{
		Quality:       b.Quality(req.ReductionPercent, req.WebOptimized),
		Fill:          fill,
		FillColor:     ParseHexColor(req.FillColor),
		StripMetadata: req.StripMetadata,
		Progressive:   req.Progressive,
		Aggressive:    req.Aggressive,
		WebOptimized:  req.WebOptimized,
	}
	if req.Crop != nil && req.Crop.Valid() {
		c := *req.Crop
		opts.Crop = &c
	}
	return opts, nil
}

// Quality maps a size-reduction percentage to an encoder quality.
func (b *Builder) Quality(reduction int, webOptimized bool) int {
	if reduction > 0 {
		q := maxQuality - int(math.Floor(0.9*float64(reduction)))
		return clampInt(q, minQuality, maxQuality)
	}
	if webOptimized {
		return b.settings.WebOptimizedQuality
	}
	return b.settings.DefaultQuality
}

// Jobs expands the plan into the deduplicated cartesian product of sizes and
// formats, resolved against the source dimensions (after any crop region).
func (p Plan) Jobs(src Dimensions) []Job {
	if p.Options.Crop != nil && src.Known() {
		x0, y0, x1, y1 := p.Options.Crop.Apply(src)
		src = Dimensions{Width: x1 - x0, Height: y1 - y0}
	}
	type key struct {
		format string
		w, h   int
		kind   SizeKind
	}
	seen := make(map[key]struct{})
	jobs := make([]Job, 0, len(p.Sizes)*len(p.Formats))
	for _, s := range p.Sizes {
		target := s.resolve(src)
		for _, f := range p.Formats {
			k := key{format: f, w: target.Width, h: target.Height}
			if target.Width == 0 || target.Height == 0 {
				// unresolved specs only collapse with themselves
				k.kind = s.Kind
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			jobs = append(jobs, Job{Format: f, Target: target, Options: p.Options})
		}
	}
	return jobs
}

// OutputName builds "<stem>_<task8>_<suffix>.<format>".
func OutputName(filename, taskID string, job Job) string {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	stem = sanitize(stem)
	if stem == "" {
		stem = "image"
	}
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s_%s.%s", stem, short, job.Target.Suffix, job.Format)
}

// ParseHexColor parses #RRGGBB, falling back to DefaultFillColor.
func ParseHexColor(raw string) color.NRGBA {
	h := strings.TrimPrefix(strings.TrimSpace(raw), "#")
	if len(h) != 6 {
		return DefaultFillColor
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return DefaultFillColor
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	return b.String()
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

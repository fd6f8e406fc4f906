// Package units parses unit symbols and converts values between
// dimensionally compatible units.
package units

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// Dimension holds base-dimension exponents.
type Dimension struct {
	Length      int
	Time        int
	Mass        int
	Temperature int
}

func (d Dimension) add(o Dimension, sign int) Dimension {
	return Dimension{
		Length:      d.Length + sign*o.Length,
		Time:        d.Time + sign*o.Time,
		Mass:        d.Mass + sign*o.Mass,
		Temperature: d.Temperature + sign*o.Temperature,
	}
}

func (d Dimension) pow(n int) Dimension {
	return Dimension{d.Length * n, d.Time * n, d.Mass * n, d.Temperature * n}
}

func (d Dimension) String() string {
	var parts []string
	for _, p := range []struct {
		sym string
		exp int
	}{{"L", d.Length}, {"T", d.Time}, {"M", d.Mass}, {"Θ", d.Temperature}} {
		if p.exp != 0 {
			parts = append(parts, fmt.Sprintf("%s^%d", p.sym, p.exp))
		}
	}
	if len(parts) == 0 {
		return "1"
	}
	return strings.Join(parts, " ")
}

// Definition describes one unit relative to SI: si = value*Scale + Offset.
type Definition struct {
	Dim    Dimension
	Scale  float64
	Offset float64
}

// Registry resolves unit symbols. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	base  map[string]Definition
	cache map[string]Definition
}

var (
	length      = Dimension{Length: 1}
	duration    = Dimension{Time: 1}
	mass        = Dimension{Mass: 1}
	temperature = Dimension{Temperature: 1}
	none        = Dimension{}
)

// NewRegistry returns a registry holding the built-in symbols.
func NewRegistry() *Registry {
	r := &Registry{
		base:  make(map[string]Definition),
		cache: make(map[string]Definition),
	}
	for sym, def := range builtin() {
		r.base[normalize(sym)] = def
	}
	return r
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the shared registry.
func Default() *Registry {
	defaultOnce.Do(func() { defaultReg = NewRegistry() })
	return defaultReg
}

func builtin() map[string]Definition {
	return map[string]Definition{
		// length
		"m":  {Dim: length, Scale: 1},
		"cm": {Dim: length, Scale: 1e-2},
		"mm": {Dim: length, Scale: 1e-3},
		"μm": {Dim: length, Scale: 1e-6},
		"km": {Dim: length, Scale: 1e3},
		"in": {Dim: length, Scale: 0.0254},
		"ft": {Dim: length, Scale: 0.3048},
		"mi": {Dim: length, Scale: 1609.344},
		// time
		"s":   {Dim: duration, Scale: 1},
		"sec": {Dim: duration, Scale: 1},
		"min": {Dim: duration, Scale: 60},
		"h":   {Dim: duration, Scale: 3600},
		"hr":  {Dim: duration, Scale: 3600},
		"d":   {Dim: duration, Scale: 86400},
		"day": {Dim: duration, Scale: 86400},
		// mass
		"kg": {Dim: mass, Scale: 1},
		"g":  {Dim: mass, Scale: 1e-3},
		// volume
		"L": {Dim: length.pow(3), Scale: 1e-3},
		"l": {Dim: length.pow(3), Scale: 1e-3},
		// temperature
		"K":    {Dim: temperature, Scale: 1},
		"degC": {Dim: temperature, Scale: 1, Offset: 273.15},
		"°C":   {Dim: temperature, Scale: 1, Offset: 273.15},
		"degF": {Dim: temperature, Scale: 5.0 / 9.0, Offset: 273.15 - 32*5.0/9.0},
		"°F":   {Dim: temperature, Scale: 5.0 / 9.0, Offset: 273.15 - 32*5.0/9.0},
		// pressure
		"Pa": {Dim: Dimension{Length: -1, Time: -2, Mass: 1}, Scale: 1},
		// dimensionless
		"1":    {Dim: none, Scale: 1},
		"-":    {Dim: none, Scale: 1},
		"none": {Dim: none, Scale: 1},
		"%":    {Dim: none, Scale: 0.01},
	}
}

// Register adds or replaces a base symbol.
func (r *Registry) Register(symbol string, def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base[normalize(symbol)] = def
	r.cache = make(map[string]Definition)
}

// Lookup parses a possibly compound symbol such as "m3/s", "mm h-1" or
// "kg m^-2".
func (r *Registry) Lookup(symbol string) (Definition, error) {
	sym := normalize(symbol)
	if sym == "" {
		return Definition{Dim: none, Scale: 1}, nil
	}

	r.mu.RLock()
	def, ok := r.cache[sym]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := r.parse(sym)
	if err != nil {
		return Definition{}, err
	}

	r.mu.Lock()
	r.cache[sym] = def
	r.mu.Unlock()
	return def, nil
}

// Factor returns scale and offset so that to = from*scale + offset.
func (r *Registry) Factor(from, to string) (float64, float64, error) {
	if normalize(from) == normalize(to) {
		return 1, 0, nil
	}
	src, err := r.Lookup(from)
	if err != nil {
		return 0, 0, okerrors.New(okerrors.UnitMismatch, fmt.Sprintf("cannot convert %q to %q", from, to), err)
	}
	dst, err := r.Lookup(to)
	if err != nil {
		return 0, 0, okerrors.New(okerrors.UnitMismatch, fmt.Sprintf("cannot convert %q to %q", from, to), err)
	}
	if src.Dim != dst.Dim {
		return 0, 0, okerrors.Newf(okerrors.UnitMismatch, "cannot convert %q (%s) to %q (%s)", from, src.Dim, to, dst.Dim)
	}
	scale := src.Scale / dst.Scale
	offset := (src.Offset - dst.Offset) / dst.Scale
	return scale, offset, nil
}

// Convert returns a converted copy of values. Identical symbols return an
// unchanged copy.
func (r *Registry) Convert(values []float64, from, to string) ([]float64, error) {
	scale, offset, err := r.Factor(from, to)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	if scale == 1 && offset == 0 {
		copy(out, values)
		return out, nil
	}
	for i, v := range values {
		out[i] = v*scale + offset
	}
	return out, nil
}

// Compatible reports whether values can be converted between the two units.
func (r *Registry) Compatible(from, to string) bool {
	_, _, err := r.Factor(from, to)
	return err == nil
}

// Symbols lists the base symbols known to the registry.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.base))
	for s := range r.base {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Convert converts with the default registry.
func Convert(values []float64, from, to string) ([]float64, error) {
	return Default().Convert(values, from, to)
}

func (r *Registry) parse(sym string) (Definition, error) {
	r.mu.RLock()
	def, ok := r.base[sym]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	numer, denom, _ := strings.Cut(sym, "/")
	if strings.Contains(denom, "/") {
		return Definition{}, fmt.Errorf("unit %q has more than one '/'", sym)
	}

	acc := Definition{Dim: none, Scale: 1}
	if err := r.fold(&acc, numer, 1); err != nil {
		return Definition{}, err
	}
	if denom != "" {
		if err := r.fold(&acc, denom, -1); err != nil {
			return Definition{}, err
		}
	}
	return acc, nil
}

// fold multiplies every factor of a product expression into acc.
func (r *Registry) fold(acc *Definition, expr string, sign int) error {
	factors := strings.FieldsFunc(expr, func(c rune) bool {
		return c == ' ' || c == '*' || c == '.' || c == '·'
	})
	if len(factors) == 0 {
		if sign < 0 {
			return fmt.Errorf("empty denominator")
		}
		return nil
	}
	for _, f := range factors {
		if f == "1" {
			continue
		}
		name, exp, err := splitExponent(f)
		if err != nil {
			return err
		}
		r.mu.RLock()
		def, ok := r.base[name]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("unknown unit %q", name)
		}
		if def.Offset != 0 {
			return fmt.Errorf("unit %q cannot appear in a compound unit", name)
		}
		n := exp * sign
		acc.Dim = acc.Dim.add(def.Dim.pow(n), 1)
		acc.Scale *= math.Pow(def.Scale, float64(n))
	}
	return nil
}

// splitExponent splits "m3", "m^3" or "s-1" into name and exponent.
func splitExponent(f string) (string, int, error) {
	f = strings.TrimSpace(f)
	if i := strings.IndexByte(f, '^'); i >= 0 {
		n, err := strconv.Atoi(f[i+1:])
		if err != nil {
			return "", 0, fmt.Errorf("bad exponent in %q", f)
		}
		return f[:i], n, nil
	}
	i := len(f)
	for i > 0 && (unicode.IsDigit(rune(f[i-1])) || f[i-1] == '-') {
		i--
	}
	if i == len(f) || i == 0 {
		return f, 1, nil
	}
	n, err := strconv.Atoi(f[i:])
	if err != nil {
		return "", 0, fmt.Errorf("bad exponent in %q", f)
	}
	return f[:i], n, nil
}

// normalize applies NFKC so superscript digits and compatibility characters
// fold onto their ASCII forms.
func normalize(symbol string) string {
	s := strings.TrimSpace(norm.NFKC.String(symbol))
	return strings.ReplaceAll(s, "\u2212", "-")
}

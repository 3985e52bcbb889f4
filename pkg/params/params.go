// Package params reads and writes the galaxy parameter file: one
// KEY value pair per line, '#' comments, with "auto" standing for
// values the pipeline derives itself. The full key set round-trips
// through Read -> Write -> Read unchanged.
package params

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Auto marks a numeric parameter left for the initialiser to derive.
const Auto = -999999.0

// Params holds every recognised key of the parameter file.
type Params struct {
	FitsFile string

	NRadii float64
	RadSep float64
	Xpos   float64
	Ypos   float64
	Vsys   float64
	Vrot   float64
	Vdisp  float64
	Vrad   float64
	Inc    float64
	PA     float64
	Z0     float64
	Dens   float64

	// RingFile optionally supplies the full initial ring table.
	RingFile string

	Free  []string
	FType int
	WFunc int
	Norm  string
	Ltype int
	Cdens float64
	Nv    int
	Tol   float64
	Mask  string
	Side  string

	TwoStage   bool
	Polyn      int
	FlagErrors bool

	Threads   int
	OutFolder string
}

// Defaults returns the documented default for every key.
func Defaults() *Params {
	return &Params{
		NRadii: Auto, RadSep: Auto,
		Xpos: Auto, Ypos: Auto, Vsys: Auto,
		Vrot: Auto, Vdisp: Auto, Vrad: 0,
		Inc: Auto, PA: Auto, Z0: 0, Dens: Auto,
		Free:  []string{"VROT", "VDISP"},
		FType: 2, WFunc: 2,
		Norm: "local", Ltype: 1,
		Cdens: 10, Nv: -1, Tol: 1e-3,
		Mask: "smooth", Side: "B",
		Polyn:     -1,
		Threads:   1,
		OutFolder: "./output",
	}
}

// Read parses a parameter file over the defaults.
func Read(path string) (*Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open parameter file %s: %w", path, err)
	}
	defer f.Close()

	p := Defaults()
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if i := strings.Index(text, "#"); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, fmt.Errorf("parameter file %s line %d: key %q has no value", path, line, text)
		}
		key := strings.ToUpper(fields[0])
		rest := fields[1:]
		if err := p.set(key, rest); err != nil {
			return nil, fmt.Errorf("parameter file %s line %d: %w", path, line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading parameter file %s: %w", path, err)
	}
	return p, nil
}

func (p *Params) set(key string, vals []string) error {
	v := vals[0]
	switch key {
	case "FITSFILE":
		p.FitsFile = v
	case "RINGFILE":
		p.RingFile = v
	case "NRADII":
		return parseAutoFloat(v, &p.NRadii)
	case "RADSEP":
		return parseAutoFloat(v, &p.RadSep)
	case "XPOS":
		return parseAutoFloat(v, &p.Xpos)
	case "YPOS":
		return parseAutoFloat(v, &p.Ypos)
	case "VSYS":
		return parseAutoFloat(v, &p.Vsys)
	case "VROT":
		return parseAutoFloat(v, &p.Vrot)
	case "VDISP":
		return parseAutoFloat(v, &p.Vdisp)
	case "VRAD":
		return parseAutoFloat(v, &p.Vrad)
	case "INC":
		return parseAutoFloat(v, &p.Inc)
	case "PA":
		return parseAutoFloat(v, &p.PA)
	case "Z0":
		return parseAutoFloat(v, &p.Z0)
	case "DENS":
		return parseAutoFloat(v, &p.Dens)
	case "FREE":
		p.Free = append([]string(nil), vals...)
		for i := range p.Free {
			p.Free[i] = strings.ToUpper(p.Free[i])
		}
	case "FTYPE":
		return parseInt(v, &p.FType)
	case "WFUNC":
		return parseInt(v, &p.WFunc)
	case "NORM":
		p.Norm = strings.ToLower(v)
	case "LTYPE":
		return parseInt(v, &p.Ltype)
	case "CDENS":
		return parseAutoFloat(v, &p.Cdens)
	case "NV":
		return parseInt(v, &p.Nv)
	case "TOL":
		return parseAutoFloat(v, &p.Tol)
	case "MASK":
		p.Mask = strings.ToLower(v)
	case "SIDE":
		p.Side = strings.ToUpper(v)
	case "TWOSTAGE":
		return parseBool(v, &p.TwoStage)
	case "POLYN":
		return parseInt(v, &p.Polyn)
	case "FLAGERRORS":
		return parseBool(v, &p.FlagErrors)
	case "THREADS":
		return parseInt(v, &p.Threads)
	case "OUTFOLDER":
		p.OutFolder = v
	default:
		return fmt.Errorf("unrecognised key %q", key)
	}
	return nil
}

// Write stores the parameters in the same format Read accepts.
func (p *Params) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create parameter file %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	put := func(key, val string) { fmt.Fprintf(w, "%-12s %s\n", key, val) }

	fmt.Fprintln(w, "# ringfit parameter file")
	if p.FitsFile != "" {
		put("FITSFILE", p.FitsFile)
	}
	if p.RingFile != "" {
		put("RINGFILE", p.RingFile)
	}
	put("NRADII", autoStr(p.NRadii))
	put("RADSEP", autoStr(p.RadSep))
	put("XPOS", autoStr(p.Xpos))
	put("YPOS", autoStr(p.Ypos))
	put("VSYS", autoStr(p.Vsys))
	put("VROT", autoStr(p.Vrot))
	put("VDISP", autoStr(p.Vdisp))
	put("VRAD", autoStr(p.Vrad))
	put("INC", autoStr(p.Inc))
	put("PA", autoStr(p.PA))
	put("Z0", autoStr(p.Z0))
	put("DENS", autoStr(p.Dens))
	put("FREE", strings.Join(p.Free, " "))
	put("FTYPE", strconv.Itoa(p.FType))
	put("WFUNC", strconv.Itoa(p.WFunc))
	put("NORM", p.Norm)
	put("LTYPE", strconv.Itoa(p.Ltype))
	put("CDENS", autoStr(p.Cdens))
	put("NV", strconv.Itoa(p.Nv))
	put("TOL", autoStr(p.Tol))
	put("MASK", p.Mask)
	put("SIDE", p.Side)
	put("TWOSTAGE", boolStr(p.TwoStage))
	put("POLYN", strconv.Itoa(p.Polyn))
	put("FLAGERRORS", boolStr(p.FlagErrors))
	put("THREADS", strconv.Itoa(p.Threads))
	put("OUTFOLDER", p.OutFolder)
	return w.Flush()
}

// IsAuto reports whether a numeric parameter was left automatic.
func IsAuto(v float64) bool { return v == Auto }

func parseAutoFloat(s string, dst *float64) error {
	if strings.EqualFold(s, "auto") {
		*dst = Auto
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("bad number %q", s)
	}
	*dst = v
	return nil
}

func parseInt(s string, dst *int) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("bad integer %q", s)
	}
	*dst = v
	return nil
}

func parseBool(s string, dst *bool) error {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y", "1":
		*dst = true
	case "false", "f", "no", "n", "0":
		*dst = false
	default:
		return fmt.Errorf("bad boolean %q", s)
	}
	return nil
}

func autoStr(v float64) string {
	if IsAuto(v) {
		return "auto"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

package params

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// TestRoundTrip: read -> write -> read preserves every recognised key.
func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "galaxy.par")
	content := `# test galaxy
FITSFILE   ngc2403.fits
NRADII     12
RADSEP     30
XPOS       77.3
YPOS       77.1
VSYS       132.8
VROT       auto
VDISP      8
INC        62
PA         124
Z0         0
DENS       auto
FREE       VROT VDISP INC PA
FTYPE      2
WFUNC      1
NORM       azim
LTYPE      1
CDENS      10
NV         -1
TOL        1e-3
MASK       search
SIDE       B
TWOSTAGE   true
POLYN      -1
FLAGERRORS true
THREADS    4
OUTFOLDER  ./out
`
	if err := os.WriteFile(src, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	p1, err := Read(src)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	dst := filepath.Join(dir, "copy.par")
	if err := p1.Write(dst); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	p2, err := Read(dst)
	if err != nil {
		t.Fatalf("second Read failed: %v", err)
	}
	if !reflect.DeepEqual(p1, p2) {
		t.Errorf("round trip changed the parameters:\n%+v\n%+v", p1, p2)
	}
}

func TestDefaults(t *testing.T) {
	p := Defaults()
	if !IsAuto(p.NRadii) || !IsAuto(p.Xpos) || !IsAuto(p.Vsys) {
		t.Error("geometry parameters should default to automatic")
	}
	if p.Cdens != 10 || p.Tol != 1e-3 || p.Nv != -1 {
		t.Errorf("documented defaults wrong: CDENS=%g TOL=%g NV=%d", p.Cdens, p.Tol, p.Nv)
	}
	if p.Mask != "smooth" || p.Norm != "local" || p.Side != "B" {
		t.Errorf("documented defaults wrong: MASK=%s NORM=%s SIDE=%s", p.Mask, p.Norm, p.Side)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bad.par")
	if err := os.WriteFile(src, []byte("BOGUS 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(src); err == nil {
		t.Error("unrecognised key accepted")
	}
}

func TestInlineComments(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "c.par")
	if err := os.WriteFile(src, []byte("INC 62 # from the moment map\n"), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := Read(src)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if p.Inc != 62 {
		t.Errorf("INC = %g, want 62", p.Inc)
	}
}

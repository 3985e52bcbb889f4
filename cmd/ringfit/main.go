package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ringfit/internal/models"
	"ringfit/pkg/config"
	"ringfit/pkg/fitsio"
	"ringfit/pkg/galfit"
	"ringfit/pkg/galmod"
	"ringfit/pkg/guess"
	"ringfit/pkg/params"
	"ringfit/pkg/search"
)

func main() {
	fitsFile := flag.String("f", "", "FITS cube for fully automatic mode")
	configPath := flag.String("config", "ringfit.yaml", "Application config file")
	threads := flag.Int("threads", 0, "Worker count (overrides parameter file)")
	outFolder := flag.String("o", "", "Output folder (overrides parameter file)")
	flag.Parse()

	// One positional argument: the galaxy parameter file. Automatic
	// mode takes the cube from -f instead.
	var par *params.Params
	var err error
	switch {
	case flag.NArg() == 1:
		par, err = params.Read(flag.Arg(0))
		if err != nil {
			fail(models.NewUserError("%v", err))
		}
	case *fitsFile != "":
		par = params.Defaults()
		par.FitsFile = *fitsFile
	default:
		flag.Usage()
		os.Exit(1)
	}
	if *threads > 0 {
		par.Threads = *threads
	}
	if *outFolder != "" {
		par.OutFolder = *outFolder
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fail(models.NewUserError("%v", err))
	}
	if par.Threads <= 0 {
		par.Threads = cfg.Processing.Threads
	}

	// A kill signal cancels the run; partial results are still
	// written below before exiting 130.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, par, cfg); err != nil {
		fail(err)
	}
}

func fail(err error) {
	log.Printf("ringfit: %v", err)
	os.Exit(models.ExitCode(err))
}

func run(ctx context.Context, par *params.Params, cfg *config.Config) error {
	start := time.Now()
	verbose := cfg.Output.Verbose

	if err := os.MkdirAll(par.OutFolder, 0755); err != nil {
		return models.NewUserError("cannot create output folder %s: %v", par.OutFolder, err)
	}
	logFile, err := os.Create(filepath.Join(par.OutFolder, "ringfit.log"))
	if err != nil {
		return models.NewUserError("cannot create log file: %v", err)
	}
	defer logFile.Close()
	if verbose {
		log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	} else {
		log.SetOutput(logFile)
	}

	fmt.Println("Step 1: Reading observation...")
	cube, err := fitsio.Read(par.FitsFile)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded cube %dx%dx%d, pixel scale %.2f arcsec\n",
		cube.Nx, cube.Ny, cube.Nz, cube.Head.PixScale())

	rings, err := initialRings(ctx, cube, par, cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Step 3: Fitting %d rings (free: %v)...\n", len(rings.Rings), par.Free)
	opt, err := fitOptions(par, cfg)
	if err != nil {
		return err
	}
	fitter, err := galfit.New(ctx, cube, rings, opt)
	if err != nil {
		return err
	}
	res, fitErr := fitter.Fit(ctx)
	if fitErr != nil && !errors.Is(fitErr, models.ErrCancelled) {
		return fitErr
	}

	fmt.Println("Step 4: Writing outputs...")
	if err := writeOutputs(ctx, par, cfg, fitter, res); err != nil {
		return err
	}

	fmt.Printf("Done in %.1f s\n", time.Since(start).Seconds())
	switch {
	case fitErr != nil:
		return models.ErrCancelled
	case res.NotConverged > 0:
		log.Printf("%d ring(s) did not converge", res.NotConverged)
		return models.ErrNotConverged
	}
	return nil
}

// initialRings builds the first-guess ring set: from a user ring
// table, from explicit parameter values, or from the source finder and
// the parameter guesser for everything left automatic.
func initialRings(ctx context.Context, cube *models.Cube, par *params.Params, cfg *config.Config) (*models.RingSet, error) {
	if par.RingFile != "" {
		fmt.Println("Step 2: Reading initial rings from file...")
		return models.ReadRingFile(par.RingFile)
	}

	needGuess := params.IsAuto(par.NRadii) || params.IsAuto(par.RadSep) ||
		params.IsAuto(par.Xpos) || params.IsAuto(par.Ypos) || params.IsAuto(par.Vsys) ||
		params.IsAuto(par.Vrot) || params.IsAuto(par.Inc) || params.IsAuto(par.PA)

	var guessed *models.RingSet
	if needGuess {
		fmt.Println("Step 2: Searching for the galaxy and guessing initial parameters...")
		sOpt := search.DefaultOptions()
		sOpt.SNRCut = cfg.Search.SNRCut
		sOpt.GrowthCut = cfg.Search.GrowthCut
		sOpt.MinPix = cfg.Search.MinPix
		sOpt.MinChannels = cfg.Search.MinChannels
		sOpt.MinVoxels = cfg.Search.MinVoxels

		finder, err := search.NewFinder(cube, sOpt)
		if err != nil {
			return nil, err
		}
		dets, err := finder.Search(ctx)
		if err != nil {
			return nil, err
		}
		if len(dets) == 0 {
			return nil, models.NewDataError("no source detected; supply the geometry manually")
		}
		g := guess.New(cube, dets[0], guess.DefaultOptions())
		guessed, err = g.Run(ctx)
		if err != nil {
			return nil, err
		}
	}

	pick := func(user float64, auto func() float64) float64 {
		if params.IsAuto(user) {
			return auto()
		}
		return user
	}

	first := func() models.Ring {
		if guessed != nil {
			return guessed.Rings[0]
		}
		return models.Ring{}
	}

	nr := int(pick(par.NRadii, func() float64 { return float64(len(guessed.Rings)) }))
	radsep := pick(par.RadSep, func() float64 { return first().Width })
	if nr < 1 || radsep <= 0 {
		return nil, models.NewUserError("NRADII and RADSEP must be positive (or automatic with a detectable source)")
	}

	rs := &models.RingSet{}
	for i := 0; i < nr; i++ {
		r := models.Ring{
			Radius: (float64(i) + 0.5) * radsep,
			Width:  radsep,
			Xpos:   pick(par.Xpos, func() float64 { return first().Xpos }),
			Ypos:   pick(par.Ypos, func() float64 { return first().Ypos }),
			Vsys:   pick(par.Vsys, func() float64 { return first().Vsys }),
			Vrot:   pick(par.Vrot, func() float64 { return first().Vrot }),
			Vdisp:  pick(par.Vdisp, func() float64 { return 8 }),
			Vrad:   par.Vrad,
			Inc:    pick(par.Inc, func() float64 { return first().Inc }),
			PA:     pick(par.PA, func() float64 { return first().PA }),
			Z0:     par.Z0,
			Dens:   pick(par.Dens, func() float64 { return 1e20 }),
		}
		if guessed != nil && i < len(guessed.Rings) && params.IsAuto(par.Dens) {
			r.Dens = guessed.Rings[i].Dens
		}
		rs.Rings = append(rs.Rings, r)
	}
	return rs, rs.Validate()
}

// fitOptions maps the parameter file onto fitter options.
func fitOptions(par *params.Params, cfg *config.Config) (galfit.Options, error) {
	opt := galfit.DefaultOptions()
	opt.Threads = par.Threads
	opt.Verbose = cfg.Output.Verbose
	opt.Errors = par.FlagErrors
	opt.TwoStage = par.TwoStage
	opt.Polyn = par.Polyn
	opt.Tol = par.Tol

	opt.Free = opt.Free[:0]
	for _, name := range par.Free {
		p, ok := galfit.ParseParam(name)
		if !ok {
			return opt, models.NewUserError("unknown free parameter %q", name)
		}
		opt.Free = append(opt.Free, p)
	}

	switch par.FType {
	case 1:
		opt.FType = galfit.FTypeChi2
	case 2:
		opt.FType = galfit.FTypeAbs
	case 3:
		opt.FType = galfit.FTypeRatio
	default:
		return opt, models.NewUserError("FTYPE must be 1, 2 or 3")
	}
	switch par.WFunc {
	case 0:
		opt.WFunc = galfit.WFuncUniform
	case 1:
		opt.WFunc = galfit.WFuncCos
	case 2:
		opt.WFunc = galfit.WFuncCos2
	default:
		return opt, models.NewUserError("WFUNC must be 0, 1 or 2")
	}
	switch par.Mask {
	case "smooth":
		opt.Mask = galfit.MaskSmooth
	case "search":
		opt.Mask = galfit.MaskSearch
	case "both":
		opt.Mask = galfit.MaskSmoothSearch
	case "threshold":
		opt.Mask = galfit.MaskThreshold
	case "negative":
		opt.Mask = galfit.MaskNegative
	case "none":
		opt.Mask = galfit.MaskNone
	default:
		return opt, models.NewUserError("unknown MASK %q", par.Mask)
	}
	switch par.Side {
	case "A":
		opt.Side = galfit.SideApproaching
	case "R":
		opt.Side = galfit.SideReceding
	case "B":
		opt.Side = galfit.SideBoth
	default:
		return opt, models.NewUserError("SIDE must be A, R or B")
	}

	switch par.Norm {
	case "local":
		opt.Model.Norm = galmod.NormLocal
	case "azim":
		opt.Model.Norm = galmod.NormAzimuthal
	case "none":
		opt.Model.Norm = galmod.NormNone
	default:
		return opt, models.NewUserError("NORM must be local, azim or none")
	}
	if par.Ltype < 1 || par.Ltype > 5 {
		return opt, models.NewUserError("LTYPE must be in 1..5")
	}
	opt.Model.Ltype = galmod.Ltype(par.Ltype)
	opt.Model.Cdens = par.Cdens
	opt.Model.Nv = par.Nv
	opt.Model.Seed = cfg.Processing.Seed
	return opt, nil
}

// writeOutputs persists the ring table, the optional error table and
// the model/residual cubes.
func writeOutputs(ctx context.Context, par *params.Params, cfg *config.Config, fitter *galfit.Fitter, res *galfit.Result) error {
	ringPath := filepath.Join(par.OutFolder, "rings_final.txt")
	if err := res.Rings.WriteFile(ringPath); err != nil {
		return models.NewUserError("%v", err)
	}
	if res.Errs != nil {
		errPath := filepath.Join(par.OutFolder, "rings_final_err.txt")
		if err := res.Errs.WriteFile(errPath); err != nil {
			return models.NewUserError("%v", err)
		}
	}

	if res.Cancelled || (!cfg.Output.WriteModel && !cfg.Output.WriteResidual) {
		return nil
	}

	model, err := fitter.ModelCube(ctx, res.Rings)
	if err != nil {
		return err
	}
	if cfg.Output.WriteModel {
		if err := fitsio.Write(filepath.Join(par.OutFolder, "model.fits"), model); err != nil {
			return err
		}
	}
	if cfg.Output.WriteResidual {
		resid := fitter.ResidualCube(model)
		if err := fitsio.Write(filepath.Join(par.OutFolder, "residual.fits"), resid); err != nil {
			return err
		}
	}
	return nil
}

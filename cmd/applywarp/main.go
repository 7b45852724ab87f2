package main

import (
	"flag"
	"os"

	log "github.com/sirupsen/logrus"

	"fslwarp/pkg/affine"
	"fslwarp/pkg/config"
	"fslwarp/pkg/flirt"
	"fslwarp/pkg/fnirt"
	"fslwarp/pkg/nifti"
	"fslwarp/pkg/nonlinear"
	"fslwarp/pkg/resample"
)

func main() {
	// Parse command line arguments
	inputPath := flag.String("in", "", "Input image (.nii or .nii.gz)")
	refPath := flag.String("ref", "", "Reference image defining the output grid")
	warpPath := flag.String("warp", "", "FNIRT warp file (displacement or coefficient field)")
	prematPath := flag.String("premat", "", "FLIRT matrix file (linear transform)")
	outputPath := flag.String("out", "output.nii.gz", "Output image")
	interp := flag.String("interp", "", "Interpolation: nearest, linear or cubic")
	dispType := flag.String("disptype", "", "Warp displacement type: absolute or relative (default: auto-detect)")
	configPath := flag.String("config", "fslwarp.yaml", "YAML configuration file")
	flag.Parse()

	if *inputPath == "" || *refPath == "" || (*warpPath == "" && *prematPath == "") {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.Output.Verbose {
		log.SetLevel(log.WarnLevel)
	}
	if *interp == "" {
		*interp = cfg.Resample.Interp
	}

	order, err := config.InterpOrder(*interp)
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}
	mode, err := resample.ParseMode(cfg.Resample.Mode)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	log.Infof("Loading input image: %s", *inputPath)
	input, err := nifti.Load(*inputPath)
	if err != nil {
		log.Fatalf("Failed to load input: %v", err)
	}

	log.Infof("Loading reference image: %s", *refPath)
	ref, err := nifti.Load(*refPath)
	if err != nil {
		log.Fatalf("Failed to load reference: %v", err)
	}
	refSpace := ref.Space()

	out := &nifti.Image{
		Shape:      ref.Shape[:3],
		Pixdim:     ref.Pixdim[:3],
		VoxToWorld: refSpace.VoxToWorldMat(),
	}

	if *warpPath != "" {
		// Non-linear path: load the FNIRT field and warp through it.
		log.Infof("Loading FNIRT warp: %s", *warpPath)
		warpImg, err := nifti.Load(*warpPath)
		if err != nil {
			log.Fatalf("Failed to load warp: %v", err)
		}

		dt := nonlinear.DispUnknown
		switch *dispType {
		case "absolute":
			dt = nonlinear.DispAbsolute
		case "relative":
			dt = nonlinear.DispRelative
		case "":
		default:
			log.Fatalf("Invalid displacement type: %q", *dispType)
		}

		field, err := fnirt.FieldFromImage(&fnirt.FieldImage{
			Intent: warpImg.Intent,
			Space:  warpImg.Space(),
			Data:   warpImg.Data,
		}, input.Space(), refSpace, dt)
		if err != nil {
			log.Fatalf("Failed to interpret warp: %v", err)
		}

		log.Infof("Applying non-linear warp (order %d)", order)
		warped, err := resample.ApplyDeformation(
			input.Data, input.Space(), field, &refSpace,
			order, mode, cfg.Resample.CVal)
		if err != nil {
			log.Fatalf("Warp failed: %v", err)
		}
		out.Data = warped

	} else {
		// Linear path: resample through the FLIRT matrix.
		log.Infof("Loading FLIRT matrix: %s", *prematPath)
		xform, err := flirt.Read(*prematPath)
		if err != nil {
			log.Fatalf("Failed to load matrix: %v", err)
		}

		worldXform, err := flirt.MatrixToSform(xform, input.Space(), refSpace)
		if err != nil {
			log.Fatalf("Failed to convert matrix: %v", err)
		}
		// MatrixToSform yields src-voxel to ref-world; fold the src sform
		// back in to get the world-to-world transform the resampler wants.
		srcWorldToVox, err := input.Space().WorldToVoxMat()
		if err != nil {
			log.Fatalf("Failed to invert source sform: %v", err)
		}
		worldToWorld := affine.Concat(worldXform, srcWorldToVox)

		p := resample.DefaultParams()
		p.Order = order
		p.Smooth = cfg.Resample.Smooth
		p.Mode = mode
		p.CVal = cfg.Resample.CVal

		log.Infof("Applying linear transform (order %d)", order)
		res, _, err := resample.ResampleToReference(
			input.Data, input.Space(), refSpace, worldToWorld, p)
		if err != nil {
			log.Fatalf("Resampling failed: %v", err)
		}
		out.Data = res
		out.Shape = res.Shape
	}

	log.Infof("Saving output: %s", *outputPath)
	if err := nifti.Save(out, *outputPath); err != nil {
		log.Fatalf("Failed to save output: %v", err)
	}
}

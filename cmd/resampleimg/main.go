package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"fslwarp/pkg/affine"
	"fslwarp/pkg/config"
	"fslwarp/pkg/nifti"
	"fslwarp/pkg/resample"
)

func parseTriple(s string) ([3]float64, error) {
	var out [3]float64
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return out, fmt.Errorf("expected three comma-separated values, got %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, fmt.Errorf("invalid value %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

func main() {
	// Parse command line arguments
	inputPath := flag.String("in", "", "Input image (.nii or .nii.gz)")
	outputPath := flag.String("out", "resampled.nii.gz", "Output image")
	shapeArg := flag.String("shape", "", "Output shape, e.g. 91,109,91")
	pixdimArg := flag.String("pixdim", "", "Output voxel dimensions in mm, e.g. 2,2,2")
	refPath := flag.String("ref", "", "Reference image defining the output grid")
	interp := flag.String("interp", "", "Interpolation: nearest, linear or cubic")
	smooth := flag.Bool("smooth", true, "Pre-smooth when down-sampling")
	origin := flag.String("origin", "centre", "Grid alignment: centre or corner")
	configPath := flag.String("config", "fslwarp.yaml", "YAML configuration file")
	flag.Parse()

	nTargets := 0
	for _, s := range []string{*shapeArg, *pixdimArg, *refPath} {
		if s != "" {
			nTargets++
		}
	}
	if *inputPath == "" || nTargets != 1 {
		fmt.Fprintln(os.Stderr, "Exactly one of -shape, -pixdim or -ref must be given")
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
	og, err := affine.ParseOrigin(*origin)
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
	space := input.Space()

	p := resample.DefaultParams()
	p.Order = order
	p.Smooth = *smooth
	p.Origin = og
	p.Mode = mode
	p.CVal = cfg.Resample.CVal

	out := &nifti.Image{}

	switch {
	case *refPath != "":
		log.Infof("Resampling into the grid of %s", *refPath)
		ref, err := nifti.Load(*refPath)
		if err != nil {
			log.Fatalf("Failed to load reference: %v", err)
		}
		res, xform, err := resample.ResampleToReference(
			input.Data, space, ref.Space(), nil, p)
		if err != nil {
			log.Fatalf("Resampling failed: %v", err)
		}
		out.Data = res
		out.Shape = res.Shape
		out.Pixdim = ref.Pixdim[:3]
		out.VoxToWorld = xform

	case *pixdimArg != "":
		pixdim, err := parseTriple(*pixdimArg)
		if err != nil {
			log.Fatalf("Invalid arguments: %v", err)
		}
		log.Infof("Resampling to %gx%gx%g mm voxels", pixdim[0], pixdim[1], pixdim[2])
		res, xform, err := resample.ResampleToPixdims(input.Data, space, pixdim, p)
		if err != nil {
			log.Fatalf("Resampling failed: %v", err)
		}
		out.Data = res
		out.Shape = res.Shape
		out.Pixdim = pixdim[:]
		out.VoxToWorld = xform

	default:
		st, err := parseTriple(*shapeArg)
		if err != nil {
			log.Fatalf("Invalid arguments: %v", err)
		}
		newShape := make([]int, input.Data.NDim())
		copy(newShape, input.Shape)
		for i := 0; i < 3; i++ {
			newShape[i] = int(st[i])
		}
		log.Infof("Resampling to shape %v", newShape)
		res, xform, err := resample.Resample(
			input.Data, space.VoxToWorldMat(), newShape, p)
		if err != nil {
			log.Fatalf("Resampling failed: %v", err)
		}
		out.Data = res
		out.Shape = res.Shape
		out.Pixdim = []float64{
			input.Pixdim[0] * float64(input.Shape[0]) / float64(newShape[0]),
			input.Pixdim[1] * float64(input.Shape[1]) / float64(newShape[1]),
			input.Pixdim[2] * float64(input.Shape[2]) / float64(newShape[2]),
		}
		out.VoxToWorld = xform
	}

	log.Infof("Saving output: %s", *outputPath)
	if err := nifti.Save(out, *outputPath); err != nil {
		log.Fatalf("Failed to save output: %v", err)
	}
}

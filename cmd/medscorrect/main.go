package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"medscorrect/pkg/config"
	"medscorrect/pkg/correction"
	"medscorrect/pkg/meds"
	"medscorrect/pkg/render"
	"medscorrect/pkg/segmentation"
)

func main() {
	// Parse command line arguments
	medsDir := flag.String("meds", "", "Store directory holding the catalog subset to correct")
	fitFile := flag.String("fits", "", "Fit database (YAML) from the multi-object fit of this tile")
	outputDir := flag.String("output", "", "Copy the store here and correct the copy (default: correct in place)")
	configPath := flag.String("config", "medscorrect.yaml", "Configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	bandLabel := flag.String("band-label", "", "Identifier carrying the band token (default: the -meds path)")
	start := flag.Int("start", 0, "First object row to correct")
	end := flag.Int("end", -1, "One past the last object row to correct (default: all)")
	workers := flag.Int("workers", 1, "Number of disjoint object ranges corrected concurrently")
	verbose := flag.Bool("verbose", false, "Be verbose")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *medsDir == "" || *fitFile == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *workers < 1 {
		log.Fatalf("Invalid worker count %d", *workers)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *verbose {
		cfg.Output.Verbose = true
	}

	fmt.Println("================================")
	fmt.Println("MULTI-EPOCH CUTOUT NEIGHBOR CORRECTION")
	fmt.Println("================================")

	fmt.Println("Step 1: Loading fit database...")
	db, err := render.LoadFitDB(*fitFile)
	if err != nil {
		log.Fatalf("Failed to load fit database: %v", err)
	}
	renderer, err := render.NewMixtureRenderer(db, cfg.Model.NbrsMaskingType)
	if err != nil {
		log.Fatalf("Failed to build renderer: %v", err)
	}

	fmt.Println("Step 2: Preparing the store...")
	target, band, err := prepareStore(*medsDir, *outputDir, *bandLabel, cfg.Model.BandNames)
	if err != nil {
		log.Fatalf("Failed to prepare store: %v", err)
	}
	if target != *medsDir {
		fmt.Printf("Copied %s to %s\n", *medsDir, target)
	} else {
		fmt.Println("Correcting in place")
	}

	store, err := meds.Open(target, meds.ReadWrite)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	last := *end
	if last < 0 {
		last = store.NumObjects()
	}
	if *start < 0 || last > store.NumObjects() || *start > last {
		store.Close()
		log.Fatalf("Invalid object range [%d, %d) for %d objects", *start, last, store.NumObjects())
	}

	params := correction.Params{
		Options: correction.Options{
			ReplaceBad:          cfg.Correction.ReplaceBad,
			ResetBmaskAndWeight: cfg.Correction.ResetBmaskAndWeight,
			MinWeight:           cfg.Correction.MinWeight,
		},
		Model:   cfg.Model.Name,
		Band:    band,
		Verbose: cfg.Output.Verbose,
	}

	fmt.Printf("Step 3: Correcting objects [%d, %d) in band %s with model %s...\n",
		*start, last, cfg.Model.BandNames[band], cfg.Model.Name)
	startTime := time.Now()

	stats, fallbacks, err := correctRanges(context.Background(), store, renderer, params, *start, last, *workers)
	if err != nil {
		store.Close()
		log.Fatalf("Correction failed: %v", err)
	}
	if err := store.Sync(); err != nil {
		store.Close()
		log.Fatalf("Failed to flush store: %v", err)
	}

	fmt.Printf("\nCorrection completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Objects visited:          %d\n", stats.Objects)
	fmt.Printf("Objects skipped:          %d\n", stats.Skipped)
	fmt.Printf("Cutouts written:          %d\n", stats.Cutouts)
	fmt.Printf("  with neighbors:         %d (bad central fit: %d)\n", stats.WithNeighbors, stats.BadCentral)
	fmt.Printf("  central only:           %d\n", stats.CentralOnly)
	fmt.Printf("  no model:               %d\n", stats.NoModel)
	fmt.Printf("Stored seg fallbacks:     %d\n", fallbacks)
	fmt.Printf("Pixels replaced:          %d\n", stats.Replaced)
	fmt.Printf("Pixels flagged %v: %d\n", correction.CenModelMissing, stats.Unrepaired)
	fmt.Printf("Pixels flagged %v:       %d\n", correction.NbrsMasked, stats.Contaminated)
	fmt.Printf("Mean bad pixel fraction:  %.4f\n", stats.MeanBadFraction)
	fmt.Printf("Output: %s\n", target)
}

// prepareStore resolves the band and, when outputDir is set, copies the
// input store there. It returns the directory to correct. Nothing is copied
// unless the band resolves.
func prepareStore(medsDir, outputDir, bandLabel string, bands []string) (string, int, error) {
	src, err := meds.Open(medsDir, meds.ReadOnly)
	if err != nil {
		return "", 0, err
	}
	md := src.Metadata()
	if err := src.Close(); err != nil {
		return "", 0, err
	}

	band, err := resolveBand(bandLabel, medsDir, md, bands)
	if err != nil {
		return "", 0, fmt.Errorf("resolving band: %w", err)
	}

	if outputDir == "" {
		return medsDir, band, nil
	}
	if err := meds.CopyTo(medsDir, outputDir); err != nil {
		return "", 0, err
	}
	return outputDir, band, nil
}

// resolveBand finds the band from the explicit label, else the store path,
// else the name of the file the catalog was extracted from
func resolveBand(label, path string, md meds.Metadata, bands []string) (int, error) {
	if label != "" {
		return correction.ResolveBand(label, bands)
	}
	band, err := correction.ResolveBand(path, bands)
	if errors.Is(err, correction.ErrBandNotFound) && md.Source != "" {
		return correction.ResolveBand(md.Source, bands)
	}
	return band, err
}

// correctRanges splits [start, end) into at most n contiguous ranges and
// corrects them concurrently. Cutout blocks of different objects never
// overlap, so the engines write disjoint byte ranges of the store. The first
// failing range stops the others before their next write. It also returns
// the number of cutouts that used the stored seg map.
func correctRanges(ctx context.Context, store *meds.File, renderer render.Renderer, params correction.Params, start, end, n int) (correction.Stats, int, error) {
	logger := log.New(os.Stdout, "", 0)

	total := end - start
	if n > total {
		n = total
	}
	if n < 1 {
		n = 1
	}
	chunk := (total + n - 1) / n

	results := make([]correction.Stats, n)
	fallbacks := make([]int, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		lo := start + i*chunk
		hi := lo + chunk
		if hi > end {
			hi = end
		}
		if lo >= hi && total > 0 {
			continue
		}

		i := i
		g.Go(func() error {
			resolver := segmentation.NewResolver(store)
			if params.Verbose {
				resolver.OnFallback(func(mindex, icut int, err error) {
					logger.Printf("    using stored seg for object row %d cutout %d: %v", mindex, icut, err)
				})
			}

			engine := correction.NewEngine(store, resolver, renderer, params, logger)
			stats, err := engine.Run(gctx, lo, hi)
			results[i] = stats
			fallbacks[i] = resolver.Fallbacks()
			return err
		})
	}
	err := g.Wait()

	var sum correction.Stats
	nfallback := 0
	for i, s := range results {
		sum.Add(s)
		nfallback += fallbacks[i]
	}
	return sum, nfallback, err
}

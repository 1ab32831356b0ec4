// Command ssd-anchors generates the anchors of a detector configuration,
// prints a per-level summary and optionally dumps them as CSV.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/nvr-ai/go-ssd/logging"
	"github.com/nvr-ai/go-ssd/models/ssd"
	"github.com/nvr-ai/go-ssd/profiler"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// options holds the parsed command line.
type options struct {
	preset          string
	config          string
	csvPath         string
	paramsOut       string
	logLevel        string
	logFile         string
	sizesFromBounds bool
	reportInterval  time.Duration
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ssd-anchors:", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("ssd-anchors", flag.ContinueOnError)
	fs.StringVar(&o.preset, "preset", ssd.PresetSSD512, "Parameter preset to start from")
	fs.StringVar(&o.config, "config", "", "YAML parameters file, takes precedence over -preset")
	fs.StringVar(&o.csvPath, "csv", "", "Write every anchor as cx,cy,w,h to this CSV file")
	fs.StringVar(&o.paramsOut, "write-params", "", "Write the effective parameters to this YAML file")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	fs.StringVar(&o.logFile, "log-file", "", "Also log JSON lines to this rotating file")
	fs.BoolVar(&o.sizesFromBounds, "sizes-from-bounds", false, "Derive anchor sizes from anchor_size_bounds")
	fs.DurationVar(&o.reportInterval, "report-interval", 0, "Interval between timing reports, 0 for the default")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

func run(args []string, stdout io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger, _, err := logging.New(logging.Config{Level: o.logLevel, File: o.logFile, Development: true})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rec := profiler.New(logger, profiler.Options{ReportInterval: o.reportInterval})
	ctx, cancel := context.WithCancel(context.Background())
	reported := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(reported)
	}()
	defer func() {
		cancel()
		<-reported
	}()

	params, err := loadParams(o)
	if err != nil {
		return err
	}
	if o.sizesFromBounds {
		if params, err = params.WithSizesFromBounds(); err != nil {
			return err
		}
	}

	done := rec.StartOperation("new_net")
	net, err := ssd.NewNet(params, ssd.WithLogger(logger), ssd.WithRecorder(rec))
	done()
	if err != nil {
		return err
	}
	if err := printSummary(stdout, net); err != nil {
		return err
	}

	if o.csvPath != "" {
		done := rec.StartOperation("write_csv")
		err := writeCSV(o.csvPath, net)
		done()
		if err != nil {
			return err
		}
		logger.Info("anchors written", zap.String("path", o.csvPath), zap.Int("anchors", net.Anchors().Len()))
	}
	if o.paramsOut != "" {
		done := rec.StartOperation("write_params")
		err := ssd.SaveParams(o.paramsOut, params)
		done()
		if err != nil {
			return err
		}
		logger.Info("params written", zap.String("path", o.paramsOut))
	}
	return nil
}

func loadParams(o options) (ssd.Params, error) {
	if o.config != "" {
		return ssd.LoadParams(o.config)
	}
	return ssd.NewParams(o.preset)
}

func printSummary(w io.Writer, net *ssd.Net) error {
	set := net.Anchors()
	p := net.Params()
	fmt.Fprintf(w, "%s: image %dx%d, %d classes, %d anchors\n",
		p.Name, p.ImageShape[0], p.ImageShape[1], p.NumClasses, set.Len())
	for i, l := range set.Levels() {
		first := set.At(l.Start)
		_, err := fmt.Fprintf(w, "level %d %-8s %3dx%-3d per_cell=%d anchors=%-6d first=(%.4f, %.4f, %.4f, %.4f)\n",
			i, p.FeatLayers[i], l.FeatureShape[0], l.FeatureShape[1], l.PerCell, l.Count,
			first.CX, first.CY, first.W, first.H)
		if err != nil {
			return errors.Wrap(err, "writing summary")
		}
	}
	return nil
}

func writeCSV(path string, net *ssd.Net) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"index", "level", "cx", "cy", "w", "h"}); err != nil {
		return err
	}
	set := net.Anchors()
	for lvl, l := range set.Levels() {
		for i := l.Start; i < l.Start+l.Count; i++ {
			a := set.At(i)
			row := []string{
				strconv.Itoa(i),
				strconv.Itoa(lvl),
				strconv.FormatFloat(float64(a.CX), 'g', -1, 32),
				strconv.FormatFloat(float64(a.CY), 'g', -1, 32),
				strconv.FormatFloat(float64(a.W), 'g', -1, 32),
				strconv.FormatFloat(float64(a.H), 'g', -1, 32),
			}
			if err := w.Write(row); err != nil {
				return errors.Wrapf(err, "writing %s", path)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

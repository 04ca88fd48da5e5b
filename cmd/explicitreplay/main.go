// Command explicitreplay records and replays a small frame through the
// explicit API on a registered native driver and prints what the device
// reported.
//
// Usage:
//
//	explicitreplay [-config replay.toml] [-driver soft] [-frames 2] [-trace]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/gogpu/explicit"
	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/native"
	"github.com/gogpu/explicit/native/soft"
	_ "github.com/gogpu/explicit/native/wgpuhal"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML configuration file")
		driver     = flag.String("driver", "", "native driver ("+strings.Join(native.Drivers(), ", ")+")")
		frames     = flag.Int("frames", 0, "frames to replay")
		trace      = flag.Bool("trace", false, "print the native call trace (soft driver only)")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *driver != "" {
		cfg.Driver = *driver
	}
	if *frames > 0 {
		cfg.Frames = *frames
	}
	cfg.Trace = cfg.Trace || *trace
	if *verbose {
		explicit.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	if err := run(context.Background(), cfg, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg Config, w io.Writer) error {
	nd, name, err := native.Open(cfg.Driver)
	if err != nil {
		return err
	}
	defer nd.Close()

	obs := &diag.Collector{}
	opts, err := cfg.options(obs)
	if err != nil {
		return err
	}
	dev, err := explicit.NewDevice(nd, opts...)
	if err != nil {
		return fmt.Errorf("device on %s: %w", name, err)
	}
	defer dev.Destroy()

	fmt.Fprintf(w, "driver %s (%s), %dx%d, %d frames\n", name, nd.Info().Name, cfg.Width, cfg.Height, cfg.Frames)
	res, err := replay(ctx, dev, cfg)
	if err != nil {
		return err
	}
	for i, px := range res.pixels {
		fmt.Fprintf(w, "frame %d: image %d, first texel %v\n", i, res.images[i], px)
	}
	fmt.Fprintf(w, "presented %d frames\n", len(res.images))

	for _, r := range obs.Reports() {
		fmt.Fprintf(w, "%v %v object=%#x: %s\n", r.Severity, r.Category, r.Object, r.Message)
	}
	if n := obs.Count(explicit.SeverityError); n > 0 {
		fmt.Fprintf(w, "%d error diagnostics\n", n)
	}

	if cfg.Trace {
		if sd, ok := nd.(*soft.Device); ok {
			fmt.Fprint(w, sd.Trace().String())
		} else {
			fmt.Fprintf(w, "no trace for driver %s\n", name)
		}
	}
	return nil
}

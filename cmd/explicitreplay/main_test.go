package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/gogpu/explicit"
	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/native/soft"
)

func TestReplay(t *testing.T) {
	nd := soft.New(soft.Options{Name: "replay-test"})
	defer nd.Close()
	before := nd.LiveObjects()
	obs := &diag.Collector{}
	dev, err := explicit.NewDevice(nd, explicit.WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}

	cfg := defaultConfig()
	cfg.Width, cfg.Height, cfg.Frames = 8, 8, 3
	res, err := replay(context.Background(), dev, cfg)
	if err != nil {
		dev.Destroy()
		t.Fatal(err)
	}
	if len(res.images) != 3 || len(res.pixels) != 3 {
		t.Fatalf("replayed %d images, %d pixels, want 3", len(res.images), len(res.pixels))
	}
	// Two swapchain images rotate.
	if res.images[0] == res.images[1] {
		t.Errorf("images = %v, want rotation", res.images)
	}
	for i, px := range res.pixels {
		if px[3] != 255 || px[2] <= px[0] {
			t.Errorf("frame %d texel = %v, want the opaque clear colour", i, px)
		}
	}
	for _, r := range obs.Reports() {
		t.Errorf("unexpected report: %+v", r)
	}
	dev.Destroy()
	if live := nd.LiveObjects(); live != before {
		t.Errorf("%d native objects alive after Destroy, want %d", live, before)
	}
}

func TestRun(t *testing.T) {
	cfg := defaultConfig()
	cfg.Driver = "soft"
	cfg.Width, cfg.Height = 4, 4
	cfg.Trace = true

	var out bytes.Buffer
	if err := run(context.Background(), cfg, &out); err != nil {
		t.Fatal(err)
	}
	s := out.String()
	for _, want := range []string{"driver soft", "presented 2 frames", "ClearRenderTargetView", "Draw"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "error diagnostics") {
		t.Errorf("run reported errors:\n%s", s)
	}
}

func TestRunUnknownDriver(t *testing.T) {
	cfg := defaultConfig()
	cfg.Driver = "no-such-driver"
	if err := run(context.Background(), cfg, &bytes.Buffer{}); err == nil {
		t.Fatal("want error for unknown driver")
	}
}

package explicit

import (
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/queue"
	"github.com/gogpu/explicit/shader/wgslc"
)

func TestResolveDefaults(t *testing.T) {
	cfg := resolve(nil)
	if cfg.PollInterval != exec.DefaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, exec.DefaultPollInterval)
	}
	if cfg.WaitIdleTimeout != queue.DefaultWaitIdleTimeout {
		t.Errorf("WaitIdleTimeout = %v, want %v", cfg.WaitIdleTimeout, queue.DefaultWaitIdleTimeout)
	}
	if cfg.FailurePolicy != ContinueOnFailure {
		t.Errorf("FailurePolicy = %v, want ContinueOnFailure", cfg.FailurePolicy)
	}
	if _, ok := cfg.Compiler.(*wgslc.Compiler); !ok {
		t.Errorf("Compiler = %T, want the WGSL compiler", cfg.Compiler)
	}
	if cfg.BackgroundPoller || cfg.Features != (Features{}) {
		t.Errorf("optional behaviour enabled by default: %+v", cfg)
	}
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name  string
		opt   Option
		check func(Config) bool
	}{
		{"poll interval", WithPollInterval(time.Microsecond), func(c Config) bool { return c.PollInterval == time.Microsecond }},
		{"non-positive poll interval", WithPollInterval(-1), func(c Config) bool { return c.PollInterval == exec.DefaultPollInterval }},
		{"wait idle timeout", WithWaitIdleTimeout(time.Minute), func(c Config) bool { return c.WaitIdleTimeout == time.Minute }},
		{"zero wait idle timeout", WithWaitIdleTimeout(0), func(c Config) bool { return c.WaitIdleTimeout == queue.DefaultWaitIdleTimeout }},
		{"failure policy", WithCommandFailurePolicy(AbortCommandBuffer), func(c Config) bool { return c.FailurePolicy == AbortCommandBuffer }},
		{"features", WithFeatures(Features{Compute: true}), func(c Config) bool { return c.Features.Compute && !c.Features.Timestamps }},
		{"background poller", WithBackgroundPoller(true), func(c Config) bool { return c.BackgroundPoller }},
		{"compiler", WithShaderCompiler(fakeCompiler{}), func(c Config) bool { _, ok := c.Compiler.(fakeCompiler); return ok }},
		{"observer", WithObserver(ObserverFunc(func(Severity, Category, uint64, string) {})), func(c Config) bool { return c.Observer != nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if cfg := resolve([]Option{tt.opt}); !tt.check(cfg) {
				t.Errorf("option not applied: %+v", cfg)
			}
		})
	}
}

func TestAbortCommandBufferPolicy(t *testing.T) {
	for _, tt := range []struct {
		policy FailurePolicy
		ran    bool
	}{
		{ContinueOnFailure, true},
		{AbortCommandBuffer, false},
	} {
		t.Run(tt.policy.String(), func(t *testing.T) {
			f := newDevice(t, WithCommandFailurePolicy(tt.policy))
			d := f.d
			dst, mem := f.hostBuffer(t, 16, gputypes.BufferUsageCopyDst)
			unbound, err := d.CreateBuffer(BufferCreateInfo{Size: 16, Usage: gputypes.BufferUsageCopySrc})
			if err != nil {
				t.Fatal(err)
			}
			data, err := d.MapMemory(mem, 0, WholeSize)
			if err != nil {
				t.Fatal(err)
			}
			cb := f.record(t, f.commandPool(t), 0, func(cb CommandBuffer) {
				d.CmdCopyBuffer(cb, unbound, dst, []BufferCopy{{Size: 16}})
				d.CmdUpdateBuffer(cb, dst, 0, []byte("9999"))
			})
			if err := d.QueueSubmit([]SubmitInfo{{CommandBuffers: []CommandBuffer{cb}}}, 0); err != nil {
				t.Fatal(err)
			}
			if err := d.QueueWaitIdle(t.Context()); err != nil {
				t.Fatal(err)
			}
			if ran := string(data[:4]) == "9999"; ran != tt.ran {
				t.Errorf("command after the failing one ran = %v, want %v", ran, tt.ran)
			}
			if f.obs.Count(SeverityWarning) == 0 {
				t.Error("failed command was not reported")
			}
		})
	}
}

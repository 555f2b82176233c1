// Command rushit is the entrypoint for both sides of a run: client and
// server share one binary, selected by -c/--client (spec section 6).
package main

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rushit-tool/rushit/internal/config"
	"github.com/rushit-tool/rushit/internal/control"
	"github.com/rushit-tool/rushit/internal/coordinator"
	"github.com/rushit-tool/rushit/internal/csvdump"
	"github.com/rushit-tool/rushit/internal/ioready"
	"github.com/rushit-tool/rushit/internal/rusage"
	"github.com/rushit-tool/rushit/internal/rushitlog"
	"github.com/rushit-tool/rushit/internal/worker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 0 on normal completion, non-zero
// when a precondition fails, per spec section 6.
func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := rushitlog.Default
	rushitlog.SetDefault(log)

	rusageIval := &rusage.Interval{}

	family := addrFamily(cfg)

	controlCfg := control.Config{
		IsClient:     cfg.Client,
		Host:         cfg.Host,
		ControlPort:  cfg.ControlPort,
		DataPort:     cfg.DataPort,
		Family:       family,
		Magic:        cfg.Magic,
		NumFlows:     cfg.NumFlows,
		NumThreads:   cfg.NumThreads,
		TestLength:   time.Duration(cfg.TestLength) * time.Second,
		BufferSize:   cfg.BufferSize,
		RequestSize:  cfg.RequestSize,
		ResponseSize: cfg.ResponseSize,
		Interval:     durationFromSeconds(cfg.Interval),
	}

	plane, err := control.Start(controlCfg, rusageIval, log)
	if err != nil {
		log.Emerg().Err(err).Log("control plane: setup failed")
		return 1
	}

	mode := worker.ModeStream
	if cfg.IsRR() {
		mode = worker.ModeRR
	}

	ops := ioready.TCPOpsFamily(family)
	if cfg.UDP {
		ops = ioready.UDPOpsFamily(family)
	}

	coordCfg := coordinator.Config{
		IsClient:      cfg.Client,
		Mode:          mode,
		NumThreads:    cfg.NumThreads,
		NumFlows:      cfg.NumFlows,
		PinCPU:        cfg.PinCPU,
		Ops:           ops,
		BufferSize:    cfg.BufferSize,
		RequestSize:   cfg.RequestSize,
		ResponseSize:  cfg.ResponseSize,
		Interval:      durationFromSeconds(cfg.Interval),
		EdgeTrigger:   cfg.EdgeTrigger,
		Nonblocking:   cfg.Nonblocking,
		MaxEvents:     cfg.MaxEvents,
		ListenBacklog: cfg.ListenBacklog,
		ScriptPath:    cfg.ScriptPath,
	}

	if cfg.Client && cfg.LocalHost != "" {
		addr, err := control.ResolveAddr(cfg.LocalHost, 0, family)
		if err != nil {
			log.Emerg().Err(err).Log("resolve local host failed")
			return 1
		}
		coordCfg.LocalAddr = addr
	}

	if cfg.SuicideLength > 0 {
		timer := time.AfterFunc(time.Duration(cfg.SuicideLength)*time.Second, func() {
			log.Crit().Int("suicide_length", cfg.SuicideLength).Log("suicide timer expired, aborting")
			os.Exit(1)
		})
		defer timer.Stop()
	}

	co := coordinator.New(coordCfg, plane, rusageIval, log)
	result, err := co.Run()
	if err != nil {
		log.Emerg().Err(err).Log("run failed")
		return 1
	}

	logEntry := log.Info().Int("num_samples", result.NumSamples)
	if result.Latency != nil {
		logEntry = logEntry.
			Int("latency_count", result.Latency.Count).
			Int("latency_p50_us", int(result.Latency.P50.Microseconds())).
			Int("latency_p90_us", int(result.Latency.P90.Microseconds())).
			Int("latency_p99_us", int(result.Latency.P99.Microseconds()))
	}
	logEntry.Log("run complete")

	if cfg.AllSamplesPath != "" {
		if err := dumpSamples(cfg.AllSamplesPath, co); err != nil {
			log.Err().Err(err).Log("csv dump failed")
			return 1
		}
	}

	return 0
}

// dumpSamples writes the all-samples CSV (-A/--all-samples) once the run
// has completed and the coordinator's per-thread sample lists are final.
func dumpSamples(path string, co *coordinator.Coordinator) error {
	return csvdump.WriteAll(path, co.SampleLists())
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// addrFamily maps -4/-6 (spec section 6) onto the address family both the
// data-plane vtable and the control plane's address resolution need;
// config.Validate already rejects both flags being set together, so the
// zero value (neither flag set) is the only remaining case and keeps the
// existing default dual-stack AF_INET6 behavior.
func addrFamily(cfg *config.Config) int {
	switch {
	case cfg.IPv4Only:
		return unix.AF_INET
	case cfg.IPv6Only:
		return unix.AF_INET6
	default:
		return unix.AF_INET6
	}
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pythonspeed/memtrail/internal/config"
	"github.com/pythonspeed/memtrail/internal/profiler"
	"github.com/pythonspeed/memtrail/internal/shim"
	"github.com/pythonspeed/memtrail/pkg/logx"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Profile a simulated allocation workload",
	Long: "Run a simulated allocation workload under the profiler and write the peak " +
		"memory reports to the configured output directory",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.ParseFlags(args); err != nil {
			logx.As().Error().Err(err).Msg("Failed to parse flags")
			os.Exit(1)
		}

		if flagConfig == "" {
			logx.As().Error().Msg("A config file is required, use --config")
			os.Exit(1)
		}

		runProfile(cmd.Context())
	},
}

func runProfile(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	heap := shim.NewSimHeap()
	p, err := profiler.FromConfig(config.Get(), heap)
	if err != nil {
		logx.As().Fatal().Err(err).Msg("Failed to create profiler")
	}

	sessionID, err := p.Start()
	if err != nil {
		logx.As().Fatal().Err(err).Msg("Failed to start profiling session")
	}

	logx.As().Info().Str("session_id", sessionID).Msg("Running simulated workload")

	// Handle OS signals so an interrupted run still writes its reports.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		defer close(done)
		simulateWorkload(ctx, p)
	}()

	select {
	case <-sigCh:
		logx.As().Warn().Msg("Received exit signal, stopping workload...")
		cancelFunc()
		<-done
	case <-done:
	}

	result, err := p.Stop(context.Background())
	if err != nil {
		logx.As().Fatal().Err(err).Msg("Failed to stop profiling session")
	}

	for _, published := range result.Published {
		if published.Error != nil {
			logx.As().Error().
				Str("sink", published.Handler).
				Err(published.Error).
				Msg("Report publication failed")
		}
	}

	fmt.Printf("Peak memory: %d bytes (session %s)\n", result.TotalPeakBytes, result.SessionID)
	for _, file := range result.Files {
		fmt.Println(file)
	}
}

// simulateWorkload drives a phased allocation pattern through the shim: a
// steady base load, a short-lived spike, then release. The spike is what the
// peak reports should attribute.
func simulateWorkload(ctx context.Context, p *profiler.Profiler) {
	ts := p.NewThread()
	ts.StartCall("main", "workload.py", 1)

	var base []uintptr
	ts.StartCall("load_base_data", "workload.py", 12)
	for i := 0; i < 64; i++ {
		if ctx.Err() != nil {
			break
		}
		base = append(base, ts.Malloc(64*1024))
	}
	ts.FinishCall()

	var spike []uintptr
	ts.StartCall("build_index", "workload.py", 27)
	for i := 0; i < 32; i++ {
		if ctx.Err() != nil {
			break
		}
		spike = append(spike, ts.Malloc(1024*1024))
	}
	ts.FinishCall()

	ts.StartCall("release_index", "workload.py", 41)
	for _, addr := range spike {
		ts.Free(addr)
	}
	ts.FinishCall()

	for _, addr := range base {
		ts.Free(addr)
	}
	ts.FinishCall()
}

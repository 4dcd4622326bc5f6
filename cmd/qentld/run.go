package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/engine"
	"github.com/t77yq/qentl-scheduler/internal/events"
)

var (
	runEvents    bool
	runEventsBuf int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduling engine until interrupted",
	RunE:  runEngine,
}

func init() {
	runCmd.Flags().BoolVar(&runEvents, "events", false, "Print alerts, adjustments and task results as JSON lines")
	runCmd.Flags().IntVar(&runEventsBuf, "events-buffer", 256, "Events held for the printer before new ones are dropped")
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []engine.Option
	var echo *events.ChannelSink
	if runEvents {
		echo = events.NewChannelSink(runEventsBuf)
		opts = append(opts, engine.WithSinks(echo))
	}

	e, err := engine.New(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	if echo != nil {
		go func() {
			defer close(done)
			if err := printEvents(ctx, echo.Events(), cmd.OutOrStdout()); err != nil {
				logger.Warn("Event printer stopped", zap.Error(err))
			}
		}()
	} else {
		close(done)
	}

	<-ctx.Done()
	logger.Info("Shutting down", zap.Error(context.Cause(ctx)))
	e.Stop()
	<-done
	if echo != nil && echo.Dropped() > 0 {
		logger.Warn("Events dropped by the printer", zap.Uint64("dropped", echo.Dropped()))
	}
	return nil
}

// printEvents writes one JSON document per event until ctx is done or the
// channel closes.
func printEvents(ctx context.Context, ch <-chan events.Event, w io.Writer) error {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("failed to print %s event: %w", ev.Kind, err)
			}
		}
	}
}

package start

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tabflow-cloud/tabflow/internal/dispatch"
	"github.com/tabflow-cloud/tabflow/internal/event"
	"github.com/tabflow-cloud/tabflow/internal/metrics"
	"github.com/tabflow-cloud/tabflow/internal/status"
	"github.com/tabflow-cloud/tabflow/pkg/db"
	"github.com/tabflow-cloud/tabflow/pkg/env"
	"github.com/tabflow-cloud/tabflow/pkg/log"
)

const (
	usage   = "start"
	short   = "Start a tabflow scheduling instance"
	long    = "This command starts a tabflow scheduling instance"
	example = "tabflow start"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"launch", "boot", "up", "run", "begin"},
		Example:    example,
		RunE:       start,
	}
)

var cancel context.CancelFunc

func start(cmd *cobra.Command, args []string) error {
	signalChan := make(chan os.Signal, 1)

	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 signal")
				if profile := pprof.Lookup("goroutine"); profile != nil {
					if err := profile.WriteTo(os.Stdout, 1); err != nil {
						log.Error("write goroutine profile", "error", err)
					}
				}
			case syscall.SIGINT:
				log.Info("gracefully shutting down due to SIGINT signal")
				shutdown()
				os.Exit(0)
			}
		}
	}()

	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT)

	ctx, cancelFunc := context.WithCancel(context.Background())
	cancel = cancelFunc

	log.Info("migrating database")
	if err := db.Migrate(); err != nil {
		log.Fatal("database migration failure", "error", err)
	}

	vars := env.Variables()
	bus := event.New()
	queue := dispatch.NewMemoryQueue(vars.QueueCapacity)
	manager := status.NewManager(db.Connection(), bus)
	dispatcher := dispatch.NewDispatcher(
		db.Connection(),
		queue,
		manager,
		bus,
		vars.CallbackBaseURL,
		vars.DispatchBatchSize,
	)

	driver, err := dispatch.NewDriver(dispatcher, vars.DispatchSchedule)
	if err != nil {
		log.Fatal("dispatch driver configuration failure", "error", err)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		log.Info("serving metrics", "port", vars.Port)
		if err := http.ListenAndServe(fmt.Sprintf(":%d", vars.Port), mux); err != nil {
			log.Error("metrics endpoint failure", "error", err)
		}
	}()

	defer shutdown()

	log.Info("launching dispatch routine", "schedule", vars.DispatchSchedule)
	return driver.Run(ctx)
}

func shutdown() {
	if cancel != nil {
		cancel()
	}
}

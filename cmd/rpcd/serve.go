package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/taskgroup"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"unary-rpc/config"
	"unary-rpc/dispatch"
	"unary-rpc/health"
	"unary-rpc/kvstore"
	"unary-rpc/lifecycle"
	"unary-rpc/middleware"
	"unary-rpc/registry"
	"unary-rpc/server"
)

// loadConfig resolves the configuration from the -config file and the
// environment.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func openRegistry(cfg config.RegistryConfig, log *zap.Logger) (registry.Registry, error) {
	if cfg.Kind == "etcd" {
		return registry.NewEtcd(registry.EtcdConfig{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.DialTimeout,
			Prefix:      cfg.Prefix,
			Logger:      log,
		})
	}
	return registry.NewMemory(), nil
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := cfg.Log.Build()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Resources.
	var resources []lifecycle.Resource
	var db *lifecycle.SQL
	if cfg.Database.Driver != "" {
		db = lifecycle.NewSQL("database", cfg.Database.Driver, cfg.Database.DSN, lifecycle.WithLogger(log))
		resources = append(resources, db)
	}
	if err := lifecycle.ConnectAll(ctx, resources...); err != nil {
		return err
	}
	defer lifecycle.DisconnectAll(context.Background(), resources...)

	reg, err := openRegistry(cfg.Registry, log)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer reg.Close()

	// Router options and middleware shared by every service.
	opts := []dispatch.Option{
		dispatch.WithLogger(log),
		dispatch.WithObserver(middleware.Logging(log)),
	}
	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		preg := prometheus.NewRegistry()
		preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := middleware.NewMetrics(preg)
		if err != nil {
			return err
		}
		opts = append(opts, dispatch.WithObserver(m.Observe))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
	}
	mws := []dispatch.Middleware{middleware.RequestID(), middleware.Deadline(cfg.Server.MaxTimeout)}
	switch lim := cfg.Limits; {
	case lim.Rate > 0 && lim.PerKey != "":
		mws = append(mws, middleware.PerKeyRateLimit(lim.PerKey, lim.Rate, lim.Burst, lim.IdleTTL))
	case lim.Rate > 0:
		mws = append(mws, middleware.RateLimit(lim.Rate, lim.Burst))
	}

	srv := server.NewServer(
		server.WithLogger(log),
		server.WithRegistry(reg, cfg.Server.Advertise, cfg.Registry.TTL),
		server.WithCallTimeout(cfg.Server.CallTimeout),
	)
	hsvc, err := health.New(resources...).Router(opts...).Before(mws...).Assemble()
	if err != nil {
		return err
	}
	if err := srv.Register(hsvc); err != nil {
		return err
	}
	if db != nil {
		kv := kvstore.New(db)
		if err := kv.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		ksvc, err := dispatch.NewRouter(kvstore.ServiceName, opts...).Before(mws...).Mount(kv).Assemble()
		if err != nil {
			return err
		}
		if err := srv.Register(ksvc); err != nil {
			return err
		}
	}

	lst, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	g := taskgroup.New(stop)
	g.Go(func() error { return srv.Serve(lst) })
	if metricsSrv != nil {
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	<-ctx.Done()
	log.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	serr := srv.Shutdown(cfg.Server.ShutdownTimeout)
	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		metricsSrv.Shutdown(sctx)
	}
	return errors.Join(g.Wait(), serr)
}

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"main/internal/agent"
	"main/internal/fleet"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/rebalance"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/server"
	"main/internal/state"
	"main/internal/store"
	"main/internal/stream"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	addr := flag.String("addr", "", "Listen address override")
	autostart := flag.Bool("autostart", true, "Start all accounts on boot")
	profile := flag.Bool("pyroscope", false, "Enable pyroscope profiling")
	profileAddr := flag.String("pyroscope-addr", "http://localhost:4040", "Pyroscope server address")
	flag.Parse()

	loaded, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *addr != "" {
		loaded.ServerAddr = *addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *profile {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "fleet",
			ServerAddress:   *profileAddr,
			Tags: map[string]string{
				"env": "local",
			},
			Logger: emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	logTail := loaded.LogTail
	if logTail <= 0 {
		logTail = 256
	}
	logbuf := state.NewLogBuffer(logTail)
	accounts := state.NewFleet(loaded.Accounts)
	metrics := obs.NewMetrics()
	gov := risk.NewGovernor(accounts, loaded.Portfolio, logbuf, metrics)
	sched := fleet.NewScheduler(accounts, gov, logbuf, metrics, fleet.Config{
		Runner: agent.RunnerConfig{
			TickInterval: loaded.TickInterval,
		},
		KillTimeout: loaded.KillTimeout,
	})
	agg := state.NewAggregator(accounts, logbuf, logTail)
	pub := stream.NewPublisher(agg, metrics, loaded.StreamInterval, loaded.StreamQueueSize)
	reb := rebalance.NewEngine(accounts, gov, logbuf, metrics, loaded.Rebalance)

	var st *store.Store
	if loaded.Postgres != nil {
		st, err = store.Open(*loaded.Postgres, 256)
		if err != nil {
			log.Fatalf("store open failed: %v", err)
		}
		logbuf.SetSink(st.AppendAudit)
		go st.Run(ctx)
		go samplePnL(ctx, accounts, st, time.Minute)
		defer func() {
			_ = st.Close()
		}()
	}

	if *configPath != "" && *configReload > 0 {
		go watchConfig(ctx, *configPath, *configReload, func(next ops.Loaded) {
			gov.UpdatePortfolioLimits(next.Portfolio)
			for _, cfg := range next.Accounts {
				if acct, ok := accounts.Account(cfg.ID); ok {
					acct.SetLimits(cfg.Limits)
				}
			}
		})
	}

	go pub.Run(ctx)
	go reb.Run(ctx)

	if *autostart {
		if err := sched.StartAll(); err != nil {
			log.Printf("autostart failed: %v", err)
		}
	}

	srv := server.New(loaded.ServerAddr, agg, sched, pub, metrics, st)
	log.Printf("fleet listening on %s accounts=%d", loaded.ServerAddr, accounts.Size())
	if err := srv.Start(ctx); err != nil {
		log.Printf("server stopped: %v", err)
	}
	sched.Shutdown()
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return defaultLoaded()
	}
	return ops.Load(path)
}

func defaultLoaded() (ops.Loaded, error) {
	limits := ops.LimitsConfig{
		MaxPosition:            decimal.NewFromFloat(0.2),
		MaxDailyLoss:           decimal.NewFromFloat(0.1),
		MaxConcurrentPositions: 5,
	}
	return ops.Resolve(ops.FileConfig{
		Accounts: []ops.AccountConfig{
			{ID: "sim-1", Strategy: string(schema.StrategySim), Capital: decimal.NewFromInt(1000), Limits: limits},
			{ID: "sim-2", Strategy: string(schema.StrategySim), Capital: decimal.NewFromInt(1000), Limits: limits},
			{ID: "sim-3", Strategy: string(schema.StrategySim), Capital: decimal.NewFromInt(1000), Limits: limits},
		},
		Portfolio: ops.PortfolioConfig{
			MaxTotalLoss: decimal.NewFromInt(500),
		},
	})
}

func samplePnL(ctx context.Context, accounts *state.Fleet, st *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			for _, acct := range accounts.Accounts() {
				st.SavePnL(acct.ID(), acct.PnL(now), now)
			}
		}
	}
}

func watchConfig(ctx context.Context, path string, interval time.Duration, update func(ops.Loaded)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				log.Printf("config stat failed: %v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			loaded, err := ops.Load(path)
			if err != nil {
				log.Printf("config reload failed: %v", err)
				continue
			}
			update(loaded)
			lastMod = info.ModTime()
			log.Printf("config reloaded: %s", path)
		}
	}
}

type emptyLogger struct{}

func (emptyLogger) Infof(_ string, _ ...interface{})  {}
func (emptyLogger) Debugf(_ string, _ ...interface{}) {}
func (emptyLogger) Errorf(_ string, _ ...interface{}) {}

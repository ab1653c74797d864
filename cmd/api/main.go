package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/seismonet/go-seismonet/buildinfo"
	"github.com/seismonet/go-seismonet/internal/router"
	"github.com/seismonet/go-seismonet/internal/router/middlewares"
	"github.com/seismonet/go-seismonet/pkg/alerts"
	"github.com/seismonet/go-seismonet/pkg/backup"
	catalogimpl "github.com/seismonet/go-seismonet/pkg/catalog/impl"
	"github.com/seismonet/go-seismonet/pkg/classifier"
	"github.com/seismonet/go-seismonet/pkg/detector"
	"github.com/seismonet/go-seismonet/pkg/eventstore"
	"github.com/seismonet/go-seismonet/pkg/features"
	"github.com/seismonet/go-seismonet/pkg/locator"
	"github.com/seismonet/go-seismonet/pkg/logging"
	"github.com/seismonet/go-seismonet/pkg/magnitude"
	"github.com/seismonet/go-seismonet/pkg/metastore"
	"github.com/seismonet/go-seismonet/pkg/metrics"
	"github.com/seismonet/go-seismonet/pkg/model"
	"github.com/seismonet/go-seismonet/pkg/pipeline"
	"github.com/seismonet/go-seismonet/pkg/resilient"
	"github.com/seismonet/go-seismonet/pkg/seismic"
	waveformimpl "github.com/seismonet/go-seismonet/pkg/waveform/impl"
)

// Exit codes: 1 configuration error, 2 store corruption, 3 model artifact
// failure, 4 bind failure.
const (
	exitConfig  = 1
	exitStorage = 2
	exitModel   = 3
	exitBind    = 4
)

func main() {
	config, err := setupConfig()
	if err != nil {
		os.Exit(exitConfig)
	}
	logging.SetupLogger(buildinfo.GitCommit, config.Log.Debug, config.Log.Human)

	channels, err := parseChannels(config.Pipeline.Channels)
	if err != nil {
		log.Error().Err(err).Msg("invalid channel configuration")
		os.Exit(exitConfig)
	}

	if err := metrics.SetupInstrumentation("seismonet:api"); err != nil {
		log.Error().Err(err).Msg("could not setup instrumentation")
		os.Exit(exitConfig)
	}

	// Model artifact.
	models, err := model.NewStore(config.Model.Path)
	if err != nil {
		log.Error().Err(err).Str("path", config.Model.Path).Msg("loading model artifact")
		os.Exit(exitModel)
	}

	// External clients.
	breaker := resilient.Policy{
		BreakerThreshold: config.Resilience.BreakerThreshold,
		BreakerCoolDown:  time.Duration(config.Resilience.BreakerCoolSecs) * time.Second,
	}
	catalogPolicy := breaker
	catalogPolicy.RPS = config.Catalog.RPS
	catalogPolicy.Burst = config.Catalog.Burst
	catalogPolicy.Timeout = time.Duration(config.Catalog.TimeoutSecs) * time.Second
	catalogPolicy.MaxRetries = config.Catalog.MaxRetries
	catalogPolicy.Backoff = time.Duration(config.Catalog.BackoffMillis) * time.Millisecond
	catalogClient, err := catalogimpl.NewFDSNClient(
		config.Catalog.BaseURL, "us", catalogPolicy,
		time.Duration(config.Catalog.CacheTTLSecs)*time.Second)
	if err != nil {
		log.Error().Err(err).Msg("creating catalog client")
		os.Exit(exitConfig)
	}

	waveformPolicy := breaker
	waveformPolicy.RPS = config.Waveform.RPS
	waveformPolicy.Burst = config.Waveform.Burst
	waveformPolicy.Timeout = time.Duration(config.Waveform.TimeoutSecs) * time.Second
	waveformPolicy.MaxRetries = config.Waveform.MaxRetries
	waveformPolicy.Backoff = time.Duration(config.Waveform.BackoffMillis) * time.Millisecond
	waveformClient, err := waveformimpl.NewDataSelectClient(
		config.Waveform.BaseURL, waveformPolicy,
		time.Duration(config.Waveform.CacheTTLSecs)*time.Second)
	if err != nil {
		log.Error().Err(err).Msg("creating waveform client")
		os.Exit(exitConfig)
	}

	// Feature schema must match the artifact.
	bands, err := parseBands(config.Features.Bands)
	if err != nil {
		log.Error().Err(err).Msg("invalid feature bands")
		os.Exit(exitConfig)
	}
	schema, err := features.NewSchema(
		config.Features.SchemaID, bands,
		config.Features.Wavelet, config.Features.Levels)
	if err != nil {
		log.Error().Err(err).Msg("building feature schema")
		os.Exit(exitConfig)
	}
	extractor := features.NewExtractor(schema)

	clf, err := classifier.New(models)
	if err != nil {
		log.Error().Err(err).Msg("creating classifier")
		os.Exit(exitModel)
	}
	mag, err := magnitude.New(models, seismic.MagnitudeScale(config.Model.Scale), config.Model.Alpha)
	if err != nil {
		log.Error().Err(err).Msg("creating magnitude estimator")
		os.Exit(exitConfig)
	}

	var loc *locator.Locator
	if config.Locator.StationsPath != "" {
		vmodel := locator.DefaultModel()
		if config.Locator.VelocityModelPath != "" {
			if vmodel, err = locator.LoadModel(config.Locator.VelocityModelPath); err != nil {
				log.Error().Err(err).Msg("loading velocity model")
				os.Exit(exitConfig)
			}
		}
		stations, err := loadStations(config.Locator.StationsPath)
		if err != nil {
			log.Error().Err(err).Msg("loading station registry")
			os.Exit(exitConfig)
		}
		params := locator.Params{
			MinStations:   config.Locator.MinStations,
			GridStepDeg:   config.Locator.GridStepDeg,
			GridRadiusDeg: config.Locator.GridRadiusDeg,
			DepthStepKm:   config.Locator.DepthStepKm,
			MaxDepthKm:    config.Locator.MaxDepthKm,
			Eps:           config.Locator.Eps,
			MaxIter:       config.Locator.MaxIterations,
		}
		if loc, err = locator.New(vmodel, stations, params); err != nil {
			log.Error().Err(err).Msg("creating locator")
			os.Exit(exitConfig)
		}
	}

	// Stores.
	store, err := eventstore.Open(eventstore.Config{
		Dir:           config.Store.Dir,
		SchemaID:      config.Features.SchemaID,
		Fsync:         eventstore.FsyncMode(config.Store.Fsync),
		FsyncInterval: time.Duration(config.Store.FsyncMillis) * time.Millisecond,
	})
	if err != nil {
		log.Error().Err(err).Str("dir", config.Store.Dir).Msg("opening event store")
		os.Exit(exitStorage)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("closing event store")
		}
	}()

	meta, err := metastore.New(config.Store.MetaDBURI)
	if err != nil {
		log.Error().Err(err).Str("dbUri", config.Store.MetaDBURI).Msg("opening metadata store")
		os.Exit(exitStorage)
	}
	defer func() {
		if err := meta.Close(); err != nil {
			log.Error().Err(err).Msg("closing metadata store")
		}
	}()

	// Pipeline.
	pipe, err := pipeline.New(pipeline.Config{
		Channels:      channels,
		PollInterval:  time.Duration(config.Pipeline.PollSecs) * time.Second,
		QueueSize:     config.Pipeline.QueueSize,
		Workers:       config.Pipeline.Workers,
		ReorderWindow: time.Duration(config.Pipeline.ReorderSecs) * time.Second,
		BandLowHz:     config.Pipeline.BandLowHz,
		BandHighHz:    config.Pipeline.BandHighHz,
		FilterOrder:   config.Pipeline.FilterOrder,
		TargetRate:    config.Pipeline.TargetRate,
		TaperFrac:     config.Pipeline.TaperFraction,
		MinQuality:    config.Pipeline.MinQuality,
		Detector: detector.Params{
			STA:        secs(config.Detector.STASecs),
			LTA:        secs(config.Detector.LTASecs),
			ROn:        config.Detector.ROn,
			ROff:       config.Detector.ROff,
			DMin:       secs(config.Detector.DMinSecs),
			DMax:       secs(config.Detector.DMaxSecs),
			PreRoll:    secs(config.Detector.PreRollSecs),
			PostRoll:   secs(config.Detector.PostRollSecs),
			Refractory: secs(config.Detector.RefractorySecs),
		},
		CatalogSync: time.Duration(config.Catalog.SyncMins) * time.Minute,
	}, pipeline.Deps{
		Waveforms:  waveformClient,
		Catalog:    catalogClient,
		Extractor:  extractor,
		Classifier: clf,
		Magnitude:  mag,
		Locator:    loc,
		Store:      store,
		Meta:       meta,
	})
	if err != nil {
		log.Error().Err(err).Msg("creating pipeline")
		os.Exit(exitConfig)
	}

	// Alerts.
	rules, err := loadRules(config.Alerts.RulesPath)
	if err != nil {
		log.Error().Err(err).Msg("loading alert rules")
		os.Exit(exitConfig)
	}
	dispatcher, err := alerts.NewDispatcher(alerts.Config{
		Rules:           rules,
		DedupWindow:     time.Duration(config.Alerts.DedupWindowSecs) * time.Second,
		SubscriberRPS:   config.Alerts.SubscriberRPS,
		SubscriberBurst: config.Alerts.SubscriberBurst,
	}, store)
	if err != nil {
		log.Error().Err(err).Msg("creating alert dispatcher")
		os.Exit(exitConfig)
	}
	if config.Alerts.WebhookURL != "" {
		webhookPolicy := breaker
		webhookPolicy.RPS = config.Alerts.SubscriberRPS
		webhookPolicy.Burst = config.Alerts.SubscriberBurst
		webhookPolicy.MaxRetries = config.Alerts.WebhookMaxRetries
		webhookPolicy.Backoff = time.Duration(config.Alerts.WebhookBackoffMillis) * time.Millisecond
		webhook, err := alerts.NewWebhookSubscriber("default", config.Alerts.WebhookURL, webhookPolicy)
		if err != nil {
			log.Error().Err(err).Msg("creating webhook subscriber")
			os.Exit(exitConfig)
		}
		dispatcher.Subscribe(webhook)
	}

	// Backups.
	var scheduler *backup.Scheduler
	if config.Backup.Enabled {
		backuper, err := backup.NewBackuper(
			filepath.Join(config.Store.Dir, "events.log"), config.Backup.Dir,
			backup.WithCompression(config.Backup.Compression),
			backup.WithPruning(config.Backup.Pruning, config.Backup.KeepFiles))
		if err != nil {
			log.Error().Err(err).Msg("creating backuper")
			os.Exit(exitConfig)
		}
		scheduler = backup.NewScheduler(
			time.Duration(config.Backup.IntervalMins)*time.Minute, backuper, false)
		go scheduler.Run()
	}

	ready := atomic.NewBool(false)
	apiRouter, err := router.ConfiguredRouter(
		middlewares.TokenConfig{
			Secret:   []byte(config.HTTP.JWTSecret),
			Issuer:   config.HTTP.JWTIssuer,
			Audience: config.HTTP.JWTAudience,
		},
		config.HTTP.MaxRequestPerInterval,
		time.Duration(config.HTTP.RateLimIntervalSeconds)*time.Second,
		router.Deps{
			Store:     store,
			Meta:      meta,
			Models:    models,
			Catalog:   catalogClient,
			Waveforms: waveformClient,
			Ready:     ready.Load,
		})
	if err != nil {
		log.Error().Err(err).Msg("configuring router")
		os.Exit(exitConfig)
	}

	serveMux := http.NewServeMux()
	serveMux.Handle("/metrics", metrics.Handler())
	serveMux.Handle("/", apiRouter.Handler())
	server := &http.Server{
		Addr:              ":" + config.HTTP.Port,
		Handler:           serveMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("port", config.HTTP.Port).Msg("could not bind server")
			os.Exit(exitBind)
		}
	}()

	pipe.Start()
	if err := dispatcher.Start(store.EndCursor()); err != nil {
		log.Error().Err(err).Msg("starting alert dispatcher")
		os.Exit(exitConfig)
	}
	ready.Store(true)
	log.Info().
		Str("version", buildinfo.GitSummary).
		Str("port", config.HTTP.Port).
		Int("channels", len(channels)).
		Msg("daemon started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	dispatcher.Stop()
	pipe.Stop()
	if scheduler != nil {
		scheduler.Shutdown()
	}
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

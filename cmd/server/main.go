package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/denis-savelyev/FaceAttend/config"
	"github.com/denis-savelyev/FaceAttend/internal/api"
	"github.com/denis-savelyev/FaceAttend/internal/api/handlers"
	"github.com/denis-savelyev/FaceAttend/internal/app"
	"github.com/denis-savelyev/FaceAttend/internal/attendance"
	"github.com/denis-savelyev/FaceAttend/internal/capture"
	"github.com/denis-savelyev/FaceAttend/internal/cleanup"
	"github.com/denis-savelyev/FaceAttend/internal/db"
	"github.com/denis-savelyev/FaceAttend/internal/db/repository"
	"github.com/denis-savelyev/FaceAttend/internal/facedb"
	"github.com/denis-savelyev/FaceAttend/internal/i18n"
	"github.com/denis-savelyev/FaceAttend/internal/integrations/homeassistant"
	"github.com/denis-savelyev/FaceAttend/internal/integrations/mqtt"
	"github.com/denis-savelyev/FaceAttend/internal/logger"
	"github.com/denis-savelyev/FaceAttend/internal/matching"
	"github.com/denis-savelyev/FaceAttend/internal/metrics"
	"github.com/denis-savelyev/FaceAttend/internal/preview"
	"github.com/denis-savelyev/FaceAttend/internal/recognition"
	"github.com/denis-savelyev/FaceAttend/internal/server/sse"
	"github.com/denis-savelyev/FaceAttend/internal/util/timezone"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// version is set at build time
var version = "dev"

const defaultConfigPath = "/config/config.yaml"

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "faceattend",
		Short:         "Face recognition attendance kiosk",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the configuration file")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logFile, err := logger.Init(cfg.Log)
	if err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	timezone.Initialize(cfg.Server.Timezone)
	log.Infof("FaceAttend %s starting", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Metrics ---
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		if m, err = metrics.NewMetrics(); err != nil {
			return err
		}
	}

	translator, err := i18n.NewTranslator(cfg.I18n.DefaultLanguage)
	if err != nil {
		return err
	}

	// --- Face database and ledger ---
	store := facedb.New(facedb.Options{
		FacesDir:      cfg.Storage.FacesDir,
		RegistryFile:  cfg.Storage.RegistryFile,
		TemplatesFile: cfg.Storage.TemplatesFile,
	})
	store.Load()

	ledger := attendance.NewLedger(cfg.Storage.AttendanceLog)
	ledger.Load()

	machineOpts := recognition.Options{
		Threshold: cfg.Recognition.Threshold,
		Cooldown:  cfg.Recognition.Cooldown,
	}
	if m != nil {
		machineOpts.Observer = m.Recognition
		machineOpts.Sinks = append(machineOpts.Sinks, m.Recognition)
	}
	machine := recognition.NewMachine(matching.NewEngine(store), ledger, machineOpts)
	defer machine.Close()

	// --- SSE hub ---
	hub := sse.NewHub()
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		hub.Run(ctx)
	}()
	machine.AddSink(hub)

	// --- Attendance history database ---
	var gdb *gorm.DB
	var history repository.Repository
	if cfg.DB.Enabled {
		if gdb, err = db.Open(cfg.DB.File); err != nil {
			log.Errorf("Attendance history disabled: %v", err)
		} else {
			repo := repository.NewSQLiteRepository(gdb)
			machine.AddSink(repo)
			history = repo

			if svc := cleanup.NewService(repo, cfg.DB.RetentionDays, cfg.DB.CleanupInterval); svc != nil {
				workers.Add(1)
				go func() {
					defer workers.Done()
					svc.Run(ctx)
				}()
			}
		}
	}

	// --- Camera ---
	var (
		camera  *capture.Camera
		locator *capture.CascadeLocator
		scanner *recognition.Scanner
		frames  *preview.Service
	)
	camera, locator, err = openCapture(cfg)
	if err != nil {
		log.Errorf("Camera disabled, running API only: %v", err)
	} else {
		frames = preview.New(preview.Options{})
		machine.AddSink(frames)
		scanner = recognition.NewScanner(camera, locator, machine, recognition.ScannerOptions{
			Interval:    cfg.Camera.FrameInterval,
			MaxFailures: cfg.Camera.MaxCaptureFailures,
			Sink:        frames,
		})
	}

	appOpts := app.Options{
		Store:   store,
		Ledger:  ledger,
		Machine: machine,
		Scanner: scanner,
		Capture: recognition.CaptureOptions{
			Target:      cfg.Recognition.SampleCount,
			Delay:       cfg.Recognition.CaptureDelay,
			MinFaceSize: cfg.Recognition.MinFaceSize,
			Timeout:     cfg.Recognition.CaptureTimeout,
		},
	}
	if locator != nil {
		appOpts.Locator = locator
	}
	if m != nil {
		appOpts.TrainingObserver = m.Recognition
		m.Recognition.ObserveTraining(0, store.Snapshot().Len(), nil)
	}
	application := app.New(appOpts)

	// --- MQTT ---
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		var mqttMetrics *metrics.MQTTMetrics
		if m != nil {
			mqttMetrics = m.MQTT
		}
		mqttClient = mqtt.NewClient(cfg.MQTT, mqttMetrics)
		mqttClient.SetCommandHandler(application)
		publisher := mqtt.NewPublisher(mqttClient, translator)
		machine.AddSink(publisher)
		if cfg.MQTT.HomeAssistant {
			discovery := homeassistant.NewDiscoveryManager(mqttClient, version)
			mqttClient.OnConnect(func() {
				if err := discovery.Register(); err != nil {
					log.Warnf("Home Assistant discovery failed: %v", err)
				}
			})
		}
		if err := mqttClient.Start(); err != nil {
			log.Warnf("MQTT unavailable, continuing without it: %v", err)
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			application.ForwardState(ctx, publisher)
		}()
	}

	// --- HTTP ---
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	apiHandler := handlers.NewHandler(ctx, handlers.Deps{
		Service:    application,
		Translator: translator,
		Hub:        hub,
		Frames:     framesOrNil(frames),
		History:    history,
		ExportDir:  cfg.Server.DataDir,
	})
	routerOpts := api.RouterOptions{
		Server:      cfg.Server,
		Translator:  translator,
		MetricsPath: cfg.Metrics.Path,
	}
	if m != nil {
		routerOpts.Metrics = m.Handler()
	}
	server := api.NewServer(cfg.Server, api.NewRouter(apiHandler, routerOpts))

	// --- Scan loop ---
	scanDone := make(chan struct{})
	if scanner != nil {
		go func() {
			defer close(scanDone)
			if err := scanner.Run(ctx); err != nil {
				log.Errorf("Scanner stopped: %v", err)
			}
		}()
	} else {
		close(scanDone)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown requested")
	case err := <-serverErr:
		if err != nil {
			log.Errorf("HTTP server error: %v", err)
		}
		stop()
	}

	// --- Shutdown ---
	<-scanDone

	// in-flight requests may still use the locator
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown failed: %v", err)
	}
	apiHandler.Wait()

	if camera != nil {
		if err := camera.Close(); err != nil {
			log.Warnf("Failed to close camera: %v", err)
		}
	}
	if locator != nil {
		if err := locator.Close(); err != nil {
			log.Warnf("Failed to close face locator: %v", err)
		}
	}

	if mqttClient != nil {
		mqttClient.Stop()
	}
	workers.Wait()

	if gdb != nil {
		if err := db.Close(gdb); err != nil {
			log.Errorf("Failed to close database: %v", err)
		}
	}

	log.Info("FaceAttend stopped")
	return nil
}

func openCapture(cfg *config.Config) (*capture.Camera, *capture.CascadeLocator, error) {
	locator, err := capture.NewCascadeLocator(cfg.Detector)
	if err != nil {
		return nil, nil, err
	}
	camera, err := capture.OpenCamera(cfg.Camera)
	if err != nil {
		return nil, nil, errors.Join(err, locator.Close())
	}
	return camera, locator, nil
}

// framesOrNil keeps a nil *preview.Service from becoming a non-nil interface
func framesOrNil(frames *preview.Service) handlers.Frames {
	if frames == nil {
		return nil
	}
	return frames
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-attendance-verifier/attendance"
	"go-attendance-verifier/capture"
	"go-attendance-verifier/geo"
	"go-attendance-verifier/location"
	"go-attendance-verifier/logging"
	"go-attendance-verifier/observability"
	"go-attendance-verifier/redis"

	"golang.org/x/sync/errgroup"
)

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	// Addr serves /metrics on its own listener; empty mounts it on the API router.
	Addr string `json:"addr,omitempty"`
}

// AttendanceConfig holds the geofence policy. Durations are milliseconds.
type AttendanceConfig struct {
	Boundary                [][2]float64 `json:"boundary"`
	AccuracyThresholdMeters float64      `json:"accuracy_threshold_meters,omitempty"`
	PositionTimeoutMs       int          `json:"position_timeout_ms,omitempty"`
	NotificationDurationMs  int          `json:"notification_duration_ms,omitempty"`
	CameraRequestTimeoutMs  int          `json:"camera_request_timeout_ms,omitempty"`
	SessionTTLMinutes       int          `json:"session_ttl_minutes,omitempty"`
	SweepIntervalSeconds    int          `json:"sweep_interval_seconds,omitempty"`
	Language                string       `json:"language,omitempty"`
}

type FaceCaptureConfig struct {
	Strategy            string  `json:"strategy"` // simulated | regula
	CaptureDelayMs      int     `json:"capture_delay_ms,omitempty"`
	RegulaUrl           string  `json:"regula_url,omitempty"`
	ReferencePhotoPath  string  `json:"reference_photo_path,omitempty"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
}

type Config struct {
	ServerConfig  ServerConfig                `json:"server_config"`
	LogLevel      string                      `json:"log_level,omitempty"`
	LogFormat     string                      `json:"log_format,omitempty"`
	MetricsConfig MetricsConfig               `json:"metrics_config,omitempty"`
	Tracing       observability.TracingConfig `json:"tracing,omitempty"`

	Attendance  AttendanceConfig   `json:"attendance"`
	FaceCapture FaceCaptureConfig  `json:"face_capture"`
	Attestation *AttestationConfig `json:"attestation,omitempty"`

	StorageType         string                    `json:"storage_type"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty"`
	DynamoDBConfig      DynamoDBConfig            `json:"dynamodb_config,omitempty"`
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (c AttendanceConfig) SessionTTL() time.Duration {
	if c.SessionTTLMinutes <= 0 {
		return DefaultSessionTTL
	}
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

func (c AttendanceConfig) SweepInterval() time.Duration {
	if c.SweepIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func main() {
	configPath := flag.String("config", "", "Path for the config.json to use")
	flag.Parse()

	if *configPath == "" {
		slog.Error("please provide a config path using the --config flag")
		os.Exit(1)
	}

	config, err := readConfigFile(*configPath)
	if err != nil {
		slog.Error("failed to read config file", "error", err, "path", *configPath)
		os.Exit(1)
	}

	logging.InitLogger(config.LogLevel, config.LogFormat)
	slog.Info("using config", "path", *configPath)

	if err := run(config); err != nil {
		slog.Error("attendance verifier stopped", "error", err)
		os.Exit(1)
	}
}

func run(config Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, config.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialise tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing)

	var metrics *observability.AttendanceCollector
	if config.MetricsConfig.Enabled {
		metrics, err = observability.NewAttendanceCollector(nil)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	tokenStorage, err := createTokenStorage(ctx, &config)
	if err != nil {
		return fmt.Errorf("failed to instantiate token storage: %w", err)
	}

	factory, err := createAttendanceFactory(ctx, &config)
	if err != nil {
		return err
	}
	if metrics != nil {
		factory.Observer = metrics
	}

	var jwtCreator JwtCreator
	if config.Attestation != nil {
		jwtCreator, err = NewAttestationJwtCreator(
			config.Attestation.PrivateKeyPath,
			config.Attestation.Issuer,
			time.Duration(config.Attestation.ValidityMinutes)*time.Minute,
		)
		if err != nil {
			return fmt.Errorf("failed to instantiate jwt creator: %w", err)
		}
	}

	var gauge activeSessionGauge
	if metrics != nil {
		gauge = metrics
	}
	sessions := NewSessionRegistry(config.Attendance.SessionTTL(), gauge, func(sessionId string) {
		if err := tokenStorage.RemoveToken(sessionId); err != nil && !errors.Is(err, ErrTokenNotFound) {
			slog.Warn("failed to remove expired session token", "session_id", sessionId, "error", err)
		}
	})

	serverState := ServerState{
		tokenStorage: tokenStorage,
		sessions:     sessions,
		factory:      factory,
		jwtCreator:   jwtCreator,
		metrics:      metrics,
		serveMetrics: metrics != nil && config.MetricsConfig.Addr == "",
	}

	server, err := NewServer(&serverState, config.ServerConfig)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to listen and serve: %w", err)
		}
		return nil
	})

	if metrics != nil && config.MetricsConfig.Addr != "" {
		metricsServer := &http.Server{
			Addr:              config.MetricsConfig.Addr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("Serving metrics", "addr", config.MetricsConfig.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return sessions.Run(gctx, config.Attendance.SweepInterval())
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func readConfigFile(path string) (Config, error) {
	configBytes, err := os.ReadFile(path)

	if err != nil {
		return Config{}, err
	}

	var config Config
	err = json.Unmarshal(configBytes, &config)

	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// createAttendanceFactory validates the geofence and picks the capture strategy.
func createAttendanceFactory(ctx context.Context, config *Config) (AttendanceFactory, error) {
	boundary := geo.NewBoundary(config.Attendance.Boundary)
	if err := boundary.Validate(); err != nil {
		return AttendanceFactory{}, fmt.Errorf("invalid attendance boundary: %w", err)
	}

	verifier := location.NewVerifier(location.Config{
		Boundary:                boundary,
		AccuracyThresholdMeters: config.Attendance.AccuracyThresholdMeters,
		PositionTimeout:         millis(config.Attendance.PositionTimeoutMs),
		Language:                config.Attendance.Language,
	})

	capturer, err := createCapturer(ctx, &config.FaceCapture)
	if err != nil {
		return AttendanceFactory{}, err
	}

	return AttendanceFactory{
		Verifier: verifier,
		Capturer: capturer,
		Config: attendance.Config{
			NotificationDuration: millis(config.Attendance.NotificationDurationMs),
			CameraRequestTimeout: millis(config.Attendance.CameraRequestTimeoutMs),
		},
	}, nil
}

func createCapturer(ctx context.Context, config *FaceCaptureConfig) (capture.Capturer, error) {
	switch config.Strategy {
	case "", "simulated":
		slog.Info("Using simulated face capture", "delay_ms", config.CaptureDelayMs)
		return capture.SimulatedCapturer{Delay: millis(config.CaptureDelayMs)}, nil
	case "regula":
		slog.Info("Using Regula face capture", "url", config.RegulaUrl)
		reference, err := LoadReferencePhoto(config.ReferencePhotoPath)
		if err != nil {
			return nil, err
		}
		client := NewRegulaFaceClient(config.RegulaUrl, config.SimilarityThreshold)
		if err := client.HealthCheck(ctx); err != nil {
			slog.Warn("Regula Face API not reachable at startup", "error", err)
		}
		return NewRegulaCapturer(client, reference), nil
	default:
		return nil, fmt.Errorf("%v is not a valid face capture strategy", config.Strategy)
	}
}

func createTokenStorage(ctx context.Context, config *Config) (TokenStorage, error) {
	ttl := config.Attendance.SessionTTL()
	if config.StorageType == "redis" {
		slog.Info("Using redis token storage")
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisTokenStorage(client, config.RedisConfig.Namespace, ttl), nil
	}
	if config.StorageType == "redis_sentinel" {
		slog.Info("Using redis sentinel token storage")
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisTokenStorage(client, config.RedisSentinelConfig.Namespace, ttl), nil
	}
	if config.StorageType == "dynamodb" {
		slog.Info("Using dynamodb token storage", "table", config.DynamoDBConfig.TableName)
		client, err := NewDynamoClient(ctx, config.DynamoDBConfig)
		if err != nil {
			return nil, err
		}
		return NewDynamoTokenStorage(client, config.DynamoDBConfig.TableName, ttl), nil
	}
	if config.StorageType == "memory" {
		slog.Info("Using in memory storage")
		return NewInMemoryTokenStorage(), nil
	}
	return nil, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}

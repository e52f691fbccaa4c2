package config

import (
	"fmt"

	"github.com/bdougie/vision/internal/media"
)

// Validate checks if the configuration is valid
func Validate(cfg *Config) error {
	if cfg.Model == "" && len(cfg.ModelFiles) == 0 {
		return fmt.Errorf("model or model_files is required")
	}

	switch cfg.RunMode {
	case "main_thread", "worker":
	default:
		return fmt.Errorf("run_mode must be main_thread or worker, got %q", cfg.RunMode)
	}

	switch cfg.Worker.Kind {
	case "local":
	case "process":
		if cfg.Worker.Binary == "" {
			return fmt.Errorf("worker.binary is required for process workers")
		}
	default:
		return fmt.Errorf("worker.kind must be local or process, got %q", cfg.Worker.Kind)
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}

	if err := validateInput(cfg.Input); err != nil {
		return err
	}

	if cfg.Postgres != nil && (cfg.Postgres.Host == "" || cfg.Postgres.DBName == "") {
		return fmt.Errorf("postgres.host and postgres.dbname are required")
	}
	if cfg.Postgres != nil && cfg.Postgres.Port == "" {
		cfg.Postgres.Port = "5432"
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "vision"
		}
	}

	if cfg.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server.max_upload_mb must be > 0")
	}
	return nil
}

func validateInput(o media.Options) error {
	switch o.Normalize {
	case media.NormalizeNone, media.NormalizeUnit, media.NormalizeSymmetric:
	case media.NormalizeMeanStd:
		if len(o.Mean) == 0 || len(o.Mean) != len(o.Std) {
			return fmt.Errorf("input.mean and input.std must be set with the same length")
		}
	default:
		return fmt.Errorf("unknown input.normalize %q", o.Normalize)
	}

	if o.DType != "" && !o.DType.Valid() {
		return fmt.Errorf("unknown input.dtype %q", o.DType)
	}
	if o.FPS < 0 || o.MaxFrames < 0 {
		return fmt.Errorf("input.fps and input.max_frames must not be negative")
	}
	if o.EndAt > 0 && o.EndAt <= o.StartAt {
		return fmt.Errorf("input.end_at must be after input.start_at")
	}
	if o.Threshold < 0 || o.Threshold > 1 {
		return fmt.Errorf("input.threshold must be within [0, 1]")
	}
	if len(o.OverlayColor) != 0 && len(o.OverlayColor) != 3 {
		return fmt.Errorf("input.overlay_color must have 3 components")
	}
	return nil
}

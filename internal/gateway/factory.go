package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Config controls gateway construction.
type Config struct {
	Mode    string
	LiveKit LiveKitConfig
}

func New(cfg Config) (Gateway, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.LiveKit.Host) != "" {
			return NewLiveKitGateway(cfg.LiveKit)
		}
		logger := cfg.LiveKit.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("no transport host configured; using mock gateway")
		return NewMock(cfg.LiveKit.PublicURL), nil
	case "livekit":
		if strings.TrimSpace(cfg.LiveKit.Host) == "" {
			return nil, errors.New("livekit host is required for livekit mode")
		}
		return NewLiveKitGateway(cfg.LiveKit)
	case "mock":
		return NewMock(cfg.LiveKit.PublicURL), nil
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Mode)
	}
}

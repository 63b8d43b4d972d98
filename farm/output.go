package farm

import (
	"fmt"

	"github.com/buddhike/mandelfarm/raster"
	"go.uber.org/zap"
)

func writeOutputs(cfg *Config, img *raster.Image, logger *zap.Logger) error {
	if cfg.Output != "" {
		if err := raster.WriteFile(cfg.Output, img); err != nil {
			return fmt.Errorf("failed to write image: %w", err)
		}
		logger.Info("image written", zap.String("path", cfg.Output))
	}
	if cfg.ThumbnailPath != "" {
		if err := raster.WriteFile(cfg.ThumbnailPath, img.Thumbnail(cfg.ThumbnailSize)); err != nil {
			return fmt.Errorf("failed to write thumbnail: %w", err)
		}
		logger.Info("thumbnail written", zap.String("path", cfg.ThumbnailPath))
	}
	return nil
}

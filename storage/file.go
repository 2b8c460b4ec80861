package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eddielth/sensor-trans/logger"
	"github.com/eddielth/sensor-trans/transformer"
)

// FileStorage writes each round to a JSON file per device type
type FileStorage struct {
	basePath string
	now      func() time.Time
}

// NewFileStorage creates basePath and returns a file archive rooted there
func NewFileStorage(basePath string) (*FileStorage, error) {
	if basePath == "" {
		basePath = "data"
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
		now:      time.Now,
	}, nil
}

// Store saves events to <base>/<deviceType>/<timestamp>.json
func (fs *FileStorage) Store(_ context.Context, events []transformer.DeviceEvent) error {
	timestamp := fs.now().Format("20060102-150405.000")

	for deviceType, group := range groupByDeviceType(events) {
		deviceDir := filepath.Join(fs.basePath, deviceType)
		if err := os.MkdirAll(deviceDir, 0755); err != nil {
			return fmt.Errorf("create dir %s failed: %w", deviceDir, err)
		}

		jsonData, err := json.MarshalIndent(group, "", "  ")
		if err != nil {
			return fmt.Errorf("serialize events failed: %w", err)
		}

		filename := filepath.Join(deviceDir, timestamp+".json")
		if err := os.WriteFile(filename, jsonData, 0644); err != nil {
			return fmt.Errorf("write file %s failed: %w", filename, err)
		}

		logger.Debug("stored %d events to file: %s", len(group), filename)
	}
	return nil
}

// Close implements Backend
func (fs *FileStorage) Close() error {
	return nil
}

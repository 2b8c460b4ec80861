package transformer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/sensor-trans/config"
	"github.com/eddielth/sensor-trans/logger"
)

// ErrEventDropped is returned by a script that returned null or undefined
var ErrEventDropped = errors.New("event dropped by script")

// ScriptManager holds the optional JavaScript scripts applied to events,
// one per data_type
type ScriptManager struct {
	scripts map[DataType]*Script
	mutex   sync.RWMutex
}

// Script is one compiled event script. A goja runtime is not safe for
// concurrent use, so calls are serialized.
type Script struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
}

// NewScriptManager compiles the configured scripts
func NewScriptManager(configs map[string]config.ScriptConfig) (*ScriptManager, error) {
	manager := &ScriptManager{
		scripts: make(map[DataType]*Script),
	}

	for dataType, cfg := range configs {
		script, err := loadScript(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create script for data type %s: %w", dataType, err)
		}

		manager.scripts[normalizeDataType(dataType)] = script
		logger.Info("loaded script for data type %s", normalizeDataType(dataType))
	}

	return manager, nil
}

// viper lowercases map keys
func normalizeDataType(key string) DataType {
	return DataType(strings.ToUpper(strings.TrimSpace(key)))
}

func loadScript(cfg config.ScriptConfig) (*Script, error) {
	var scriptCode string

	switch {
	case cfg.ScriptCode != "":
		scriptCode = cfg.ScriptCode
	case cfg.ScriptPath != "":
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("unable to load script file %s: %w", cfg.ScriptPath, err)
		}
		scriptCode = string(scriptBytes)
	default:
		return nil, errors.New("no script code or script path provided")
	}

	return newScript(scriptCode, cfg.ScriptPath)
}

func newScript(scriptCode, scriptPath string) (*Script, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			logger.Warn("failed to parse JSON: %v", err)
			return nil
		}
		return data
	})

	// Reading times are ISO-8601; scripts get unix milliseconds back
	_ = vm.Set("parseTime", func(value string) int64 {
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return 0
		}
		return t.UnixMilli()
	})

	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.UnixMilli(timestamp).UTC().Format(format)
	})

	_ = vm.Set("convertTemperature", func(value float64, fromUnit string, toUnit string) float64 {
		var celsius float64
		switch strings.ToUpper(fromUnit) {
		case "C":
			celsius = value
		case "F":
			celsius = (value - 32) * 5 / 9
		case "K":
			celsius = value - 273.15
		default:
			return value
		}

		switch strings.ToUpper(toUnit) {
		case "F":
			return celsius*9/5 + 32
		case "K":
			return celsius + 273.15
		default:
			return celsius
		}
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	transformValue := vm.Get("transform")
	if transformValue == nil {
		return nil, errors.New("script does not define a 'transform' function")
	}

	transform, ok := goja.AssertFunction(transformValue)
	if !ok {
		return nil, errors.New("'transform' is not a function")
	}

	return &Script{
		vm:         vm,
		transform:  transform,
		scriptPath: scriptPath,
	}, nil
}

// Has reports whether a script is configured for dataType
func (m *ScriptManager) Has(dataType DataType) bool {
	if m == nil {
		return false
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.scripts[dataType]
	return ok
}

// Apply runs the script for the event's data_type. Events without a script
// are returned unchanged.
func (m *ScriptManager) Apply(event DeviceEvent) (DeviceEvent, error) {
	if m == nil {
		return event, nil
	}

	m.mutex.RLock()
	script, exists := m.scripts[event.DataType]
	m.mutex.RUnlock()

	if !exists {
		return event, nil
	}
	return script.run(event)
}

func (s *Script) run(event DeviceEvent) (DeviceEvent, error) {
	input, err := toPlain(event)
	if err != nil {
		return event, err
	}

	s.mu.Lock()
	result, err := s.transform(goja.Undefined(), s.vm.ToValue(input))
	var exported interface{}
	if err == nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		exported = result.Export()
	}
	s.mu.Unlock()

	if err != nil {
		return event, fmt.Errorf("failed to execute transform: %w", err)
	}
	if exported == nil {
		return event, ErrEventDropped
	}

	jsonData, err := json.Marshal(exported)
	if err != nil {
		return event, fmt.Errorf("failed to serialize script result: %w", err)
	}

	var out DeviceEvent
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return event, fmt.Errorf("failed to parse script result as event: %w", err)
	}

	// Identity is owned by the pipeline, not by scripts
	out.DeviceType = event.DeviceType
	out.SNID = event.SNID
	out.DataType = event.DataType

	return out, nil
}

func toPlain(event DeviceEvent) (map[string]interface{}, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	var plain map[string]interface{}
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, err
	}
	return plain, nil
}

// ReloadScript replaces the script of a data type
func (m *ScriptManager) ReloadScript(dataType string, cfg config.ScriptConfig) error {
	script, err := loadScript(cfg)
	if err != nil {
		return fmt.Errorf("failed to create script: %w", err)
	}

	m.mutex.Lock()
	m.scripts[normalizeDataType(dataType)] = script
	m.mutex.Unlock()

	logger.Info("reloaded script for data type %s", normalizeDataType(dataType))
	return nil
}

// Reload replaces the whole script set; data types missing from configs
// lose their script
func (m *ScriptManager) Reload(configs map[string]config.ScriptConfig) error {
	var errs []error
	seen := make(map[DataType]bool, len(configs))

	for dataType, cfg := range configs {
		seen[normalizeDataType(dataType)] = true
		if err := m.ReloadScript(dataType, cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dataType, err))
		}
	}

	m.mutex.Lock()
	for dataType := range m.scripts {
		if !seen[dataType] {
			delete(m.scripts, dataType)
			logger.Info("removed script for data type %s", dataType)
		}
	}
	m.mutex.Unlock()

	return errors.Join(errs...)
}

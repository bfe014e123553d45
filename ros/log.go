package ros

import (
	"sort"
	"strings"
	"sync"

	modular "github.com/edwinhayes/logrus-modular"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	defaultRootOnce sync.Once
	defaultRoot     modular.RootLogger
)

// DefaultLogger returns the process-wide root logger, created at info level
// on first use.
func DefaultLogger() modular.RootLogger {
	defaultRootOnce.Do(func() {
		logger := logrus.New()
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		defaultRoot = modular.NewRootLogger(logger)
	})
	return defaultRoot
}

// NewLogger returns a fresh root logger configured by level. See
// ParseLogLevel for the accepted forms.
func NewLogger(level string) (modular.RootLogger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return NewRootLogger(logger, level)
}

// NewRootLogger wraps logger in a module hierarchy and applies level to it.
// Entries are written through logger, which is switched to debug so that
// filtering happens per module.
func NewRootLogger(logger *logrus.Logger, level string) (modular.RootLogger, error) {
	if level == "" {
		level = logger.GetLevel().String()
	}
	root := modular.NewRootLogger(logger)
	if err := SetLogLevels(root, level); err != nil {
		return nil, err
	}
	return root, nil
}

// ParseLogLevel parses a log level setting. The setting is a comma
// separated list: an optional bare level applying to every module, then
// module=level overrides, as in "info,ros.publisher=debug,timesync=warn".
func ParseLogLevel(setting string) (logrus.Level, map[string]logrus.Level, error) {
	level := logrus.InfoLevel
	modules := make(map[string]logrus.Level)
	for _, part := range strings.Split(setting, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, override := strings.Cut(part, "=")
		if !override {
			lvl, err := logrus.ParseLevel(part)
			if err != nil {
				return 0, nil, errors.Wrap(err, "log level")
			}
			level = lvl
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
			return 0, nil, errors.Errorf("log level %q: invalid module name", part)
		}
		lvl, err := logrus.ParseLevel(strings.TrimSpace(value))
		if err != nil {
			return 0, nil, errors.Wrapf(err, "log level of module %s", name)
		}
		modules[name] = lvl
	}
	return level, modules, nil
}

// SetLogLevels applies a log level setting to root and its modules.
func SetLogLevels(root modular.RootLogger, setting string) error {
	level, modules, err := ParseLogLevel(setting)
	if err != nil {
		return err
	}
	root.SetLevel(level)

	// A parent sorts before its children, so SetLevel on a parent never
	// clobbers a more specific override.
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		root.GetOrCreateChild(name, modules[name]).SetLevel(modules[name])
	}
	return nil
}

// ModuleLogger returns the child of root named module, creating it with
// the level of its closest configured ancestor. A nil root falls back to
// DefaultLogger.
func ModuleLogger(root modular.RootLogger, module string) modular.ModuleLogger {
	if root == nil {
		root = DefaultLogger()
	}
	if child, err := root.GetChild(module); err == nil {
		return child
	}
	level := root.GetLevel()
	for parent := module; ; {
		i := strings.LastIndex(parent, ".")
		if i < 0 {
			break
		}
		parent = parent[:i]
		if p, err := root.GetChild(parent); err == nil {
			level = p.GetLevel()
			break
		}
	}
	return root.GetOrCreateChild(module, level)
}

// debugEnabled reports whether logger would emit debug entries.
func debugEnabled(logger modular.Logger) bool {
	return logger.GetModuleLogger().GetLevel() >= logrus.DebugLevel
}

package rtsptap

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
)

// InitLogger installs a tint-colored slog handler as the process default,
// at the level cfg requests.
func InitLogger(cfg *Config) {
	replaceAttr := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			if src, ok := a.Value.Any().(*slog.Source); ok {
				src.File = filepath.Base(src.File)
			}
		}
		return a
	}

	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:       cfg.SlogLevel(),
		AddSource:   true,
		TimeFormat:  time.RFC3339,
		ReplaceAttr: replaceAttr,
	})

	slog.SetDefault(slog.New(handler))
}

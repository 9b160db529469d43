// Package logging wires the structured logger onto a zap backend.
package logging

import (
	"encoding/json"
	"strings"

	"github.com/Gobusters/ectologger"
	"go.uber.org/zap"
)

// NewLogger builds the application logger. pretty switches to the
// human-readable development encoder.
func NewLogger(appName string, pretty bool) (ectologger.Logger, func(), error) {
	var zl *zap.Logger
	var err error
	if pretty {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, err
	}

	sugar := zl.Sugar().With("app", appName)
	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		write(sugar, msg)
	})

	cleanup := func() { _ = zl.Sync() }
	return logger, cleanup, nil
}

// entry is the projection of a log message onto the zap call. The full
// message rides along as a structured field so nothing is lost.
type entry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func write(sugar *zap.SugaredLogger, msg ectologger.EctoLogMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		sugar.Errorw("unloggable message", "marshal_error", err.Error())
		return
	}

	var e entry
	_ = json.Unmarshal(data, &e)

	fields := []any{"entry", json.RawMessage(data)}
	switch strings.ToLower(e.Level) {
	case "debug", "trace":
		sugar.Debugw(e.Message, fields...)
	case "warn", "warning":
		sugar.Warnw(e.Message, fields...)
	case "error", "fatal", "panic":
		sugar.Errorw(e.Message, fields...)
	default:
		sugar.Infow(e.Message, fields...)
	}
}

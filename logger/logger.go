// Package logger builds the server's logrus logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/shiena/ansicolor"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Level string
	// Dir receives one log file per day when set.
	Dir      string
	Terminal bool
	// Stdout is the terminal writer, os.Stdout when nil.
	Stdout io.Writer
}

// New returns a logger writing to the daily file and the terminal. An
// unknown level falls back to info.
func New(opts Options) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	var outputs []io.Writer
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		filename := filepath.Join(opts.Dir, time.Now().Format("2006-01-02.log"))
		file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		outputs = append(outputs, file)
	}
	if opts.Terminal {
		stdout := opts.Stdout
		if stdout == nil {
			stdout = os.Stdout
		}
		outputs = append(outputs, stdout)
	}
	if len(outputs) == 0 {
		outputs = append(outputs, io.Discard)
	}
	log.SetOutput(ansicolor.NewAnsiColorWriter(io.MultiWriter(outputs...)))

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log, nil
}

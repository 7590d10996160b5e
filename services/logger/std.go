package logsvc

import (
	"log"

	"github.com/trezcool/clinica/core"
)

// StdLogger only writes to a log.Logger. Debug messages are dropped unless debug is set.
type StdLogger struct {
	std   *log.Logger
	debug bool
}

var _ core.Logger = (*StdLogger)(nil)

func NewStdLogger(std *log.Logger, debug bool) *StdLogger {
	return &StdLogger{std: std, debug: debug}
}

func (l StdLogger) Debug(msg string, args ...interface{}) {
	if l.debug {
		logTo(l.std, "DEBUG: "+msg, args)
	}
}

func (l StdLogger) Info(msg string, args ...interface{}) {
	logTo(l.std, "INFO: "+msg, args)
}

func (l StdLogger) Warn(msg string, args ...interface{}) {
	logTo(l.std, "WARN: "+msg, args)
}

func (l StdLogger) Error(msg string, args ...interface{}) {
	logTo(l.std, "ERROR: "+msg, args)
}

func (l StdLogger) Fatal(msg string, args ...interface{}) {
	logTo(l.std, "FATAL: "+msg, args)
	l.std.Fatal(msg)
}

func logTo(std *log.Logger, msg string, args []interface{}) {
	std.Println(msg)
	for _, arg := range args {
		if arg != nil {
			std.Printf("%+v\n", arg)
		}
	}
}

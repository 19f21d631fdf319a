package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
)

var logLevels = []zapcore.Level{
	zapcore.DebugLevel,
	zapcore.InfoLevel,
	zapcore.WarnLevel,
	zapcore.ErrorLevel,
}

// logLevelFlag stores a --log-level style flag straight into a zapcore.Level.
type logLevelFlag struct {
	dest *zapcore.Level
}

func (f logLevelFlag) String() string {
	if f.dest == nil {
		return zapcore.InfoLevel.String()
	}
	return f.dest.String()
}

func (f logLevelFlag) Set(s string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		names := make([]string, len(logLevels))
		for i, l := range logLevels {
			names[i] = l.String()
		}
		return fmt.Errorf("log level %q is not one of %s", s, strings.Join(names, ", "))
	}
	*f.dest = lvl
	return nil
}

func (logLevelFlag) Type() string { return "level" }

// levelFlag registers a log level flag on fs that writes into dest, which
// starts out as def.
func levelFlag(fs *pflag.FlagSet, dest *zapcore.Level, name, short string, def zapcore.Level, usage string) {
	*dest = def
	fs.VarP(logLevelFlag{dest: dest}, name, short, usage)
}

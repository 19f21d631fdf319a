package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Opt is a single command-line option
type Opt struct {
	DestP      interface{} // pointer to the destination
	Flag       string
	Short      rune
	Default    interface{}
	Desc       string
	Required   bool
	Persistent bool
}

// Program parses CLI options
type Program struct {
	// Run is invoked by cobra on execute.
	Run func() error
	// Name is the name of the program in help usage and the env var prefix.
	Name string
	// Opts are the command line/env var options to the program
	Opts []Opt
}

// NewCommand creates a new cobra command to be executed that respects env
// vars and an optional config file.
//
// Uses the upper-case version of the program's name as a prefix
// to all environment variables. The config file is read from the path in
// the <NAME>_CLI_CONFIG environment variable when it is set.
func NewCommand(v *viper.Viper, p *Program) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:  p.Name,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return p.Run()
		},
	}
	cmd.SilenceUsage = true

	envPrefix := strings.ToUpper(p.Name)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	// This normalizes "-" to an underscore in env names.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if path := os.Getenv(envPrefix + "_CLI_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read cli config %s: %w", path, err)
		}
	}

	if err := BindOptions(v, cmd, p.Opts); err != nil {
		return nil, err
	}
	return cmd, nil
}

// BindOptions adds opts to the specified command and automatically
// registers those options with viper. Values found in the environment or
// config file become the flag defaults, so flags still win.
func BindOptions(v *viper.Viper, cmd *cobra.Command, opts []Opt) error {
	for _, o := range opts {
		flags := cmd.Flags()
		if o.Persistent {
			flags = cmd.PersistentFlags()
		}
		// checked before binding, after which the flag default counts as set
		preset := v.IsSet(o.Flag)
		short := ""
		if o.Short != 0 {
			short = string(o.Short)
		}

		switch destP := o.DestP.(type) {
		case *string:
			var d string
			if o.Default != nil {
				d = o.Default.(string)
			}
			if preset {
				d = v.GetString(o.Flag)
			}
			flags.StringVarP(destP, o.Flag, short, d, o.Desc)
		case *int:
			var d int
			if o.Default != nil {
				d = o.Default.(int)
			}
			if preset {
				d = v.GetInt(o.Flag)
			}
			flags.IntVarP(destP, o.Flag, short, d, o.Desc)
		case *bool:
			var d bool
			if o.Default != nil {
				d = o.Default.(bool)
			}
			if preset {
				d = v.GetBool(o.Flag)
			}
			flags.BoolVarP(destP, o.Flag, short, d, o.Desc)
		case *time.Duration:
			var d time.Duration
			if o.Default != nil {
				d = o.Default.(time.Duration)
			}
			if preset {
				d = v.GetDuration(o.Flag)
			}
			flags.DurationVarP(destP, o.Flag, short, d, o.Desc)
		case *[]string:
			var d []string
			if o.Default != nil {
				d = o.Default.([]string)
			}
			if preset {
				d = v.GetStringSlice(o.Flag)
			}
			flags.StringSliceVarP(destP, o.Flag, short, d, o.Desc)
		case *zapcore.Level:
			var d zapcore.Level
			if o.Default != nil {
				d = o.Default.(zapcore.Level)
			}
			if preset {
				if err := d.Set(v.GetString(o.Flag)); err != nil {
					return fmt.Errorf("invalid value for %s: %w", o.Flag, err)
				}
			}
			levelFlag(flags, destP, o.Flag, short, d, o.Desc)
		case pflag.Value:
			if o.Default != nil {
				if err := destP.Set(fmt.Sprint(o.Default)); err != nil {
					return fmt.Errorf("invalid default for %s: %w", o.Flag, err)
				}
			}
			if preset {
				if err := destP.Set(v.GetString(o.Flag)); err != nil {
					return fmt.Errorf("invalid value for %s: %w", o.Flag, err)
				}
			}
			flags.VarP(destP, o.Flag, short, o.Desc)
		default:
			return fmt.Errorf("unknown destination type %T for flag %s", o.DestP, o.Flag)
		}

		if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
			return err
		}
		// an env var or config value satisfies a required flag
		if o.Required && !preset {
			if err := cobra.MarkFlagRequired(flags, o.Flag); err != nil {
				return err
			}
		}
	}
	return nil
}

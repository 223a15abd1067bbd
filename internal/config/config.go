package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds everything the server binary needs. Values come from flags,
// with TTT_-prefixed environment variables (and a .env file loaded by main)
// as fallback.
type Config struct {
	Bind            string
	Port            int
	RoomIdleTimeout time.Duration
	Verbose         bool
	TLSCert         string
	TLSKey          string
}

func (c *Config) Validate() error {
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	return nil
}

func (c *Config) Addr() string {
	return c.Bind + ":" + strconv.Itoa(c.Port)
}

// Register wires the config's flags onto cmd and binds each one to its
// TTT_* environment variable through viper.
func Register(cmd *cobra.Command, c *Config) {
	v := viper.New()
	v.SetEnvPrefix("TTT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&c.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: TTT_BIND)")
	fs.IntVarP(&c.Port, "port", "p", 8080, "port to listen on (env: TTT_PORT)")
	fs.DurationVar(&c.RoomIdleTimeout, "room-idle-timeout", 30*time.Minute, "time before empty rooms are removed (env: TTT_ROOM_IDLE_TIMEOUT)")
	fs.StringVar(&c.TLSCert, "tls-cert", "", "path to tls certificate (env: TTT_TLS_CERT)")
	fs.StringVar(&c.TLSKey, "tls-key", "", "path to tls keyfile (env: TTT_TLS_KEY)")
	fs.BoolVarP(&c.Verbose, "verbose", "v", false, "enable debug logging (env: TTT_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

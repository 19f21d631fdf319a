package main

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/dirsrv/replication/config"
	"gopkg.in/yaml.v3"
)

func printConfig(w io.Writer, cfg *config.Config, format string) error {
	switch format {
	case "toml":
		return toml.NewEncoder(w).Encode(cfg)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q, expected toml or yaml", format)
	}
}

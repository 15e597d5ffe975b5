package config

// file.go - the YAML tunnels file (-f).
//
//	server_url: https://nexterm.example.com
//	token: 0c9e...
//	tunnels:
//	  - id: db
//	    entry_id: 12
//	    identity_id: 3
//	    remote_host: 10.0.0.8
//	    remote_port: 5432
//	    local_port: 15432
//
// server_url and token at the top apply to every tunnel that does not
// set its own.  A tunnel without an id gets a random one.

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	nxerr "nxtunnel/internal/errors"
	"nxtunnel/tunnel"
)

// TunnelsFile is the decoded tunnels file.
type TunnelsFile struct {
	ServerURL string                `yaml:"server_url"`
	Token     string                `yaml:"token"`
	Tunnels   []tunnel.TunnelConfig `yaml:"tunnels"`
}

// LoadTunnelsFile reads and validates a tunnels file.  Values from base
// (the flags and environment) fill in a missing file-level server_url
// or token.
func LoadTunnelsFile(path string, base *Config) (*TunnelsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tunnels file: %w", err)
	}
	defer f.Close()

	var tf TunnelsFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("tunnels file %s: %w", path, err)
	}

	if len(tf.Tunnels) == 0 {
		return nil, &nxerr.ConfigError{Field: "f", Value: path, Message: "no tunnels defined"}
	}
	if base != nil {
		if tf.ServerURL == "" {
			tf.ServerURL = base.ServerURL
		}
		if tf.Token == "" {
			tf.Token = base.Token
		}
	}

	seen := make(map[string]bool, len(tf.Tunnels))
	for i := range tf.Tunnels {
		tc := &tf.Tunnels[i]
		if tc.ID == "" {
			tc.ID = uuid.NewString()
		}
		if tc.ServerURL == "" {
			tc.ServerURL = tf.ServerURL
		}
		if tc.Token == "" {
			tc.Token = tf.Token
		}

		if seen[tc.ID] {
			return nil, fmt.Errorf("tunnels file %s: tunnel %d: %w: %s", path, i+1, nxerr.ErrDuplicateID, tc.ID)
		}
		seen[tc.ID] = true

		if err := tc.Validate(); err != nil {
			return nil, fmt.Errorf("tunnels file %s: tunnel %d (%s): %w", path, i+1, tc.ID, err)
		}
	}
	return &tf, nil
}

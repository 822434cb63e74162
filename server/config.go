package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// writeConfig renders the server's configuration file. All listen addresses
// are bound to the leased host; everything that can live in the config file
// does, so restarts only need the baseline command line.
//
// Sic: servers ignore unknown configuration keys without complaint, so a
// typo here produces a booting server with a missing setting. Check the
// server log after changing this.
func (s *Server) writeConfig() error {
	conf := map[string]any{
		"cluster_name":   s.clusterName,
		"developer_mode": true,

		"data_file_directories": []string{filepath.Join(s.workdir, "data")},
		"commitlog_directory":   filepath.Join(s.workdir, "commitlog"),
		"hints_directory":       filepath.Join(s.workdir, "hints"),

		"listen_address":     s.host,
		"rpc_address":        s.host,
		"api_address":        s.host,
		"prometheus_address": s.host,

		"seeds": strings.Join(s.seeds, ","),

		// Server-side timeouts are widened so a slow CI host doesn't fail
		// requests the client is still happy to wait for.
		"request_timeout_in_ms": 300000,

		"permissions_update_interval_in_ms": 100,
		"permissions_validity_in_ms":        100,
	}
	for k, v := range s.configOptions {
		conf[k] = v
	}

	b, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}
	if err := os.WriteFile(s.configPath, b, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

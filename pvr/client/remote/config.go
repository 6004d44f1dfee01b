// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package remote

import (
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/oakleaf-io/oakleaf/pvr/client"
)

// Backend configures one remote backend.
type Backend struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	Token          string `json:"token,omitempty"`
	ID             int    `json:"id"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// Config is the clients file layout.
type Config struct {
	Clients []Backend `json:"clients"`
}

// LoadConfig reads a YAML clients file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read clients file")
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse clients file")
	}
	seen := make(map[int]bool, len(cfg.Clients))
	for _, b := range cfg.Clients {
		if b.ID <= 0 {
			return Config{}, errors.Errorf("client %q: id must be positive", b.Name)
		}
		if seen[b.ID] {
			return Config{}, errors.Errorf("client %q: duplicate id %d", b.Name, b.ID)
		}
		seen[b.ID] = true
		if b.URL == "" {
			return Config{}, errors.Errorf("client %q: url is required", b.Name)
		}
	}
	return cfg, nil
}

// Register builds a Remote per configured backend and registers it.
func Register(reg *client.Registry, cfg Config) error {
	for _, b := range cfg.Clients {
		if err := reg.Register(New(b)); err != nil {
			return err
		}
	}
	return nil
}

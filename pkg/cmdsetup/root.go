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

// Package cmdsetup assembles the oakleafd command tree.
package cmdsetup

import (
	"github.com/spf13/cobra"

	"github.com/oakleaf-io/oakleaf/pkg/cgroups"
	"github.com/oakleaf-io/oakleaf/pkg/config"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/run"
	"github.com/oakleaf-io/oakleaf/pkg/version"
)

// NewRoot returns the oakleafd root command.
func NewRoot(runners ...run.Unit) *cobra.Command {
	logging := logger.Logging{}
	cmd := &cobra.Command{
		Use:               "oakleafd",
		DisableAutoGenTag: true,
		Version:           version.Build(),
		Short:             "Oakleaf is a home media data engine",
		Long: `
Oakleaf bundles two independent servers under one binary: a document
database speaking an extended JSON command protocol, and a PVR engine
managing channels, programme guides and recording timers.
`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) (err error) {
			if err = config.Load("logging", cmd.Flags()); err != nil {
				return err
			}
			if err = logger.Init(logging); err != nil {
				return err
			}
			logger.Infof("CPU Number: %d", cgroups.CPUs())
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&logging.Env, "logging-env", "prod", "the logging")
	cmd.PersistentFlags().StringVar(&logging.Level, "logging-level", "info", "the root level of logging")
	cmd.PersistentFlags().StringSliceVar(&logging.Modules, "logging-modules", nil, "the specific module")
	cmd.PersistentFlags().StringSliceVar(&logging.Levels, "logging-levels", nil, "the level logging of logging")
	cmd.AddCommand(newDocstoreCmd(runners...))
	cmd.AddCommand(newPVRCmd(runners...))
	return cmd
}

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

package cmdsetup

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/observability"
	"github.com/oakleaf-io/oakleaf/pkg/run"
	"github.com/oakleaf-io/oakleaf/pkg/version"
	"github.com/oakleaf-io/oakleaf/pvr/api"
	"github.com/oakleaf-io/oakleaf/pvr/manager"
)

func newPVRCmd(runners ...run.Unit) *cobra.Command {
	engine := manager.New()
	apiServer := api.NewServer(engine)
	metricSvc := observability.NewMetricService()

	var units []run.Unit
	units = append(units, runners...)
	units = append(units, engine, apiServer, metricSvc)
	g := run.NewGroup("pvr")
	g.Register(units...)

	cmd := &cobra.Command{
		Use:     "pvr",
		Version: version.Build(),
		Short:   "Run the PVR engine server",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger.GetLogger().Info().Msg("starting the pvr engine")
			if err := g.Run(context.Background()); err != nil {
				logger.GetLogger().Error().Err(err).Stack().Str("name", g.Name()).Msg("Exit")
				os.Exit(-1)
			}
			return nil
		},
	}
	cmd.Flags().AddFlagSet(g.RegisterFlags().FlagSet)
	return cmd
}

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

	"github.com/oakleaf-io/oakleaf/docstore/backup"
	"github.com/oakleaf-io/oakleaf/docstore/store"
	"github.com/oakleaf-io/oakleaf/docstore/wire"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/observability"
	"github.com/oakleaf-io/oakleaf/pkg/run"
	"github.com/oakleaf-io/oakleaf/pkg/version"
)

func newDocstoreCmd(runners ...run.Unit) *cobra.Command {
	deps := &wire.Deps{}
	storeSvc := store.New(deps)
	wireServer := wire.NewServer(deps)
	metricSvc := observability.NewMetricService()

	var units []run.Unit
	units = append(units, runners...)
	// The store fills deps at its PreRun; it must come before the wire
	// server, which snapshots them at its own.
	units = append(units, storeSvc, wireServer, metricSvc)
	g := run.NewGroup("docstore")
	g.Register(units...)

	cmd := &cobra.Command{
		Use:     "docstore",
		Version: version.Build(),
		Short:   "Run the document database server",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger.GetLogger().Info().Msg("starting the document store")
			if err := g.Run(context.Background()); err != nil {
				logger.GetLogger().Error().Err(err).Stack().Str("name", g.Name()).Msg("Exit")
				os.Exit(-1)
			}
			return nil
		},
	}
	cmd.Flags().AddFlagSet(g.RegisterFlags().FlagSet)
	cmd.AddCommand(newBackupCmd())
	return cmd
}

func newBackupCmd() *cobra.Command {
	var opts backup.Options
	cmd := &cobra.Command{
		Use:     "backup",
		Version: version.Build(),
		Short:   "Take a snapshot of the document store while the server is down",
		RunE: func(_ *cobra.Command, _ []string) error {
			res, err := backup.Run(context.Background(), opts)
			if err != nil {
				return err
			}
			logger.GetLogger().Info().Str("path", res.Path).Uint64("maxTs", res.MaxTs).
				Msg("backup complete")
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.Root, "store-root", "/tmp/oakleaf-docstore", "the root path of the document store")
	fs.StringVar(&opts.OutDir, "out-dir", ".", "directory receiving the snapshot file")
	fs.Uint64Var(&opts.SinceTs, "since-ts", 0, "commit timestamp of the previous snapshot; non-zero makes the backup incremental")
	fs.StringVar(&opts.S3Endpoint, "s3-endpoint", "", "S3 endpoint receiving the snapshot; empty keeps it local")
	fs.StringVar(&opts.S3Bucket, "s3-bucket", "", "S3 bucket name")
	fs.StringVar(&opts.S3Prefix, "s3-prefix", "", "S3 object key prefix")
	fs.StringVar(&opts.S3AccessKey, "s3-access-key", "", "S3 access key")
	fs.StringVar(&opts.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	fs.BoolVar(&opts.S3Secure, "s3-secure", true, "use TLS for the S3 endpoint")
	return cmd
}

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

// Package backup snapshots a document store root into a single backup
// file and optionally ships it to an S3-compatible endpoint. The store
// must not be serving while the snapshot runs; the engine's directory
// lock enforces that.
package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
)

// Options selects what to snapshot and where the result goes. The S3
// fields are optional; with an empty endpoint the snapshot stays local.
type Options struct {
	Root    string
	OutDir  string
	SinceTs uint64

	S3Endpoint  string
	S3Bucket    string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string
	S3Secure    bool
}

// Result reports the produced snapshot.
type Result struct {
	Path string
	// MaxTs is the last commit timestamp the snapshot covers; feed it
	// back as SinceTs for an incremental follow-up.
	MaxTs uint64
}

// Run takes the snapshot. It opens the engine under Root the same way
// the daemon does, streams the backup into OutDir and, when an S3
// endpoint is configured, uploads the file under S3Prefix.
func Run(ctx context.Context, opts Options) (*Result, error) {
	l := logger.GetLogger("backup")
	if opts.Root == "" {
		return nil, errors.New("backup: store root is empty")
	}
	if opts.OutDir == "" {
		opts.OutDir = "."
	}
	if err := os.MkdirAll(opts.OutDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}

	eng, err := engine.Open(engine.DefaultOptions(filepath.Join(opts.Root, "data")))
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	defer func() {
		if cErr := eng.Close(); cErr != nil {
			l.Error().Err(cErr).Msg("engine close")
		}
	}()

	name := fmt.Sprintf("docstore-%s-%d.bak", timestamp.NewClock().Now().UTC().Format("20060102T150405"), opts.SinceTs)
	out := filepath.Join(opts.OutDir, name)
	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "create snapshot file")
	}
	maxTs, err := eng.Backup(f, opts.SinceTs)
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		_ = os.Remove(out)
		return nil, errors.Wrap(err, "stream snapshot")
	}
	l.Info().Str("path", out).Uint64("sinceTs", opts.SinceTs).Uint64("maxTs", maxTs).Msg("snapshot written")

	if opts.S3Endpoint != "" {
		if err := upload(ctx, l, opts, out, name); err != nil {
			return nil, err
		}
	}
	return &Result{Path: out, MaxTs: maxTs}, nil
}

func upload(ctx context.Context, l *logger.Logger, opts Options, file, name string) error {
	if opts.S3Bucket == "" {
		return errors.New("backup: s3 bucket is empty")
	}
	client, err := minio.New(opts.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.S3AccessKey, opts.S3SecretKey, ""),
		Secure: opts.S3Secure,
	})
	if err != nil {
		return errors.Wrap(err, "build s3 client")
	}
	key := name
	if opts.S3Prefix != "" {
		key = path.Join(opts.S3Prefix, name)
	}
	info, err := client.FPutObject(ctx, opts.S3Bucket, key, file, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return errors.Wrapf(err, "upload %s to bucket %s", key, opts.S3Bucket)
	}
	l.Info().Str("bucket", opts.S3Bucket).Str("key", key).Int64("size", info.Size).Msg("snapshot uploaded")
	return nil
}

package objstore

import (
	"bytes"
	"context"
	"io"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"

	"github.com/whyitfor/ofrak-u-boot/pkg/patchcontext"
)

// NewBucket creates the bucket of the configured backend, instrumented with
// the registry of ctx.
func NewBucket(ctx context.Context, cfg Config, name string) (objstore.Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := patchcontext.Logger(ctx)
	reg := patchcontext.Registry(ctx)

	var backend objstore.Bucket
	switch cfg.Backend {
	case Filesystem:
		fs, err := filesystem.NewBucket(cfg.Filesystem.Directory)
		if err != nil {
			return nil, errors.Wrapf(err, "create filesystem bucket in %s", cfg.Filesystem.Directory)
		}
		backend = fs
	case Memory:
		backend = objstore.NewInMemBucket()
	}

	var bkt objstore.Bucket = objstore.WrapWithMetrics(backend, reg, name)
	if cfg.StoragePrefix != "" {
		bkt = objstore.NewPrefixedBucket(bkt, cfg.StoragePrefix)
	}
	level.Debug(logger).Log("msg", "bucket created", "backend", cfg.Backend, "name", name, "prefix", cfg.StoragePrefix)
	return bkt, nil
}

// Upload writes data to name.
func Upload(ctx context.Context, bkt objstore.Bucket, name string, data []byte) error {
	if err := bkt.Upload(ctx, name, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "upload %s", name)
	}
	return nil
}

// ReadAll returns the whole content of name.
func ReadAll(ctx context.Context, bkt objstore.BucketReader, name string) (_ []byte, err error) {
	rc, err := bkt.Get(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", name)
	}
	defer func() {
		if cerr := rc.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "close %s", name)
		}
	}()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	return data, nil
}

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/whyitfor/ofrak-u-boot/pkg/objstore"
	"github.com/whyitfor/ofrak-u-boot/pkg/patchmap"
	"github.com/whyitfor/ofrak-u-boot/pkg/session"
)

var errVerificationFailed = errors.New("verification failed")

type verifyParams struct {
	dir  string
	name string
}

func addVerifyParams(cmd *kingpin.CmdClause) *verifyParams {
	p := new(verifyParams)
	cmd.Arg("dir", "Storage directory the image was flushed to.").Required().StringVar(&p.dir)
	cmd.Arg("name", "Object name of the patched image.").Required().StringVar(&p.name)
	return p
}

func verify(ctx context.Context, p *verifyParams) error {
	bkt, err := objstore.NewBucket(ctx, objstore.Config{
		Backend:    objstore.Filesystem,
		Filesystem: objstore.FilesystemConfig{Directory: p.dir},
	}, "ubootpatch-verify")
	if err != nil {
		return err
	}
	defer bkt.Close()

	img, err := objstore.ReadAll(ctx, bkt, p.name)
	if err != nil {
		return err
	}
	raw, err := objstore.ReadAll(ctx, bkt, p.name+session.MapSuffix)
	if err != nil {
		return err
	}
	doc, err := patchmap.ReadDocument(bytes.NewReader(raw))
	if err != nil {
		return err
	}

	w := output(ctx)
	doc.Map().WriteTable(w)
	if err := patchmap.Verify(img, doc.Entries); err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				fmt.Fprintf(w, "FAIL %v\n", e)
			}
		}
		return errVerificationFailed
	}
	fmt.Fprintf(w, "OK %d segments\n", len(doc.Entries))
	return nil
}

// Package apksign aligns and signs Android application packages.
//
// SignFile runs the whole pipeline: the input is aligned into an
// intermediate file, re-signed with a JAR (v1) signature while keeping the
// alignment, and finally given an APK Signature Scheme v2 block. The result
// replaces the output path atomically.
package apksign

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aluedeke/go-apkpatch/internal/fileutil"
)

// SignOptions contains all options for signing an archive
type SignOptions struct {
	Identity *SigningIdentity // defaults to the embedded debug identity
	Align    AlignOptions     // zero value means DefaultAlignOptions

	// MinSDKVersion is the archive's minimum platform release. Below 18
	// the JAR signature uses SHA-1, which is all those releases verify.
	MinSDKVersion int
}

// SignFile aligns and signs the archive at in, writing the result to out.
// in and out may be the same path.
func SignFile(in, out string, opts SignOptions) error {
	identity := opts.Identity
	if identity == nil {
		var err error
		identity, err = DebugIdentity()
		if err != nil {
			return fmt.Errorf("failed to load debug identity: %w", err)
		}
	}
	if _, err := identity.signer(); err != nil {
		return err
	}
	alignOpts := opts.Align
	if alignOpts.Alignment == 0 && alignOpts.PageAlignment == 0 && alignOpts.PagePatterns == nil {
		alignOpts = DefaultAlignOptions()
	}

	// Alignment is made durable before any signing work starts
	aligned, err := os.CreateTemp(filepath.Dir(out), filepath.Base(out)+".aligned-*")
	if err != nil {
		return fmt.Errorf("failed to create intermediate file: %w", err)
	}
	aligned.Close()
	defer os.Remove(aligned.Name())

	if err := AlignTo(in, aligned.Name(), alignOpts); err != nil {
		return fmt.Errorf("failed to align: %w", err)
	}

	r, err := zip.OpenReader(aligned.Name())
	if err != nil {
		return fmt.Errorf("failed to open aligned archive: %w", err)
	}
	defer r.Close()

	var v1 bytes.Buffer
	if err := signV1(&v1, &r.Reader, identity, alignOpts, jarDigestFor(opts.MinSDKVersion)); err != nil {
		return fmt.Errorf("failed to add v1 signature: %w", err)
	}

	signed, err := signV2(v1.Bytes(), identity)
	if err != nil {
		return fmt.Errorf("failed to add v2 signature: %w", err)
	}

	return fileutil.WriteAtomic(out, func(w io.Writer) error {
		_, err := w.Write(signed)
		return err
	})
}

// Package apkpatch injects a compatibility shim into an installed Android
// package and produces a signed copy that can be installed in its place.
//
// The pipeline is strictly linear: the compiled manifest is rewritten and
// the version it declares selects one definition from the compatibility
// catalog, the definition's files are written into a rebuilt archive, and
// the archive is aligned and re-signed.
//
// # Basic Usage
//
//	p, err := apkpatch.NewPatcher(apkpatch.PatcherOptions{
//	    Config: apkpatch.LoadConfig(apkpatch.Config{}, os.Getenv),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	apk, err := p.Extract(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	signed, err := p.Patch(ctx, apk)
//
// Every operation returns an *Error carrying a Kind. Only
// NoSupportedVersion also carries an Action, telling the caller to fetch
// newer compatibility data. The outcome of the last operation is kept in
// status.yaml inside the workspace.
package apkpatch

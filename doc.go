// Package main provides the go-apkpatch CLI, which turns an installed
// Android package into a patched, aligned and re-signed copy.
//
// For the library API, see the subpackages:
//
//	import "github.com/aluedeke/go-apkpatch/pkg/apkpatch" // pipeline
//	import "github.com/aluedeke/go-apkpatch/pkg/apksign"  // alignment and signing
//	import "github.com/aluedeke/go-apkpatch/pkg/axml"     // binary manifest rewriting
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-apkpatch@latest
//
// Each command is independent and records its outcome in status.yaml
// inside the workspace, so a failed patch can be inspected after the fact.
package main

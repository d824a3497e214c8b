package apksign

import (
	"archive/zip"
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.mozilla.org/pkcs7"
)

// VerifyResult describes the signatures found on an archive.
type VerifyResult struct {
	V1Signed bool
	V2Signed bool
	// Signer is the v2 signer when present, the v1 signer otherwise.
	Signer *x509.Certificate
}

// Verify checks the v1 and v2 signatures of the archive at path. Schemes
// that are absent are reported in the result; a scheme that is present
// but invalid is an error.
func Verify(path string) (*VerifyResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return VerifyBytes(data)
}

// VerifyBytes is Verify for an archive held in memory.
func VerifyBytes(data []byte) (*VerifyResult, error) {
	result := &VerifyResult{}

	cert, err := verifyV2(data)
	switch {
	case errors.Is(err, ErrNoV2Signature):
	case err != nil:
		return nil, err
	default:
		result.V2Signed = true
		result.Signer = cert
	}

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	v1Cert, err := verifyV1(r)
	if err != nil {
		return nil, err
	}
	if v1Cert != nil {
		result.V1Signed = true
		if result.Signer == nil {
			result.Signer = v1Cert
		}
	}
	return result, nil
}

// verifyV1 checks the JAR signature. It returns a nil certificate when the
// archive carries no JAR signature at all.
func verifyV1(r *zip.Reader) (*x509.Certificate, error) {
	files := make(map[string]*zip.File, len(r.File))
	var sfName, blockName string
	for _, f := range r.File {
		files[f.Name] = f
		upper := strings.ToUpper(f.Name)
		if !isSignatureFile(f.Name) || upper == manifestName {
			continue
		}
		if strings.HasSuffix(upper, ".SF") {
			sfName = f.Name
		} else {
			blockName = f.Name
		}
	}
	if sfName == "" && blockName == "" {
		return nil, nil
	}
	if sfName == "" || blockName == "" || files[manifestName] == nil {
		return nil, fmt.Errorf("incomplete v1 signature")
	}

	manifest, err := readEntry(files[manifestName])
	if err != nil {
		return nil, err
	}
	sf, err := readEntry(files[sfName])
	if err != nil {
		return nil, err
	}
	block, err := readEntry(files[blockName])
	if err != nil {
		return nil, err
	}

	// Parse the CMS block and check it signs the .SF file
	p7, err := pkcs7.Parse(block)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", blockName, err)
	}
	p7.Content = sf
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("v1 signature does not verify: %w", err)
	}

	sfMain, _ := parseManifest(sf)
	digest, ok := signatureDigest(sfMain)
	if !ok {
		return nil, fmt.Errorf("%s has no supported manifest digest", sfName)
	}
	if sfMain[digest.attr()+"-Manifest"] != digest.encode(manifest) {
		return nil, fmt.Errorf("%s does not match %s", sfName, manifestName)
	}

	// Every entry must be listed with a matching digest
	_, sections := parseManifest(manifest)
	listed := make(map[string]bool, len(sections))
	for _, sec := range sections {
		name := sec["Name"]
		f := files[name]
		if f == nil {
			return nil, fmt.Errorf("%s lists missing entry %s", manifestName, name)
		}
		sum, err := digestEntry(f, digest)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		if sum != sec[digest.attr()] {
			return nil, fmt.Errorf("digest mismatch for %s", name)
		}
		listed[name] = true
	}
	for name := range files {
		if strings.HasSuffix(name, "/") || isSignatureFile(name) {
			continue
		}
		if !listed[name] {
			return nil, fmt.Errorf("entry %s is not covered by the v1 signature", name)
		}
	}

	return p7.GetOnlySigner(), nil
}

// signatureDigest reports which digest the signature file was made with.
func signatureDigest(sfMain map[string]string) (jarDigest, bool) {
	for _, d := range []jarDigest{digestSHA256, digestSHA1} {
		if _, ok := sfMain[d.attr()+"-Manifest"]; ok {
			return d, true
		}
	}
	return jarDigest{}, false
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	return data, nil
}

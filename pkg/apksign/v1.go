package apksign

import (
	"archive/zip"
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.mozilla.org/pkcs7"
)

// JAR signature entries
const (
	manifestName  = "META-INF/MANIFEST.MF"
	signatureName = "META-INF/CERT.SF"

	maxLineLength = 72
	createdBy     = "1.0 (go-apkpatch)"
)

// sha256MinSDK is the first platform release whose JAR verifier accepts
// SHA-256 digests.
const sha256MinSDK = 18

// jarDigest is the digest used throughout a JAR signature.
type jarDigest struct {
	name string // attribute prefix, e.g. "SHA-256"
	new  func() hash.Hash
	oid  asn1.ObjectIdentifier
}

var (
	digestSHA256 = jarDigest{"SHA-256", sha256.New, pkcs7.OIDDigestAlgorithmSHA256}
	digestSHA1   = jarDigest{"SHA1", sha1.New, pkcs7.OIDDigestAlgorithmSHA1}
)

// jarDigestFor picks the digest older platforms can still verify. Zero
// means the minimum SDK is unknown and SHA-256 is used.
func jarDigestFor(minSDK int) jarDigest {
	if minSDK > 0 && minSDK < sha256MinSDK {
		return digestSHA1
	}
	return digestSHA256
}

func (d jarDigest) attr() string {
	return d.name + "-Digest"
}

func (d jarDigest) encode(data []byte) string {
	h := d.new()
	h.Write(data)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// signatureFilePatterns match every v1 signature artefact that must be
// dropped before re-signing.
var signatureFilePatterns = []string{
	manifestName,
	"META-INF/*.SF",
	"META-INF/*.RSA",
	"META-INF/*.DSA",
	"META-INF/*.EC",
}

func isSignatureFile(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range signatureFilePatterns {
		if ok, _ := doublestar.Match(pattern, upper); ok {
			return true
		}
	}
	return false
}

// signatureBlockName returns the CMS entry name for the key algorithm.
func signatureBlockName(id *SigningIdentity) string {
	if _, ok := id.PrivateKey.(*ecdsa.PrivateKey); ok {
		return "META-INF/CERT.EC"
	}
	return "META-INF/CERT.RSA"
}

// signV1 copies src to dst without its old signature files and appends a
// fresh JAR signature (MANIFEST.MF, CERT.SF, CERT.RSA/EC).
func signV1(dst io.Writer, src *zip.Reader, identity *SigningIdentity, opts AlignOptions, digest jarDigest) error {
	var kept []*zip.File
	digests := make(map[string]string)
	for _, f := range src.File {
		if isSignatureFile(f.Name) {
			continue
		}
		kept = append(kept, f)
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		sum, err := digestEntry(f, digest)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", f.Name, err)
		}
		digests[f.Name] = sum
	}

	manifest, sections := buildManifest(digests, digest)
	sf := buildSignatureFile(manifest, sections, digest)
	block, err := buildSignatureBlock(sf, identity, digest)
	if err != nil {
		return err
	}

	aw := newAlignedWriter(dst, opts)
	for _, f := range kept {
		if err := aw.copyRaw(f); err != nil {
			return fmt.Errorf("failed to copy %s: %w", f.Name, err)
		}
	}
	for _, e := range []struct {
		name string
		data []byte
	}{
		{manifestName, manifest},
		{signatureName, sf},
		{signatureBlockName(identity), block},
	} {
		if err := aw.add(e.name, e.data, zip.Deflate); err != nil {
			return fmt.Errorf("failed to write %s: %w", e.name, err)
		}
	}
	return aw.close(src.Comment)
}

func digestEntry(f *zip.File, digest jarDigest) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := digest.new()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// manifestSection is one "Name:" section of MANIFEST.MF with its exact bytes.
type manifestSection struct {
	name string
	raw  []byte
}

func buildManifest(digests map[string]string, digest jarDigest) ([]byte, []manifestSection) {
	names := make([]string, 0, len(digests))
	for name := range digests {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	writeAttribute(&buf, "Manifest-Version", "1.0")
	writeAttribute(&buf, "Created-By", createdBy)
	buf.WriteString("\r\n")

	sections := make([]manifestSection, 0, len(names))
	for _, name := range names {
		var sec bytes.Buffer
		writeAttribute(&sec, "Name", name)
		writeAttribute(&sec, digest.attr(), digests[name])
		sec.WriteString("\r\n")
		sections = append(sections, manifestSection{name: name, raw: sec.Bytes()})
		buf.Write(sec.Bytes())
	}
	return buf.Bytes(), sections
}

func buildSignatureFile(manifest []byte, sections []manifestSection, digest jarDigest) []byte {
	var buf bytes.Buffer
	writeAttribute(&buf, "Signature-Version", "1.0")
	writeAttribute(&buf, "Created-By", createdBy)
	writeAttribute(&buf, digest.attr()+"-Manifest", digest.encode(manifest))
	// Tells v2-aware verifiers that stripping the v2 block is an attack.
	writeAttribute(&buf, "X-Android-APK-Signed", "2")
	buf.WriteString("\r\n")

	for _, sec := range sections {
		writeAttribute(&buf, "Name", sec.name)
		writeAttribute(&buf, digest.attr(), digest.encode(sec.raw))
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// buildSignatureBlock signs CERT.SF as detached PKCS#7 without signed
// attributes, the form Android's JAR verifier expects.
func buildSignatureBlock(sf []byte, identity *SigningIdentity, digest jarDigest) ([]byte, error) {
	signedData, err := pkcs7.NewSignedData(sf)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	signedData.SetDigestAlgorithm(digest.oid)
	if _, ok := identity.PrivateKey.(*rsa.PrivateKey); ok {
		signedData.SetEncryptionAlgorithm(pkcs7.OIDEncryptionAlgorithmRSA)
	}

	if err := signedData.SignWithoutAttr(identity.Certificate, identity.PrivateKey, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}
	for _, cert := range identity.CertChain[1:] {
		signedData.AddCertificate(cert)
	}
	signedData.Detach()

	der, err := signedData.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signing: %w", err)
	}
	return der, nil
}

// writeAttribute writes "key: value" wrapped at 72 bytes per line.
func writeAttribute(buf *bytes.Buffer, key, value string) {
	line := key + ": " + value
	limit := maxLineLength
	for len(line) > limit {
		buf.WriteString(line[:limit])
		buf.WriteString("\r\n ")
		line = line[limit:]
		limit = maxLineLength - 1
	}
	buf.WriteString(line)
	buf.WriteString("\r\n")
}

// parseManifest splits a MANIFEST.MF or .SF file into its main attributes
// and its named sections, unfolding continuation lines.
func parseManifest(data []byte) (map[string]string, []map[string]string) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\n ", "")

	var main map[string]string
	var sections []map[string]string
	for _, block := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		attrs := make(map[string]string)
		for _, line := range strings.Split(block, "\n") {
			if key, value, ok := strings.Cut(line, ": "); ok {
				attrs[key] = value
			}
		}
		if main == nil {
			main = attrs
			continue
		}
		sections = append(sections, attrs)
	}
	return main, sections
}

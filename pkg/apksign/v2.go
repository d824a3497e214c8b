package apksign

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
)

// APK Signature Scheme v2 constants
const (
	sigBlockMagic   = "APK Sig Block 42"
	v2BlockID       = 0x7109871a
	digestChunkSize = 1 << 20

	sigRSAPKCS1v15SHA256 = 0x0103
	sigECDSASHA256       = 0x0201

	eocdSignature = 0x06054b50
	eocdMinLen    = 22
)

// ErrNoV2Signature is returned when an archive has no v2 signing block.
var ErrNoV2Signature = errors.New("no APK Signature Scheme v2 block")

// zipSections locates the central directory and end of central directory.
type zipSections struct {
	cdOffset   int64
	cdSize     int64
	eocdOffset int64
}

func findZipSections(data []byte) (zipSections, error) {
	n := len(data)
	for i := n - eocdMinLen; i >= 0 && i >= n-eocdMinLen-0xffff; i-- {
		if binary.LittleEndian.Uint32(data[i:]) != eocdSignature {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(data[i+20:]))
		if i+eocdMinLen+commentLen != n {
			continue
		}
		cdSize := int64(binary.LittleEndian.Uint32(data[i+12:]))
		cdOffset := int64(binary.LittleEndian.Uint32(data[i+16:]))
		if cdOffset == 0xffffffff {
			return zipSections{}, fmt.Errorf("zip64 archives are not supported")
		}
		if cdOffset+cdSize != int64(i) {
			return zipSections{}, fmt.Errorf("central directory at %d+%d does not end at EOCD %d", cdOffset, cdSize, i)
		}
		return zipSections{cdOffset: cdOffset, cdSize: cdSize, eocdOffset: int64(i)}, nil
	}
	return zipSections{}, fmt.Errorf("end of central directory not found")
}

// chunkedDigest computes the v2 content digest over the given sections.
func chunkedDigest(sections ...[]byte) []byte {
	var chunks [][]byte
	for _, s := range sections {
		for len(s) > 0 {
			n := len(s)
			if n > digestChunkSize {
				n = digestChunkSize
			}
			chunks = append(chunks, s[:n])
			s = s[n:]
		}
	}

	top := sha256.New()
	var hdr [5]byte
	hdr[0] = 0x5a
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(chunks)))
	top.Write(hdr[:])
	for _, c := range chunks {
		h := sha256.New()
		hdr[0] = 0xa5
		binary.LittleEndian.PutUint32(hdr[1:], uint32(len(c)))
		h.Write(hdr[:])
		h.Write(c)
		top.Write(h.Sum(nil))
	}
	return top.Sum(nil)
}

// contentDigest digests an archive as if the central directory started at
// blockStart, which is where the signing block sits (or will sit).
func contentDigest(data []byte, zs zipSections, blockStart int64) []byte {
	eocd := append([]byte(nil), data[zs.eocdOffset:]...)
	binary.LittleEndian.PutUint32(eocd[16:], uint32(blockStart))
	return chunkedDigest(data[:blockStart], data[zs.cdOffset:zs.eocdOffset], eocd)
}

func signatureAlgorithm(key crypto.Signer) (uint32, error) {
	switch key.(type) {
	case *rsa.PrivateKey:
		return sigRSAPKCS1v15SHA256, nil
	case *ecdsa.PrivateKey:
		return sigECDSASHA256, nil
	}
	return 0, fmt.Errorf("unsupported private key type %T", key)
}

// signV2 returns data with an APK Signing Block inserted in front of the
// central directory. data must not already carry a signing block.
func signV2(data []byte, identity *SigningIdentity) ([]byte, error) {
	zs, err := findZipSections(data)
	if err != nil {
		return nil, err
	}
	key, err := identity.signer()
	if err != nil {
		return nil, err
	}
	algo, err := signatureAlgorithm(key)
	if err != nil {
		return nil, err
	}

	digest := contentDigest(data, zs, zs.cdOffset)

	// signed data: digests, certificates, additional attributes
	var digests, certs, signedData []byte
	digests = appendLengthPrefixed(digests, appendLengthPrefixed(binary.LittleEndian.AppendUint32(nil, algo), digest))
	for _, cert := range identity.CertChain {
		certs = appendLengthPrefixed(certs, cert.Raw)
	}
	signedData = appendLengthPrefixed(signedData, digests)
	signedData = appendLengthPrefixed(signedData, certs)
	signedData = appendLengthPrefixed(signedData, nil)

	hashed := sha256.Sum256(signedData)
	sig, err := key.Sign(rand.Reader, hashed[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	var signatures, signer, signers []byte
	signatures = appendLengthPrefixed(signatures, appendLengthPrefixed(binary.LittleEndian.AppendUint32(nil, algo), sig))
	signer = appendLengthPrefixed(signer, signedData)
	signer = appendLengthPrefixed(signer, signatures)
	signer = appendLengthPrefixed(signer, pub)
	signers = appendLengthPrefixed(signers, signer)
	value := appendLengthPrefixed(nil, signers)

	block := buildSigningBlock(map[uint32][]byte{v2BlockID: value})

	out := make([]byte, 0, len(data)+len(block))
	out = append(out, data[:zs.cdOffset]...)
	out = append(out, block...)
	out = append(out, data[zs.cdOffset:]...)
	eocd := zs.eocdOffset + int64(len(block))
	binary.LittleEndian.PutUint32(out[eocd+16:], uint32(zs.cdOffset+int64(len(block))))
	return out, nil
}

func buildSigningBlock(pairs map[uint32][]byte) []byte {
	var body []byte
	for id, value := range pairs {
		body = binary.LittleEndian.AppendUint64(body, uint64(4+len(value)))
		body = binary.LittleEndian.AppendUint32(body, id)
		body = append(body, value...)
	}
	size := uint64(len(body) + 8 + len(sigBlockMagic))

	block := binary.LittleEndian.AppendUint64(nil, size)
	block = append(block, body...)
	block = binary.LittleEndian.AppendUint64(block, size)
	return append(block, sigBlockMagic...)
}

// findSigningBlock returns the id-value pairs of the signing block that
// precedes the central directory, and the offset where the block starts.
func findSigningBlock(data []byte, zs zipSections) (map[uint32][]byte, int64, error) {
	cd := zs.cdOffset
	if cd < 32 || string(data[cd-16:cd]) != sigBlockMagic {
		return nil, 0, ErrNoV2Signature
	}
	size := binary.LittleEndian.Uint64(data[cd-24:])
	if size < 24 || size > uint64(cd-8) {
		return nil, 0, fmt.Errorf("signing block size %d out of range", size)
	}
	start := cd - int64(size) - 8
	if binary.LittleEndian.Uint64(data[start:]) != size {
		return nil, 0, fmt.Errorf("signing block header and footer sizes differ")
	}

	pairs := make(map[uint32][]byte)
	body := data[start+8 : cd-24]
	for len(body) > 0 {
		if len(body) < 12 {
			return nil, 0, fmt.Errorf("truncated signing block pair")
		}
		n := binary.LittleEndian.Uint64(body)
		if n < 4 || n > uint64(len(body)-8) {
			return nil, 0, fmt.Errorf("signing block pair length %d out of range", n)
		}
		pairs[binary.LittleEndian.Uint32(body[8:])] = body[12 : 8+n]
		body = body[8+n:]
	}
	return pairs, start, nil
}

// verifyV2 checks the v2 block of data and returns the signer certificate.
func verifyV2(data []byte) (*x509.Certificate, error) {
	zs, err := findZipSections(data)
	if err != nil {
		return nil, err
	}
	pairs, start, err := findSigningBlock(data, zs)
	if err != nil {
		return nil, err
	}
	value, ok := pairs[v2BlockID]
	if !ok {
		return nil, ErrNoV2Signature
	}

	signers, _, err := readLengthPrefixed(value)
	if err != nil {
		return nil, fmt.Errorf("failed to read signers: %w", err)
	}
	signer, _, err := readLengthPrefixed(signers)
	if err != nil {
		return nil, fmt.Errorf("failed to read signer: %w", err)
	}
	signedData, rest, err := readLengthPrefixed(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to read signed data: %w", err)
	}
	signatures, rest, err := readLengthPrefixed(rest)
	if err != nil {
		return nil, fmt.Errorf("failed to read signatures: %w", err)
	}
	pubDER, _, err := readLengthPrefixed(rest)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	algo, sig, err := readAlgorithmValue(signatures)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature: %w", err)
	}
	hashed := sha256.Sum256(signedData)
	switch algo {
	case sigRSAPKCS1v15SHA256:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("signature algorithm 0x%04x with %T key", algo, pub)
		}
		if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, hashed[:], sig); err != nil {
			return nil, fmt.Errorf("v2 signature does not verify: %w", err)
		}
	case sigECDSASHA256:
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("signature algorithm 0x%04x with %T key", algo, pub)
		}
		if !ecdsa.VerifyASN1(ecPub, hashed[:], sig) {
			return nil, fmt.Errorf("v2 signature does not verify")
		}
	default:
		return nil, fmt.Errorf("unsupported signature algorithm 0x%04x", algo)
	}

	digests, rest, err := readLengthPrefixed(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to read digests: %w", err)
	}
	certs, _, err := readLengthPrefixed(rest)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificates: %w", err)
	}
	digestAlgo, digest, err := readAlgorithmValue(digests)
	if err != nil {
		return nil, fmt.Errorf("failed to read digest: %w", err)
	}
	if digestAlgo != algo {
		return nil, fmt.Errorf("digest algorithm 0x%04x differs from signature algorithm 0x%04x", digestAlgo, algo)
	}
	if !bytes.Equal(digest, contentDigest(data, zs, start)) {
		return nil, fmt.Errorf("v2 content digest mismatch")
	}

	certDER, _, err := readLengthPrefixed(certs)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	if !bytes.Equal(cert.RawSubjectPublicKeyInfo, pubDER) {
		return nil, fmt.Errorf("certificate does not match signer public key")
	}
	return cert, nil
}

// readAlgorithmValue reads the first (u32 algorithm, length-prefixed value)
// record of a length-prefixed sequence.
func readAlgorithmValue(seq []byte) (uint32, []byte, error) {
	rec, _, err := readLengthPrefixed(seq)
	if err != nil {
		return 0, nil, err
	}
	if len(rec) < 4 {
		return 0, nil, fmt.Errorf("truncated algorithm id")
	}
	value, _, err := readLengthPrefixed(rec[4:])
	if err != nil {
		return 0, nil, err
	}
	return binary.LittleEndian.Uint32(rec), value, nil
}

func appendLengthPrefixed(b, value []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(value)))
	return append(b, value...)
}

func readLengthPrefixed(b []byte) (value, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-4) {
		return nil, nil, fmt.Errorf("length %d exceeds %d remaining bytes", n, len(b)-4)
	}
	return b[4 : 4+n], b[4+n:], nil
}

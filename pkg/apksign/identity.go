package apksign

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"fmt"
	"os"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// DebugKeystorePassword is the fixed passphrase of the embedded debug keystore.
const DebugKeystorePassword = "android"

//go:embed keystore/debug.p12
var debugKeystore []byte

// SigningIdentity represents a signing identity (certificate + private key)
type SigningIdentity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	CertChain   []*x509.Certificate
}

// DebugIdentity loads the embedded debug keystore.
func DebugIdentity() (*SigningIdentity, error) {
	return LoadSigningIdentity(debugKeystore, DebugKeystorePassword)
}

// LoadSigningIdentityFile reads a keystore from disk, see LoadSigningIdentity.
func LoadSigningIdentityFile(path, password string) (*SigningIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	return LoadSigningIdentity(data, password)
}

// LoadSigningIdentity loads a signing identity from a PKCS#12 file or a
// PEM bundle holding both the private key and the certificate.
func LoadSigningIdentity(data []byte, password string) (*SigningIdentity, error) {
	// Check if this is PEM data
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		return loadPEMIdentity(data)
	}

	privateKey, cert, caCerts, err := gop12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}

	identity := &SigningIdentity{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertChain:   append([]*x509.Certificate{cert}, caCerts...),
	}
	if _, err := identity.signer(); err != nil {
		return nil, err
	}
	return identity, nil
}

func loadPEMIdentity(pemData []byte) (*SigningIdentity, error) {
	identity := &SigningIdentity{}

	for rest := pemData; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		var err error
		switch block.Type {
		case "RSA PRIVATE KEY":
			identity.PrivateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			identity.PrivateKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			identity.PrivateKey, err = x509.ParseECPrivateKey(block.Bytes)
		case "CERTIFICATE":
			var cert *x509.Certificate
			cert, err = x509.ParseCertificate(block.Bytes)
			if err == nil {
				identity.CertChain = append(identity.CertChain, cert)
			}
		default:
			return nil, fmt.Errorf("unsupported PEM type: %s", block.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", block.Type, err)
		}
	}

	if identity.PrivateKey == nil {
		return nil, fmt.Errorf("no private key in PEM data")
	}
	if len(identity.CertChain) == 0 {
		return nil, fmt.Errorf("no certificate in PEM data")
	}

	// The signing certificate is the one matching the key, wherever it sits
	// in the bundle.
	for i, cert := range identity.CertChain {
		if keyMatchesCert(identity.PrivateKey, cert) {
			identity.Certificate = cert
			identity.CertChain[0], identity.CertChain[i] = identity.CertChain[i], identity.CertChain[0]
			break
		}
	}
	if identity.Certificate == nil {
		return nil, fmt.Errorf("no certificate in PEM data matches the private key")
	}
	if _, err := identity.signer(); err != nil {
		return nil, err
	}
	return identity, nil
}

// keyMatchesCert checks if a private key matches a certificate's public key
func keyMatchesCert(privateKey crypto.PrivateKey, cert *x509.Certificate) bool {
	switch priv := privateKey.(type) {
	case *rsa.PrivateKey:
		return priv.PublicKey.Equal(cert.PublicKey)
	case *ecdsa.PrivateKey:
		return priv.PublicKey.Equal(cert.PublicKey)
	}
	return false
}

// signer returns the key as a crypto.Signer; only RSA and ECDSA keys can
// sign APKs here.
func (id *SigningIdentity) signer() (crypto.Signer, error) {
	switch key := id.PrivateKey.(type) {
	case *rsa.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key type %T", id.PrivateKey)
}

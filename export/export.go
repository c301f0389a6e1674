// Package export serializes certificate records into the download formats
// the API offers: PEM, DER and password-protected PKCS#12 keystores. All
// transforms are pure; nothing here touches the registry.
package export

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/certmill/certmill/internal/util"
	"github.com/certmill/certmill/pki"
)

var (
	// ErrEmptyPassword is returned when a PKCS#12 export is requested
	// without a password.
	ErrEmptyPassword = errors.New("keystore password must not be empty")

	// ErrUnsupportedFormat is returned for export formats other than
	// pem and der.
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// Format identifies a certificate download encoding.
type Format string

const (
	FormatPEM Format = "pem"
	FormatDER Format = "der"
)

// ParseFormat validates a format query parameter.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatPEM:
		return FormatPEM, nil
	case FormatDER:
		return FormatDER, nil
	default:
		return "", fmt.Errorf("%w: %q (try pem or der)", ErrUnsupportedFormat, s)
	}
}

// DER returns the raw DER encoding of the certificate.
func DER(cert *pki.Certificate) []byte {
	return append([]byte(nil), cert.DER...)
}

// PEM returns the certificate framed as a CERTIFICATE PEM block. Decoding
// the result yields bytes identical to DER.
func PEM(cert *pki.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.DER})
}

// Encode renders the certificate in the requested format.
func Encode(cert *pki.Certificate, format Format) ([]byte, error) {
	switch format {
	case FormatPEM:
		return PEM(cert), nil
	case FormatDER:
		return DER(cert), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// ContentType returns the download MIME type for a format.
func ContentType(format Format) string {
	if format == FormatPEM {
		return "application/x-pem-file"
	}
	return "application/x-x509-ca-cert"
}

// Filename suggests a download filename for the certificate in the given
// format.
func Filename(cert *pki.Certificate, format Format) string {
	ext := "crt"
	if format == FormatPEM {
		ext = "pem"
	}
	return fmt.Sprintf("%s.%s", cert.Subject.CommonName, ext)
}

// PKCS12 bundles the certificate, its private key and the remaining chain
// (issuer upward, root last) into a password-protected PKCS#12 container.
// The password is NFKD-normalized before use so the container opens
// regardless of how the password was typed.
func PKCS12(cert *pki.Certificate, chain []*pki.Certificate, key crypto.PrivateKey, password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}

	leaf, err := cert.X509()
	if err != nil {
		return nil, err
	}
	caCerts := make([]*x509.Certificate, 0, len(chain))
	for _, c := range chain {
		if c.SerialNumber == cert.SerialNumber {
			continue
		}
		parsed, err := c.X509()
		if err != nil {
			return nil, err
		}
		caCerts = append(caCerts, parsed)
	}

	data, err := pkcs12.Modern.Encode(key, leaf, caCerts, util.Normalize(password))
	if err != nil {
		return nil, fmt.Errorf("encoding PKCS#12 keystore: %w", err)
	}
	return data, nil
}

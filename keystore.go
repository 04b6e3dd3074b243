package ftps

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/pavlo-v-chernykh/keystore-go/v4"
	"golang.org/x/crypto/pkcs12"
)

// loadTrustStore reads CA certificates from a PEM bundle, a PKCS#12 file or
// a Java keystore.
func loadTrustStore(ts TrustStore) (*x509.CertPool, error) {
	typ, err := normalizeStoreType(ts.Type)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ts.Path)
	if err != nil {
		return nil, fmt.Errorf("read trust store: %w", err)
	}

	pool := x509.NewCertPool()
	switch typ {
	case StorePEM:
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("trust store %s: no PEM certificates found", ts.Path)
		}

	case StorePKCS12:
		blocks, err := pkcs12.ToPEM(data, ts.Password)
		if err != nil {
			return nil, fmt.Errorf("trust store %s: %w", ts.Path, err)
		}
		n := 0
		for _, b := range blocks {
			if b.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, fmt.Errorf("trust store %s: %w", ts.Path, err)
			}
			pool.AddCert(cert)
			n++
		}
		if n == 0 {
			return nil, fmt.Errorf("trust store %s: no certificates found", ts.Path)
		}

	case StoreJKS:
		ks := keystore.New()
		if err := ks.Load(bytes.NewReader(data), []byte(ts.Password)); err != nil {
			return nil, fmt.Errorf("trust store %s: %w", ts.Path, err)
		}
		n := 0
		for _, alias := range ks.Aliases() {
			if !ks.IsTrustedCertificateEntry(alias) {
				continue
			}
			entry, err := ks.GetTrustedCertificateEntry(alias)
			if err != nil {
				return nil, fmt.Errorf("trust store %s alias %s: %w", ts.Path, alias, err)
			}
			cert, err := x509.ParseCertificate(entry.Certificate.Content)
			if err != nil {
				return nil, fmt.Errorf("trust store %s alias %s: %w", ts.Path, alias, err)
			}
			pool.AddCert(cert)
			n++
		}
		if n == 0 {
			return nil, fmt.Errorf("trust store %s: no trusted certificate entries", ts.Path)
		}
	}
	return pool, nil
}

// loadKeyStore reads the client certificate chain and private key.
func loadKeyStore(ks KeyStore) (tls.Certificate, error) {
	typ, err := normalizeStoreType(ks.Type)
	if err != nil {
		return tls.Certificate{}, err
	}
	data, err := os.ReadFile(ks.Path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read key store: %w", err)
	}

	switch typ {
	case StorePKCS12:
		blocks, err := pkcs12.ToPEM(data, ks.Password)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("key store %s: %w", ks.Path, err)
		}
		var buf bytes.Buffer
		for _, b := range blocks {
			_ = pem.Encode(&buf, &pem.Block{Type: b.Type, Bytes: b.Bytes})
		}
		return tls.X509KeyPair(buf.Bytes(), buf.Bytes())

	case StoreJKS:
		return loadJKSKey(data, ks)

	default:
		// One file with both the certificate chain and an unencrypted key.
		return tls.X509KeyPair(data, data)
	}
}

func loadJKSKey(data []byte, cfg KeyStore) (tls.Certificate, error) {
	ks := keystore.New()
	if err := ks.Load(bytes.NewReader(data), []byte(cfg.Password)); err != nil {
		return tls.Certificate{}, fmt.Errorf("key store %s: %w", cfg.Path, err)
	}

	alias := cfg.Alias
	if alias == "" {
		for _, a := range ks.Aliases() {
			if ks.IsPrivateKeyEntry(a) {
				alias = a
				break
			}
		}
	}
	if alias == "" {
		return tls.Certificate{}, fmt.Errorf("key store %s: no private key entry", cfg.Path)
	}

	keyPassword := cfg.KeyPassword
	if keyPassword == "" {
		keyPassword = cfg.Password
	}
	entry, err := ks.GetPrivateKeyEntry(alias, []byte(keyPassword))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("key store %s alias %s: %w", cfg.Path, alias, err)
	}
	if len(entry.CertificateChain) == 0 {
		return tls.Certificate{}, errors.New("key store entry has no certificate chain")
	}

	key, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("key store %s alias %s: %w", cfg.Path, alias, err)
	}

	cert := tls.Certificate{PrivateKey: key}
	for _, c := range entry.CertificateChain {
		cert.Certificate = append(cert.Certificate, c.Content)
	}
	return cert, nil
}

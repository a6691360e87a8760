/*
	Copyright 2023 Loophole Labs

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

		   http://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

// Package testpki generates a throwaway CA and per-hostname server
// certificates for tests.
package testpki

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

type TestPKI struct {
	CaCert []byte

	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	serial int64
}

func New() (*TestPKI, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	caParams := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"TestPKI Virtual Hosts"},
			CommonName:   "TestPKI CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour * 24 * 365),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		MaxPathLen:            1,
		BasicConstraintsValid: true,
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, caParams, caParams, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caPEM, err := EncodeX509Certificate(caBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CA certificate: %w", err)
	}

	caCert, err := DecodeX509Certificate(caPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to decode CA certificate: %w", err)
	}

	return &TestPKI{
		CaCert: caPEM,
		caCert: caCert,
		caKey:  caKey,
		serial: 1,
	}, nil
}

// HostCert issues a server certificate for hostname, signed by the CA.
// It returns the certificate and private key in PEM form.
func (p *TestPKI) HostCert(hostname string) ([]byte, []byte, error) {
	hostKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key for %s: %w", hostname, err)
	}

	p.serial++
	hostParams := &x509.Certificate{
		SerialNumber: big.NewInt(p.serial),
		Subject: pkix.Name{
			CommonName: hostname,
		},
		DNSNames:    []string{hostname},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(time.Hour * 24 * 365),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	hostBytes, err := x509.CreateCertificate(rand.Reader, hostParams, p.caCert, &hostKey.PublicKey, p.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate for %s: %w", hostname, err)
	}

	hostPEM, err := EncodeX509Certificate(hostBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode certificate for %s: %w", hostname, err)
	}

	return hostPEM, EncodeECDSAPrivateKey(hostKey), nil
}

func EncodeECDSAPrivateKey(privateKey *ecdsa.PrivateKey) []byte {
	marshalled, _ := x509.MarshalPKCS8PrivateKey(privateKey)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: marshalled})
}

func DecodeECDSAPrivateKey(encoded []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(encoded)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	if privateKey, ok := key.(*ecdsa.PrivateKey); ok {
		return privateKey, nil
	}
	return nil, fmt.Errorf("failed to decode private key")
}

func EncodeX509Certificate(certBytes []byte) ([]byte, error) {
	certPEMBuffer := new(bytes.Buffer)
	err := pem.Encode(certPEMBuffer, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certBytes,
	})
	if err != nil {
		return nil, err
	}

	return certPEMBuffer.Bytes(), nil
}

func DecodeX509Certificate(encoded []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(encoded)
	return x509.ParseCertificate(block.Bytes)
}

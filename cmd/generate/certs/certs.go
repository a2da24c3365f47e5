package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	outputDir  string
	validYears int
	hosts      []string
	Cmd        = &cobra.Command{
		Use:   "certs",
		Short: "Generate a CA and a relay certificate for wss and quic",
		RunE:  runGenerate,
	}
)

func init() {
	Cmd.Flags().StringVarP(&outputDir, "output", "o", "./certs", "output directory")
	Cmd.Flags().IntVarP(&validYears, "years", "y", 10, "certificate validity in years")
	Cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1", "::1"}, "relay host names and IPs")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "generate").Logger()
	logger.Info().Str("dir", outputDir).Int("years", validYears).Strs("hosts", hosts).Msg("generating certificates")

	caKey, caCert, err := GenerateCA(validYears)
	if err != nil {
		return fmt.Errorf("generate CA: %w", err)
	}
	relayKey, relayCert, err := GenerateRelayCert(caKey, caCert, hosts, validYears)
	if err != nil {
		return fmt.Errorf("generate relay cert: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	caKeyPEM, err := EncodePrivateKey(caKey)
	if err != nil {
		return err
	}
	relayKeyPEM, err := EncodePrivateKey(relayKey)
	if err != nil {
		return err
	}
	files := map[string][]byte{
		"ca.key":    caKeyPEM,
		"ca.crt":    EncodeCertificate(caCert),
		"relay.key": relayKeyPEM,
		"relay.crt": EncodeCertificate(relayCert),
	}
	for name, data := range files {
		path := filepath.Join(outputDir, name)
		if err := os.WriteFile(path, data, 0600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		logger.Info().Str("file", path).Msg("generated")
	}

	logger.Info().Msg("certificate generation complete")
	return nil
}

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}

// GenerateCA generates a self-signed CA agents can pin with ca_cert_file.
func GenerateCA(validYears int) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"QLink CA"},
			CommonName:   "QLink Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(validYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	return createCertificate(template, template, &key.PublicKey, key, key)
}

// GenerateRelayCert issues a server certificate for the given host names and
// IP addresses.
func GenerateRelayCert(caKey *ecdsa.PrivateKey, caCert *x509.Certificate, hosts []string, validYears int) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	if len(hosts) == 0 {
		return nil, nil, fmt.Errorf("at least one host is required")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"QLink"},
			CommonName:   hosts[0],
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().AddDate(validYears, 0, 0),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return createCertificate(template, caCert, &key.PublicKey, caKey, key)
}

func createCertificate(template, parent *x509.Certificate, pub *ecdsa.PublicKey, signer, key *ecdsa.PrivateKey) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	certDER, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}
	return key, cert, nil
}

// EncodePrivateKey encodes a private key to PEM format
func EncodePrivateKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// EncodeCertificate encodes a certificate to PEM format
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
}

package session

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"

	"github.com/pkg/errors"
)

// LoadTLS builds the mutually authenticated TLS configuration from the
// client certificate, its private key, and the CA that signed the broker.
func LoadTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load client certificate")
	}
	caPEM, err := ioutil.ReadFile(caFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read root CA")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.Errorf("no certificates found in %s", caFile)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

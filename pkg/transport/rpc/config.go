package rpc

import (
	"errors"
)

// Config carries the TLS material for both sides of the transport. An
// empty config means plaintext tcp.
type Config struct {
	// ServerCAs defines the set of root certificate authorities
	// that servers use if required to verify a client certificate
	// by the policy in ClientAuth.
	ServerCAs        []string `json:"server_cas"`
	ServerKey        string   `json:"server_key"`
	ServerCert       string   `json:"server_cert"`
	ServerSkipVerify bool     `json:"server_skip_verify"`

	// ClientCAs defines the set of root certificate authorities
	// that clients use when verifying server certificates.
	// If ClientCAs is nil, TLS uses the host's root CA set.
	ClientCAs        []string `json:"client_cas"`
	ClientCert       string   `json:"client_cert"`
	ClientKey        string   `json:"client_key"`
	ClientSkipVerify bool     `json:"client_skip_verify"`

	// ConnectTimeout is the maximum amount of time a dial will wait for
	// a connection to complete, in seconds.
	ConnectTimeout uint `json:"connect_timeout"`
}

func (c *Config) Validate() error {
	if err := validateCertPair(c.ServerKey, c.ServerCert, c.ServerCAs, c.ServerSkipVerify,
		"incomplete server certificate configuration", "no server CAs configured"); err != nil {
		return err
	}

	return validateCertPair(c.ClientKey, c.ClientCert, c.ClientCAs, c.ClientSkipVerify,
		"incomplete client certificate configuration", "no client CAs configured")
}

// validateCertPair requires key and cert to come together, and a CA set
// whenever verification is not skipped.
func validateCertPair(key, cert string, cas []string, skipVerify bool, incompleteMsg, noCAsMsg string) error {
	if (key == "") != (cert == "") {
		return errors.New(incompleteMsg)
	}
	if key != "" && cert != "" && !skipVerify && len(cas) == 0 {
		return errors.New(noCAsMsg)
	}
	return nil
}

package backend

import "crypto/tls"

// tlsConfig is used only when Options.EnableTLS is set; TLS is opt-in
// per connection, never defaulted on.
func tlsConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

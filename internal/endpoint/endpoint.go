// Package endpoint translates a configured flagd target (host/port pair,
// target URI, envoy authority or unix socket) into a gRPC dial target plus
// per-connection options.
package endpoint

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Mode selects the default port when the target names only a host.
type Mode int

const (
	ModeRPC Mode = iota
	ModeInProcess
)

const (
	DefaultPortRPC       = 8013
	DefaultPortInProcess = 8015
)

// Upstream is a resolved dial target. Authority, when set, overrides the
// :authority pseudo-header so L7 meshes can route by service name.
type Upstream struct {
	Target    string
	Authority string
	TLS       bool
	CertPath  string
}

// Build resolves the configured pieces into an Upstream. Precedence:
// socketPath, then targetURI, then host/port.
func Build(targetURI, host string, port int, socketPath string, useTLS bool, certPath string, mode Mode) (Upstream, error) {
	up := Upstream{TLS: useTLS, CertPath: certPath}

	if socketPath != "" {
		if mode != ModeRPC {
			return Upstream{}, errors.New("unix sockets are supported by the RPC resolver only")
		}
		up.Target = "unix://" + socketPath
		return up, nil
	}

	if targetURI != "" {
		return buildFromURI(targetURI, up, mode)
	}

	if host == "" {
		return Upstream{}, errors.New("no host configured")
	}
	if port == 0 {
		port = defaultPort(mode)
	}
	up.Target = fmt.Sprintf("%s:%d", host, port)
	return up, nil
}

func buildFromURI(targetURI string, up Upstream, mode Mode) (Upstream, error) {
	switch {
	case strings.HasPrefix(targetURI, "envoy://"):
		u, err := url.Parse(targetURI)
		if err != nil {
			return Upstream{}, fmt.Errorf("parse envoy target %q: %w", targetURI, err)
		}
		service := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || service == "" {
			return Upstream{}, fmt.Errorf("envoy target %q needs host:port and a service path", targetURI)
		}
		up.Target = u.Host
		up.Authority = service
		return up, nil

	case strings.HasPrefix(targetURI, "http://"), strings.HasPrefix(targetURI, "https://"):
		u, err := url.Parse(targetURI)
		if err != nil {
			return Upstream{}, fmt.Errorf("parse target %q: %w", targetURI, err)
		}
		up.Target = u.Host
		if strings.HasPrefix(targetURI, "https://") {
			up.TLS = true
		}
		return up, nil

	default:
		if !strings.Contains(targetURI, ":") {
			targetURI = fmt.Sprintf("%s:%d", targetURI, defaultPort(mode))
		}
		up.Target = targetURI
		return up, nil
	}
}

// DialOptions returns the transport credentials and authority override for
// this upstream.
func (u Upstream) DialOptions() ([]grpc.DialOption, error) {
	opts := make([]grpc.DialOption, 0, 2)

	if u.TLS {
		if u.CertPath != "" {
			creds, err := credentials.NewClientTLSFromFile(u.CertPath, "")
			if err != nil {
				return nil, fmt.Errorf("load server certificate %q: %w", u.CertPath, err)
			}
			opts = append(opts, grpc.WithTransportCredentials(creds))
		} else {
			opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if u.Authority != "" {
		opts = append(opts, grpc.WithAuthority(u.Authority))
	}

	return opts, nil
}

func defaultPort(mode Mode) int {
	if mode == ModeInProcess {
		return DefaultPortInProcess
	}
	return DefaultPortRPC
}

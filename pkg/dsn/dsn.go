// Package dsn parses the connection string that identifies a collector
// project and derives the ingestion URL and authentication header from it.
//
// Format: {scheme}://{public_key}[:{secret_key}]@{host}[:{port}]{/path}/{project_id}
package dsn

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Error describes why a connection string was rejected.
type Error struct {
	DSN    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid dsn %q: %s", e.DSN, e.Reason)
}

// DSN is a parsed connection string.
type DSN struct {
	Scheme    string
	PublicKey string
	SecretKey string
	Host      string
	Port      int
	Path      string
	ProjectID string
	raw       string
}

// Parse validates and splits a connection string.
func Parse(raw string) (*DSN, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &Error{DSN: raw, Reason: err.Error()}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &Error{DSN: raw, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, &Error{DSN: raw, Reason: "missing public key"}
	}
	if u.Hostname() == "" {
		return nil, &Error{DSN: raw, Reason: "missing host"}
	}

	port := 443
	if u.Scheme == "http" {
		port = 80
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, &Error{DSN: raw, Reason: fmt.Sprintf("invalid port %q", p)}
		}
	}

	trimmed := strings.TrimSuffix(u.Path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 || idx == len(trimmed)-1 {
		return nil, &Error{DSN: raw, Reason: "missing project id"}
	}
	projectID := trimmed[idx+1:]
	if _, err := strconv.ParseUint(projectID, 10, 64); err != nil {
		return nil, &Error{DSN: raw, Reason: fmt.Sprintf("invalid project id %q", projectID)}
	}

	secret, _ := u.User.Password()

	return &DSN{
		Scheme:    u.Scheme,
		PublicKey: u.User.Username(),
		SecretKey: secret,
		Host:      u.Hostname(),
		Port:      port,
		Path:      trimmed[:idx],
		ProjectID: projectID,
		raw:       raw,
	}, nil
}

// String returns the connection string the DSN was parsed from.
func (d *DSN) String() string {
	return d.raw
}

// hostPort omits default ports.
func (d *DSN) hostPort() string {
	if (d.Scheme == "https" && d.Port == 443) || (d.Scheme == "http" && d.Port == 80) {
		return d.Host
	}
	return d.Host + ":" + strconv.Itoa(d.Port)
}

// EnvelopeURL is the per-project ingestion endpoint.
func (d *DSN) EnvelopeURL() string {
	return fmt.Sprintf("%s://%s%s/api/%s/envelope/", d.Scheme, d.hostPort(), d.Path, d.ProjectID)
}

// AuthHeader builds the X-Sentry-Auth header value for the given client
// identifier (for example "beacon.go/0.4.0").
func (d *DSN) AuthHeader(client string) string {
	auth := fmt.Sprintf("Sentry sentry_version=7, sentry_client=%s, sentry_key=%s", client, d.PublicKey)
	if d.SecretKey != "" {
		auth += ", sentry_secret=" + d.SecretKey
	}
	return auth
}

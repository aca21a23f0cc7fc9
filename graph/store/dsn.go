package store

import (
	"net/url"
	"strings"
)

// NormalizeDSN rewrites a Postgres connection string coming from deployment
// config into the form pgx accepts.
//
// Two fixups apply:
//
//   - the "postgresql+psycopg://" scheme some ORMs require becomes plain
//     "postgresql://"
//   - keepalive query parameters (keepalives, keepalives_idle, and friends)
//     are stripped; connection liveness is handled by proactive recycling
//     instead
//
// Non-URL DSNs (key=value form) pass through unchanged.
func NormalizeDSN(dsn string) string {
	dsn = strings.Replace(dsn, "postgresql+psycopg://", "postgresql://", 1)
	dsn = strings.Replace(dsn, "postgres+psycopg://", "postgres://", 1)

	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return dsn
	}

	q := u.Query()
	changed := false
	for key := range q {
		if strings.HasPrefix(key, "keepalives") {
			q.Del(key)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
		return u.String()
	}
	return dsn
}

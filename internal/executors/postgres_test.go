package executors

import (
	"strings"
	"testing"
)

func TestIsQuery(t *testing.T) {
	queries := []string{
		"SELECT 1",
		"  select * from event",
		"WITH x AS (SELECT 1) SELECT * FROM x",
		"show server_version",
		"EXPLAIN SELECT 1",
	}
	for _, q := range queries {
		if !isQuery(q) {
			t.Fatalf("%q should be a query", q)
		}
	}
	statements := []string{
		"INSERT INTO t VALUES (1)",
		"update t set x = 1",
		"CREATE TABLE t (id int)",
		"delete from t",
	}
	for _, s := range statements {
		if isQuery(s) {
			t.Fatalf("%q should not be a query", s)
		}
	}
}

func TestResolveDSNPrefersCredential(t *testing.T) {
	config := map[string]any{"dsn": "host=config-host"}
	auth := map[string]map[string]any{
		"db": {"dsn": "host=cred-host user=svc"},
	}
	if got := resolveDSN(config, auth); got != "host=cred-host user=svc" {
		t.Fatalf("got %q", got)
	}
	if got := resolveDSN(config, nil); got != "host=config-host" {
		t.Fatalf("config fallback: %q", got)
	}
	if got := resolveDSN(map[string]any{}, nil); got != "" {
		t.Fatalf("no target: %q", got)
	}
}

func TestResolveDSNFromParts(t *testing.T) {
	auth := map[string]map[string]any{
		"db": {
			"host":     "db.internal",
			"port":     float64(5433),
			"username": "svc",
			"password": "pw",
			"dbname":   "noetl",
		},
	}
	dsn := resolveDSN(nil, auth)
	for _, want := range []string{"host=db.internal", "port=5433", "user=svc", "password=pw", "dbname=noetl", "sslmode=disable"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %q", dsn, want)
		}
	}
}

func TestPortString(t *testing.T) {
	if portString(nil) != "5432" {
		t.Fatalf("default port")
	}
	if portString("6432") != "6432" {
		t.Fatalf("string port")
	}
	if portString(float64(5433)) != "5433" {
		t.Fatalf("json number port")
	}
	if portString(15432) != "15432" {
		t.Fatalf("int port")
	}
}

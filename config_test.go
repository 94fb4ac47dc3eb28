package main

import (
	"testing"
	"time"
)

func TestParseRedisOptions(t *testing.T) {
	tests := []struct {
		name     string
		conn     string
		addr     string
		password string
		tls      bool
	}{
		{name: "url", conn: "redis://:secret@localhost:6380/0", addr: "localhost:6380", password: "secret"},
		{name: "azure", conn: "cache.example.net:6380,password=abc=,ssl=True,abortConnect=False", addr: "cache.example.net:6380", password: "abc=", tls: true},
		{name: "plain", conn: "localhost:6379", addr: "localhost:6379"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := parseRedisOptions(tt.conn)
			if opts.Addr != tt.addr || opts.Password != tt.password {
				t.Fatalf("got addr=%q password=%q", opts.Addr, opts.Password)
			}
			if (opts.TLSConfig != nil) != tt.tls {
				t.Fatalf("unexpected tls config %v", opts.TLSConfig)
			}
		})
	}
}

func TestEnvDefaults(t *testing.T) {
	t.Setenv("THRONE_TEST_INT", "")
	if got := envInt("THRONE_TEST_INT", 7); got != 7 {
		t.Fatalf("envInt default = %d", got)
	}
	t.Setenv("THRONE_TEST_INT", "12")
	if got := envInt("THRONE_TEST_INT", 7); got != 12 {
		t.Fatalf("envInt = %d", got)
	}
	t.Setenv("THRONE_TEST_DUR", "250ms")
	if got := envDur("THRONE_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Fatalf("envDur = %v", got)
	}
	t.Setenv("THRONE_TEST_STR", "  ")
	if got := envString("THRONE_TEST_STR", "fallback"); got != "fallback" {
		t.Fatalf("envString = %q", got)
	}
	t.Setenv("THRONE_TEST_BOOL", "true")
	if !envBool("THRONE_TEST_BOOL", false) {
		t.Fatal("envBool should parse true")
	}
}

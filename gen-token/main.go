package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

// gen-token prints HS256 tokens accepted by the API when it runs with
// LOCAL_AUTH_SHARED_SECRET (or TEST_JWT_SECRET in test mode).
func main() {
	var (
		count    = flag.Int("count", 1, "number of tokens to generate")
		prefix   = flag.String("prefix", "player", "prefix for generated participant ids when count > 1")
		start    = flag.Int("start", 1, "starting index for generated participant ids when count > 1")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
		audience = flag.String("aud", os.Getenv("AUTH0_AUDIENCE"), "audience claim")
		issuer   = flag.String("iss", os.Getenv("AUTH_ISSUER"), "issuer claim")
		output   = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	if *count < 1 || *start < 1 {
		log.Fatal("count and start must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit participant id cannot be combined with count > 1")
	}

	secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	if secret == "" {
		secret = os.Getenv("TEST_JWT_SECRET")
	}
	if secret == "" {
		log.Fatal(errors.New("LOCAL_AUTH_SHARED_SECRET or TEST_JWT_SECRET must be set"))
	}

	tokens := make([]string, *count)
	for i := range tokens {
		sub := *prefix
		switch {
		case len(args) > 0:
			sub = args[0]
		case *count > 1:
			sub = fmt.Sprintf("%s-%d", *prefix, *start+i)
		}
		tok, err := sign([]byte(secret), sub, *audience, *issuer, *ttl)
		if err != nil {
			log.Fatalf("sign token: %v", err)
		}
		tokens[i] = tok
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func sign(secret []byte, sub, aud, iss string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if aud != "" {
		claims["aud"] = aud
	}
	if iss != "" {
		claims["iss"] = iss
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

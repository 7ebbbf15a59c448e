// Command gen-token prints an HS256 bearer token accepted by the API when
// it runs with AUTH0_TEST_MODE=1 or LOCAL_AUTH_MODE=hs256.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

func main() {
	user := flag.String("user", "dev-user", "subject claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		secret = os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	}
	if secret == "" {
		log.Fatal("TEST_JWT_SECRET or LOCAL_AUTH_SHARED_SECRET must be set")
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": *user,
		"exp": time.Now().Add(*ttl).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Print(tok)
}

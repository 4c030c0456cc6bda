// Command token prints a bearer token for a principal, for local testing
// against the escrow API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"courseescrow/auth"
	"courseescrow/escrow"
)

type tokenConfig struct {
	Secret string        `env:"ESCROW_JWT_SECRET"`
	TTL    time.Duration `env:"ESCROW_TOKEN_TTL" envDefault:"24h"`
}

func main() {
	log.SetPrefix("[TOKEN] ")
	log.SetFlags(0)

	var cfg tokenConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse env: %v", err)
	}
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	principal := fs.String("principal", "", "Principal to issue the token for")
	fs.StringVar(&cfg.Secret, "jwt-secret", cfg.Secret, "HS256 signing secret")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "Token lifetime")
	_ = fs.Parse(os.Args[1:])

	svc, err := auth.NewService(cfg.Secret)
	if err != nil {
		log.Fatalf("%v", err)
	}
	token, err := svc.WithTTL(cfg.TTL).Issue(escrow.Principal(*principal))
	if err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Println(token)
}

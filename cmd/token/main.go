package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/quaylabs/breakwater/internal/auth"
)

func main() {
	var secret, sub, roles, perms, tier string
	var ttl time.Duration
	flag.StringVar(&secret, "secret", "dev-secret", "HS256 secret")
	flag.StringVar(&sub, "sub", "user_123", "subject claim")
	flag.StringVar(&roles, "roles", "", "comma-separated roles")
	flag.StringVar(&perms, "perms", "", "comma-separated permissions")
	flag.StringVar(&tier, "tier", "", "rate-limit tier claim")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	a := auth.Authenticator{Secret: []byte(secret)}
	tok, err := a.Mint(auth.MintOptions{
		Subject:     sub,
		Roles:       splitList(roles),
		Permissions: splitList(perms),
		Tier:        tier,
		TTL:         ttl,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(tok)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

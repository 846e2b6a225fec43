// Command devtoken mints session JWTs and verifier key hashes for local
// testing.  Production sessions come from the identity service.
//
//	devtoken --user 42 --role PARTICIPANT
//	devtoken --hash-key "scanner secret"
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/event-access/internal/utils"
)

func main() {
	_ = godotenv.Load()

	var (
		userID  = flag.Uint64P("user", "u", 0, "user id to put in the sub claim")
		role    = flag.StringP("role", "r", utils.RoleParticipant, "PARTICIPANT, VERIFIER or ADMIN")
		ttl     = flag.Duration("ttl", 8*time.Hour, "token lifetime")
		secret  = flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret (defaults to $JWT_SECRET)")
		hashKey = flag.String("hash-key", "", "print the bcrypt hash of this verifier key and exit")
		cost    = flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost for --hash-key")
	)
	flag.Parse()

	if *hashKey != "" {
		h, err := utils.HashVerifierKey(*hashKey, *cost)
		if err != nil {
			fail("hash key: %v", err)
		}
		fmt.Println(h)
		return
	}

	switch r := strings.ToUpper(*role); r {
	case utils.RoleParticipant, utils.RoleVerifier, utils.RoleAdmin:
		*role = r
	default:
		fail("unknown role %q", *role)
	}
	if *userID == 0 {
		fail("--user is required")
	}
	if *secret == "" {
		fail("--secret or JWT_SECRET is required")
	}

	tok, exp, err := utils.NewSessionToken(*secret, *userID, *role, *ttl)
	if err != nil {
		fail("sign: %v", err)
	}
	fmt.Println(tok)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "devtoken: "+format+"\n", args...)
	os.Exit(2)
}

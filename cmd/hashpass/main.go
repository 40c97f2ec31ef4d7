// Command hashpass hashes a password with Argon2id for seeding accounts by
// hand, and can check a candidate password against an existing hash.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/elnote-io/server/internal/auth"
)

func main() {
	password := flag.String("password", "", "password to hash with Argon2id")
	verifyHash := flag.String("verify", "", "existing hash to check the password against instead of hashing")
	flag.Parse()

	if *password == "" {
		log.Fatal("password is required")
	}

	if *verifyHash != "" {
		match, err := auth.VerifyPassword(*verifyHash, *password)
		if err != nil {
			log.Fatalf("verify password: %v", err)
		}
		if !match {
			log.Fatal("password does not match hash")
		}
		fmt.Println("ok")
		return
	}

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	fmt.Println(hash)
}

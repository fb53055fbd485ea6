// Package main prints the bcrypt hash of an admin bearer token. The server only
// stores the hash (admin.token_hash / LRG_ADMIN_TOKEN_HASH), never the raw token.
//
// Usage:
//
//	hash <token>
//	echo -n <token> | hash
package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// minTokenLength rejects tokens too short to resist guessing.
const minTokenLength = 16

func main() {
	token, err := readToken(os.Args[1:], os.Stdin)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	fmt.Println(string(hash))
}

func readToken(args []string, stdin io.Reader) (string, error) {
	var token string
	if len(args) > 0 {
		token = args[0]
	} else {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("reading token from stdin: %w", err)
		}
		token = line
	}
	token = strings.TrimSpace(token)
	if len(token) < minTokenLength {
		return "", fmt.Errorf("token must be at least %d characters", minTokenLength)
	}
	return token, nil
}

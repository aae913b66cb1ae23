// Command genkeys generates the secrets a deployment needs: the HS256
// token-signing secret and an admin API key together with its bcrypt hash,
// so the plaintext key can stay out of the server environment.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

func randomSecret(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func main() {
	signingSecret, err := randomSecret(48)
	if err != nil {
		log.Fatalf("failed to generate signing secret: %v", err)
	}

	adminKey, err := randomSecret(32)
	if err != nil {
		log.Fatalf("failed to generate admin key: %v", err)
	}
	adminHash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("failed to hash admin key: %v", err)
	}

	fmt.Println("=== Service Secrets Generated ===")
	fmt.Println()
	fmt.Println("Server environment:")
	fmt.Println()
	fmt.Printf("LICENSE_SIGNING_SECRET=%s\n", signingSecret)
	fmt.Printf("ADMIN_API_KEY=%s\n", adminHash)
	fmt.Println()
	fmt.Println("Operator tooling (store securely, shown once):")
	fmt.Println()
	fmt.Printf("admin bearer key: %s\n", adminKey)
	fmt.Println()
	fmt.Println("IMPORTANT:")
	fmt.Println("- The signing secret is shared with embedded validators; rotate it by reissuing tokens")
	fmt.Println("- The server only needs the bcrypt hash of the admin key, never the key itself")
}

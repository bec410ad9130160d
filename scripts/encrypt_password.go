package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/barryq93/promSQL/internal/utils"
)

func main() {
	key := flag.String("key", "", "32-byte encryption key (required)")
	text := flag.String("text", "", "Text to encrypt (required)")
	flag.Parse()

	if *key == "" || *text == "" {
		fmt.Println("Usage: go run encrypt_password.go -key <32-byte-key> -text <plaintext>")
		fmt.Println("Example: go run encrypt_password.go -key \"0123456789abcdef0123456789abcdef\" -text \"postgres://user:pass@db:5432/app\"")
		os.Exit(1)
	}

	encrypted, err := utils.Encrypt(*key, *text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encryption failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Encrypted value: %s\n", encrypted)
	fmt.Println("Copy this value into your config.yml for fields like databases[].dsn or basic_auth.password.")
}

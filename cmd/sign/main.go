package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/jpmcglone/menofhunger-realtime/internal/auth"
	"github.com/jpmcglone/menofhunger-realtime/internal/models"
)

func main() {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 signing secret (defaults to $JWT_SECRET)")
	issuer := flag.String("issuer", "", "Token issuer claim")
	userID := flag.String("user", "", "User id placed in the subject claim")
	username := flag.String("username", "", "Optional username claim")
	admin := flag.Bool("admin", false, "Mark the viewer as an admin")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *secret == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -user <user-id> [-secret <secret>] [-username <name>] [-admin] [-ttl 24h]")
		fmt.Fprintln(os.Stderr, "  Reads the secret from JWT_SECRET if -secret is not specified")
		os.Exit(1)
	}

	viewer := models.Viewer{UserID: *userID, Username: *username, IsAdmin: *admin}
	token, err := auth.NewAuthenticator(*secret, *issuer).Issue(viewer, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	// Output token and ready-to-use forms
	fmt.Printf("Token: %s\n", token)
	fmt.Printf("Authorization: Bearer %s\n", token)
	fmt.Printf("Websocket: /ws?token=%s\n", token)
}

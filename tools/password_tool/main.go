package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"atlas/internal/auth"
	"atlas/internal/manager"

	"golang.org/x/term"
)

func main() {
	configPath := flag.String("config", "", "Path to atlas.config.json (defaults to ATLAS_CONFIG or ./atlas.config.json)")
	email := flag.String("email", "", "Email of the account to update or create")
	password := flag.String("password", "", "New password (leave blank to type securely)")
	role := flag.String("role", "admin", "Role for a newly created account")
	flag.Parse()

	if strings.TrimSpace(*email) == "" {
		fmt.Fprintln(os.Stderr, "email cannot be empty")
		os.Exit(1)
	}
	newRole, ok := auth.ParseRole(*role)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(1)
	}

	mgr, err := manager.NewManagerWithConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	pwd, err := resolvePassword(*password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "password error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc, err := mgr.Auth(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open user database: %v\n", err)
		os.Exit(1)
	}

	user, err := svc.FindByEmail(ctx, *email)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		created, createErr := svc.CreateUser(ctx, *email, "", pwd, newRole)
		if createErr != nil {
			fmt.Fprintf(os.Stderr, "failed to create user: %v\n", createErr)
			os.Exit(1)
		}
		mgr.Audit("user.created", "password_tool", fmt.Sprintf("%s created with role %s", created.Email, created.Role))
		fmt.Printf("Created user %s with %s role.\n", created.Email, created.Role)
	case err != nil:
		fmt.Fprintf(os.Stderr, "failed to look up user: %v\n", err)
		os.Exit(1)
	default:
		if err := svc.SetPassword(ctx, user.ID, pwd); err != nil {
			fmt.Fprintf(os.Stderr, "failed to update password: %v\n", err)
			os.Exit(1)
		}
		mgr.Audit("user.password_reset", "password_tool", fmt.Sprintf("Password reset for %s", user.Email))
		fmt.Printf("Updated password for %s; existing sessions were signed out.\n", user.Email)
	}

	fmt.Printf("config: %s\n", mgr.ConfigFile)
}

func resolvePassword(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed != "" {
		if len(trimmed) < auth.MinPasswordLength {
			return "", auth.ErrWeakPassword
		}
		return trimmed, nil
	}

	first, err := promptPassword("Enter new password: ")
	if err != nil {
		return "", err
	}
	second, err := promptPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) < auth.MinPasswordLength {
		return "", auth.ErrWeakPassword
	}
	return first, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		bytes, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	text, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

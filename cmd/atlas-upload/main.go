// Command atlas-upload sends a file to an Atlas server using the same
// presigned multipart flow as the admin console, falling back to a proxied
// upload when the server runs in proxy mode.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"atlas/internal/upload"

	"github.com/gabriel-vasile/mimetype"
	"github.com/joho/godotenv"
	"golang.org/x/term"
)

const (
	envServer = "ATLAS_SERVER"
	envToken  = "ATLAS_TOKEN"
)

var errUsage = errors.New("usage: atlas-upload [flags] <file>")

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, readPassword)
	stop()
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return
	case errors.Is(err, errUsage):
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "atlas-upload: %v\n", err)
	os.Exit(1)
}

// run uploads the file named in args and writes the stored object as JSON to
// stdout. Progress and prompts go to stderr.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, password func(email string) (string, error)) error {
	fs := flag.NewFlagSet("atlas-upload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", envOr(envServer, "http://localhost:3000"), "Atlas base URL")
	token := fs.String("token", os.Getenv(envToken), "Session token (or set ATLAS_TOKEN)")
	email := fs.String("email", "", "Sign in with this account when no token is given")
	name := fs.String("name", "", "Stored filename (defaults to the file's base name)")
	contentType := fs.String("content-type", "", "Content type (detected from the file when empty)")
	attempts := fs.Int("attempts", 3, "Tries per part before the upload is aborted")
	quiet := fs.Bool("quiet", false, "Do not print progress")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, errUsage)
		fs.PrintDefaults()
		return errUsage
	}
	path := fs.Arg(0)

	if strings.TrimSpace(*token) == "" {
		if strings.TrimSpace(*email) == "" {
			return fmt.Errorf("no token: pass -token, set %s or sign in with -email", envToken)
		}
		pwd, err := password(*email)
		if err != nil {
			return fmt.Errorf("password error: %w", err)
		}
		t, err := login(ctx, *server, *email, pwd)
		if err != nil {
			return fmt.Errorf("sign in failed: %w", err)
		}
		*token = t
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	filename := strings.TrimSpace(*name)
	if filename == "" {
		filename = filepath.Base(path)
	}
	ct := strings.TrimSpace(*contentType)
	if ct == "" {
		if mt, err := mimetype.DetectFile(path); err == nil {
			ct = mt.String()
		}
	}

	client := &upload.Client{
		BaseURL:  *server,
		Token:    *token,
		HTTP:     &http.Client{},
		Attempts: *attempts,
	}

	var onProgress upload.ProgressFunc
	if !*quiet {
		start := time.Now()
		onProgress = func(p upload.Progress) {
			rate := float64(p.Loaded) / time.Since(start).Seconds() / (1 << 20)
			if p.Parts > 0 {
				fmt.Fprintf(stderr, "\r%5.1f%%  part %d/%d  %.1f MiB/s   ", p.Percent(), p.Part, p.Parts, rate)
			} else {
				fmt.Fprintf(stderr, "\r%5.1f%%  %.1f MiB/s   ", p.Percent(), rate)
			}
		}
	}

	res, err := client.Upload(ctx, f, info.Size(), filename, ct, onProgress)
	if !*quiet {
		fmt.Fprintln(stderr)
	}
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func readPassword(email string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", email)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// login exchanges credentials for a session token.
func login(ctx context.Context, server, email, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Token  string `json:"token"`
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if out.Reason != "" {
			msg += ": " + out.Reason
		}
		return "", &upload.StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out.Token == "" {
		return "", fmt.Errorf("server returned no token")
	}
	return out.Token, nil
}

package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// FileProvider sources bearer tokens from the local host: an optional
// refresh command rotates the token, and a token file holds the current
// value. When both are set the command runs first and the file is read
// after, so the command can write the file or print the token directly.
type FileProvider struct {
	// Path to the file containing the token, one line.
	Path string

	// Command, when non-empty, is run via the shell on refresh. If it
	// prints a non-empty token to stdout that wins over Path.
	Command string

	// TTL is how long a loaded token is presented as valid.
	TTL time.Duration
}

// Refresh implements Provider.
func (f *FileProvider) Refresh(ctx context.Context) (Credential, error) {
	ttl := f.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	if f.Command != "" {
		out, err := exec.CommandContext(ctx, "sh", "-c", f.Command).Output()
		if err != nil {
			return Credential{}, fmt.Errorf("token command failed: %w", err)
		}
		if token := strings.TrimSpace(string(out)); token != "" {
			return Credential{Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
		}
	}

	if f.Path == "" {
		return Credential{}, fmt.Errorf("no token source configured")
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return Credential{}, fmt.Errorf("token file %s is empty", f.Path)
	}

	return Credential{Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
}

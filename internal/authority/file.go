package authority

import (
	"context"
	"fmt"
	"os"
	"strings"

	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/license"
)

// FileAuthority reads a signed license token from disk on every refresh.
// It serves air-gapped deployments where the token is delivered by hand.
type FileAuthority struct {
	path string
}

// NewFileAuthority creates a file authority for path
func NewFileAuthority(path string) *FileAuthority {
	return &FileAuthority{path: path}
}

// Verify reads and decodes the token. A missing or unreadable file counts
// as unreachable so a temporarily unmounted volume only consumes grace.
func (f *FileAuthority) Verify(ctx context.Context, _ string) (license.Reply, error) {
	if err := ctx.Err(); err != nil {
		return license.Reply{}, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return license.Reply{}, fmt.Errorf("%w: %w", licenseErrors.ErrAuthorityUnreachable, err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return license.Reply{}, fmt.Errorf("%w: token file %s is empty", licenseErrors.ErrAuthorityUnreachable, f.path)
	}

	record, err := recordFromToken(token)
	if err != nil {
		return license.Reply{}, err
	}
	return license.Reply{Kind: license.ReplyRecord, Record: record}, nil
}

package main

import (
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/2sic/resizer/internal/license"
	"github.com/2sic/resizer/internal/security"
)

// cmdIssue signs a license token. It is meant for the file authority and
// for license servers that hand out tokens.
func cmdIssue(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "license id (required)")
	domains := fs.String("domains", "", "comma separated authorized domains, *.example.com allowed (required)")
	features := fs.String("features", "", "comma separated feature flags")
	ttl := fs.Duration("ttl", 0, "token lifetime; 0 issues a token without expiry")
	hmacSecret := fs.String("hmac-secret", "", "sign with HS256 using this secret")
	keyFile := fs.String("ed25519-key", "", "sign with EdDSA using this PEM private key")
	out := fs.String("out", "", "write the token to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if strings.TrimSpace(*id) == "" {
		return errors.New("issue: -id is required")
	}
	domainList := splitList(*domains)
	if len(domainList) == 0 {
		return errors.New("issue: -domains is required")
	}
	if _, errs := license.ParsePatterns(domainList); len(errs) > 0 {
		return fmt.Errorf("issue: %w", errors.Join(errs...))
	}

	issuer, err := newIssuer(*hmacSecret, *keyFile)
	if err != nil {
		return err
	}

	now := time.Now()
	claims := security.LicenseClaims{
		Domains:  domainList,
		Features: splitList(*features),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       *id,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if *ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(*ttl))
	}

	token, err := issuer.Issue(claims)
	if err != nil {
		return err
	}

	if *out != "" {
		if err := os.WriteFile(*out, []byte(token+"\n"), 0o600); err != nil {
			return fmt.Errorf("failed to write token: %w", err)
		}
		return nil
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func newIssuer(hmacSecret, keyFile string) (*security.TokenIssuer, error) {
	switch {
	case hmacSecret != "" && keyFile != "":
		return nil, errors.New("issue: use either -hmac-secret or -ed25519-key")
	case hmacSecret != "":
		return security.NewHMACIssuer([]byte(hmacSecret)), nil
	case keyFile != "":
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key: %w", err)
		}
		key, err := jwt.ParseEdPrivateKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("signing key is not ed25519")
		}
		return security.NewEd25519Issuer(priv), nil
	default:
		return nil, errors.New("issue: a signing key is required (-hmac-secret or -ed25519-key)")
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

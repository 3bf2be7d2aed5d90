package auth

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHIBPRangeURL = "https://api.pwnedpasswords.com/range/"
	hibpUserAgent       = "keyvault/1.0"
)

// HIBPResult captures whether a password hash suffix was found in the HIBP dataset.
type HIBPResult struct {
	Found bool
	Count int
}

// BreachChecker reports whether a candidate master password is publicly breached.
type BreachChecker interface {
	Check(ctx context.Context, pw string) (HIBPResult, error)
}

// HIBPClient queries the Pwned Passwords range API using k-anonymity: only
// the first five hex characters of SHA1(pw) leave the process.
type HIBPClient struct {
	RangeURL string
	HTTP     *http.Client
}

// NewHIBPClient returns a client for the public API with a short timeout.
func NewHIBPClient() *HIBPClient {
	return &HIBPClient{
		RangeURL: defaultHIBPRangeURL,
		HTTP:     &http.Client{Timeout: 4 * time.Second},
	}
}

// Check streams the "SUFFIX:COUNT" lines for the hash prefix and reports the
// first case-insensitive suffix match. Transport failures are returned to the
// caller, which decides whether to fail open or closed.
func (c *HIBPClient) Check(ctx context.Context, pw string) (HIBPResult, error) {
	var result HIBPResult

	sum := sha1.Sum([]byte(pw))
	hashHex := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := hashHex[:5], hashHex[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RangeURL+prefix, nil)
	if err != nil {
		return result, fmt.Errorf("hibp request: %w", err)
	}
	req.Header.Set("User-Agent", hibpUserAgent)
	req.Header.Set("Add-Padding", "true")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return result, fmt.Errorf("hibp query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("hibp query: unexpected status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lineSuffix, countStr, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok || !strings.EqualFold(lineSuffix, suffix) {
			continue
		}

		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			return result, fmt.Errorf("hibp parse count: %w", err)
		}
		// padded responses carry zero-count decoys
		if count == 0 {
			continue
		}
		result.Found = true
		result.Count = count
		return result, nil
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("hibp read response: %w", err)
	}
	return result, nil
}

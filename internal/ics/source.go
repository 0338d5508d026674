package ics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	appLog "coursecal/internal/log"
)

const maxICSBytes = 16 << 20

// Read loads an ICS payload from a local path or an http(s) URL.
func Read(ctx context.Context, location string) ([]byte, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("ics location is empty")
	}
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") ||
		strings.HasPrefix(location, "webcal://") {
		return fetch(ctx, strings.Replace(location, "webcal://", "https://", 1))
	}
	return os.ReadFile(location)
}

func fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/calendar")

	appLog.Info("ics fetch start", "url", redactURL(rawURL))

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("ics fetch: " + resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxICSBytes))
	if err != nil {
		return nil, err
	}

	appLog.Info("ics fetch success", "url", redactURL(rawURL), "bytes", len(body))
	return body, nil
}

// redactURL keeps scheme and host only; subscription URLs often carry tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}

package stooq

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/wonny/stocketl/internal/contracts"
)

// LookupName reads the instrument's display name from its Stooq quote page.
// Used for instruments created on first sight.
func (c *Client) LookupName(ctx context.Context, ref contracts.InstrumentRef) (string, error) {
	params := url.Values{}
	params.Set("s", providerSymbol(ref))
	fullURL := fmt.Sprintf("%s/q/?%s", c.baseURL, params.Encode())

	resp, err := c.httpClient.Get(ctx, fullURL)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}

	name := nameFromTitle(ref.Symbol, doc.Find("title").First().Text())
	if name == "" {
		return "", fmt.Errorf("no name on quote page for %s", ref.Symbol)
	}
	return name, nil
}

// nameFromTitle extracts the company part of titles like
// "XTB - X-Trade Brokers Dom Maklerski SA - Stooq"
func nameFromTitle(symbol, title string) string {
	for _, part := range strings.Split(title, " - ") {
		part = strings.TrimSpace(part)
		lower := strings.ToLower(part)
		if part == "" || strings.EqualFold(part, symbol) || strings.HasPrefix(lower, "stooq") {
			continue
		}
		return part
	}
	return ""
}

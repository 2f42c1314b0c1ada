package platforms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alecthomas/log4go"

	"github.com/openconservation/marketscan"
)

const (
	ebayTokenURL  = "https://api.ebay.com/identity/v1/oauth2/token"
	ebaySearchURL = "https://api.ebay.com/buy/browse/v1/item_summary/search"
	ebayScope     = "https://api.ebay.com/oauth/api_scope"
)

// EBayAPIScanner searches eBay through the official Browse API using
// client-credentials OAuth. It is preferred over HTML scraping whenever
// PLATFORM_EBAY_APP_ID / PLATFORM_EBAY_CERT_ID are configured: the API is
// faster, stable, and sanctioned. It implements marketscan.Scanner.
type EBayAPIScanner struct {
	fm     *marketscan.FetchManager
	appID  string
	certID string

	token       string
	tokenExpiry time.Time
}

// NewEBayAPIScanner builds the API-backed eBay scanner.
func NewEBayAPIScanner(fm *marketscan.FetchManager, appID, certID string) *EBayAPIScanner {
	return &EBayAPIScanner{fm: fm, appID: appID, certID: certID}
}

// Tag implements marketscan.Scanner.
func (s *EBayAPIScanner) Tag() string { return marketscan.PlatformEBay }

type ebayTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type ebaySearchResponse struct {
	ItemSummaries []struct {
		ItemID     string `json:"itemId"`
		Title      string `json:"title"`
		ItemWebURL string `json:"itemWebUrl"`
		Price      struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"price"`
		ItemLocation struct {
			City    string `json:"city"`
			Country string `json:"country"`
		} `json:"itemLocation"`
		Image struct {
			ImageURL string `json:"imageUrl"`
		} `json:"image"`
		Seller struct {
			Username string `json:"username"`
		} `json:"seller"`
		ShortDescription string `json:"shortDescription"`
	} `json:"itemSummaries"`
	Total int `json:"total"`
}

// ensureToken refreshes the cached application token when it is absent or
// within a minute of expiry.
func (s *EBayAPIScanner) ensureToken(ctx context.Context) error {
	if s.token != "" && time.Until(s.tokenExpiry) > time.Minute {
		return nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", ebayScope)

	req, err := http.NewRequestWithContext(ctx, "POST", ebayTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(s.appID + ":" + s.certID))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := s.fm.Client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("ebay token exchange returned %v", res.Status)
	}

	var tok ebayTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return fmt.Errorf("ebay token decode: %v", err)
	}
	s.token = tok.AccessToken
	s.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return nil
}

// Search implements marketscan.Scanner over the Browse API.
func (s *EBayAPIScanner) Search(ctx context.Context, keyword string, maxResults int) ([]*marketscan.Listing, marketscan.ErrorTally) {
	tally := marketscan.ErrorTally{}
	if maxResults <= 0 || maxResults > 100 {
		maxResults = 100
	}

	if err := s.ensureToken(ctx); err != nil {
		log4go.Warn("eBay token exchange failed, keyword %q skipped: %v", keyword, err)
		tally.Add(marketscan.ErrOther)
		return nil, tally
	}

	q := url.Values{}
	q.Set("q", keyword)
	q.Set("limit", fmt.Sprintf("%d", maxResults))

	req, err := http.NewRequestWithContext(ctx, "GET", ebaySearchURL+"?"+q.Encode(), nil)
	if err != nil {
		tally.Add(marketscan.ErrOther)
		return nil, tally
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("X-EBAY-C-MARKETPLACE-ID", "EBAY_US")

	res, err := s.fm.Client().Do(req)
	if err != nil {
		tally.Add(marketscan.ErrTimeout)
		return nil, tally
	}
	defer res.Body.Close()
	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		tally.Add(marketscan.ErrOther)
		return nil, tally
	}

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		tally.Add(marketscan.ErrBlocked)
		return nil, tally
	case res.StatusCode >= 500:
		tally.Add(marketscan.ErrHTTP5xx)
		return nil, tally
	case res.StatusCode >= 400:
		// Expired token gets one refresh on the next keyword.
		if res.StatusCode == http.StatusUnauthorized {
			s.token = ""
		}
		tally.Add(marketscan.ErrHTTP4xx)
		return nil, tally
	}

	var sr ebaySearchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		tally.Add(marketscan.ErrParse)
		return nil, tally
	}

	now := time.Now().UTC()
	var out []*marketscan.Listing
	for _, item := range sr.ItemSummaries {
		u, err := marketscan.ParseURL(item.ItemWebURL)
		if err != nil || u.Host == "" || item.Title == "" {
			continue
		}
		u.Canonicalize()

		loc := item.ItemLocation.City
		if item.ItemLocation.Country != "" {
			if loc != "" {
				loc += ", "
			}
			loc += item.ItemLocation.Country
		}

		l := &marketscan.Listing{
			Platform:    marketscan.PlatformEBay,
			PlatformID:  item.ItemID,
			Title:       item.Title,
			Description: item.ShortDescription,
			Price: marketscan.Price{
				Raw: strings.TrimSpace(item.Price.Currency + " " + item.Price.Value),
			},
			URL:        u,
			Location:   loc,
			ImageURL:   item.Image.ImageURL,
			ObservedAt: now,
			SearchTerm: keyword,
		}
		if item.Seller.Username != "" {
			l.Seller = map[string]string{"username": item.Seller.Username}
		}
		out = append(out, l)
		if len(out) >= maxResults {
			break
		}
	}
	return out, tally
}

// Build constructs the scanner set for the requested platform tags. eBay
// gets the API scanner when credentials are configured; infinite-scroll
// platforms get the rendered scanner (dark when renderer is nil); everything
// else gets the static HTML engine.
func Build(fm *marketscan.FetchManager, tags []string, renderer Renderer) ([]marketscan.Scanner, error) {
	var out []marketscan.Scanner
	for _, tag := range tags {
		desc, ok := Describe(tag)
		if !ok {
			return nil, fmt.Errorf("unknown platform %q", tag)
		}

		if tag == marketscan.PlatformEBay && marketscan.Config.EBay.AppID != "" && marketscan.Config.EBay.CertID != "" {
			log4go.Info("Using eBay Browse API scanner")
			out = append(out, NewEBayAPIScanner(fm, marketscan.Config.EBay.AppID, marketscan.Config.EBay.CertID))
			continue
		}

		if desc.Pagination == InfiniteScroll {
			out = append(out, NewRenderedScanner(desc, fm, renderer))
			continue
		}

		log4go.Debug("Platform %v region hint %v", desc.Tag, desc.Region)
		out = append(out, NewHTMLScanner(desc, fm))
	}
	return out, nil
}

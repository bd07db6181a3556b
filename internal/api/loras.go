package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/cozyapp/cozylink/internal/models"
)

// Lora routes are provided by the lora-manager server extension. A stock
// server without the extension answers 404 on them, which the methods below
// surface as ErrEndpointMissing.

// LoraListOptions controls paging and filtering of the lora catalog.
type LoraListOptions struct {
	Page     int    // 1-based, defaults to 1
	PageSize int    // defaults to 50
	SortBy   string // "name" or "date", defaults to "name"
	Search   string // optional substring filter applied server-side
}

func (o *LoraListOptions) applyDefaults() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = 50
	}
	if o.SortBy == "" {
		o.SortBy = "name"
	}
}

// ListLoras fetches one page of the server's installed lora models.
func (c *Client) ListLoras(ctx context.Context, opts LoraListOptions) (*models.LoraListResponse, error) {
	opts.applyDefaults()

	params := url.Values{}
	params.Set("page", strconv.Itoa(opts.Page))
	params.Set("page_size", strconv.Itoa(opts.PageSize))
	params.Set("sort_by", opts.SortBy)
	if opts.Search != "" {
		params.Set("search", opts.Search)
	}

	resp, err := c.doRequest(ctx, "GET", "/api/lm/loras/list?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusNotFound {
		return nil, fmt.Errorf("%w: lora manager extension missing", ErrEndpointMissing)
	}
	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list loras failed: status %d: %s", resp.StatusCode, string(body))
	}

	var result models.LoraListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode lora list: %w", err)
	}

	return &result, nil
}

// ListAllLoras walks every catalog page and returns the combined list.
func (c *Client) ListAllLoras(ctx context.Context, sortBy, search string) ([]models.Lora, error) {
	var all []models.Lora
	opts := LoraListOptions{Page: 1, SortBy: sortBy, Search: search}

	for {
		page, err := c.ListLoras(ctx, opts)
		if err != nil {
			return nil, err
		}

		all = append(all, page.Items...)

		if page.TotalPages <= opts.Page || len(page.Items) == 0 {
			break
		}
		opts.Page++
	}

	return all, nil
}

// DownloadLora asks the server to pull a lora model from CivitAI into its
// default model path. rawURL is any CivitAI model page or version URL; the
// download runs server-side, so this returns as soon as the server accepts
// the request.
func (c *Client) DownloadLora(ctx context.Context, rawURL string) error {
	modelID, versionID, err := ParseCivitaiURL(rawURL)
	if err != nil {
		return err
	}

	request := models.LoraDownloadRequest{UseDefaultPaths: true}
	if versionID != 0 {
		request.ModelVersionID = versionID
	} else {
		request.ModelID = modelID
	}

	resp, err := c.doRequest(ctx, "POST", "/api/lm/download-model", request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusNotFound {
		return fmt.Errorf("%w: lora manager extension missing", ErrEndpointMissing)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("lora download failed: status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

var civitaiModelPath = regexp.MustCompile(`/models/(\d+)`)

// ParseCivitaiURL extracts the model and version identifiers from a CivitAI
// URL. A modelVersionId query parameter wins over the model id in the path,
// because a version pins the exact file while the model id only names the
// family. Exactly one of the two return values is non-zero on success.
func ParseCivitaiURL(rawURL string) (modelID, versionID int64, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid CivitAI URL %q: %w", rawURL, err)
	}

	if v := parsed.Query().Get("modelVersionId"); v != "" {
		versionID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid CivitAI version id %q", v)
		}
		return 0, versionID, nil
	}

	if m := civitaiModelPath.FindStringSubmatch(parsed.Path); m != nil {
		modelID, err = strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid CivitAI model id %q", m[1])
		}
		return modelID, 0, nil
	}

	return 0, 0, fmt.Errorf("no model id found in CivitAI URL %q", rawURL)
}

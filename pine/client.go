package pine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/tradingiq/tradingview-client/interfaces"
	"github.com/tradingiq/tradingview-client/types"
	"github.com/tradingiq/tradingview-client/websocket"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://pine-facade.tradingview.com/pine-facade"
	DefaultVersion = "last"
	RequestTimeout = 15 * time.Second
)

// reserved inputs are filled from the script itself by StudyInputs.
var reserved = map[string]bool{"text": true, "pineId": true, "pineVersion": true}

var nonWord = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Client resolves indicator references against the pine facade.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials websocket.Credentials
	logger      *zap.Logger
}

var _ interfaces.IndicatorResolver = (*Client)(nil)

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithCredentials uses the same credentials as the socket so that private
// scripts resolve with the account's token.
func WithCredentials(creds websocket.Credentials) Option {
	return func(c *Client) {
		c.credentials = creds
	}
}

func NewClient(logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: RequestTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type translateResponse struct {
	Success bool           `json:"success"`
	Reason  string         `json:"reason"`
	Result  *translateBody `json:"result"`
}

type translateBody struct {
	ILTemplate string   `json:"ilTemplate"`
	MetaInfo   metaInfo `json:"metaInfo"`
}

type metaInfo struct {
	ScriptIDPart     string               `json:"scriptIdPart"`
	Description      string               `json:"description"`
	ShortDescription string               `json:"shortDescription"`
	IsStrategy       bool                 `json:"isTVScriptStrategy"`
	Inputs           []metaInput          `json:"inputs"`
	Plots            []metaPlot           `json:"plots"`
	Styles           map[string]metaStyle `json:"styles"`
	Pine             struct {
		Version string `json:"version"`
	} `json:"pine"`
}

type metaInput struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Inline   string `json:"inline"`
	Type     string `json:"type"`
	Defval   any    `json:"defval"`
	IsHidden bool   `json:"isHidden"`
}

type metaPlot struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Target string `json:"target"`
}

type metaStyle struct {
	Title string `json:"title"`
}

// Resolve returns an attachable indicator. Ids containing "@" are built-in
// studies and never leave the process.
func (c *Client) Resolve(ctx context.Context, id, version string) (types.Indicator, error) {
	if id == "" {
		return types.Indicator{}, fmt.Errorf("indicator id is required")
	}
	if types.IsBuiltInID(id) {
		return types.NewBuiltInIndicator(id), nil
	}
	if version == "" {
		version = DefaultVersion
	}

	endpoint := fmt.Sprintf("%s/translate/%s/%s", c.baseURL, url.PathEscape(id), url.PathEscape(version))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.Indicator{}, fmt.Errorf("failed to build translate request: %w", err)
	}
	req.Header.Set("Origin", websocket.TradingViewOrigin)
	if cookie := c.cookie(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	c.logger.Debug("Resolving indicator", zap.String("id", id), zap.String("version", version))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.Indicator{}, fmt.Errorf("failed to fetch indicator %s: %w", id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return types.Indicator{}, fmt.Errorf("failed to read indicator %s: %w", id, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.Indicator{}, &types.IndicatorUnavailableError{Indicator: id, Detail: resp.Status}
	case resp.StatusCode != http.StatusOK:
		return types.Indicator{}, fmt.Errorf("pine facade returned %s for %s", resp.Status, id)
	}

	var tr translateResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return types.Indicator{}, fmt.Errorf("failed to decode indicator %s: %w", id, err)
	}
	if !tr.Success || tr.Result == nil {
		reason := tr.Reason
		if reason == "" {
			reason = "inexistent or unsupported indicator"
		}
		return types.Indicator{}, &types.IndicatorUnavailableError{Indicator: id, Detail: reason}
	}

	ind := c.build(id, version, tr.Result)
	c.logger.Info("Resolved indicator",
		zap.String("id", ind.ID),
		zap.String("version", ind.Version),
		zap.Int("inputs", len(ind.Inputs)),
		zap.Int("plots", len(ind.Plots)))
	return ind, nil
}

func (c *Client) cookie() string {
	if c.credentials.SessionID == "" {
		return ""
	}
	cookie := "sessionid=" + c.credentials.SessionID
	if c.credentials.Signature != "" {
		cookie += ";sessionid_sign=" + c.credentials.Signature
	}
	return cookie
}

func (c *Client) build(id, version string, body *translateBody) types.Indicator {
	meta := body.MetaInfo
	ind := types.Indicator{
		Kind:     types.IndicatorScript,
		ID:       id,
		Version:  version,
		Script:   body.ILTemplate,
		Token:    c.credentials.AuthToken,
		Strategy: meta.IsStrategy,
		Plots:    plotNames(meta),
	}
	if ind.Token == "" {
		ind.Token = websocket.AnonymousAuthToken
	}
	if meta.ScriptIDPart != "" {
		ind.ID = meta.ScriptIDPart
	}
	if meta.Pine.Version != "" {
		ind.Version = meta.Pine.Version
	}

	for _, in := range meta.Inputs {
		if reserved[in.ID] {
			continue
		}
		inline := in.Inline
		if inline == "" {
			inline = inlineName(in.Name)
		}
		ind.Inputs = append(ind.Inputs, types.IndicatorInput{
			ID:     in.ID,
			Name:   in.Name,
			Inline: inline,
			Type:   in.Type,
			Value:  in.Defval,
			Hidden: in.IsHidden,
		})
	}
	return ind
}

func inlineName(name string) string {
	return nonWord.ReplaceAllString(strings.ReplaceAll(name, " ", "_"), "")
}

// plotNames titles every styled plot, suffixing repeated titles with _2, _3 and
// so on. Plots that target another plot are named after their target.
func plotNames(meta metaInfo) map[string]string {
	plots := make(map[string]string, len(meta.Styles)+len(meta.Plots))
	used := make(map[string]bool, len(meta.Styles))

	ids := make([]string, 0, len(meta.Styles))
	for _, p := range meta.Plots {
		if _, ok := meta.Styles[p.ID]; ok {
			ids = append(ids, p.ID)
		}
	}
	var extra []string
	for id := range meta.Styles {
		if !slices.Contains(ids, id) {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	ids = append(ids, extra...)

	for _, id := range ids {
		title := inlineName(meta.Styles[id].Title)
		name := title
		for i := 2; used[name]; i++ {
			name = fmt.Sprintf("%s_%d", title, i)
		}
		used[name] = true
		plots[id] = name
	}

	for _, p := range meta.Plots {
		if p.Target == "" {
			continue
		}
		target := p.Target
		if name, ok := plots[target]; ok {
			target = name
		}
		plots[p.ID] = target + "_" + p.Type
	}
	return plots
}

package unfurl

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

const (
	fetchTimeout = 20 * time.Second
	maxBodyBytes = 2 << 20
	maxRedirects = 5
	userAgent    = "diagram-tools-hub/1.0 (+link preview)"
)

// Result is the link preview tuple. Every field is always present;
// missing metadata is an empty string, never an absent key.
type Result struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image"`
	Favicon     string `json:"favicon"`
}

// Resolver fetches a URL and extracts Open Graph metadata, falling
// back to Twitter card tags for the image. Any fetch or parse failure
// yields the all-empty Result; callers never branch on error.
type Resolver struct {
	client    *http.Client
	sanitizer *bluemonday.Policy
}

func NewResolver() *Resolver {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialPublic(ctx, dialer, network, addr)
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 30 * time.Second,
	}
	return &Resolver{
		client: &http.Client{
			Timeout:   fetchTimeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// dialPublic resolves the host and refuses loopback, private, and
// link-local targets before connecting, so an unfurl cannot probe the
// internal network.
func dialPublic(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, ip := range addrs {
		if isPrivate(ip.IP) {
			return nil, fmt.Errorf("refusing private address %s", ip.IP)
		}
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].IP.String(), port))
}

func isPrivate(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// Resolve returns the preview tuple for rawURL.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) Result {
	var result Result

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return result
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := r.client.Do(req)
	if err != nil {
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return result
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return result
	}

	// Redirects may have moved us; relative references resolve
	// against the final URL.
	base := resp.Request.URL

	meta := extract(doc)
	result.Title = r.clean(firstOf(meta["og:title"], meta["twitter:title"], meta["<title>"]))
	result.Description = r.clean(firstOf(meta["og:description"], meta["twitter:description"], meta["description"]))
	result.Image = absolute(base, firstOf(meta["og:image"], meta["twitter:image"]))
	result.Favicon = absolute(base, meta["favicon"])
	if result.Favicon == "" {
		result.Favicon = base.Scheme + "://" + base.Host + "/favicon.ico"
	}

	return result
}

func (r *Resolver) clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(r.sanitizer.Sanitize(s)))
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func absolute(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

// extract walks the parse tree collecting meta/link/title values
// keyed by property or name.
func extract(doc *html.Node) map[string]string {
	meta := make(map[string]string)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				key := firstOf(attr(n, "property"), attr(n, "name"))
				content := attr(n, "content")
				if key != "" && content != "" {
					key = strings.ToLower(key)
					if _, seen := meta[key]; !seen {
						meta[key] = content
					}
				}
			case "link":
				rel := strings.ToLower(attr(n, "rel"))
				href := attr(n, "href")
				if href != "" && meta["favicon"] == "" {
					switch rel {
					case "icon", "shortcut icon", "apple-touch-icon":
						meta["favicon"] = href
					}
				}
			case "title":
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode && meta["<title>"] == "" {
					meta["<title>"] = n.FirstChild.Data
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return meta
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
)

// RemoteImage is a package image served over HTTP.
type RemoteImage struct {
	URL    string
	Client *http.Client
}

func (ri *RemoteImage) client() *http.Client {
	if ri.Client != nil {
		return ri.Client
	}
	return http.DefaultClient
}

func (ri *RemoteImage) String() string { return ri.URL }

func (ri *RemoteImage) get(ctx context.Context, method string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, ri.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := ri.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ri.URL, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: %s", ri.URL, resp.Status)
	}
	return resp, nil
}

func (ri *RemoteImage) Open(ctx context.Context) (io.ReadCloser, error) {
	resp, err := ri.get(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Stamp reads only the first KiB of the image.
func (ri *RemoteImage) Stamp() (uint32, error) {
	resp, err := ri.get(context.Background(), http.MethodGet, http.Header{"Range": {"bytes=0-1023"}})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	stamp, err := sfs.ReadStamp(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", ri.URL, err)
	}
	return stamp, nil
}

func (ri *RemoteImage) Size() (int64, error) {
	resp, err := ri.get(context.Background(), http.MethodHead, nil)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.ContentLength, nil
}

var (
	hrefRe  = regexp.MustCompile(`<a\b[^>]*\bhref=([^\s>]+)[^>]*>`)
	protoRe = regexp.MustCompile(`^\w+:`)
)

// RemoteIndex is a directory listing page of package images, as served
// by common web servers' autoindex. The listing is fetched once and
// reused for every lookup.
type RemoteIndex struct {
	URL    string
	Client *http.Client

	mu    sync.Mutex
	names []string
}

func (ix *RemoteIndex) client() *http.Client {
	if ix.Client != nil {
		return ix.Client
	}
	return http.DefaultClient
}

func (ix *RemoteIndex) String() string { return ix.URL }

// base is the index URL with a trailing slash, so that the listing
// request and relative entry names resolve against the directory.
func (ix *RemoteIndex) base() string {
	if strings.HasSuffix(ix.URL, "/") {
		return ix.URL
	}
	return ix.URL + "/"
}

// Names lists the file entries of the index page. Subdirectories,
// absolute links and links to other sites are skipped. A successful
// listing is cached.
func (ix *RemoteIndex) Names(ctx context.Context) ([]string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.names != nil {
		return ix.names, nil
	}
	names, err := ix.fetchNames(ctx)
	if err != nil {
		return nil, err
	}
	ix.names = names
	return names, nil
}

func (ix *RemoteIndex) fetchNames(ctx context.Context) ([]string, error) {
	base := ix.base()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := ix.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch index %s: %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch index %s: %s", base, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		return nil, fmt.Errorf("index %s: not text/html: %q", base, ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", base, err)
	}

	names := []string{}
	for _, m := range hrefRe.FindAllStringSubmatch(string(body), -1) {
		href := m[1]
		if strings.HasPrefix(href, `"`) || strings.HasPrefix(href, "'") {
			href = href[1 : len(href)-1]
		}
		if href == "" || href == "." || href == ".." || strings.HasPrefix(href, "/") ||
			protoRe.MatchString(href) || strings.HasSuffix(href, "/") {
			continue
		}
		if unescaped, err := url.PathUnescape(href); err == nil {
			href = unescaped
		}
		names = append(names, href)
	}
	return names, nil
}

func (ix *RemoteIndex) imageURL(name string) string {
	return ix.base() + url.PathEscape(name)
}

// FindImage returns the matching image with the greatest stamp.
func (ix *RemoteIndex) FindImage(ctx context.Context, name sfs.Name) (sfs.Image, error) {
	names, err := ix.Names(ctx)
	if err != nil {
		return nil, err
	}
	var best *RemoteImage
	var bestStamp uint32
	for _, n := range names {
		if !strings.HasSuffix(n, ".sfs") || !sfs.Name(n).Matches(name.String()) {
			continue
		}
		img := &RemoteImage{URL: ix.imageURL(n), Client: ix.Client}
		stamp, err := img.Stamp()
		if err != nil {
			continue
		}
		if best == nil || stamp > bestStamp {
			best, bestStamp = img, stamp
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%s in %s: %w", name, ix.URL, sfs.ErrNoPackage)
	}
	return best, nil
}

// OpenSource returns the sync source for ref: an index for HTTP URLs,
// a directory store otherwise.
func OpenSource(ref string, depth int, client *http.Client) (sfs.ImageSource, error) {
	r := Classify(ref)
	switch r.Kind {
	case KindHTTP:
		return &RemoteIndex{URL: r.Location, Client: client}, nil
	case KindPath, KindGitRepo:
		return sfs.NewDirectory(r.Location, depth), nil
	default:
		return nil, fmt.Errorf("%s (%s): %w", ref, r.Kind, ErrUnsupported)
	}
}

// OpenImage returns an image for a local path or HTTP URL.
func OpenImage(ref string, client *http.Client) (sfs.Image, error) {
	r := Classify(ref)
	switch r.Kind {
	case KindHTTP:
		return &RemoteImage{URL: r.Location, Client: client}, nil
	case KindPath:
		return sfs.New(r.Location), nil
	default:
		return nil, fmt.Errorf("%s (%s): %w", ref, r.Kind, ErrUnsupported)
	}
}

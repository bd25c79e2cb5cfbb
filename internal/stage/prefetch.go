package stage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
)

// explicitURLs returns the package URLs of an explicit lockfile, without
// their #md5 fragments.
func explicitURLs(r io.Reader) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
			continue
		}
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return urls, nil
}

// prefetch downloads every package of an explicit lockfile into the shared
// package cache. Files already cached are not fetched again. With an
// extract command, each package is also unpacked in the cache unless that
// was already done.
func prefetch(ctx context.Context, sc *Context, client *http.Client, lockfile string, extract []string) error {
	if sc.Pkgs == nil {
		return fmt.Errorf("prefetch: no package cache configured")
	}
	f, err := os.Open(lockfile)
	if err != nil {
		return fmt.Errorf("prefetch: open lockfile: %w", err)
	}
	urls, err := explicitURLs(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("prefetch: read lockfile: %w", err)
	}

	fetched := 0
	for _, raw := range urls {
		if err := sc.CheckCanceled(); err != nil {
			return err
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("prefetch: bad url %q: %w", raw, err)
		}
		name := path.Base(u.Path)
		_, got, err := sc.Pkgs.Ensure(ctx, name, func(ctx context.Context, w io.Writer) error {
			return download(ctx, client, raw, w)
		})
		if err != nil {
			return err
		}
		if got {
			fetched++
		}
		if len(extract) == 0 {
			continue
		}
		if _, err := sc.Pkgs.EnsureExtracted(ctx, name, func(ctx context.Context, archive, dir string) error {
			r := strings.NewReplacer("{archive}", archive, "{dest}", dir)
			args := make([]string, len(extract))
			for i, a := range extract {
				args[i] = r.Replace(a)
			}
			_, err := sc.Run(ctx, true, args...)
			return err
		}); err != nil {
			return err
		}
	}
	sc.Logf("prefetch: %d packages, %d downloaded", len(urls), fetched)
	return nil
}

func download(ctx context.Context, client *http.Client, rawURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", rawURL, resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

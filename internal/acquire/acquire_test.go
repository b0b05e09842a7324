package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AlfredBerg/joe-harvester/internal/listing"
)

const listingsPage = `<!DOCTYPE html>
<html><body style="height:2000px">
%s
<a href="#" onclick="document.getElementById('period').textContent=this.textContent; return false;">August 1, 2024 – January 31, 2025</a>
<span id="period"></span>
<div class="options-button" onclick="document.getElementById('filters').style.display='block'">Section/Type</div>
<div id="filters" style="display:none">
  <input type="checkbox" value="0" checked> Show All
  <input type="checkbox" value="1"> US: Full-Time Academic
  <input type="checkbox" value="5"> International: Full-Time Academic
  <button onclick="document.getElementById('filters').style.display='none'">Apply Filter</button>
</div>
<select class="results-per-page"><option>25</option><option>100</option><option>All</option></select>
<div class="extra-button-wrapper" onclick="document.getElementById('dl').style.display='block'">Download Options</div>
<div id="dl" style="display:none"><a href="/resultset_xls_output.php">Native XLS</a></div>
</body></html>`

const workingBanner = `<div class="cookie-legal-banner" style="position:fixed;top:0;left:0;width:100%;height:100%;background:#000;z-index:1000">
<button onclick="this.parentElement.style.display='none'">Accept</button></div>`

const stuckBanner = `<div class="cookie-legal-banner" style="position:fixed;top:0;left:0;width:100%;height:100%;background:#000;z-index:1000">
<button>Accept</button></div>`

func newSite(t *testing.T, banner string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/joe/listings", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, listingsPage, banner)
	})
	mux.HandleFunc("/resultset_xls_output.php", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="joe_resultset.xlsx"`)
		_, _ = w.Write([]byte("PK fake spreadsheet"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func requireBrowser(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("browser test skipped in short mode")
	}
	if _, has := launcher.LookPath(); !has {
		t.Skip("no chrome binary found")
	}
}

func openSession(t *testing.T, baseURL, staging string) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	s, err := Open(ctx, Config{
		BaseURL:        baseURL,
		StagingDir:     staging,
		Headless:       true,
		DismissTimeout: time.Second,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitForFile(t *testing.T, dir string) string {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			if filepath.Ext(e.Name()) == ".xlsx" {
				return e.Name()
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("no download appeared in %s", dir)
	return ""
}

func TestAcquireDownloadsIntoStaging(t *testing.T) {
	requireBrowser(t)

	for name, banner := range map[string]string{
		"no banner":          "",
		"dismissible banner": workingBanner,
		"stuck banner":       stuckBanner,
	} {
		t.Run(name, func(t *testing.T) {
			srv := newSite(t, banner)
			staging := t.TempDir()
			s := openSession(t, srv.URL+"/joe/listings", staging)

			err := s.Acquire(context.Background(), listing.Key{Period: 2024, Category: "1"})
			require.NoError(t, err)
			assert.Equal(t, "joe_resultset.xlsx", waitForFile(t, staging))
		})
	}
}

func TestAcquireUnknownPeriod(t *testing.T) {
	s := &Session{}
	s.cfg.defaults()
	s.log = s.cfg.Logger

	err := s.Acquire(context.Background(), listing.Key{Period: 1999, Category: "1"})
	var ui *UIStateError
	require.True(t, errors.As(err, &ui))
	assert.Equal(t, "select period", ui.Step)
	assert.True(t, Retryable(err))
}

func TestAcquireMissingControls(t *testing.T) {
	requireBrowser(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/joe/listings", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>maintenance</p></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := openSession(t, srv.URL+"/joe/listings", t.TempDir())
	s.cfg.ActionTimeout = time.Second

	err := s.Acquire(context.Background(), listing.Key{Period: 2024, Category: listing.AllSections})
	var ui *UIStateError
	require.True(t, errors.As(err, &ui), "got %v", err)
	assert.Equal(t, "select period", ui.Step)
}

func TestRetryable(t *testing.T) {
	k := listing.Key{Period: 2024, Category: "1"}
	assert.True(t, Retryable(&ObstructionError{Key: k}))
	assert.True(t, Retryable(fmt.Errorf("wrapped: %w", &NavigationError{Key: k, Err: errors.New("x")})))
	assert.False(t, Retryable(errors.New("plain")))
	assert.False(t, Retryable(nil))
}

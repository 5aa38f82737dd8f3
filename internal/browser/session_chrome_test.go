package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

const viewerPage = `<!doctype html>
<html><body>
<div data-page-number="1" style="width:300px;height:200px">Page 1</div>
<button id="next" style="width:80px;height:30px">Next page</button>
</body></html>`

// chromeBinary returns a local Chrome executable or skips the test.
func chromeBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping chrome session test in short mode")
	}
	if p := os.Getenv("DOCCAPTURE_TEST_CHROME"); p != "" {
		return p
	}
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no chrome binary on PATH")
	return ""
}

func TestSessionStaysUsableAfterOpen(t *testing.T) {
	bin := chromeBinary(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.Error(w, "gone", http.StatusGone)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, viewerPage)
	}))
	t.Cleanup(srv.Close)

	f, err := NewFactory(Config{
		Headless:          true,
		ExecPath:          bin,
		NoSandbox:         true,
		NavigationTimeout: 30 * time.Second,
		ActionTimeout:     10 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sess, err := f.Open(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })

	// Each call below needs the browser launched by Open to still be alive.
	require.NoError(t, sess.Navigate(ctx, srv.URL))

	el, ok, err := sess.Query(ctx, capture.Signature{Selector: "button", Labels: []string{"next"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Next page", el.Label)

	text, err := sess.Text(ctx, capture.Signature{Selector: "[data-page-number]"})
	require.NoError(t, err)
	assert.Equal(t, "Page 1", text)

	require.NoError(t, sess.Reset(ctx))
	shot, err := sess.Screenshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, shot)

	err = sess.Navigate(ctx, srv.URL+"/gone")
	require.ErrorIs(t, err, ErrDocumentGone)
}

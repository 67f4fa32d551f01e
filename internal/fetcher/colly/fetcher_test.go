package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

const statusSelector = "#contents .status"

func statusPage(body string) string {
	return fmt.Sprintf(`<html><body><div id="contents">%s</div></body></html>`, body)
}

func newServer(t *testing.T, code int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept-Language"); got != "ja" {
			http.Error(w, "missing language", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDriver(t *testing.T, url string) *Driver {
	t.Helper()
	d, err := New(Config{URL: url, Selector: statusSelector, AcceptLanguage: "ja", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return d
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Selector: statusSelector})
	require.Error(t, err)
	_, err = New(Config{URL: "https://example.com"})
	require.Error(t, err)
}

func TestReadStatusReturnsTrimmedText(t *testing.T) {
	t.Parallel()

	srv := newServer(t, http.StatusOK, statusPage(`<p class="status">
		平常運転
	</p><p class="status">ignored</p>`))
	d := newDriver(t, srv.URL)

	for i := 0; i < 2; i++ {
		got, err := d.ReadStatus(context.Background())
		require.NoError(t, err, "visit %d", i)
		require.Equal(t, "平常運転", got)
	}
}

func TestReadStatusClassifiesFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		code int
		body string
		want error
	}{
		{"missing element", http.StatusOK, statusPage(`<p class="other">x</p>`), linestatus.ErrElementNotFound},
		{"empty element", http.StatusOK, statusPage(`<p class="status">   </p>`), linestatus.ErrEmptyContent},
		{"server error", http.StatusServiceUnavailable, statusPage(""), linestatus.ErrNetwork},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, tc.code, tc.body)
			d := newDriver(t, srv.URL)

			_, err := d.ReadStatus(context.Background())
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestReadStatusUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := newDriver(t, url)
	_, err := d.ReadStatus(context.Background())
	require.ErrorIs(t, err, linestatus.ErrNetwork)
}

func TestReadStatusCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	d := newDriver(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.ReadStatus(ctx)
	require.ErrorIs(t, err, linestatus.ErrNavigationTimeout)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	d := &Driver{cfg: Config{Selector: statusSelector, AcceptLanguage: "ja"}}
	result := &visitResult{}
	hooks := &stubHooks{}
	d.configureCollectorHooks(hooks, result)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onHTML)
	require.NotNil(t, hooks.onError)
	require.Equal(t, statusSelector, hooks.selector)

	req := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(req)
	require.Equal(t, "ja", req.Headers.Get("Accept-Language"))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("bad gateway"))
	require.Equal(t, http.StatusBadGateway, result.statusCode)
	require.EqualError(t, result.err, "bad gateway")
}

type stubHooks struct {
	selector  string
	onRequest colly.RequestCallback
	onHTML    colly.HTMLCallback
	onError   colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnHTML(selector string, cb colly.HTMLCallback) {
	s.selector = selector
	s.onHTML = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

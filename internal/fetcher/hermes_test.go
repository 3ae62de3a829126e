package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"bundlegate/internal/oracle"
)

var testFeed = oracle.FeedID{0xe6, 0x2d, 0xf6, 0xc8, 0xb4, 0xa8, 0x5f, 0xe1}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func hermesServer(t *testing.T, publishTime int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != hermesLatestPath {
			t.Fatalf("路径不正确: %s", r.URL.Path)
		}
		id := r.URL.Query().Get("ids[]")
		if id != testFeed.String() {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("Price ids not found: " + id))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"parsed": []map[string]any{{
				"id": id,
				"price": map[string]any{
					"price":        "6512345678900",
					"conf":         "3456789",
					"expo":         -8,
					"publish_time": publishTime,
				},
			}},
		})
	}))
}

func newHermes(url string, mock *clock.Mock, maxAge time.Duration) *Hermes {
	return NewHermes(HermesOptions{BaseURL: url, Timeout: time.Second, UserAgent: "test", MaxAge: maxAge, Clock: mock}, noopLogger())
}

func TestHermesResolveSuccess(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_005, 0))
	srv := hermesServer(t, 1_700_000_000)
	defer srv.Close()

	price, err := newHermes(srv.URL, mock, 30*time.Second).Resolve(context.Background(), testFeed)
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	want := oracle.PriceData{Price: 6512345678900, Conf: 3456789, Expo: -8, PublishTime: 1_700_000_000}
	if price != want {
		t.Fatalf("价格不正确: %+v", price)
	}
}

func TestHermesResolveNotFound(t *testing.T) {
	srv := hermesServer(t, 0)
	defer srv.Close()

	_, err := newHermes(srv.URL, clock.NewMock(), 0).Resolve(context.Background(), oracle.FeedID{1})
	if !errors.Is(err, oracle.ErrPriceNotFound) {
		t.Fatalf("未知 feed 应返回 ErrPriceNotFound, 实际 %v", err)
	}
}

func TestHermesResolveStale(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_300, 0))
	srv := hermesServer(t, 1_700_000_000)
	defer srv.Close()

	_, err := newHermes(srv.URL, mock, 30*time.Second).Resolve(context.Background(), testFeed)
	if !errors.Is(err, oracle.ErrPriceStale) {
		t.Fatalf("过期价格应返回 ErrPriceStale, 实际 %v", err)
	}
}

func TestHermesResolveHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "overloaded"})
	}))
	defer srv.Close()

	_, err := newHermes(srv.URL, clock.NewMock(), 0).Resolve(context.Background(), testFeed)
	if err == nil || errors.Is(err, oracle.ErrPriceNotFound) || errors.Is(err, oracle.ErrPriceStale) {
		t.Fatalf("HTTP 503 应返回网络类错误, 实际 %v", err)
	}
}

func TestHermesResolveMalformedPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"parsed": []map[string]any{{
				"id":    testFeed.String(),
				"price": map[string]any{"price": "1.5", "conf": "1", "expo": 0, "publish_time": 1},
			}},
		})
	}))
	defer srv.Close()

	if _, err := newHermes(srv.URL, clock.NewMock(), 0).Resolve(context.Background(), testFeed); err == nil {
		t.Fatal("非整数价格应报错")
	}
}

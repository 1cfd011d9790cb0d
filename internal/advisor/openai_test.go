package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/pkg/models"
)

func testContext() *models.MultiTimeframeContext {
	last := models.NewCandle(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 100, 101, 99, 100, 10)
	last.MA20 = 98
	return &models.MultiTimeframeContext{
		Pair:  "SOL/USDT",
		Price: 100,
		Frames: map[string]models.TimeframeSnapshot{
			models.TF4H: {Timeframe: models.TF4H, Last: last, Trend: models.TrendUp, Slopes: models.UndefinedSlopes()},
		},
		ShortOnly: true,
	}
}

func server(t *testing.T, status int, content string, seen *chatRequest) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("authorization = %q", got)
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.WriteHeader(status)
		resp := map[string]any{"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func client(url string) *OpenAIClient {
	return NewOpenAIClient(config.AdvisorConfig{BaseURL: url, APIKey: "key", Model: "gpt-4o", Timeout: 5 * time.Second})
}

func TestProposeTradeReturnsReply(t *testing.T) {
	var req chatRequest
	srv := server(t, http.StatusOK, "```json\n{\"direction\":\"short\"}\n```", &req)
	defer srv.Close()

	reply, err := client(srv.URL).ProposeTrade(context.Background(), testContext(), []float64{95, 90})
	if err != nil {
		t.Fatalf("ProposeTrade: %v", err)
	}
	if !strings.Contains(reply, `"short"`) {
		t.Errorf("reply = %q", reply)
	}
	if len(req.Messages) != 2 || req.Model != "gpt-4o" {
		t.Fatalf("request = %+v", req)
	}
	user := req.Messages[1].Content
	for _, want := range []string{"SOL/USDT", "only SHORT", "95, 90", `"slope_ma20": null`} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestProposeTradeEmptyMeansNoSignal(t *testing.T) {
	for _, content := range []string{"", "{}", "```json\n{}\n```"} {
		srv := server(t, http.StatusOK, content, nil)
		_, err := client(srv.URL).ProposeTrade(context.Background(), testContext(), nil)
		srv.Close()
		if !errors.Is(err, models.ErrNoSignal) {
			t.Errorf("content %q: err = %v, want ErrNoSignal", content, err)
		}
	}
}

func TestProposeTradeHTTPFailure(t *testing.T) {
	srv := server(t, http.StatusTooManyRequests, "x", nil)
	defer srv.Close()
	_, err := client(srv.URL).ProposeTrade(context.Background(), testContext(), nil)
	if !errors.Is(err, models.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}

func TestProposeTradeUnusableBodyIsTyped(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind error
	}{
		{"not json", "<html>gateway</html>", models.ErrMalformedProposal},
		{"no choices", `{"choices": []}`, models.ErrNoSignal},
		{"provider error", `{"error": {"type": "rate_limit", "message": "slow down"}}`, models.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := client(srv.URL).ProposeTrade(context.Background(), testContext(), nil)
			if !errors.Is(err, tt.kind) {
				t.Errorf("err = %v, want %v", err, tt.kind)
			}
		})
	}
}

package listing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func testClient(url string) *Client {
	c := NewClient(zerolog.Nop())
	c.BaseURL = url + "/api/v2/pokemon"
	return c
}

func TestGetAll(t *testing.T) {
	var limit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count":2,"next":null,"previous":null,"results":[
			{"name":"bulbasaur","url":"https://pokeapi.co/api/v2/pokemon/1/"},
			{"name":"ivysaur","url":"https://pokeapi.co/api/v2/pokemon/2/"}]}`))
	}))
	defer server.Close()

	l := testClient(server.URL).GetAll(context.Background())

	if limit != "151" {
		t.Fatalf("Limit is %s", limit)
	}
	if l.Count != 2 || len(l.Results) != 2 || l.Results[1].Name != "ivysaur" {
		t.Fatalf("Listing is %+v", l)
	}
}

func TestGetAllReturnsEmptyOnFailure(t *testing.T) {
	handlers := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>"))
		},
	}
	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(handler)
			defer server.Close()
			l := testClient(server.URL).GetAll(context.Background())
			if l.Results == nil || len(l.Results) != 0 {
				t.Fatalf("Listing is %+v", l)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		server.Close()
		l := testClient(server.URL).GetAll(context.Background())
		if l.Results == nil || len(l.Results) != 0 {
			t.Fatalf("Listing is %+v", l)
		}
	})
}

func TestGetAllNormalizesMissingResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":0}`))
	}))
	defer server.Close()
	if l := testClient(server.URL).GetAll(context.Background()); l.Results == nil {
		t.Fatal("Results is nil")
	}
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func okHandler(sawIdentity *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); ok {
			*sawIdentity = true
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestDisabledAllowsAll(t *testing.T) {
	m := NewMiddleware("")
	if m.Enabled() {
		t.Fatal("empty hash should disable auth")
	}

	var saw bool
	srv := httptest.NewServer(m.Wrap(okHandler(&saw)))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if saw {
		t.Error("disabled auth should not attach an identity")
	}
}

func TestTokenValidation(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("open-sesame"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	m := NewMiddleware(string(hash))

	var saw bool
	srv := httptest.NewServer(m.Wrap(okHandler(&saw)))
	defer srv.Close()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"valid token", "Bearer open-sesame", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	if !saw {
		t.Error("valid request should carry an identity")
	}
}

func TestSubjectStable(t *testing.T) {
	if subjectFor("abc") != subjectFor("abc") {
		t.Error("subject must be deterministic")
	}
	if subjectFor("abc") == subjectFor("def") {
		t.Error("different tokens should map to different subjects")
	}
}

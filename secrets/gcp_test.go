package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/option"
)

// fakeSecretManager implements the three REST calls GCP uses.
type fakeSecretManager struct {
	mu       sync.Mutex
	versions map[string][]string // resource name -> payloads
	creates  int
}

func (f *fakeSecretManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	writeErr := func(code int, msg string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
	}
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/secrets"):
		name := path + "/" + r.URL.Query().Get("secretId")
		if _, ok := f.versions[name]; ok {
			writeErr(http.StatusConflict, "Secret already exists")
			return
		}
		f.creates++
		f.versions[name] = nil
		_ = json.NewEncoder(w).Encode(map[string]any{"name": name})
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":addVersion"):
		name := strings.TrimSuffix(path, ":addVersion")
		vs, ok := f.versions[name]
		if !ok {
			writeErr(http.StatusNotFound, "Secret not found")
			return
		}
		var body struct {
			Payload struct {
				Data string `json:"data"`
			} `json:"payload"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		raw, _ := base64.StdEncoding.DecodeString(body.Payload.Data)
		f.versions[name] = append(vs, string(raw))
		_ = json.NewEncoder(w).Encode(map[string]any{"name": fmt.Sprintf("%s/versions/%d", name, len(vs)+1)})
	case r.Method == http.MethodGet && strings.HasSuffix(path, ":access"):
		vpath := strings.TrimSuffix(path, ":access")
		i := strings.Index(vpath, "/versions/")
		name, version := vpath[:i], vpath[i+len("/versions/"):]
		vs := f.versions[name]
		if len(vs) == 0 {
			writeErr(http.StatusNotFound, "Secret Version not found")
			return
		}
		val := vs[len(vs)-1]
		if version != "latest" {
			var n int
			_, _ = fmt.Sscanf(version, "%d", &n)
			if n < 1 || n > len(vs) {
				writeErr(http.StatusNotFound, "Secret Version not found")
				return
			}
			val = vs[n-1]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":    vpath,
			"payload": map[string]string{"data": base64.StdEncoding.EncodeToString([]byte(val))},
		})
	default:
		writeErr(http.StatusNotFound, "unknown route "+r.URL.Path)
	}
}

func newTestGCP(t *testing.T) (*GCP, *fakeSecretManager) {
	t.Helper()
	fake := &fakeSecretManager{versions: map[string][]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	g, err := NewGCP(context.Background(), "proj",
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewGCP() error = %v", err)
	}
	return g, fake
}

func TestGCP_PutAndAccess(t *testing.T) {
	ctx := context.Background()
	g, fake := newTestGCP(t)

	path, err := Put(ctx, g, TwitchAccessTokenID("alice"), "at-1")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if path != "projects/proj/secrets/twitch-access-token-alice/versions/1" {
		t.Errorf("version path = %q", path)
	}
	// already-exists on the second ensure is tolerated
	if _, err := Put(ctx, g, TwitchAccessTokenID("alice"), "at-2"); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	if fake.creates != 1 {
		t.Errorf("creates = %d, want 1", fake.creates)
	}
	got, err := g.AccessLatest(ctx, TwitchAccessTokenID("alice"))
	if err != nil || got != "at-2" {
		t.Errorf("AccessLatest = %q, %v; want at-2", got, err)
	}
	got, err = g.AccessLatest(ctx, path)
	if err != nil || got != "at-1" {
		t.Errorf("AccessLatest(version 1) = %q, %v; want at-1", got, err)
	}
}

func TestGCP_AccessMissing(t *testing.T) {
	g, _ := newTestGCP(t)
	_, err := g.AccessLatest(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("AccessLatest(nope) error = %v, want ErrNotFound", err)
	}
}

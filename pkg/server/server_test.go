package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conneroisu/gomega/pkg/accesskey"
	"github.com/conneroisu/gomega/pkg/gpt"
	"github.com/conneroisu/gomega/pkg/memory"
	"github.com/conneroisu/gomega/pkg/vocab"
	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeGenerator appends a fixed reply and records what it was asked.
type fakeGenerator struct {
	mu     sync.Mutex
	reply  []int32
	err    error
	prompt []int32
	opts   gpt.GenerateOptions
}

func (f *fakeGenerator) Generate(_ context.Context, tokens []int32, opts gpt.GenerateOptions, _ rand.Source) ([]int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompt = append([]int32(nil), tokens...)
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return append(append([]int32(nil), tokens...), f.reply...), nil
}

var fixedNow = time.Unix(1_700_000_000, 0)

func newTestServer(t *testing.T, gen *fakeGenerator, opts Options) (*Server, *vocab.Vocab) {
	t.Helper()
	v, err := vocab.Build("\n :ASUabcdehilnoprstuy")
	require.NoError(t, err)
	opts.Secret = "test-secret"
	opts.Now = func() time.Time { return fixedNow }
	return New(gen, v, memory.New(100), opts), v
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func encode(t *testing.T, v *vocab.Vocab, s string) []int32 {
	t.Helper()
	ids, err := v.Encode(s)
	require.NoError(t, err)
	return ids
}

func TestConfigHandler(t *testing.T) {
	s, _ := newTestServer(t, &fakeGenerator{}, Options{})
	w := do(t, s.Routes(), http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"models":[{"id":"gomega-5","label":"gomega-5 (local small)"}],"provider":"local","premiumAvailable":false}`, w.Body.String())
}

func TestKeyAndVerify(t *testing.T) {
	s, _ := newTestServer(t, &fakeGenerator{}, Options{})
	h := s.Routes()

	w := do(t, h, http.MethodGet, "/key", "")
	require.Equal(t, http.StatusOK, w.Code)
	var key struct{ Key string }
	decode(t, w, &key)
	assert.Equal(t, accesskey.Short("test-secret", fixedNow), key.Key)
	assert.Len(t, key.Key, 16)

	var result struct{ Valid bool }
	w = do(t, h, http.MethodPost, "/verify-key", `{"key":"`+key.Key+`"}`)
	decode(t, w, &result)
	assert.True(t, result.Valid)

	w = do(t, h, http.MethodPost, "/verify-key", `{"key":"0000000000000000"}`)
	decode(t, w, &result)
	assert.False(t, result.Valid)

	w = do(t, h, http.MethodPost, "/verify-key", `not json`)
	assert.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &result)
	assert.False(t, result.Valid)
}

func TestChat(t *testing.T) {
	gen := &fakeGenerator{}
	s, v := newTestServer(t, gen, Options{})
	gen.reply = encode(t, v, " hello")
	h := s.Routes()

	body := `{"modelId":"gomega-5","system":"  be nice ","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"yo"}]}`
	w := do(t, h, http.MethodPost, "/chat", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp ChatResponse
	decode(t, w, &resp)
	assert.Equal(t, " hello", resp.Text)

	wantPrompt := encode(t, v, "be nice\nUser: hi\nAssistant: yo\nAssistant:")
	if diff := cmp.Diff(wantPrompt, gen.prompt); diff != "" {
		t.Errorf("prompt mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, gpt.GenerateOptions{MaxNewTokens: 200, Temperature: 0.7, TopK: 40}, gen.opts)

	w = do(t, h, http.MethodGet, "/memories", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"memories":[{"role":"assistant","text":" hello"}]}`, w.Body.String())
}

func TestChatTemperatureAndUnknownChars(t *testing.T) {
	gen := &fakeGenerator{}
	s, v := newTestServer(t, gen, Options{})
	w := do(t, s.Routes(), http.MethodPost, "/chat", `{"temperature":0,"messages":[{"role":"user","content":"Z!"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float32(0), gen.opts.Temperature)

	// Z and ! are not in the vocabulary and map to id 0
	want := append(encode(t, v, "User: "), 0, 0)
	want = append(want, encode(t, v, "\nAssistant:")...)
	assert.Equal(t, want, gen.prompt)
}

func TestChatBadRequest(t *testing.T) {
	s, _ := newTestServer(t, &fakeGenerator{}, Options{})
	for _, body := range []string{"", "{", `{"messages":"nope"}`, `{"temperature":"hot"}`,
		"null", `{"temperature":null}`, `{"messages":[null]}`} {
		w := do(t, s.Routes(), http.MethodPost, "/chat", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.JSONEq(t, `{"error":"bad request"}`, w.Body.String())
	}
}

func TestChatDecodeError(t *testing.T) {
	gen := &fakeGenerator{reply: []int32{1, 999}}
	s, _ := newTestServer(t, gen, Options{})
	w := do(t, s.Routes(), http.MethodPost, "/chat", `{"messages":[]}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Zero(t, s.mem.Len())
}

func TestChatRequestTemperature(t *testing.T) {
	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(`{"system":"s","messages":[{"role":"user","content":"x"}]}`), &req))
	assert.Nil(t, req.Temperature)
	assert.Equal(t, []Message{{Role: "user", Content: "x"}}, req.Messages)

	require.NoError(t, json.Unmarshal([]byte(`{"temperature":1e-40,"system":"s"}`), &req))
	require.NotNil(t, req.Temperature)
	assert.Equal(t, float32(1e-40), *req.Temperature)
	assert.Equal(t, "s", req.System)
}

func TestChatGeneratorError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("boom")}
	s, _ := newTestServer(t, gen, Options{})
	w := do(t, s.Routes(), http.MethodPost, "/chat", `{}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "boom")
}

func TestChatTrimTurns(t *testing.T) {
	gen := &fakeGenerator{}
	s, v := newTestServer(t, gen, Options{TrimTurns: true})
	gen.reply = encode(t, v, " hi there\nUser: stop")
	w := do(t, s.Routes(), http.MethodPost, "/chat", `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp ChatResponse
	decode(t, w, &resp)
	assert.Equal(t, " hi there", resp.Text)
}

func TestTrimReply(t *testing.T) {
	assert.Equal(t, "héllo", trimReply("héllo\nAssistant: again"))
	assert.Equal(t, "a\nUsers are here", trimReply("a\nUsers are here"))
	assert.Equal(t, "", trimReply("\nUser: x"))
	assert.Equal(t, "no turns", trimReply("no turns"))
}

func TestBuildPromptKeepsLastTurns(t *testing.T) {
	var msgs []Message
	for i := 0; i < 25; i++ {
		msgs = append(msgs, Message{Role: "user", Content: string(rune('a' + i))})
	}
	prompt := BuildPrompt("", msgs, 20)
	lines := strings.Split(prompt, "\n")
	require.Len(t, lines, 21)
	assert.Equal(t, "User: f", lines[0])
	assert.Equal(t, "Assistant:", lines[20])

	assert.Equal(t, "Assistant:", BuildPrompt("", nil, 20))
	assert.Equal(t, "Assistant: x\nAssistant:", BuildPrompt("", []Message{{Role: "system", Content: "x"}}, 20))
}

func TestRequestIDHeader(t *testing.T) {
	s, _ := newTestServer(t, &fakeGenerator{}, Options{})
	h := s.Routes()
	w := do(t, h, http.MethodGet, "/config", "")
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	req.Header.Set(requestIDHeader, "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(requestIDHeader))
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, &fakeGenerator{}, Options{Origins: []string{"http://ui.local"}})
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	req.Header.Set("Origin", "http://ui.local")
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	assert.Equal(t, "http://ui.local", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/config", nil)
	req.Header.Set("Origin", "http://evil.com")
	w = httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// panickingGenerator panics on its first call only.
type panickingGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *panickingGenerator) Generate(_ context.Context, tokens []int32, _ gpt.GenerateOptions, _ rand.Source) ([]int32, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		panic("sampler failed")
	}
	return tokens, nil
}

func TestChatRecoversFromGeneratorPanic(t *testing.T) {
	v, err := vocab.Build("\n :ASUabcdehilnoprstuy")
	require.NoError(t, err)
	s := New(&panickingGenerator{}, v, memory.New(10), Options{Secret: "x"})
	h := s.Routes()

	w := do(t, h, http.MethodPost, "/chat", `{}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{}`)).WithContext(ctx)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

// blockingGenerator holds every call until release is closed and records how
// many calls ran at once.
type blockingGenerator struct {
	started chan struct{}
	release chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
	calls     int
}

func (g *blockingGenerator) Generate(_ context.Context, tokens []int32, _ gpt.GenerateOptions, _ rand.Source) ([]int32, error) {
	g.mu.Lock()
	g.calls++
	g.active++
	g.maxActive = max(g.maxActive, g.active)
	g.mu.Unlock()

	g.started <- struct{}{}
	<-g.release

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return tokens, nil
}

func TestChatOneGenerationAtATime(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{}, 2), release: make(chan struct{})}
	v, err := vocab.Build("\n :ASUabcdehilnoprstuy")
	require.NoError(t, err)
	h := New(gen, v, memory.New(10), Options{Secret: "x"}).Routes()

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = do(t, h, http.MethodPost, "/chat", `{}`).Code
		}(i)
	}

	<-gen.started
	select {
	case <-gen.started:
		t.Fatal("second generation started while the first was running")
	case <-time.After(50 * time.Millisecond):
	}

	// a request that gives up while waiting is turned away
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"request cancelled"}`, w.Body.String())

	close(gen.release)
	wg.Wait()
	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, 1, gen.maxActive)
}

func TestChatTinyTemperatureWithModel(t *testing.T) {
	v, err := vocab.Build("\n :ASUabcdehilnoprstuy")
	require.NoError(t, err)
	model, err := gpt.New(gpt.Config{VocabSize: v.Size(), BlockSize: 16, EmbedDim: 8, NumLayers: 1, NumHeads: 2, HiddenMult: 4}, 3)
	require.NoError(t, err)
	h := New(model, v, memory.New(10), Options{Secret: "x", MaxNewTokens: 5}).Routes()

	for _, body := range []string{
		`{"temperature":1e-40,"messages":[{"role":"user","content":"hi"}]}`,
		`{"messages":[{"role":"user","content":"hi"}]}`,
	} {
		w := do(t, h, http.MethodPost, "/chat", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp ChatResponse
		decode(t, w, &resp)
		assert.Len(t, []rune(resp.Text), 5)
	}
}

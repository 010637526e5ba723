package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-crawler/internal/crawler"
)

const demoCode = `
function scrape(kwargs) {
  log("scraping", kwargs.query);
  return [{name: "item-" + kwargs.query, price: 1.5}];
}
`

func newRegistry(t *testing.T, mutate ...func(*Config, *Deps)) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{Root: root, ExecTimeout: 2 * time.Second}
	deps := Deps{}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	r, err := New(cfg, deps)
	require.NoError(t, err)
	return r, r.root.Dir()
}

func ptr[T any](v T) *T { return &v }

func TestAddAndExecute(t *testing.T) {
	t.Parallel()

	r, root := newRegistry(t)
	res := r.Add(AddRequest{Name: "demo_1", Code: demoCode, Description: "demo"})
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Crawler)
	assert.Equal(t, DefaultPlatform, res.Crawler.Platform)
	assert.Equal(t, "demo_1.js", res.Crawler.FilePath)
	assert.Equal(t, 1, res.Crawler.Version)
	assert.True(t, res.Crawler.Enabled)
	assert.FileExists(t, filepath.Join(root, "demo_1.js"))
	assert.FileExists(t, filepath.Join(root, CatalogFile))

	out := r.Execute(context.Background(), "demo_1", map[string]any{"query": "milk"})
	require.True(t, out.Success, out.Error)
	items, ok := out.Output.([]any)
	require.True(t, ok, "output %T", out.Output)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "item-milk", item["name"])
	assert.InDelta(t, 1.5, item["price"], 0.0001)
}

func TestEntryPointFallbacks(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	require.True(t, r.Add(AddRequest{Name: "runner", Code: `function run(k) { return "run:" + k.x; }`}).Success)
	require.True(t, r.Add(AddRequest{Name: "mainer", Code: `function main(k) { return 42; } function run() { return 1; } function scrape() { return "s"; }`}).Success)
	require.True(t, r.Add(AddRequest{Name: "nothing", Code: `var x = 1;`}).Success)

	res := r.Execute(context.Background(), "runner", map[string]any{"x": "y"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "run:y", res.Output)

	res = r.Execute(context.Background(), "mainer", nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "s", res.Output, "scrape wins over run and main")

	res = r.Execute(context.Background(), "nothing", nil)
	assert.False(t, res.Success)
	assert.Equal(t, CodeMissingEntryPoint, res.Code)
}

func TestAddRejectsInvalidName(t *testing.T) {
	t.Parallel()

	r, root := newRegistry(t)
	for _, name := range []string{"", "../evil", "bad-name", "a b", "x.js"} {
		res := r.Add(AddRequest{Name: name, Code: demoCode})
		assert.False(t, res.Success, name)
		assert.Equal(t, CodeInvalidName, res.Code, name)
	}
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "no files may be written for rejected names")
}

func TestAddRejectsSyntaxError(t *testing.T) {
	t.Parallel()

	r, root := newRegistry(t)
	res := r.Add(AddRequest{Name: "broken", Code: "function scrape( {"})
	assert.False(t, res.Success)
	assert.Equal(t, CodeSyntaxError, res.Code)
	_, ok := r.Get("broken")
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(root, "broken.js"))
}

func TestAddRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	require.True(t, r.Add(AddRequest{Name: "dup", Code: demoCode}).Success)
	res := r.Add(AddRequest{Name: "dup", Code: `function scrape() { return 2; }`})
	assert.False(t, res.Success)
	assert.Equal(t, CodeAlreadyExists, res.Code)

	code := r.Code("dup")
	require.True(t, code.Success)
	assert.Equal(t, demoCode, code.Output)
}

func TestAddRejectsSymlinkEscape(t *testing.T) {
	t.Parallel()

	outside := filepath.Join(t.TempDir(), "target.js")
	require.NoError(t, os.WriteFile(outside, []byte("original"), 0o600))

	r, root := newRegistry(t)
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "evil.js")))

	res := r.Add(AddRequest{Name: "evil", Code: demoCode})
	assert.False(t, res.Success)
	assert.Equal(t, CodePathTraversal, res.Code)

	data, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	_, ok := r.Get("evil")
	assert.False(t, ok)
}

func TestDisabledCrawlerIsNotLoaded(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	require.True(t, r.Add(AddRequest{Name: "off", Code: demoCode}).Success)
	require.True(t, r.Update("off", UpdateRequest{Enabled: ptr(false)}).Success)

	_, ok := r.Load("off")
	assert.False(t, ok)
	res := r.Execute(context.Background(), "off", nil)
	assert.Equal(t, CodeNotEnabled, res.Code)

	require.True(t, r.Update("off", UpdateRequest{Enabled: ptr(true)}).Success)
	assert.True(t, r.Execute(context.Background(), "off", map[string]any{"query": "x"}).Success)
}

func TestThrowingCrawlerDoesNotPoisonRegistry(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	require.True(t, r.Add(AddRequest{Name: "thrower", Code: `function scrape() { throw new Error("boom"); }`}).Success)
	require.True(t, r.Add(AddRequest{Name: "demo", Code: demoCode}).Success)

	res := r.Execute(context.Background(), "thrower", nil)
	assert.False(t, res.Success)
	assert.Equal(t, CodeExecutionFailed, res.Code)
	assert.Contains(t, res.Error, "boom")

	assert.True(t, r.Execute(context.Background(), "demo", map[string]any{"query": "a"}).Success)
	assert.Equal(t, CodeExecutionFailed, r.Execute(context.Background(), "thrower", nil).Code)
}

func TestExecuteTimesOut(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, func(c *Config, _ *Deps) { c.ExecTimeout = 100 * time.Millisecond })
	require.True(t, r.Add(AddRequest{Name: "spin", Code: `function scrape() { for (;;) {} }`}).Success)

	start := time.Now()
	res := r.Execute(context.Background(), "spin", nil)
	assert.False(t, res.Success)
	assert.Equal(t, CodeExecutionFailed, res.Code)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteHonorsCancel(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	require.True(t, r.Add(AddRequest{Name: "spin", Code: `function scrape() { for (;;) {} }`}).Success)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	res := r.Execute(ctx, "spin", nil)
	assert.Equal(t, CodeExecutionFailed, res.Code)
	assert.Contains(t, res.Error, context.Canceled.Error())
}

func TestTopLevelFailureIsLoadFailure(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	require.True(t, r.Add(AddRequest{Name: "bad_top", Code: `throw new Error("init"); function scrape() {}`}).Success)
	res := r.Execute(context.Background(), "bad_top", nil)
	assert.Equal(t, CodeLoadFailed, res.Code)
}

func TestUpdateBumpsVersionAndReloads(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	require.True(t, r.Add(AddRequest{Name: "ver", Code: `function scrape() { return 1; }`}).Success)

	h1, ok := r.Load("ver")
	require.True(t, ok)
	assert.Equal(t, 1, h1.Version)
	h1again, ok := r.Load("ver")
	require.True(t, ok)
	assert.Same(t, h1, h1again)

	res := r.Update("ver", UpdateRequest{Code: ptr(`function scrape() { return 2; }`), Description: ptr("v2")})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Crawler.Version)
	assert.Equal(t, "v2", res.Crawler.Description)

	h2, ok := r.Load("ver")
	require.True(t, ok)
	assert.Equal(t, 2, h2.Version)
	out := r.Execute(context.Background(), "ver", nil)
	require.True(t, out.Success)
	assert.EqualValues(t, 2, out.Output)

	res = r.Update("ver", UpdateRequest{Code: ptr("function (")})
	assert.Equal(t, CodeSyntaxError, res.Code)
	d, _ := r.Get("ver")
	assert.Equal(t, 2, d.Version)

	res = r.Update("ver", UpdateRequest{Platform: ptr("shopify")})
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Crawler.Version, "metadata edits keep the version")
}

func TestUpdateCatalogFailureKeepsPreviousCode(t *testing.T) {
	t.Parallel()

	r, root := newRegistry(t)
	const v1 = `function scrape() { return 1; }`
	require.True(t, r.Add(AddRequest{Name: "pinned", Code: v1}).Success)
	h1, ok := r.Load("pinned")
	require.True(t, ok)

	catPath := filepath.Join(root, CatalogFile)
	require.NoError(t, os.Remove(catPath))
	require.NoError(t, os.MkdirAll(filepath.Join(catPath, "blocker"), 0o700))

	res := r.Update("pinned", UpdateRequest{Code: ptr(`function scrape() { return 2; }`)})
	assert.False(t, res.Success)
	assert.Equal(t, CodeStorage, res.Code)

	d, ok := r.Get("pinned")
	require.True(t, ok)
	assert.Equal(t, 1, d.Version)
	data, err := os.ReadFile(filepath.Join(root, "pinned.js"))
	require.NoError(t, err)
	assert.Equal(t, v1, string(data))

	h, ok := r.Load("pinned")
	require.True(t, ok)
	assert.Same(t, h1, h)
	out := r.Execute(context.Background(), "pinned", nil)
	require.True(t, out.Success, out.Error)
	assert.EqualValues(t, 1, out.Output)
}

func TestUpdateAndDeleteUnknown(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	assert.Equal(t, CodeNotFound, r.Update("ghost", UpdateRequest{}).Code)
	assert.Equal(t, CodeNotFound, r.Delete("ghost").Code)
	assert.Equal(t, CodeNotFound, r.Execute(context.Background(), "ghost", nil).Code)
	assert.Equal(t, CodeNotFound, r.Code("ghost").Code)
}

func TestDeleteRemovesEverything(t *testing.T) {
	t.Parallel()

	r, root := newRegistry(t)
	require.True(t, r.Add(AddRequest{Name: "gone", Code: demoCode}).Success)
	_, ok := r.Load("gone")
	require.True(t, ok)

	require.True(t, r.Delete("gone").Success)
	assert.NoFileExists(t, filepath.Join(root, "gone.js"))
	_, ok = r.Get("gone")
	assert.False(t, ok)
	_, ok = r.Load("gone")
	assert.False(t, ok)

	require.True(t, r.Add(AddRequest{Name: "gone", Code: demoCode}).Success)
}

func TestListFiltersAndSorts(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	require.True(t, r.Add(AddRequest{Name: "zeta", Code: demoCode, Platform: "shopify"}).Success)
	require.True(t, r.Add(AddRequest{Name: "alpha", Code: demoCode}).Success)
	require.True(t, r.Add(AddRequest{Name: "mid", Code: demoCode, Platform: "shopify"}).Success)
	require.True(t, r.Update("mid", UpdateRequest{Enabled: ptr(false)}).Success)

	names := func(ds []Descriptor) []string {
		out := make([]string, 0, len(ds))
		for _, d := range ds {
			out = append(out, d.Name)
		}
		return out
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names(r.List(ListFilter{})))
	assert.Equal(t, []string{"mid", "zeta"}, names(r.List(ListFilter{Platform: "shopify"})))
	assert.Equal(t, []string{"alpha", "zeta"}, names(r.List(ListFilter{EnabledOnly: true})))
}

func TestCatalogSurvivesReopen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	r, err := New(Config{Root: root}, Deps{})
	require.NoError(t, err)
	require.True(t, r.Add(AddRequest{Name: "keep", Code: demoCode, Platform: "amazon"}).Success)

	reopened, err := New(Config{Root: root}, Deps{})
	require.NoError(t, err)
	d, ok := reopened.Get("keep")
	require.True(t, ok)
	assert.Equal(t, "amazon", d.Platform)
	assert.True(t, reopened.Execute(context.Background(), "keep", map[string]any{"query": "q"}).Success)
}

func TestNewRejectsCorruptCatalog(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, CatalogFile), []byte("{not json"), 0o600))
	_, err := New(Config{Root: root}, Deps{})
	require.Error(t, err)
}

type stubClient struct{}

func (stubClient) FetchOnce(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if req.URL == "http://fail.test" {
		return crawler.FetchResponse{}, errors.New("dial failed")
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte("<p>hi</p>")}, nil
}

func TestFetchHostFunction(t *testing.T) {
	t.Parallel()

	code := `function scrape(k) { var r = fetch(k.url); return {status: r.status, body: r.body}; }`

	r, _ := newRegistry(t, func(c *Config, d *Deps) {
		c.AllowFetch = true
		d.Client = stubClient{}
	})
	require.True(t, r.Add(AddRequest{Name: "fetcher", Code: code}).Success)

	res := r.Execute(context.Background(), "fetcher", map[string]any{"url": "http://ok.test"})
	require.True(t, res.Success, res.Error)
	out := res.Output.(map[string]any)
	assert.EqualValues(t, 200, out["status"])
	assert.Equal(t, "<p>hi</p>", out["body"])

	res = r.Execute(context.Background(), "fetcher", map[string]any{"url": "http://fail.test"})
	assert.Equal(t, CodeExecutionFailed, res.Code)
	assert.Contains(t, res.Error, "dial failed")

	denied, _ := newRegistry(t)
	require.True(t, denied.Add(AddRequest{Name: "fetcher", Code: code}).Success)
	res = denied.Execute(context.Background(), "fetcher", map[string]any{"url": "http://ok.test"})
	assert.Equal(t, CodeExecutionFailed, res.Code, "fetch is undefined without permission")
}

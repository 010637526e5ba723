package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-crawler/internal/registry"
)

// MockStore is a mock implementation of the Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Add(req registry.AddRequest) registry.Result {
	args := m.Called(req)
	return args.Get(0).(registry.Result)
}

func (m *MockStore) Update(name string, req registry.UpdateRequest) registry.Result {
	args := m.Called(name, req)
	return args.Get(0).(registry.Result)
}

func (m *MockStore) Get(name string) (registry.Descriptor, bool) {
	args := m.Called(name)
	return args.Get(0).(registry.Descriptor), args.Bool(1)
}

func TestImportDisablesOnlyAfterSuccessfulAdd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.js", `function scrape() {}`)
	path := writeFile(t, dir, "m.yaml", `
crawlers:
  - name: a
    enabled: false
    file: a.js
`)
	m, err := Load(path)
	require.NoError(t, err)

	store := new(MockStore)
	store.On("Get", "a").Return(registry.Descriptor{}, false)
	store.On("Add", mock.MatchedBy(func(req registry.AddRequest) bool {
		return req.Name == "a" && req.Code == `function scrape() {}`
	})).Return(registry.Result{Code: registry.CodeStorage, Error: "disk full"})

	results := m.Import(store)
	require.Len(t, results, 1)
	assert.Equal(t, "add", results[0].Action)
	assert.Equal(t, registry.CodeStorage, results[0].Result.Code)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestImportUpdateKeepsPlatformWhenUnset(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.js", `function run() {}`)
	path := writeFile(t, dir, "m.yaml", `
crawlers:
  - name: a
    description: refreshed
    file: a.js
`)
	m, err := Load(path)
	require.NoError(t, err)

	store := new(MockStore)
	store.On("Get", "a").Return(registry.Descriptor{Name: "a", Platform: "shopify"}, true)
	store.On("Update", "a", mock.MatchedBy(func(req registry.UpdateRequest) bool {
		return req.Platform == nil && req.Enabled == nil &&
			req.Code != nil && *req.Description == "refreshed"
	})).Return(registry.Result{Success: true, Message: "updated"})

	results := m.Import(store)
	require.Len(t, results, 1)
	assert.Equal(t, "update", results[0].Action)
	assert.True(t, results[0].Result.Success)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Add", mock.Anything)
}

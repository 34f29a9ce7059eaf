package usecase

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cacheproxy/internal/domain"
)

func TestClassifier_Classify(t *testing.T) {
	c := NewClassifier(staticRules{rules: testConfig(t).RouteRules()})

	tests := []struct {
		name   string
		method string
		url    string
		want   domain.Route
	}{
		{"post is bypass", http.MethodPost, "http://app.test/static/app.js", domain.BypassRoute},
		{"head is bypass", http.MethodHead, "http://app.test/about", domain.BypassRoute},
		{"static asset", http.MethodGet, "http://app.test/static/app.js",
			domain.Route{Partition: domain.PartitionStatic, Strategy: domain.StrategyCacheFirst}},
		{"allow-listed api", http.MethodGet, "http://app.test/api/products",
			domain.Route{Partition: domain.PartitionAPI, Strategy: domain.StrategyNetworkFirstRevalidate}},
		{"allow-listed api with id and query", http.MethodGet, "http://app.test/api/products/42?expand=1",
			domain.Route{Partition: domain.PartitionAPI, Strategy: domain.StrategyNetworkFirstRevalidate}},
		{"api outside allow-list", http.MethodGet, "http://app.test/api/cart", domain.BypassRoute},
		{"page", http.MethodGet, "http://app.test/about",
			domain.Route{Partition: domain.PartitionDynamic, Strategy: domain.StrategyNetworkFirstFallback}},
		{"root without path", http.MethodGet, "http://app.test",
			domain.Route{Partition: domain.PartitionDynamic, Strategy: domain.StrategyNetworkFirstFallback}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Classify(tt.method, u))
		})
	}
}

func TestClassifier_FollowsReloadedRules(t *testing.T) {
	provider := &swappableRules{rules: testConfig(t).RouteRules()}
	c := NewClassifier(provider)
	u, _ := url.Parse("http://app.test/assets/logo.png")

	assert.Equal(t, domain.PartitionDynamic, c.Classify(http.MethodGet, u).Partition)

	cfg := testConfig(t)
	cfg.StaticPrefix = "/assets/"
	provider.rules = cfg.RouteRules()

	assert.Equal(t, domain.PartitionStatic, c.Classify(http.MethodGet, u).Partition)
}

type swappableRules struct {
	rules *domain.RouteRules
}

func (s *swappableRules) Rules() *domain.RouteRules { return s.rules }
func (s *swappableRules) Reload() error             { return nil }

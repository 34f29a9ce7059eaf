package usecase

import (
	"net/http"
	"net/url"
	"strings"

	"cacheproxy/internal/domain"
)

// Classifier はリクエストをパーティションと戦略に振り分ける
// ルールは呼び出しごとにRuleProviderから取得するためリロードに追従する
type Classifier struct {
	rules domain.RuleProvider
}

// NewClassifier は新しいClassifierインスタンスを作成
func NewClassifier(rules domain.RuleProvider) *Classifier {
	return &Classifier{rules: rules}
}

// Classify はメソッドとURLからルートを決定する. I/Oは行わない
func (c *Classifier) Classify(method string, u *url.URL) domain.Route {
	if !strings.EqualFold(method, http.MethodGet) || u == nil {
		return domain.BypassRoute
	}

	rules := c.rules.Rules()
	path := u.Path
	if path == "" {
		path = "/"
	}

	if rules.StaticPrefix != "" && strings.HasPrefix(path, rules.StaticPrefix) {
		return domain.Route{
			Partition: domain.PartitionStatic,
			Strategy:  domain.StrategyCacheFirst,
		}
	}

	if rules.APIPrefix != "" && strings.HasPrefix(path, rules.APIPrefix) {
		for _, m := range rules.APICacheable {
			if m.Match(path) {
				return domain.Route{
					Partition: domain.PartitionAPI,
					Strategy:  domain.StrategyNetworkFirstRevalidate,
				}
			}
		}
		// 許可リスト外のAPIはキャッシュしない
		return domain.BypassRoute
	}

	return domain.Route{
		Partition: domain.PartitionDynamic,
		Strategy:  domain.StrategyNetworkFirstFallback,
	}
}

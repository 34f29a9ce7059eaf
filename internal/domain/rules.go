package domain

// PathMatcher はURLパスのパターンマッチを行うインターフェース.
type PathMatcher interface {
	Match(path string) bool
	String() string
}

// RouteRules は分類ルールを表す.
type RouteRules struct {
	StaticPrefix string
	APIPrefix    string
	APICacheable []PathMatcher
}

// RuleProvider は現在の分類ルールを提供するインターフェース.
type RuleProvider interface {
	Rules() *RouteRules
	Reload() error
}

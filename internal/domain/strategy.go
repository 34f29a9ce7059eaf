package domain

// StrategyKind はキャッシュ戦略の種類.
type StrategyKind string

const (
	StrategyBypass                 StrategyKind = "bypass"
	StrategyCacheFirst             StrategyKind = "cache-first"
	StrategyNetworkFirstRevalidate StrategyKind = "network-first-revalidate"
	StrategyNetworkFirstFallback   StrategyKind = "network-first-fallback"
)

// Outcome は戦略の実行結果を表す.
type Outcome string

const (
	OutcomeCache          Outcome = "served-from-cache"
	OutcomeNetwork        Outcome = "served-from-network"
	OutcomeStaleFallback  Outcome = "served-stale-fallback"
	OutcomeSyntheticError Outcome = "synthetic-error"
	OutcomeBypass         Outcome = "bypass"
)

// CacheHeader はX-Cacheヘッダの値を返す.
func (o Outcome) CacheHeader() string {
	switch o {
	case OutcomeCache:
		return "HIT"
	case OutcomeNetwork:
		return "MISS"
	case OutcomeStaleFallback:
		return "STALE"
	case OutcomeSyntheticError:
		return "SYNTHETIC"
	default:
		return "BYPASS"
	}
}

// Route は分類結果 (パーティションと戦略) を表す.
type Route struct {
	Partition PartitionName
	Strategy  StrategyKind
}

// BypassRoute はキャッシュを経由しないルート.
var BypassRoute = Route{Strategy: StrategyBypass}

// IsBypass はキャッシュを経由しないか確認.
func (r Route) IsBypass() bool {
	return r.Strategy == StrategyBypass
}

package stream

import (
	"fmt"

	"goldflow/internal/market"
)

// TopicOptions selects which exchange streams one connection subscribes to.
type TopicOptions struct {
	Pairs             []market.Pair
	Intervals         []string
	DepthLevel        int
	DepthSpeedMs      int
	IncludeBookTicker bool
	IncludeLastPrice  bool
}

// BuildTopics expands the subscription set for every pair. Duplicates are
// dropped while preserving first-seen order so reconnects resubscribe
// deterministically.
func BuildTopics(opts TopicOptions) []string {
	seen := make(map[string]struct{})
	topics := make([]string, 0, len(opts.Pairs)*(4+len(opts.Intervals)))
	add := func(topic string) {
		if _, ok := seen[topic]; ok {
			return
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}

	depthLevel := opts.DepthLevel
	if depthLevel <= 0 {
		depthLevel = 5
	}

	for _, pair := range opts.Pairs {
		symbol := market.ExchangeSymbol(pair)
		add(symbol + "@trade")
		add(symbol + "@ticker")
		add(symbol + "@markPrice")
		depthTopic := fmt.Sprintf("%s@depth%d", symbol, depthLevel)
		if opts.DepthSpeedMs > 0 {
			depthTopic += fmt.Sprintf("@%dms", opts.DepthSpeedMs)
		}
		add(depthTopic)
		if opts.IncludeBookTicker {
			add(symbol + "@bookTicker")
		}
		if opts.IncludeLastPrice {
			add(symbol + "@lastPrice")
		}
		for _, interval := range opts.Intervals {
			add(symbol + "@kline_" + interval)
		}
	}
	return topics
}

package binance

import (
	"encoding/json"
	"fmt"
	"strings"

	"grid_trader/internal/core"
	"grid_trader/pkg/websocket"

	"github.com/shopspring/decimal"
)

// combinedStreamEnvelope wraps every message on a combined-streams connection
type combinedStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type aggTradeEvent struct {
	EventType string          `json:"e"`
	Symbol    string          `json:"s"`
	Price     decimal.Decimal `json:"p"`
}

// tradeStream consumes a combined aggTrade subscription for a fixed symbol
// set and forwards each trade price to the callback
type tradeStream struct {
	client   *websocket.Client
	callback func(symbol string, price decimal.Decimal)
	logger   core.ILogger
}

func newTradeStream(wsURL string, symbols []string, callback func(symbol string, price decimal.Decimal), logger core.ILogger) (*tradeStream, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("trade stream needs at least one symbol")
	}

	stream := &tradeStream{
		callback: callback,
		logger:   logger.WithField("component", "trade_stream"),
	}
	stream.client = websocket.NewClient(combinedStreamURL(wsURL, symbols), stream.handleMessage, logger)
	return stream, nil
}

// combinedStreamURL builds the combined-streams endpoint; stream names are
// lowercase symbol plus the event suffix
func combinedStreamURL(wsURL string, symbols []string) string {
	names := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		names = append(names, strings.ToLower(symbol)+"@aggTrade")
	}
	return wsURL + "/stream?streams=" + strings.Join(names, "/")
}

func (s *tradeStream) Start() { s.client.Start() }
func (s *tradeStream) Stop()  { s.client.Stop() }

func (s *tradeStream) handleMessage(message []byte) {
	symbol, price, ok := parseAggTrade(message)
	if !ok {
		return
	}
	s.callback(symbol, price)
}

// parseAggTrade extracts (symbol, price) from one combined-stream message.
// Non-trade messages and unparseable payloads are dropped.
func parseAggTrade(message []byte) (string, decimal.Decimal, bool) {
	var envelope combinedStreamEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil || len(envelope.Data) == 0 {
		return "", decimal.Zero, false
	}
	var event aggTradeEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		return "", decimal.Zero, false
	}
	if event.EventType != "aggTrade" || event.Symbol == "" || !event.Price.IsPositive() {
		return "", decimal.Zero, false
	}
	return event.Symbol, event.Price, true
}

package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/pkg/logger"
	"github.com/skalibog/altmap/pkg/models"
)

const testnetURL = "https://testnet.binance.vision"

// MarketData is the read-only exchange surface used by the scanner and the tracker.
type MarketData interface {
	Candles(ctx context.Context, pair, timeframe string, limit int) ([]models.Candle, error)
	Price(ctx context.Context, pair string) (float64, error)
}

// BinanceClient reads Binance spot market data.
type BinanceClient struct {
	spot  *binance.Client
	retry Retrier
}

// NewBinanceClient creates a spot client
func NewBinanceClient(cfg config.BinanceConfig) (*BinanceClient, error) {
	spot := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.Testnet {
		spot.BaseURL = testnetURL
	}
	if cfg.Timeout > 0 {
		spot.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &BinanceClient{
		spot:  spot,
		retry: NewRetrier(cfg.Attempts, cfg.BackoffMin, cfg.BackoffMax),
	}, nil
}

// SetBaseURL points the client at another REST endpoint.
func (c *BinanceClient) SetBaseURL(url string) {
	c.spot.BaseURL = strings.TrimRight(url, "/")
}

// Symbol converts "BTC/USDT" to the exchange symbol "BTCUSDT".
func Symbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}

// Interval maps a scanner timeframe to the exchange kline interval.
func Interval(timeframe string) (string, error) {
	switch strings.ToUpper(timeframe) {
	case models.TF1H:
		return "1h", nil
	case models.TF4H:
		return "4h", nil
	case models.TF1D:
		return "1d", nil
	}
	return "", fmt.Errorf("unsupported timeframe %q", timeframe)
}

// Candles returns up to limit candles, oldest first.
func (c *BinanceClient) Candles(ctx context.Context, pair, timeframe string, limit int) ([]models.Candle, error) {
	interval, err := Interval(timeframe)
	if err != nil {
		return nil, err
	}

	var klines []*binance.Kline
	err = c.retry.Do(ctx, "klines "+pair+" "+timeframe, func() error {
		var e error
		klines, e = c.spot.NewKlinesService().
			Symbol(Symbol(pair)).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return e
	})
	if err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := parseKline(k)
		if err != nil {
			logger.Warn("Skipping malformed kline", zap.String("pair", pair), zap.String("timeframe", timeframe), zap.Error(err))
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// Price returns the last traded price.
func (c *BinanceClient) Price(ctx context.Context, pair string) (float64, error) {
	var prices []*binance.SymbolPrice
	err := c.retry.Do(ctx, "price "+pair, func() error {
		var e error
		prices, e = c.spot.NewListPricesService().Symbol(Symbol(pair)).Do(ctx)
		return e
	})
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: no price for %s", models.ErrTransport, pair)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: price %q for %s: %v", models.ErrTransport, prices[0].Price, pair, err)
	}
	return price, nil
}

func parseKline(k *binance.Kline) (models.Candle, error) {
	var v [5]float64
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("parse %q: %w", s, err)
		}
		v[i] = f
	}
	return models.NewCandle(time.UnixMilli(k.OpenTime).UTC(), v[0], v[1], v[2], v[3], v[4]), nil
}
